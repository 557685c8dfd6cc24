package clients

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymux/usdtsettle/logger"
	ustypes "github.com/paymux/usdtsettle/types"
)

// Mainnet USDT contract, the canonical base58check vector.
const (
	tronUSDTBase58 = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	tronUSDTRawHex = "41a614f803b6fd780986a42c78ec9c7f77e6ded13c"
)

func TestTronAddressDecode_KnownVector(t *testing.T) {
	raw, err := tronToRaw(tronUSDTBase58)
	require.NoError(t, err)
	assert.Equal(t, tronUSDTRawHex, hex.EncodeToString(raw))
	assert.Equal(t, tronUSDTBase58, rawToTron(raw))
}

func TestTronAddressDecode_Rejections(t *testing.T) {
	_, err := tronToRaw("not-base58-0OIl")
	assert.Error(t, err)

	// Valid base58 but wrong length.
	_, err = tronToRaw("TR7NHqje")
	assert.Error(t, err)

	// Corrupt the checksum by flipping the last character.
	corrupted := tronUSDTBase58[:len(tronUSDTBase58)-1] + "u"
	_, err = tronToRaw(corrupted)
	assert.Error(t, err)

	assert.False(t, isTronAddress("0x8ba1f109551bD432803012645Ac136ddd64DBA72"))
	assert.True(t, isTronAddress(tronUSDTBase58))
}

func TestTronABIWords(t *testing.T) {
	raw, err := tronToRaw(tronUSDTBase58)
	require.NoError(t, err)

	word := encodeAddress(raw)
	require.Len(t, word, 64)
	assert.Equal(t, "000000000000000000000000"+tronUSDTRawHex[2:], word)

	assert.Equal(t,
		"00000000000000000000000000000000000000000000000000000000000f4240",
		encodeUint256(big.NewInt(1_000_000)))
}

func newTestTronAdapter(t *testing.T, baseURL string) *TronAdapter {
	t.Helper()
	key, err := crypto.HexToECDSA(testOperatorKey)
	require.NoError(t, err)
	ethAddr := crypto.PubkeyToAddress(key.PublicKey)
	opRaw := append([]byte{tronAddressPrefix}, ethAddr.Bytes()...)
	opAddr := rawToTron(opRaw)
	token, ok := ustypes.NetworkTron.USDT()
	require.True(t, ok)
	tokenRaw, err := tronToRaw(token.Contract)
	require.NoError(t, err)
	return &TronAdapter{
		network:    ustypes.NetworkTron,
		baseURL:    baseURL,
		http:       &http.Client{Timeout: 5 * time.Second},
		token:      token.Contract,
		tokenRaw:   tokenRaw,
		decimals:   token.Decimals,
		operator:   key,
		opAddr:     opAddr,
		opRaw:      opRaw,
		collection: opAddr,
		cfg: ustypes.ClientConfig{
			Network:       ustypes.NetworkTron,
			ReadTimeout:   time.Second,
			SubmitTimeout: 5 * time.Second,
		},
		log: logger.NoopLogger{},
	}
}

func testPayerAddress() string {
	raw := append([]byte{tronAddressPrefix}, make([]byte, 20)...)
	raw[1] = 0x7f
	raw[20] = 0x01
	return rawToTron(raw)
}

func TestTronBuildApproval_Deterministic(t *testing.T) {
	adapter := newTestTronAdapter(t, "http://unused.invalid")
	owner := testPayerAddress()
	amount := decimal.RequireFromString("25.5")

	first, err := adapter.BuildApproval(owner, amount)
	require.NoError(t, err)
	second, err := adapter.BuildApproval(owner, amount)
	require.NoError(t, err)
	assert.Equal(t, first.Payload, second.Payload)
	assert.Equal(t, first.PayloadHash, second.PayloadHash)

	var payload TronApprovalPayload
	require.NoError(t, json.Unmarshal(first.Payload, &payload))
	assert.Equal(t, owner, payload.OwnerAddress)
	assert.Equal(t, adapter.token, payload.ContractAddress)
	assert.Equal(t, "approve(address,uint256)", payload.FunctionSelector)
	assert.EqualValues(t, tronFeeLimit, payload.FeeLimit)
	assert.True(t, payload.Visible)

	// Parameter is two ABI words: operator address then amount (25.5 USDT,
	// 6 decimals).
	require.Len(t, payload.Parameter, 128)
	assert.Equal(t, encodeAddress(adapter.opRaw), payload.Parameter[:64])
	assert.Equal(t, encodeUint256(big.NewInt(25_500_000)), payload.Parameter[64:])
}

func TestTronBuildApproval_RejectsBadOwner(t *testing.T) {
	adapter := newTestTronAdapter(t, "http://unused.invalid")
	_, err := adapter.BuildApproval("", decimal.NewFromInt(1))
	assert.True(t, ustypes.IsKind(err, ustypes.ErrInvalidArgument))
	_, err = adapter.BuildApproval("0x8ba1f109551bD432803012645Ac136ddd64DBA72", decimal.NewFromInt(1))
	assert.True(t, ustypes.IsKind(err, ustypes.ErrInvalidArgument))
}

func constantResult(value *big.Int) tronTriggerResponse {
	return tronTriggerResponse{
		Result:         tronReturn{Result: true},
		ConstantResult: []string{encodeUint256(value)},
	}
}

func TestTronExecute_ShortAllowanceStopsBeforeTrigger(t *testing.T) {
	var triggered bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/wallet/triggerconstantcontract":
			json.NewEncoder(w).Encode(constantResult(big.NewInt(0)))
		case "/wallet/triggersmartcontract":
			triggered = true
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected call to %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	adapter := newTestTronAdapter(t, srv.URL)
	_, err := adapter.ExecuteDelegatedTransfer(context.Background(),
		testPayerAddress(), adapter.collection, decimal.NewFromInt(10), "pay-1")
	assert.True(t, ustypes.IsKind(err, ustypes.ErrInsufficientAllowance))
	assert.False(t, triggered, "no trigger may be issued when the allowance is short")
}

func TestTronTransferStatus(t *testing.T) {
	responses := map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, ok := responses[r.URL.Path]
		if !ok {
			t.Errorf("unexpected call to %s", r.URL.Path)
			return
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()
	adapter := newTestTronAdapter(t, srv.URL)
	ctx := context.Background()

	responses["/wallet/gettransactioninfobyid"] = tronTxInfo{
		ID: "deadbeef", Receipt: tronReceipt{Result: "SUCCESS"},
	}
	status, err := adapter.TransferStatus(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, ustypes.TxConfirmed, status)

	responses["/wallet/gettransactioninfobyid"] = tronTxInfo{
		ID: "deadbeef", Receipt: tronReceipt{Result: "OUT_OF_ENERGY"},
	}
	status, err = adapter.TransferStatus(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, ustypes.TxReverted, status)

	// Not executed yet but known to the node.
	responses["/wallet/gettransactioninfobyid"] = tronTxInfo{}
	responses["/wallet/gettransactionbyid"] = tronTransaction{TxID: "deadbeef"}
	status, err = adapter.TransferStatus(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, ustypes.TxPending, status)

	// Unknown everywhere.
	responses["/wallet/gettransactionbyid"] = tronTransaction{}
	status, err = adapter.TransferStatus(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, ustypes.TxNotFound, status)
}

func TestTronNodeErrorMapping(t *testing.T) {
	err := triggerError(tronReturn{Code: "BANDWITH_ERROR"})
	assert.True(t, ustypes.IsKind(err, ustypes.ErrResourceExhausted))

	err = triggerError(tronReturn{Code: "SERVER_BUSY"})
	assert.True(t, ustypes.IsKind(err, ustypes.ErrTransientNetwork))

	err = triggerError(tronReturn{Code: "CONTRACT_VALIDATE_ERROR", Message: hex.EncodeToString([]byte("bad contract"))})
	assert.True(t, ustypes.IsKind(err, ustypes.ErrChainRejected))

	err = broadcastError(tronReturn{Code: "DUP_TRANSACTION_ERROR"})
	assert.True(t, ustypes.IsKind(err, ustypes.ErrTransientNetwork))

	err = broadcastError(tronReturn{Code: "SIGERROR", Message: hex.EncodeToString([]byte("bad sig"))})
	assert.True(t, ustypes.IsKind(err, ustypes.ErrChainRejected))
}

func TestDecodeTronMessage(t *testing.T) {
	assert.Equal(t, "OUT_OF_ENERGY", decodeTronMessage(hex.EncodeToString([]byte("OUT_OF_ENERGY"))))
	assert.Equal(t, "plain text", decodeTronMessage("plain text"))
}
