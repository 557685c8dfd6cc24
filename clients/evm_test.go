package clients

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ustypes "github.com/paymux/usdtsettle/types"
)

const testOperatorKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"

// newTestEVMAdapter builds an adapter without dialing any RPC node. Only the
// pure payload-construction paths are reachable on it.
func newTestEVMAdapter(t *testing.T, network ustypes.Network) *EVMAdapter {
	t.Helper()
	key, err := crypto.HexToECDSA(testOperatorKey)
	require.NoError(t, err)
	token, ok := network.USDT()
	require.True(t, ok)
	opAddr := crypto.PubkeyToAddress(key.PublicKey)
	return &EVMAdapter{
		network:    network,
		chainID:    big.NewInt(ustypes.EVMChainIDs[network]),
		token:      common.HexToAddress(token.Contract),
		decimals:   token.Decimals,
		operator:   key,
		opAddr:     opAddr,
		collection: opAddr,
	}
}

func TestEVMBuildApproval_Deterministic(t *testing.T) {
	adapter := newTestEVMAdapter(t, ustypes.NetworkEthereum)
	amount := decimal.RequireFromString("12.5")

	first, err := adapter.BuildApproval("0x8ba1f109551bD432803012645Ac136ddd64DBA72", amount)
	require.NoError(t, err)
	second, err := adapter.BuildApproval("0x8ba1f109551bD432803012645Ac136ddd64DBA72", amount)
	require.NoError(t, err)

	assert.Equal(t, first.Payload, second.Payload, "identical inputs must yield byte-identical payloads")
	assert.Equal(t, first.PayloadHash, second.PayloadHash)
	assert.Equal(t, ustypes.HashPayload(first.Payload), first.PayloadHash)
}

func TestEVMBuildApproval_Calldata(t *testing.T) {
	adapter := newTestEVMAdapter(t, ustypes.NetworkEthereum)

	req, err := adapter.BuildApproval("0x8ba1f109551bD432803012645Ac136ddd64DBA72", decimal.RequireFromString("1.5"))
	require.NoError(t, err)

	var payload EVMApprovalPayload
	require.NoError(t, json.Unmarshal(req.Payload, &payload))
	assert.EqualValues(t, 1, payload.ChainID)
	assert.Equal(t, adapter.token.Hex(), payload.To)
	assert.Equal(t, "0", payload.Value)

	calldata, err := hexutil.Decode(payload.Data)
	require.NoError(t, err)
	require.Len(t, calldata, 4+32+32)
	assert.Equal(t, []byte{0x09, 0x5e, 0xa7, 0xb3}, calldata[:4], "approve selector")

	spender := common.BytesToAddress(calldata[4+12 : 4+32])
	assert.Equal(t, adapter.opAddr, spender)

	// 1.5 USDT on a 6-decimals deployment.
	amount := new(big.Int).SetBytes(calldata[36:])
	assert.Zero(t, amount.Cmp(big.NewInt(1_500_000)))
}

func TestEVMBuildApproval_BSCUses18Decimals(t *testing.T) {
	adapter := newTestEVMAdapter(t, ustypes.NetworkBSC)

	req, err := adapter.BuildApproval("0x8ba1f109551bD432803012645Ac136ddd64DBA72", decimal.NewFromInt(2))
	require.NoError(t, err)

	var payload EVMApprovalPayload
	require.NoError(t, json.Unmarshal(req.Payload, &payload))
	assert.EqualValues(t, 56, payload.ChainID)

	calldata, err := hexutil.Decode(payload.Data)
	require.NoError(t, err)
	amount := new(big.Int).SetBytes(calldata[36:])
	expected, _ := new(big.Int).SetString("2000000000000000000", 10)
	assert.Zero(t, amount.Cmp(expected))
}

func TestEVMBuildApproval_RejectsExcessPrecision(t *testing.T) {
	adapter := newTestEVMAdapter(t, ustypes.NetworkEthereum)
	_, err := adapter.BuildApproval("0x8ba1f109551bD432803012645Ac136ddd64DBA72", decimal.RequireFromString("1.0000001"))
	assert.True(t, ustypes.IsKind(err, ustypes.ErrInvalidArgument))
}

func TestAtomicConversionRoundTrip(t *testing.T) {
	amount := decimal.RequireFromString("0.000001")
	atomic, err := ustypes.ToAtomic(amount, 6)
	require.NoError(t, err)
	assert.Zero(t, atomic.Cmp(big.NewInt(1)))
	assert.True(t, ustypes.FromAtomic(atomic, 6).Equal(amount))
}
