package clients

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/paymux/usdtsettle/logger"
	ustypes "github.com/paymux/usdtsettle/types"
)

var _ ChainAdapter = (*TronAdapter)(nil)

// tronFeeLimit is the fixed fee ceiling for a TRC-20 transferFrom, in SUN
// (100 TRX). TRON meters energy/bandwidth instead of a dynamic gas price;
// the ceiling bounds what the operator account can burn per call.
const tronFeeLimit = int64(100_000_000)

const tronReceiptPollInterval = 3 * time.Second

// TronAdapter speaks the TRON wallet HTTP API: constant triggers for reads
// and the trigger + sign + broadcast three-step shape for transfers.
type TronAdapter struct {
	network    ustypes.Network
	baseURL    string
	http       *http.Client
	token      string // base58
	tokenRaw   []byte
	decimals   int32
	operator   *ecdsa.PrivateKey
	opAddr     string // base58
	opRaw      []byte
	collection string // base58
	cfg        ustypes.ClientConfig
	log        logger.Logger
}

func NewTronAdapter(cfg ustypes.ClientConfig, log logger.Logger) (*TronAdapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Network.IsTron() {
		return nil, ustypes.E(ustypes.ErrUnsupportedChain,
			fmt.Sprintf("network %s is not a TRON network", cfg.Network))
	}
	cfg.ApplyDefaults()

	token, ok := cfg.Network.USDT()
	if !ok {
		return nil, ustypes.E(ustypes.ErrUnsupportedChain,
			fmt.Sprintf("no USDT deployment known for %s", cfg.Network))
	}
	tokenRaw, err := tronToRaw(token.Contract)
	if err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrInvalidArgument, "bad token address", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OperatorSeed, "0x"))
	if err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrInvalidArgument, "bad operator seed", err)
	}
	// TRON uses secp256k1 with keccak address derivation, same as EVM,
	// under a 0x41 version byte.
	ethAddr := crypto.PubkeyToAddress(key.PublicKey)
	opRaw := append([]byte{tronAddressPrefix}, ethAddr.Bytes()...)
	opAddr := rawToTron(opRaw)

	collection := opAddr
	if cfg.CollectionAddress != "" {
		if !isTronAddress(cfg.CollectionAddress) {
			return nil, ustypes.E(ustypes.ErrInvalidArgument, "bad collection address")
		}
		collection = cfg.CollectionAddress
	}

	return &TronAdapter{
		network:    cfg.Network,
		baseURL:    strings.TrimRight(cfg.RPCUrl, "/"),
		http:       &http.Client{Timeout: cfg.SubmitTimeout},
		token:      token.Contract,
		tokenRaw:   tokenRaw,
		decimals:   token.Decimals,
		operator:   key,
		opAddr:     opAddr,
		opRaw:      opRaw,
		collection: collection,
		cfg:        cfg,
		log:        log,
	}, nil
}

func (t *TronAdapter) Network() ustypes.Network { return t.network }

func (t *TronAdapter) OperatorAddress() string { return t.opAddr }

func (t *TronAdapter) CollectionAddress() string { return t.collection }

func (t *TronAdapter) Close() { t.http.CloseIdleConnections() }

// ---------- wallet API types ----------

type tronTriggerRequest struct {
	OwnerAddress     string `json:"owner_address"`
	ContractAddress  string `json:"contract_address"`
	FunctionSelector string `json:"function_selector"`
	Parameter        string `json:"parameter"`
	FeeLimit         int64  `json:"fee_limit,omitempty"`
	CallValue        int64  `json:"call_value"`
	Visible          bool   `json:"visible"`
}

type tronReturn struct {
	Result  bool   `json:"result"`
	Code    string `json:"code"`
	Message string `json:"message"` // hex-encoded ASCII
}

type tronTransaction struct {
	TxID       string          `json:"txID"`
	RawData    json.RawMessage `json:"raw_data"`
	RawDataHex string          `json:"raw_data_hex"`
	Visible    bool            `json:"visible"`
	Signature  []string        `json:"signature,omitempty"`
}

type tronTriggerResponse struct {
	Result         tronReturn      `json:"result"`
	ConstantResult []string        `json:"constant_result"`
	Transaction    tronTransaction `json:"transaction"`
}

type tronReceipt struct {
	Result string `json:"result"` // SUCCESS, REVERT, OUT_OF_ENERGY, ...
}

type tronTxInfo struct {
	ID          string      `json:"id"`
	BlockNumber int64       `json:"blockNumber"`
	Receipt     tronReceipt `json:"receipt"`
	Result      string      `json:"result"` // set to FAILED on failure
}

// TronApprovalPayload is the chain-native authorization payload: the
// triggersmartcontract body the payer submits (then signs and broadcasts)
// to approve the operator.
type TronApprovalPayload struct {
	OwnerAddress     string `json:"owner_address"`
	ContractAddress  string `json:"contract_address"`
	FunctionSelector string `json:"function_selector"`
	Parameter        string `json:"parameter"`
	FeeLimit         int64  `json:"fee_limit"`
	CallValue        int64  `json:"call_value"`
	Visible          bool   `json:"visible"`
}

// ---------- reads ----------

func (t *TronAdapter) USDTBalance(ctx context.Context, address string) (Reading, error) {
	raw, err := tronToRaw(address)
	if err != nil {
		return Reading{}, ustypes.WrapErr(ustypes.ErrInvalidArgument, "bad TRON address", err)
	}
	value, err := t.constantUint256(ctx, address, "balanceOf(address)", encodeAddress(raw))
	if err != nil {
		t.log.Warn("balance read failed", map[string]any{
			"network": t.network.String(), "error": err.Error(),
		})
		return Reading{OK: false}, nil
	}
	return Reading{Value: ustypes.FromAtomic(value, t.decimals), OK: true}, nil
}

func (t *TronAdapter) Allowance(ctx context.Context, owner, spender string) (Reading, error) {
	ownerRaw, err := tronToRaw(owner)
	if err != nil {
		return Reading{}, ustypes.WrapErr(ustypes.ErrInvalidArgument, "bad TRON address", err)
	}
	spenderRaw, err := tronToRaw(spender)
	if err != nil {
		return Reading{}, ustypes.WrapErr(ustypes.ErrInvalidArgument, "bad TRON address", err)
	}
	param := encodeAddress(ownerRaw) + encodeAddress(spenderRaw)
	value, err := t.constantUint256(ctx, owner, "allowance(address,address)", param)
	if err != nil {
		t.log.Warn("allowance read failed", map[string]any{
			"network": t.network.String(), "error": err.Error(),
		})
		return Reading{OK: false}, nil
	}
	return Reading{Value: ustypes.FromAtomic(value, t.decimals), OK: true}, nil
}

// BuildApproval constructs the approve trigger body the payer submits.
// Deterministic: no timestamps, no node state.
func (t *TronAdapter) BuildApproval(owner string, amount decimal.Decimal) (*ustypes.AuthorizationRequest, error) {
	if owner == "" {
		return nil, ustypes.E(ustypes.ErrInvalidArgument, "payer address required for TRON approval")
	}
	if !isTronAddress(owner) {
		return nil, ustypes.E(ustypes.ErrInvalidArgument, "bad TRON address")
	}
	atomic, err := ustypes.ToAtomic(amount, t.decimals)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(TronApprovalPayload{
		OwnerAddress:     owner,
		ContractAddress:  t.token,
		FunctionSelector: "approve(address,uint256)",
		Parameter:        encodeAddress(t.opRaw) + encodeUint256(atomic),
		FeeLimit:         tronFeeLimit,
		CallValue:        0,
		Visible:          true,
	})
	if err != nil {
		return nil, err
	}
	return &ustypes.AuthorizationRequest{
		Network:         t.network,
		PayerAddress:    owner,
		OperatorAddress: t.opAddr,
		Amount:          amount,
		Payload:         payload,
		PayloadHash:     ustypes.HashPayload(payload),
	}, nil
}

// ExecuteDelegatedTransfer runs the three-step trigger + sign + broadcast
// shape, then polls the transaction receipt. Energy/bandwidth shortfalls
// surface as ResourceExhausted so callers can retry after replenishment.
func (t *TronAdapter) ExecuteDelegatedTransfer(
	ctx context.Context,
	from, to string,
	amount decimal.Decimal,
	idempotencyKey string,
) (*ustypes.SettlementResult, error) {
	fromRaw, err := tronToRaw(from)
	if err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrInvalidArgument, "bad TRON address", err)
	}
	toRaw, err := tronToRaw(to)
	if err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrInvalidArgument, "bad TRON address", err)
	}
	atomic, err := ustypes.ToAtomic(amount, t.decimals)
	if err != nil {
		return nil, err
	}

	// Pre-checks before burning energy on a call the contract will revert.
	allowance, err := t.constantUint256(ctx, t.opAddr, "allowance(address,address)",
		encodeAddress(fromRaw)+encodeAddress(t.opRaw))
	if err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrTransientNetwork, "allowance read failed", err)
	}
	if allowance.Cmp(atomic) < 0 {
		return nil, ustypes.E(ustypes.ErrInsufficientAllowance, ReasonAllowanceShort)
	}
	balance, err := t.constantUint256(ctx, t.opAddr, "balanceOf(address)", encodeAddress(fromRaw))
	if err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrTransientNetwork, "balance read failed", err)
	}
	if balance.Cmp(atomic) < 0 {
		return nil, ustypes.E(ustypes.ErrInsufficientBalance, ReasonBalanceShort)
	}

	// Step 1: trigger.
	var trig tronTriggerResponse
	err = t.post(ctx, "/wallet/triggersmartcontract", tronTriggerRequest{
		OwnerAddress:     t.opAddr,
		ContractAddress:  t.token,
		FunctionSelector: "transferFrom(address,address,uint256)",
		Parameter:        encodeAddress(fromRaw) + encodeAddress(toRaw) + encodeUint256(atomic),
		FeeLimit:         tronFeeLimit,
		CallValue:        0,
		Visible:          true,
	}, &trig)
	if err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrTransientNetwork, "trigger failed", err)
	}
	if !trig.Result.Result {
		return nil, triggerError(trig.Result)
	}
	tx := trig.Transaction
	if tx.TxID == "" || tx.RawDataHex == "" {
		return nil, ustypes.E(ustypes.ErrChainRejected, ReasonTronTriggerRejected)
	}

	// Step 2: sign. txID is sha256(raw_data); recompute rather than trust
	// the node blindly.
	rawData, err := hex.DecodeString(tx.RawDataHex)
	if err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrTransientNetwork, "bad raw_data_hex", err)
	}
	digest := sha256.Sum256(rawData)
	if hex.EncodeToString(digest[:]) != strings.ToLower(tx.TxID) {
		return nil, ustypes.E(ustypes.ErrChainRejected, "txID does not match raw_data")
	}
	sig, err := crypto.Sign(digest[:], t.operator)
	if err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrInvalidArgument, "signing failed", err)
	}
	tx.Signature = []string{hex.EncodeToString(sig)}

	// Step 3: broadcast.
	var br tronReturn
	if err := t.post(ctx, "/wallet/broadcasttransaction", tx, &br); err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrTransientNetwork, ReasonTronBroadcast, err)
	}
	if !br.Result {
		return nil, broadcastError(br)
	}
	result := &ustypes.SettlementResult{TxHash: tx.TxID, Network: t.network}

	t.log.Info("delegated transfer broadcast", map[string]any{
		"network": t.network.String(),
		"txHash":  tx.TxID,
		"key":     idempotencyKey,
	})

	// Wait for the execution receipt; energy exhaustion is only visible
	// there, not at broadcast time.
	status, err := t.waitReceipt(ctx, tx.TxID)
	if err != nil {
		return result, err
	}
	switch status {
	case ustypes.TxConfirmed:
		return result, nil
	case ustypes.TxReverted:
		return result, ustypes.E(ustypes.ErrChainRejected, ReasonTronReverted)
	default:
		return result, ustypes.E(ustypes.ErrTransientNetwork, ReasonTronReceiptTimeout)
	}
}

// TransferStatus polls a submitted transfer.
func (t *TronAdapter) TransferStatus(ctx context.Context, txHash string) (ustypes.TxStatus, error) {
	var info tronTxInfo
	err := t.post(ctx, "/wallet/gettransactioninfobyid", map[string]string{"value": txHash}, &info)
	if err != nil {
		return "", ustypes.WrapErr(ustypes.ErrTransientNetwork, "txinfo read failed", err)
	}
	if info.ID == "" {
		// Not executed yet; see if the node knows the transaction at all.
		var tx tronTransaction
		if err := t.post(ctx, "/wallet/gettransactionbyid", map[string]string{"value": txHash}, &tx); err != nil {
			return "", ustypes.WrapErr(ustypes.ErrTransientNetwork, "tx lookup failed", err)
		}
		if tx.TxID == "" {
			return ustypes.TxNotFound, nil
		}
		return ustypes.TxPending, nil
	}
	switch info.Receipt.Result {
	case "", "SUCCESS":
		if info.Result == "FAILED" {
			return ustypes.TxReverted, nil
		}
		return ustypes.TxConfirmed, nil
	case "OUT_OF_ENERGY":
		return ustypes.TxReverted, nil
	default:
		return ustypes.TxReverted, nil
	}
}

func (t *TronAdapter) waitReceipt(ctx context.Context, txID string) (ustypes.TxStatus, error) {
	deadline := time.NewTimer(t.cfg.SubmitTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(tronReceiptPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ustypes.TxPending, ustypes.WrapErr(ustypes.ErrTransientNetwork, ReasonTronReceiptTimeout, ctx.Err())
		case <-deadline.C:
			return ustypes.TxPending, nil
		case <-tick.C:
			var info tronTxInfo
			if err := t.post(ctx, "/wallet/gettransactioninfobyid", map[string]string{"value": txID}, &info); err != nil {
				continue // transient poll failure, keep waiting
			}
			if info.ID == "" {
				continue
			}
			switch info.Receipt.Result {
			case "OUT_OF_ENERGY":
				return ustypes.TxReverted, ustypes.E(ustypes.ErrResourceExhausted, ReasonTronOutOfEnergy)
			case "", "SUCCESS":
				if info.Result == "FAILED" {
					return ustypes.TxReverted, nil
				}
				return ustypes.TxConfirmed, nil
			default:
				return ustypes.TxReverted, nil
			}
		}
	}
}

func (t *TronAdapter) constantUint256(ctx context.Context, owner, selector, parameter string) (*big.Int, error) {
	readCtx, cancel := context.WithTimeout(ctx, t.cfg.ReadTimeout)
	defer cancel()

	var resp tronTriggerResponse
	err := t.post(readCtx, "/wallet/triggerconstantcontract", tronTriggerRequest{
		OwnerAddress:     owner,
		ContractAddress:  t.token,
		FunctionSelector: selector,
		Parameter:        parameter,
		Visible:          true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Result.Result {
		return nil, fmt.Errorf("constant trigger rejected: %s", decodeTronMessage(resp.Result.Message))
	}
	if len(resp.ConstantResult) == 0 {
		return nil, fmt.Errorf("constant trigger returned no result")
	}
	raw, err := hex.DecodeString(resp.ConstantResult[0])
	if err != nil {
		return nil, fmt.Errorf("bad constant result: %w", err)
	}
	return new(big.Int).SetBytes(raw), nil
}

func (t *TronAdapter) post(ctx context.Context, path string, body, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned HTTP %d", path, resp.StatusCode)
	}
	return json.Unmarshal(raw, out)
}

func triggerError(ret tronReturn) error {
	msg := decodeTronMessage(ret.Message)
	switch ret.Code {
	case "BANDWITH_ERROR":
		return ustypes.E(ustypes.ErrResourceExhausted, ReasonTronOutOfBandwidth)
	case "SERVER_BUSY", "NO_CONNECTION", "NOT_ENOUGH_EFFECTIVE_CONNECTION":
		return ustypes.E(ustypes.ErrTransientNetwork, ReasonTronTriggerRejected)
	default:
		return ustypes.WrapErr(ustypes.ErrChainRejected, ReasonTronTriggerRejected, fmt.Errorf("%s", msg))
	}
}

func broadcastError(ret tronReturn) error {
	msg := decodeTronMessage(ret.Message)
	switch ret.Code {
	case "BANDWITH_ERROR":
		return ustypes.E(ustypes.ErrResourceExhausted, ReasonTronOutOfBandwidth)
	case "SERVER_BUSY", "NO_CONNECTION", "NOT_ENOUGH_EFFECTIVE_CONNECTION", "DUP_TRANSACTION_ERROR":
		return ustypes.E(ustypes.ErrTransientNetwork, ReasonTronBroadcast)
	default:
		return ustypes.WrapErr(ustypes.ErrChainRejected, ReasonTronBroadcast, fmt.Errorf("%s", msg))
	}
}

// decodeTronMessage decodes the node's hex-encoded ASCII error message.
func decodeTronMessage(msg string) string {
	decoded, err := hex.DecodeString(msg)
	if err != nil {
		return msg
	}
	return string(decoded)
}

// encodeAddress ABI-encodes a raw 21-byte TRON address as a 32-byte word
// (the 20-byte account, left-padded).
func encodeAddress(raw []byte) string {
	word := make([]byte, 32)
	copy(word[12:], raw[1:])
	return hex.EncodeToString(word)
}

// encodeUint256 ABI-encodes a non-negative integer as a 32-byte word.
func encodeUint256(n *big.Int) string {
	word := make([]byte, 32)
	b := n.Bytes()
	copy(word[32-len(b):], b)
	return hex.EncodeToString(word)
}
