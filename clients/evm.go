package clients

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/paymux/usdtsettle/logger"
	ustypes "github.com/paymux/usdtsettle/types"
)

var _ ChainAdapter = (*EVMAdapter)(nil)

// transferGasLimit is a fixed conservative ceiling for an ERC-20
// transferFrom. Estimation is advisory only; submission always uses this.
const transferGasLimit = uint64(120_000)

// gasPriceCeilings caps the suggested gas price per network, in wei.
var gasPriceCeilings = map[ustypes.Network]*big.Int{
	ustypes.NetworkEthereum: big.NewInt(150_000_000_000), // 150 gwei
	ustypes.NetworkSepolia:  big.NewInt(150_000_000_000),
	ustypes.NetworkBSC:      big.NewInt(10_000_000_000), // 10 gwei
	ustypes.NetworkBSCTest:  big.NewInt(10_000_000_000),
}

// EVMAdapter serves one EVM network over JSON-RPC. The same implementation
// backs Ethereum and BSC; only chain ID, token metadata and fee ceilings
// differ per instance.
type EVMAdapter struct {
	network    ustypes.Network
	client     *ethclient.Client
	chainID    *big.Int
	token      common.Address
	decimals   int32
	operator   *ecdsa.PrivateKey
	opAddr     common.Address
	collection common.Address
	cfg        ustypes.ClientConfig
	log        logger.Logger
}

func NewEVMAdapter(cfg ustypes.ClientConfig, log logger.Logger) (*EVMAdapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Network.IsEVM() {
		return nil, ustypes.E(ustypes.ErrUnsupportedChain,
			fmt.Sprintf("network %s is not an EVM network", cfg.Network))
	}
	cfg.ApplyDefaults()

	token, ok := cfg.Network.USDT()
	if !ok {
		return nil, ustypes.E(ustypes.ErrUnsupportedChain,
			fmt.Sprintf("no USDT deployment known for %s", cfg.Network))
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OperatorSeed, "0x"))
	if err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrInvalidArgument, "bad operator seed", err)
	}
	opAddr := crypto.PubkeyToAddress(key.PublicKey)

	collection := opAddr
	if cfg.CollectionAddress != "" {
		if !common.IsHexAddress(cfg.CollectionAddress) {
			return nil, ustypes.E(ustypes.ErrInvalidArgument, "bad collection address")
		}
		collection = common.HexToAddress(cfg.CollectionAddress)
	}

	client, err := ethclient.Dial(cfg.RPCUrl)
	if err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrTransientNetwork,
			fmt.Sprintf("failed to connect to %s RPC", cfg.Network), err)
	}

	return &EVMAdapter{
		network:    cfg.Network,
		client:     client,
		chainID:    big.NewInt(ustypes.EVMChainIDs[cfg.Network]),
		token:      common.HexToAddress(token.Contract),
		decimals:   token.Decimals,
		operator:   key,
		opAddr:     opAddr,
		collection: collection,
		cfg:        cfg,
		log:        log,
	}, nil
}

func (e *EVMAdapter) Network() ustypes.Network { return e.network }

func (e *EVMAdapter) OperatorAddress() string { return e.opAddr.Hex() }

func (e *EVMAdapter) CollectionAddress() string { return e.collection.Hex() }

func (e *EVMAdapter) Close() { e.client.Close() }

// USDTBalance reads balanceOf. Soft failure: RPC errors yield OK=false.
func (e *EVMAdapter) USDTBalance(ctx context.Context, address string) (Reading, error) {
	if !common.IsHexAddress(address) {
		return Reading{}, ustypes.E(ustypes.ErrInvalidArgument, "bad EVM address")
	}
	value, err := e.callUint256(ctx, "balanceOf", common.HexToAddress(address))
	if err != nil {
		e.log.Warn("balance read failed", map[string]any{
			"network": e.network.String(), "error": err.Error(),
		})
		return Reading{OK: false}, nil
	}
	return Reading{Value: ustypes.FromAtomic(value, e.decimals), OK: true}, nil
}

// Allowance reads allowance(owner, spender). Same soft-failure policy.
func (e *EVMAdapter) Allowance(ctx context.Context, owner, spender string) (Reading, error) {
	if !common.IsHexAddress(owner) || !common.IsHexAddress(spender) {
		return Reading{}, ustypes.E(ustypes.ErrInvalidArgument, "bad EVM address")
	}
	value, err := e.callUint256(ctx, "allowance",
		common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		e.log.Warn("allowance read failed", map[string]any{
			"network": e.network.String(), "error": err.Error(),
		})
		return Reading{OK: false}, nil
	}
	return Reading{Value: ustypes.FromAtomic(value, e.decimals), OK: true}, nil
}

// BuildApproval constructs the approve(operator, amount) transaction skeleton
// the payer submits. Pure and deterministic: identical inputs yield
// byte-identical payloads.
func (e *EVMAdapter) BuildApproval(owner string, amount decimal.Decimal) (*ustypes.AuthorizationRequest, error) {
	atomic, err := ustypes.ToAtomic(amount, e.decimals)
	if err != nil {
		return nil, err
	}
	calldata, err := erc20ABI.Pack("approve", e.opAddr, atomic)
	if err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrInvalidArgument, "approve encoding failed", err)
	}
	payload, err := json.Marshal(EVMApprovalPayload{
		ChainID: e.chainID.Int64(),
		To:      e.token.Hex(),
		Data:    hexutil.Encode(calldata),
		Value:   "0",
	})
	if err != nil {
		return nil, err
	}
	return &ustypes.AuthorizationRequest{
		Network:         e.network,
		PayerAddress:    owner,
		OperatorAddress: e.opAddr.Hex(),
		Amount:          amount,
		Payload:         payload,
		PayloadHash:     ustypes.HashPayload(payload),
	}, nil
}

// ExecuteDelegatedTransfer submits an operator-signed transferFrom and waits
// for the receipt. On a receipt-wait timeout the returned result still
// carries the tx hash so recovery can poll it.
func (e *EVMAdapter) ExecuteDelegatedTransfer(
	ctx context.Context,
	from, to string,
	amount decimal.Decimal,
	idempotencyKey string,
) (*ustypes.SettlementResult, error) {
	if !common.IsHexAddress(from) || !common.IsHexAddress(to) {
		return nil, ustypes.E(ustypes.ErrInvalidArgument, "bad EVM address")
	}
	atomic, err := ustypes.ToAtomic(amount, e.decimals)
	if err != nil {
		return nil, err
	}
	fromAddr := common.HexToAddress(from)
	toAddr := common.HexToAddress(to)

	// Pre-checks: a call that chain-side logic will revert anyway only
	// wastes fees. Hard reads here, not advisory ones.
	allowance, err := e.callUint256(ctx, "allowance", fromAddr, e.opAddr)
	if err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrTransientNetwork, "allowance read failed", err)
	}
	if allowance.Cmp(atomic) < 0 {
		return nil, ustypes.E(ustypes.ErrInsufficientAllowance, ReasonAllowanceShort)
	}
	balance, err := e.callUint256(ctx, "balanceOf", fromAddr)
	if err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrTransientNetwork, "balance read failed", err)
	}
	if balance.Cmp(atomic) < 0 {
		return nil, ustypes.E(ustypes.ErrInsufficientBalance, ReasonBalanceShort)
	}

	calldata, err := erc20ABI.Pack("transferFrom", fromAddr, toAddr, atomic)
	if err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrInvalidArgument, "transferFrom encoding failed", err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()

	nonce, err := e.client.PendingNonceAt(submitCtx, e.opAddr)
	if err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrTransientNetwork, "nonce read failed", err)
	}
	gasPrice := e.cappedGasPrice(submitCtx)

	tx := gethtypes.NewTransaction(nonce, e.token, big.NewInt(0), transferGasLimit, gasPrice, calldata)
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(e.chainID), e.operator)
	if err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrInvalidArgument, "signing failed", err)
	}

	if err := e.client.SendTransaction(submitCtx, signed); err != nil {
		return nil, ustypes.WrapErr(ustypes.ErrTransientNetwork, ReasonEVMBroadcast, err)
	}
	result := &ustypes.SettlementResult{TxHash: signed.Hash().Hex(), Network: e.network}

	e.log.Info("delegated transfer broadcast", map[string]any{
		"network": e.network.String(),
		"txHash":  result.TxHash,
		"key":     idempotencyKey,
	})

	receipt, err := bind.WaitMined(submitCtx, e.client, signed)
	if err != nil {
		// Broadcast succeeded but confirmation is unknown; the caller
		// must poll TransferStatus before any retry.
		return result, ustypes.WrapErr(ustypes.ErrTransientNetwork, ReasonEVMReceiptTimeout, err)
	}
	if receipt.Status == gethtypes.ReceiptStatusFailed {
		return result, ustypes.E(ustypes.ErrChainRejected, ReasonEVMReverted)
	}
	return result, nil
}

// TransferStatus polls the chain for a previously broadcast transfer.
func (e *EVMAdapter) TransferStatus(ctx context.Context, txHash string) (ustypes.TxStatus, error) {
	readCtx, cancel := context.WithTimeout(ctx, e.cfg.ReadTimeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	receipt, err := e.client.TransactionReceipt(readCtx, hash)
	if err == nil {
		if receipt.Status == gethtypes.ReceiptStatusFailed {
			return ustypes.TxReverted, nil
		}
		return ustypes.TxConfirmed, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return "", ustypes.WrapErr(ustypes.ErrTransientNetwork, "receipt read failed", err)
	}
	_, _, err = e.client.TransactionByHash(readCtx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ustypes.TxNotFound, nil
		}
		return "", ustypes.WrapErr(ustypes.ErrTransientNetwork, "tx lookup failed", err)
	}
	// Known to the node but no receipt yet.
	return ustypes.TxPending, nil
}

func (e *EVMAdapter) callUint256(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	calldata, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	readCtx, cancel := context.WithTimeout(ctx, e.cfg.ReadTimeout)
	defer cancel()

	out, err := e.client.CallContract(readCtx, ethereum.CallMsg{To: &e.token, Data: calldata}, nil)
	if err != nil {
		return nil, err
	}
	values, err := erc20ABI.Unpack(method, out)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected %s output arity %d", method, len(values))
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s output type %T", method, values[0])
	}
	return value, nil
}

// cappedGasPrice uses the node's suggestion up to the per-network ceiling.
// Estimation is advisory; the ceiling is what bounds spend.
func (e *EVMAdapter) cappedGasPrice(ctx context.Context) *big.Int {
	ceiling := gasPriceCeilings[e.network]
	suggested, err := e.client.SuggestGasPrice(ctx)
	if err != nil || suggested.Cmp(ceiling) > 0 {
		return new(big.Int).Set(ceiling)
	}
	return suggested
}
