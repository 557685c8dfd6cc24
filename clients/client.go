package clients

import (
	"context"

	"github.com/shopspring/decimal"

	ustypes "github.com/paymux/usdtsettle/types"
)

// Reading is an advisory on-chain read. OK is false when the RPC call failed;
// callers can then distinguish "confirmed zero" from "read failed". Readings
// are never authoritative for settlement decisions.
type Reading struct {
	Value decimal.Decimal
	OK    bool
}

// ChainAdapter hides chain-specific RPC and call conventions behind one
// contract. One instance serves exactly one network.
type ChainAdapter interface {
	// USDTBalance reads the payer's USDT balance. RPC failures yield
	// Reading{OK: false} and a nil error: balances are advisory.
	USDTBalance(ctx context.Context, address string) (Reading, error)

	// Allowance reads the amount owner has authorized spender to move.
	// Same soft-failure policy as USDTBalance.
	Allowance(ctx context.Context, owner, spender string) (Reading, error)

	// BuildApproval deterministically constructs the chain-native payload
	// the payer must submit to grant the operator spending rights. Pure:
	// never touches the network.
	BuildApproval(owner string, amount decimal.Decimal) (*ustypes.AuthorizationRequest, error)

	// ExecuteDelegatedTransfer moves funds from the payer to the collection
	// address using the operator key. The adapter pre-checks allowance and
	// balance and returns typed errors without submitting when either is
	// short. Dedup per idempotencyKey is the orchestrator's job; the
	// adapter only tags the submission for audit.
	ExecuteDelegatedTransfer(ctx context.Context, from, to string, amount decimal.Decimal, idempotencyKey string) (*ustypes.SettlementResult, error)

	// TransferStatus polls the chain for a previously submitted transfer,
	// used by restart recovery before any blind retry.
	TransferStatus(ctx context.Context, txHash string) (ustypes.TxStatus, error)

	// OperatorAddress is the settlement key's address on this network.
	OperatorAddress() string

	// CollectionAddress is where settled funds land.
	CollectionAddress() string

	Network() ustypes.Network
	Close()
}
