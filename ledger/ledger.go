// Package ledger defines the storage contract the core requires from its
// persistence collaborator. The core never issues raw queries; any engine
// that satisfies these interfaces can back it.
package ledger

import (
	"context"
	"errors"
	"time"

	ustypes "github.com/paymux/usdtsettle/types"
)

var (
	// ErrNotFound means no payment exists for the given ID.
	ErrNotFound = errors.New("ledger: payment not found")

	// ErrConflict means a compare-and-swap update observed a different
	// current status than expected. The caller must re-read and decide.
	ErrConflict = errors.New("ledger: status conflict")

	// ErrDuplicateID means Create was called with an ID that already
	// exists. Payment IDs are unique for the life of the system.
	ErrDuplicateID = errors.New("ledger: duplicate payment id")

	// ErrTxHashSet means an update tried to overwrite a settlement tx
	// hash. The settlement fact is append-only.
	ErrTxHashSet = errors.New("ledger: settlement tx hash already written")
)

// StatusFields carries the optional columns written together with a status
// transition. Nil-valued fields are left untouched.
type StatusFields struct {
	Network          *ustypes.Network
	PayerAddress     *string
	SettlementTxHash *string
	FailureKind      *ustypes.ErrorKind
}

// Event is one immutable event-log row.
type Event struct {
	ID        string
	PaymentID string
	Type      string
	Data      []byte
	Timestamp time.Time
}

// PaymentLedger is the repository contract for payment records and their
// event log.
type PaymentLedger interface {
	// Create inserts a new payment. ErrDuplicateID on reuse.
	Create(ctx context.Context, p *ustypes.Payment) error

	// GetByID returns a copy of the payment. ErrNotFound when absent.
	GetByID(ctx context.Context, id string) (*ustypes.Payment, error)

	// UpdateStatus transitions from -> to atomically: the write applies
	// only if the stored status still equals from (ErrConflict
	// otherwise). Setting a tx hash when one is already present fails
	// with ErrTxHashSet and changes nothing.
	UpdateStatus(ctx context.Context, id string, from, to ustypes.Status, fields StatusFields) error

	// AppendEvent appends to the immutable event log.
	AppendEvent(ctx context.Context, id, eventType string, data []byte) error

	// ListExpiredPending returns non-terminal payments whose deadline
	// elapsed before now.
	ListExpiredPending(ctx context.Context, now time.Time) ([]*ustypes.Payment, error)
}

// AttemptStore records settlement attempts, one row per execution try.
type AttemptStore interface {
	// AppendAttempt appends the next attempt row. Numbers are assigned by
	// the caller and must be monotonically increasing per payment.
	AppendAttempt(ctx context.Context, a *ustypes.SettlementAttempt) error

	// FinalizeAttempt records the outcome of a previously appended
	// in-flight attempt.
	FinalizeAttempt(ctx context.Context, paymentID string, number int, outcome string, kind ustypes.ErrorKind, txHash string) error

	// AttemptsFor returns attempts ordered by number.
	AttemptsFor(ctx context.Context, paymentID string) ([]*ustypes.SettlementAttempt, error)
}

// DeliveryStore records webhook delivery attempts.
type DeliveryStore interface {
	RecordDelivery(ctx context.Context, d *ustypes.WebhookDelivery) error

	DeliveriesFor(ctx context.Context, paymentID string) ([]*ustypes.WebhookDelivery, error)

	// ListUndelivered returns IDs of terminal payments that never got a
	// successful delivery: the detectable "webhook lost" condition.
	ListUndelivered(ctx context.Context) ([]string, error)
}

// Store is the full storage surface the orchestrator and dispatcher need.
type Store interface {
	PaymentLedger
	AttemptStore
	DeliveryStore
}
