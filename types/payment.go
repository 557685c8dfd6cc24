package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
)

// Status is a payment lifecycle state. Transitions are forward-only: a
// payment never moves against the pipeline order and a terminal payment is
// never resurrected.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAwaitingAuth Status = "awaiting_authorization"
	StatusAuthorized   Status = "authorized"
	StatusSettling     Status = "settling"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusExpired      Status = "expired"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// CanTransition reports whether the forward edge s -> to exists in the
// state machine.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusAwaitingAuth || to == StatusExpired
	case StatusAwaitingAuth:
		return to == StatusAuthorized || to == StatusExpired
	case StatusAuthorized:
		return to == StatusSettling || to == StatusExpired
	case StatusSettling:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Payment is the unit of work. ID is caller-assigned, globally unique, and
// doubles as the idempotency key for all chain operations.
type Payment struct {
	ID               string          `json:"payment_id"`
	Amount           decimal.Decimal `json:"amount"`
	Network          Network         `json:"chain,omitempty"`
	Status           Status          `json:"status"`
	PayerAddress     string          `json:"payer_address,omitempty"`
	SettlementTxHash string          `json:"settlement_tx_hash,omitempty"`
	FailureKind      ErrorKind       `json:"failure_kind,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
}

// Expired reports whether the payment deadline has elapsed at now. Terminal
// payments are not expired; they already finished.
func (p *Payment) Expired(now time.Time) bool {
	return !p.Status.Terminal() && !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// AuthorizationRequest is the chain-native data a payer must sign/submit to
// grant the operator spending rights. It is ephemeral: cached in memory and
// recorded on the event log, never a table of its own.
type AuthorizationRequest struct {
	PaymentID       string          `json:"payment_id"`
	Network         Network         `json:"chain"`
	PayerAddress    string          `json:"payer_address,omitempty"`
	OperatorAddress string          `json:"operator_address"`
	Amount          decimal.Decimal `json:"amount"`
	Payload         []byte          `json:"payload"`
	PayloadHash     string          `json:"payload_hash"`
}

// HashPayload returns the hex sha256 of a payload, used to assert the
// idempotent-rebuild property without comparing full payloads in logs.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Attempt outcomes. InFlight marks an attempt that was appended before
// submission and never finalized; restart recovery treats it as "poll chain
// state before retrying".
const (
	AttemptInFlight    = "in_flight"
	AttemptSuccess     = "success"
	AttemptFailure     = "failure"
	AttemptUnconfirmed = "unconfirmed"
)

// SettlementAttempt is an append-only audit row, one per execution try.
// Attempts for a payment are monotonically numbered and a success attempt
// is always the last one.
type SettlementAttempt struct {
	PaymentID string    `json:"payment_id"`
	Number    int       `json:"attempt_number"`
	Outcome   string    `json:"outcome"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookDelivery is one row per notification attempt. Attempts continue
// until a 2xx response or the configured maximum; nothing retries forever.
type WebhookDelivery struct {
	ID         string    `json:"id"`
	PaymentID  string    `json:"payment_id"`
	TargetURL  string    `json:"target_url"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Attempt    int       `json:"attempt_number"`
	Delivered  bool      `json:"delivered"`
	Timestamp  time.Time `json:"timestamp"`
}

// SettlementResult is what an adapter returns from a delegated transfer.
// TxHash is set as soon as a transaction was broadcast, even when the final
// outcome is still unknown, so recovery can poll it.
type SettlementResult struct {
	TxHash  string  `json:"txHash,omitempty"`
	Network Network `json:"network"`
}

// TxStatus is the observed chain-side state of a submitted transfer.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxReverted  TxStatus = "reverted"
	TxNotFound  TxStatus = "not_found"
)

// WebhookNotice is the terminal-state fact posted to the merchant endpoint.
type WebhookNotice struct {
	PaymentID        string    `json:"payment_id"`
	Status           Status    `json:"status"`
	SettlementTxHash string    `json:"settlement_tx_hash,omitempty"`
	Network          Network   `json:"chain"`
	Timestamp        time.Time `json:"timestamp"`
}
