package types

import "errors"

// ErrorKind classifies payment errors. Kinds are stable strings so they can
// be persisted on settlement attempts and surfaced over the wire.
type ErrorKind string

const (
	ErrUnsupportedChain      ErrorKind = "unsupported_chain"
	ErrInsufficientAllowance ErrorKind = "insufficient_allowance"
	ErrInsufficientBalance   ErrorKind = "insufficient_balance"
	ErrResourceExhausted     ErrorKind = "resource_exhausted"
	ErrTransientNetwork      ErrorKind = "transient_network_error"
	ErrChainRejected         ErrorKind = "chain_rejected"
	ErrAlreadyFinalized      ErrorKind = "already_finalized"
	ErrSettlementInProgress  ErrorKind = "settlement_in_progress"
	ErrExpired               ErrorKind = "expired"
	ErrInvalidArgument       ErrorKind = "invalid_argument"
	ErrNotFound              ErrorKind = "not_found"
)

// Retryable reports whether the kind is safe to retry without operator
// investigation. Transient network failures never advance payment status;
// resource exhaustion clears once the operator account replenishes.
func (k ErrorKind) Retryable() bool {
	return k == ErrTransientNetwork || k == ErrResourceExhausted
}

// Reason maps a kind to the small stable payer-facing string. Raw RPC error
// text is logged internally and never surfaced here.
func (k ErrorKind) Reason() string {
	switch k {
	case ErrInsufficientAllowance:
		return "insufficient allowance"
	case ErrInsufficientBalance:
		return "insufficient balance"
	case ErrResourceExhausted, ErrTransientNetwork:
		return "network congestion, retry"
	case ErrExpired:
		return "payment expired"
	case ErrAlreadyFinalized, ErrSettlementInProgress:
		return "already processed"
	case ErrUnsupportedChain:
		return "unsupported chain"
	case ErrChainRejected:
		return "payment rejected on-chain"
	default:
		return "payment failed"
	}
}

// PaymentError is the error type returned by every core operation.
type PaymentError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PaymentError) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// E constructs a PaymentError.
func E(kind ErrorKind, message string) *PaymentError {
	return &PaymentError{Kind: kind, Message: message}
}

// WrapErr constructs a PaymentError wrapping an underlying cause.
func WrapErr(kind ErrorKind, message string, err error) *PaymentError {
	return &PaymentError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from an error chain. Unclassified errors
// are treated as transient so callers never terminally fail a payment on
// an infrastructure error.
func KindOf(err error) ErrorKind {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrTransientNetwork
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *PaymentError
	return errors.As(err, &pe) && pe.Kind == kind
}
