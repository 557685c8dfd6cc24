package metrics

import "time"

// Recorder receives payment lifecycle events and operation latencies.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event names recorded by the orchestrator and dispatcher.
const (
	EventAuthorizationBuilt = "authorization_built"
	EventPaymentAuthorized  = "payment_authorized"
	EventSettlementAttempt  = "settlement_attempt"
	EventPaymentCompleted   = "payment_completed"
	EventPaymentFailed      = "payment_failed"
	EventPaymentExpired     = "payment_expired"
	EventWebhookDelivered   = "webhook_delivered"
	EventWebhookRetry       = "webhook_retry"
	EventWebhookExhausted   = "webhook_exhausted"
)
