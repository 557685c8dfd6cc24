// Package webhook delivers terminal-state notifications to the merchant
// endpoint. Delivery is at-least-once: every attempt writes an audit row,
// retries follow exponential backoff, and a payment whose notifications all
// failed stays queryable through the ledger's ListUndelivered.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paymux/usdtsettle/ledger"
	"github.com/paymux/usdtsettle/logger"
	"github.com/paymux/usdtsettle/metrics"
	"github.com/paymux/usdtsettle/settlement"
	ustypes "github.com/paymux/usdtsettle/types"
)

const defaultQueueDepth = 256

// Dispatcher posts WebhookNotice payloads to a single merchant URL. It
// satisfies settlement.Notifier: Notify enqueues and returns immediately,
// the Run loop does the HTTP work.
type Dispatcher struct {
	store  ledger.DeliveryStore
	target string
	policy settlement.RetryPolicy
	client *http.Client
	alert  Alerter
	log    logger.Logger
	rec    metrics.Recorder
	now    func() time.Time

	queue chan ustypes.WebhookNotice
	wg    sync.WaitGroup
}

var _ settlement.Notifier = (*Dispatcher)(nil)

type Option func(*Dispatcher)

func WithLogger(l logger.Logger) Option {
	return func(d *Dispatcher) { d.log = l.Named("webhook") }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(d *Dispatcher) { d.rec = r }
}

func WithAlerter(a Alerter) Option {
	return func(d *Dispatcher) { d.alert = a }
}

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithClock overrides the time source used for audit rows.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(store ledger.DeliveryStore, cfg ustypes.WebhookConfig, opts ...Option) *Dispatcher {
	policy := settlement.DefaultWebhookRetryPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		policy.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		policy.MaxDelay = cfg.MaxDelay
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{
		store:  store,
		target: cfg.TargetURL,
		policy: policy,
		client: &http.Client{Timeout: timeout},
		alert:  NoopAlerter{},
		log:    logger.NoopLogger{},
		rec:    metrics.NoopRecorder{},
		now:    time.Now,
		queue:  make(chan ustypes.WebhookNotice, defaultQueueDepth),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify enqueues a notice for background delivery. A full queue drops the
// notice; the loss is detectable through ListUndelivered and recoverable by
// a redelivery sweep.
func (d *Dispatcher) Notify(notice ustypes.WebhookNotice) {
	if d.target == "" {
		return
	}
	select {
	case d.queue <- notice:
	default:
		d.log.Warn("webhook queue full, notice dropped", map[string]any{"payment": notice.PaymentID})
	}
}

// Run consumes the queue until ctx is cancelled, then waits for in-flight
// deliveries to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case notice := <-d.queue:
			d.wg.Add(1)
			go func(n ustypes.WebhookNotice) {
				defer d.wg.Done()
				d.Deliver(ctx, n)
			}(notice)
		}
	}
}

// Deliver posts a notice synchronously, retrying per the policy. Each
// attempt writes one delivery row; the loop stops at the first 2xx or when
// the budget is spent. Returns nil once delivered.
func (d *Dispatcher) Deliver(ctx context.Context, notice ustypes.WebhookNotice) error {
	if d.target == "" {
		return nil
	}
	body, err := json.Marshal(notice)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		if wait := d.policy.Delay(attempt); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		status, postErr := d.post(ctx, body, notice.PaymentID)
		delivered := postErr == nil && status >= 200 && status < 300
		row := &ustypes.WebhookDelivery{
			ID:         uuid.NewString(),
			PaymentID:  notice.PaymentID,
			TargetURL:  d.target,
			HTTPStatus: status,
			Attempt:    attempt,
			Delivered:  delivered,
			Timestamp:  d.now().UTC(),
		}
		if recErr := d.store.RecordDelivery(ctx, row); recErr != nil {
			d.log.Error("delivery row write failed", map[string]any{"payment": notice.PaymentID, "error": recErr.Error()})
		}

		if delivered {
			d.rec.IncCounter(metrics.EventWebhookDelivered, map[string]string{"network": notice.Network.String()})
			d.log.Info("webhook delivered", map[string]any{"payment": notice.PaymentID, "attempt": attempt})
			return nil
		}

		d.rec.IncCounter(metrics.EventWebhookRetry, map[string]string{"network": notice.Network.String()})
		if d.policy.Exhausted(attempt) {
			d.rec.IncCounter(metrics.EventWebhookExhausted, map[string]string{"network": notice.Network.String()})
			d.log.Error("webhook delivery exhausted", map[string]any{
				"payment":  notice.PaymentID,
				"attempts": attempt,
				"status":   status,
			})
			d.alert.Alert(ctx, fmt.Sprintf(
				"webhook delivery exhausted: payment %s reached %s but the merchant endpoint could not be notified after %d attempts",
				notice.PaymentID, notice.Status, attempt))
			if postErr != nil {
				return postErr
			}
			return fmt.Errorf("webhook: endpoint answered %d after %d attempts", status, attempt)
		}
	}
}

// Redeliver re-sends notices for terminal payments with no successful
// delivery. Intended for a startup or periodic sweep paired with the
// ledger's ListUndelivered.
func (d *Dispatcher) Redeliver(ctx context.Context, notices []ustypes.WebhookNotice) {
	for _, n := range notices {
		d.Notify(n)
	}
}

func (d *Dispatcher) post(ctx context.Context, body []byte, paymentID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.target, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Payment-ID", paymentID)
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
