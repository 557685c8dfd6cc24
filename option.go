package usdtsettle

import (
	"time"

	"github.com/paymux/usdtsettle/ledger"
	"github.com/paymux/usdtsettle/logger"
	"github.com/paymux/usdtsettle/metrics"
	"github.com/paymux/usdtsettle/settlement"
	"github.com/paymux/usdtsettle/webhook"
)

type Option func(*Service)

func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Service) {
		s.rec = r
	}
}

// WithLedger swaps the default in-memory store for a durable one.
func WithLedger(store ledger.Store) Option {
	return func(s *Service) {
		s.store = store
	}
}

// WithLocker swaps the in-process per-payment lock for a shared one, needed
// when several orchestrator processes run against the same ledger.
func WithLocker(l settlement.Locker) Option {
	return func(s *Service) {
		s.locker = l
	}
}

func WithAlerter(a webhook.Alerter) Option {
	return func(s *Service) {
		s.alert = a
	}
}

// WithClock overrides the time source used for payment deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}
