// Package usdtsettle collects USDT payments across EVM chains and TRON
// using the delegated-transfer pattern: the payer grants an on-chain
// allowance to a backend-held operator account, and the backend executes
// the pull into the collection address exactly once per payment.
package usdtsettle

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paymux/usdtsettle/authorization"
	"github.com/paymux/usdtsettle/clients"
	"github.com/paymux/usdtsettle/ledger"
	"github.com/paymux/usdtsettle/logger"
	"github.com/paymux/usdtsettle/metrics"
	"github.com/paymux/usdtsettle/settlement"
	ustypes "github.com/paymux/usdtsettle/types"
	"github.com/paymux/usdtsettle/webhook"
)

// Service is the embedding-facing facade. It wires the adapter registry,
// the orchestrator and the webhook dispatcher behind one construction site.
type Service struct {
	builder      *authorization.Builder
	orchestrator *settlement.Orchestrator
	dispatcher   *webhook.Dispatcher

	store  ledger.Store
	locker settlement.Locker
	alert  webhook.Alerter
	log    logger.Logger
	rec    metrics.Recorder
	now    func() time.Time

	paymentTTL time.Duration
	whConfig   ustypes.WebhookConfig
}

// New builds a Service. Networks are added afterwards with AddNetwork;
// a Service with no networks can create payments but never authorize them.
func New(cfg *ustypes.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = &ustypes.Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		builder:    authorization.NewBuilder(),
		log:        logger.NoopLogger{},
		rec:        metrics.NoopRecorder{},
		now:        time.Now,
		paymentTTL: cfg.PaymentTTL,
		whConfig:   cfg.Webhook,
	}
	if s.paymentTTL <= 0 {
		s.paymentTTL = ustypes.DefaultPaymentTTL
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = ledger.NewMemoryStore()
	}
	if s.locker == nil {
		s.locker = settlement.NewKeyedMutex()
	}
	if s.alert == nil {
		s.alert = webhook.NoopAlerter{}
	}

	s.dispatcher = webhook.NewDispatcher(s.store, s.whConfig,
		webhook.WithLogger(s.log),
		webhook.WithMetrics(s.rec),
		webhook.WithAlerter(s.alert),
	)
	s.orchestrator = settlement.NewOrchestrator(s.store, s.builder,
		settlement.WithLocker(s.locker),
		settlement.WithNotifier(s.dispatcher),
		settlement.WithLogger(s.log),
		settlement.WithMetrics(s.rec),
		settlement.WithClock(s.now),
	)
	return s, nil
}

// AddNetwork constructs and registers the adapter for one network.
func (s *Service) AddNetwork(cfg ustypes.ClientConfig) error {
	var (
		adapter clients.ChainAdapter
		err     error
	)
	switch {
	case cfg.Network.IsEVM():
		adapter, err = clients.NewEVMAdapter(cfg, s.log)
	case cfg.Network.IsTron():
		adapter, err = clients.NewTronAdapter(cfg, s.log)
	default:
		return ustypes.E(ustypes.ErrUnsupportedChain,
			fmt.Sprintf("unsupported network: %s", cfg.Network))
	}
	if err != nil {
		return err
	}
	return s.builder.Register(adapter)
}

// Networks returns the registered networks.
func (s *Service) Networks() []ustypes.Network {
	return s.builder.Networks()
}

// CreatePayment registers a payment obligation. The ID is caller-assigned
// and must be globally unique; the expiry deadline is now + the configured
// payment TTL.
func (s *Service) CreatePayment(ctx context.Context, id string, amount decimal.Decimal, payerAddress string) (*ustypes.Payment, error) {
	return s.orchestrator.CreatePayment(ctx, id, amount, payerAddress, s.now().Add(s.paymentTTL))
}

// SelectChainAndBuildAuthorization picks the settlement network and returns
// the approval payload the payer must submit on chain.
func (s *Service) SelectChainAndBuildAuthorization(ctx context.Context, id string, network ustypes.Network) (*ustypes.AuthorizationRequest, error) {
	return s.orchestrator.SelectChainAndBuildAuthorization(ctx, id, network)
}

// ConfirmAuthorizationAndSettle verifies the payer's on-chain allowance and
// executes the delegated transfer. Safe to call repeatedly; at most one
// transfer ever succeeds per payment.
func (s *Service) ConfirmAuthorizationAndSettle(ctx context.Context, id string) error {
	return s.orchestrator.ConfirmAuthorizationAndSettle(ctx, id)
}

// GetPaymentStatus returns a snapshot of the payment record.
func (s *Service) GetPaymentStatus(ctx context.Context, id string) (*ustypes.Payment, error) {
	return s.orchestrator.Status(ctx, id)
}

// SettlementAttempts returns the append-only attempt log for a payment.
func (s *Service) SettlementAttempts(ctx context.Context, id string) ([]*ustypes.SettlementAttempt, error) {
	return s.store.AttemptsFor(ctx, id)
}

// SweepExpired runs one expiry pass and reports how many payments moved to
// expired.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.orchestrator.ExpireStale(ctx)
}

// Run starts the background loops: webhook delivery and the periodic expiry
// sweep. It blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	go s.dispatcher.Run(ctx)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.orchestrator.ExpireStale(ctx); err != nil {
				s.log.Warn("expiry sweep failed", map[string]any{"error": err.Error()})
			} else if n > 0 {
				s.log.Info("expired stale payments", map[string]any{"count": n})
			}
		}
	}
}

// Close releases chain connections.
func (s *Service) Close() {
	s.builder.Close()
}
