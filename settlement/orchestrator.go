// Package settlement drives a payment through its bounded state machine:
// authorize, verify, transfer, notify. The central guarantee is at-most-one
// successful delegated transfer per payment ID, across concurrent callers
// and process restarts.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paymux/usdtsettle/authorization"
	"github.com/paymux/usdtsettle/clients"
	"github.com/paymux/usdtsettle/ledger"
	"github.com/paymux/usdtsettle/logger"
	"github.com/paymux/usdtsettle/metrics"
	ustypes "github.com/paymux/usdtsettle/types"
)

// Notifier receives terminal-state facts. Delivery runs on the notifier's
// own schedule; the orchestrator never waits on it.
type Notifier interface {
	Notify(notice ustypes.WebhookNotice)
}

type noopNotifier struct{}

func (noopNotifier) Notify(ustypes.WebhookNotice) {}

// recoveryGrace is how long an in-flight attempt with no recorded tx hash
// blocks a fresh attempt. Within the window the earlier submission may still
// be racing; past it, a broadcast would have produced a hash or an error.
const recoveryGrace = 2 * time.Minute

// Orchestrator owns every Payment mutation. Balance and allowance reads run
// unsynchronized; only the authorized -> settling edge and the transfer call
// are held under the per-payment lock.
type Orchestrator struct {
	store   ledger.Store
	builder *authorization.Builder
	locker  Locker
	notify  Notifier
	log     logger.Logger
	rec     metrics.Recorder
	now     func() time.Time

	mu        sync.Mutex
	authCache map[string]*ustypes.AuthorizationRequest
}

type Option func(*Orchestrator)

func WithLocker(l Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notify = n }
}

func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) { o.log = l.Named("settlement") }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.rec = r }
}

// WithClock overrides the time source, the test seam for expiry.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(store ledger.Store, builder *authorization.Builder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		builder:   builder,
		locker:    NewKeyedMutex(),
		notify:    noopNotifier{},
		log:       logger.NoopLogger{},
		rec:       metrics.NoopRecorder{},
		now:       time.Now,
		authCache: make(map[string]*ustypes.AuthorizationRequest),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreatePayment records a new payment in pending.
func (o *Orchestrator) CreatePayment(ctx context.Context, id string, amount decimal.Decimal, payerAddress string, expiresAt time.Time) (*ustypes.Payment, error) {
	if id == "" {
		return nil, ustypes.E(ustypes.ErrInvalidArgument, "payment id required")
	}
	if !amount.IsPositive() {
		return nil, ustypes.E(ustypes.ErrInvalidArgument, "amount must be positive")
	}
	p := &ustypes.Payment{
		ID:           id,
		Amount:       amount,
		Status:       ustypes.StatusPending,
		PayerAddress: payerAddress,
		CreatedAt:    o.now().UTC(),
		ExpiresAt:    expiresAt,
	}
	if err := o.store.Create(ctx, p); err != nil {
		if errors.Is(err, ledger.ErrDuplicateID) {
			return nil, ustypes.WrapErr(ustypes.ErrInvalidArgument, "payment id already exists", err)
		}
		return nil, ustypes.WrapErr(ustypes.ErrTransientNetwork, "ledger create failed", err)
	}
	_ = o.store.AppendEvent(ctx, id, "payment_created", nil)
	return p, nil
}

// Status returns a snapshot of the payment.
func (o *Orchestrator) Status(ctx context.Context, id string) (*ustypes.Payment, error) {
	p, err := o.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ustypes.E(ustypes.ErrNotFound, "unknown payment")
		}
		return nil, ustypes.WrapErr(ustypes.ErrTransientNetwork, "ledger read failed", err)
	}
	return p, nil
}

// IsExpired is the expiry predicate used by external sweep schedulers.
func (o *Orchestrator) IsExpired(p *ustypes.Payment) bool {
	return p.Expired(o.now())
}

// SelectChainAndBuildAuthorization picks the settlement network for a
// payment and returns the payload the payer must submit. Idempotent per
// (payment, network): repeating the call returns the byte-identical cached
// request; a different network discards the prior request and rebuilds,
// which is rejected once any settlement attempt exists.
func (o *Orchestrator) SelectChainAndBuildAuthorization(ctx context.Context, id string, network ustypes.Network) (*ustypes.AuthorizationRequest, error) {
	p, err := o.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.gateNonTerminal(ctx, p); err != nil {
		return nil, err
	}
	switch p.Status {
	case ustypes.StatusPending, ustypes.StatusAwaitingAuth:
	case ustypes.StatusSettling:
		return nil, ustypes.E(ustypes.ErrSettlementInProgress, "settlement already in flight")
	default:
		return nil, ustypes.E(ustypes.ErrInvalidArgument, "chain is locked once authorization is confirmed")
	}

	o.mu.Lock()
	cached := o.authCache[id]
	o.mu.Unlock()
	if cached != nil && cached.Network == network {
		return cached, nil
	}

	if p.Status == ustypes.StatusAwaitingAuth && p.Network != network {
		attempts, err := o.store.AttemptsFor(ctx, id)
		if err != nil {
			return nil, ustypes.WrapErr(ustypes.ErrTransientNetwork, "attempt log read failed", err)
		}
		if len(attempts) > 0 {
			return nil, ustypes.E(ustypes.ErrInvalidArgument, "chain cannot change after a settlement attempt")
		}
	}

	req, err := o.builder.BuildApproval(p, network)
	if err != nil {
		return nil, err
	}

	fields := ledger.StatusFields{Network: &network}
	from := p.Status
	if err := o.store.UpdateStatus(ctx, id, from, ustypes.StatusAwaitingAuth, fields); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			return nil, ustypes.E(ustypes.ErrSettlementInProgress, "payment changed concurrently")
		}
		return nil, ustypes.WrapErr(ustypes.ErrTransientNetwork, "ledger update failed", err)
	}

	o.appendEvent(ctx, id, "authorization_built", map[string]any{
		"chain":        network.String(),
		"payload_hash": req.PayloadHash,
		"operator":     req.OperatorAddress,
	})
	o.rec.IncCounter(metrics.EventAuthorizationBuilt, map[string]string{"network": network.String()})

	o.mu.Lock()
	o.authCache[id] = req
	o.mu.Unlock()
	return req, nil
}

// ConfirmAuthorizationAndSettle verifies the payer's on-chain allowance and
// executes the delegated transfer, exactly once per payment. Concurrent
// callers for the same payment get SettlementInProgress; a terminal payment
// gets AlreadyFinalized without side effects.
func (o *Orchestrator) ConfirmAuthorizationAndSettle(ctx context.Context, id string) error {
	p, err := o.Status(ctx, id)
	if err != nil {
		return err
	}
	if err := o.gateNonTerminal(ctx, p); err != nil {
		return err
	}
	if p.Status == ustypes.StatusPending {
		return ustypes.E(ustypes.ErrInvalidArgument, "no chain selected for payment")
	}

	release, ok, err := o.locker.TryAcquire(ctx, id)
	if err != nil {
		return ustypes.WrapErr(ustypes.ErrTransientNetwork, "lock acquire failed", err)
	}
	if !ok {
		return ustypes.E(ustypes.ErrSettlementInProgress, "another settlement is in flight")
	}
	defer release()

	// Re-read under the lock: the losing side of a race sees the winner's
	// writes here.
	p, err = o.Status(ctx, id)
	if err != nil {
		return err
	}
	if err := o.gateNonTerminal(ctx, p); err != nil {
		return err
	}

	adapter, err := o.builder.Adapter(p.Network)
	if err != nil {
		return err
	}
	if p.PayerAddress == "" {
		return ustypes.E(ustypes.ErrInvalidArgument, "payer address unknown")
	}

	attempts, err := o.store.AttemptsFor(ctx, id)
	if err != nil {
		return ustypes.WrapErr(ustypes.ErrTransientNetwork, "attempt log read failed", err)
	}
	if done, err := o.recoverInFlight(ctx, p, adapter, attempts); done || err != nil {
		return err
	}

	// The recovery pass may have released a stale settling marker;
	// refresh our view.
	p, err = o.Status(ctx, id)
	if err != nil {
		return err
	}

	// Allowance is re-verified immediately before transfer, not only at
	// the authorized transition: it can be revoked or spent in between.
	allowance, err := adapter.Allowance(ctx, p.PayerAddress, adapter.OperatorAddress())
	if err != nil {
		return err
	}
	if !allowance.OK {
		return ustypes.E(ustypes.ErrTransientNetwork, "allowance unreadable")
	}
	if allowance.Value.LessThan(p.Amount) {
		return ustypes.E(ustypes.ErrInsufficientAllowance, "on-chain allowance below payment amount")
	}

	if p.Status == ustypes.StatusAwaitingAuth {
		if err := o.transition(ctx, p.ID, ustypes.StatusAwaitingAuth, ustypes.StatusAuthorized, ledger.StatusFields{}); err != nil {
			return err
		}
		p.Status = ustypes.StatusAuthorized
		o.appendEvent(ctx, id, "payment_authorized", map[string]any{"chain": p.Network.String()})
		o.rec.IncCounter(metrics.EventPaymentAuthorized, map[string]string{"network": p.Network.String()})
	}

	// Advisory balance check: skips a doomed submission when the read
	// works, but a failed read never blocks settlement.
	if balance, err := adapter.USDTBalance(ctx, p.PayerAddress); err == nil && balance.OK && balance.Value.LessThan(p.Amount) {
		return ustypes.E(ustypes.ErrInsufficientBalance, "payer balance below payment amount")
	}

	return o.executeTransfer(ctx, p, adapter, len(attempts)+1)
}

// executeTransfer holds the settling marker for the duration of the chain
// call and maps the outcome onto the state machine.
func (o *Orchestrator) executeTransfer(ctx context.Context, p *ustypes.Payment, adapter clients.ChainAdapter, attemptNo int) error {
	if err := o.transition(ctx, p.ID, ustypes.StatusAuthorized, ustypes.StatusSettling, ledger.StatusFields{}); err != nil {
		return err
	}
	if err := o.store.AppendAttempt(ctx, &ustypes.SettlementAttempt{
		PaymentID: p.ID,
		Number:    attemptNo,
		Outcome:   ustypes.AttemptInFlight,
		Timestamp: o.now().UTC(),
	}); err != nil {
		o.releaseSettling(ctx, p.ID)
		return ustypes.WrapErr(ustypes.ErrTransientNetwork, "attempt log write failed", err)
	}
	o.rec.IncCounter(metrics.EventSettlementAttempt, map[string]string{"network": p.Network.String()})

	started := o.now()
	result, err := adapter.ExecuteDelegatedTransfer(ctx, p.PayerAddress, adapter.CollectionAddress(), p.Amount, p.ID)
	o.rec.ObserveLatency("delegated_transfer", o.now().Sub(started), map[string]string{"network": p.Network.String()})

	txHash := ""
	if result != nil {
		txHash = result.TxHash
	}

	if err == nil {
		if ferr := o.store.FinalizeAttempt(ctx, p.ID, attemptNo, ustypes.AttemptSuccess, "", txHash); ferr != nil {
			o.log.Error("attempt finalize failed", map[string]any{"payment": p.ID, "error": ferr.Error()})
		}
		return o.complete(ctx, p, txHash)
	}

	kind := ustypes.KindOf(err)
	switch kind {
	case ustypes.ErrChainRejected:
		_ = o.store.FinalizeAttempt(ctx, p.ID, attemptNo, ustypes.AttemptFailure, kind, txHash)
		return o.fail(ctx, p, kind, err)
	case ustypes.ErrTransientNetwork:
		if txHash != "" {
			// Broadcast but unconfirmed: keep the hash so recovery can
			// poll it; the payment returns to authorized, never failed.
			_ = o.store.FinalizeAttempt(ctx, p.ID, attemptNo, ustypes.AttemptUnconfirmed, kind, txHash)
		} else {
			_ = o.store.FinalizeAttempt(ctx, p.ID, attemptNo, ustypes.AttemptFailure, kind, "")
		}
		o.releaseSettling(ctx, p.ID)
		return err
	default:
		// Precondition rejections and resource exhaustion: no transfer
		// happened (or it consumed resources without moving funds);
		// the payment stays authorized for a later retry.
		_ = o.store.FinalizeAttempt(ctx, p.ID, attemptNo, ustypes.AttemptFailure, kind, txHash)
		o.releaseSettling(ctx, p.ID)
		return err
	}
}

// recoverInFlight consults the attempt log before any new transfer. An
// attempt with no confirmed outcome means "poll chain state before
// retrying", never "retry blindly". Returns done=true when the payment
// reached a terminal outcome during recovery.
func (o *Orchestrator) recoverInFlight(ctx context.Context, p *ustypes.Payment, adapter clients.ChainAdapter, attempts []*ustypes.SettlementAttempt) (bool, error) {
	var open *ustypes.SettlementAttempt
	if len(attempts) > 0 {
		last := attempts[len(attempts)-1]
		if last.Outcome == ustypes.AttemptInFlight || last.Outcome == ustypes.AttemptUnconfirmed {
			open = last
		}
	}
	if open == nil {
		if p.Status == ustypes.StatusSettling {
			// Crash between the settling write and the attempt append:
			// nothing was broadcast, release the marker.
			o.releaseSettling(ctx, p.ID)
		}
		return false, nil
	}

	if open.TxHash == "" {
		if o.now().Sub(open.Timestamp) < recoveryGrace {
			return true, ustypes.E(ustypes.ErrSettlementInProgress, "earlier attempt still unresolved")
		}
		// Old enough that a broadcast would have recorded a hash.
		_ = o.store.FinalizeAttempt(ctx, p.ID, open.Number, ustypes.AttemptFailure, ustypes.ErrTransientNetwork, "")
		if p.Status == ustypes.StatusSettling {
			o.releaseSettling(ctx, p.ID)
		}
		return false, nil
	}

	status, err := adapter.TransferStatus(ctx, open.TxHash)
	if err != nil {
		return true, ustypes.WrapErr(ustypes.ErrTransientNetwork, "chain poll failed", err)
	}
	switch status {
	case ustypes.TxConfirmed:
		if err := o.reenterSettling(ctx, p); err != nil {
			return true, err
		}
		_ = o.store.FinalizeAttempt(ctx, p.ID, open.Number, ustypes.AttemptSuccess, "", open.TxHash)
		return true, o.complete(ctx, p, open.TxHash)
	case ustypes.TxReverted:
		if err := o.reenterSettling(ctx, p); err != nil {
			return true, err
		}
		_ = o.store.FinalizeAttempt(ctx, p.ID, open.Number, ustypes.AttemptFailure, ustypes.ErrChainRejected, open.TxHash)
		return true, o.fail(ctx, p, ustypes.ErrChainRejected, ustypes.E(ustypes.ErrChainRejected, "recovered transfer reverted"))
	case ustypes.TxPending:
		return true, ustypes.E(ustypes.ErrSettlementInProgress, "earlier transfer still pending on chain")
	default: // TxNotFound: dropped from the mempool, safe to retry
		_ = o.store.FinalizeAttempt(ctx, p.ID, open.Number, ustypes.AttemptFailure, ustypes.ErrTransientNetwork, open.TxHash)
		if p.Status == ustypes.StatusSettling {
			o.releaseSettling(ctx, p.ID)
		}
		return false, nil
	}
}

// ExpireStale moves stale pre-settlement payments to expired. The schedule
// that drives it lives outside the core.
func (o *Orchestrator) ExpireStale(ctx context.Context) (int, error) {
	stale, err := o.store.ListExpiredPending(ctx, o.now())
	if err != nil {
		return 0, ustypes.WrapErr(ustypes.ErrTransientNetwork, "expiry scan failed", err)
	}
	expired := 0
	for _, p := range stale {
		if err := o.expire(ctx, p); err == nil {
			expired++
		}
	}
	return expired, nil
}

func (o *Orchestrator) gateNonTerminal(ctx context.Context, p *ustypes.Payment) error {
	switch {
	case p.Status == ustypes.StatusExpired:
		return ustypes.E(ustypes.ErrExpired, "payment expired")
	case p.Status.Terminal():
		return ustypes.E(ustypes.ErrAlreadyFinalized,
			fmt.Sprintf("payment already %s", p.Status))
	case p.Expired(o.now()):
		// A slow payer signing after the deadline settles never.
		_ = o.expire(ctx, p)
		return ustypes.E(ustypes.ErrExpired, "payment expired")
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, p *ustypes.Payment, txHash string) error {
	fields := ledger.StatusFields{SettlementTxHash: &txHash}
	if err := o.transition(ctx, p.ID, ustypes.StatusSettling, ustypes.StatusCompleted, fields); err != nil {
		return err
	}
	o.appendEvent(ctx, p.ID, "payment_completed", map[string]any{"tx_hash": txHash})
	o.rec.IncCounter(metrics.EventPaymentCompleted, map[string]string{"network": p.Network.String()})
	o.log.Info("payment completed", map[string]any{"payment": p.ID, "txHash": txHash})
	o.dropCache(p.ID)
	o.notify.Notify(ustypes.WebhookNotice{
		PaymentID:        p.ID,
		Status:           ustypes.StatusCompleted,
		SettlementTxHash: txHash,
		Network:          p.Network,
		Timestamp:        o.now().UTC(),
	})
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, p *ustypes.Payment, kind ustypes.ErrorKind, cause error) error {
	fields := ledger.StatusFields{FailureKind: &kind}
	if err := o.transition(ctx, p.ID, ustypes.StatusSettling, ustypes.StatusFailed, fields); err != nil {
		return err
	}
	o.appendEvent(ctx, p.ID, "payment_failed", map[string]any{"kind": string(kind)})
	o.rec.IncCounter(metrics.EventPaymentFailed, map[string]string{"network": p.Network.String()})
	o.log.Warn("payment failed", map[string]any{"payment": p.ID, "kind": string(kind)})
	o.dropCache(p.ID)
	o.notify.Notify(ustypes.WebhookNotice{
		PaymentID: p.ID,
		Status:    ustypes.StatusFailed,
		Network:   p.Network,
		Timestamp: o.now().UTC(),
	})
	return cause
}

func (o *Orchestrator) expire(ctx context.Context, p *ustypes.Payment) error {
	if !p.Status.CanTransition(ustypes.StatusExpired) {
		return ustypes.E(ustypes.ErrInvalidArgument, "payment not expirable")
	}
	if err := o.transition(ctx, p.ID, p.Status, ustypes.StatusExpired, ledger.StatusFields{}); err != nil {
		return err
	}
	o.appendEvent(ctx, p.ID, "payment_expired", nil)
	o.rec.IncCounter(metrics.EventPaymentExpired, map[string]string{"network": p.Network.String()})
	o.dropCache(p.ID)
	o.notify.Notify(ustypes.WebhookNotice{
		PaymentID: p.ID,
		Status:    ustypes.StatusExpired,
		Network:   p.Network,
		Timestamp: o.now().UTC(),
	})
	return nil
}

// transition applies a forward edge through the ledger's CAS update.
func (o *Orchestrator) transition(ctx context.Context, id string, from, to ustypes.Status, fields ledger.StatusFields) error {
	if !from.CanTransition(to) {
		return ustypes.E(ustypes.ErrInvalidArgument,
			fmt.Sprintf("illegal transition %s -> %s", from, to))
	}
	err := o.store.UpdateStatus(ctx, id, from, to, fields)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrConflict):
		return ustypes.E(ustypes.ErrSettlementInProgress, "payment changed concurrently")
	case errors.Is(err, ledger.ErrTxHashSet):
		return ustypes.E(ustypes.ErrAlreadyFinalized, "settlement already recorded")
	case errors.Is(err, ledger.ErrNotFound):
		return ustypes.E(ustypes.ErrNotFound, "unknown payment")
	default:
		return ustypes.WrapErr(ustypes.ErrTransientNetwork, "ledger update failed", err)
	}
}

// reenterSettling moves a recovered payment back to settling so the
// terminal transition can apply. A payment with an open attempt is either
// authorized (marker released) or already settling (crash mid-flight).
func (o *Orchestrator) reenterSettling(ctx context.Context, p *ustypes.Payment) error {
	if p.Status == ustypes.StatusSettling {
		return nil
	}
	if err := o.transition(ctx, p.ID, p.Status, ustypes.StatusSettling, ledger.StatusFields{}); err != nil {
		return err
	}
	p.Status = ustypes.StatusSettling
	return nil
}

// releaseSettling returns a payment to authorized after an attempt that
// produced no terminal fact. This is the marker release, not a state-machine
// edge: CanTransition never allows settling -> authorized.
func (o *Orchestrator) releaseSettling(ctx context.Context, id string) {
	if err := o.store.UpdateStatus(ctx, id, ustypes.StatusSettling, ustypes.StatusAuthorized, ledger.StatusFields{}); err != nil {
		o.log.Error("settling release failed", map[string]any{"payment": id, "error": err.Error()})
	}
}

func (o *Orchestrator) appendEvent(ctx context.Context, id, eventType string, data map[string]any) {
	var encoded []byte
	if data != nil {
		encoded, _ = json.Marshal(data)
	}
	if err := o.store.AppendEvent(ctx, id, eventType, encoded); err != nil {
		o.log.Error("event append failed", map[string]any{"payment": id, "type": eventType, "error": err.Error()})
	}
}

func (o *Orchestrator) dropCache(id string) {
	o.mu.Lock()
	delete(o.authCache, id)
	o.mu.Unlock()
}
