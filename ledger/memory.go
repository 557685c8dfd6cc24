package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	ustypes "github.com/paymux/usdtsettle/types"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store used by tests and single-node
// embeddings. Semantics match the gorm implementation exactly.
type MemoryStore struct {
	mu         sync.RWMutex
	payments   map[string]*ustypes.Payment
	events     map[string][]Event
	attempts   map[string][]*ustypes.SettlementAttempt
	deliveries map[string][]*ustypes.WebhookDelivery
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:   make(map[string]*ustypes.Payment),
		events:     make(map[string][]Event),
		attempts:   make(map[string][]*ustypes.SettlementAttempt),
		deliveries: make(map[string][]*ustypes.WebhookDelivery),
	}
}

func (m *MemoryStore) Create(_ context.Context, p *ustypes.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.payments[p.ID]; exists {
		return ErrDuplicateID
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*ustypes.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to ustypes.Status, fields StatusFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != from {
		return ErrConflict
	}
	if fields.SettlementTxHash != nil && p.SettlementTxHash != "" {
		return ErrTxHashSet
	}
	p.Status = to
	if fields.Network != nil {
		p.Network = *fields.Network
	}
	if fields.PayerAddress != nil {
		p.PayerAddress = *fields.PayerAddress
	}
	if fields.SettlementTxHash != nil {
		p.SettlementTxHash = *fields.SettlementTxHash
	}
	if fields.FailureKind != nil {
		p.FailureKind = *fields.FailureKind
	}
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, id, eventType string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[id] = append(m.events[id], Event{
		ID:        uuid.NewString(),
		PaymentID: id,
		Type:      eventType,
		Data:      append([]byte(nil), data...),
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// EventsFor is a test helper; not part of the Store contract.
func (m *MemoryStore) EventsFor(id string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.events[id]...)
}

func (m *MemoryStore) ListExpiredPending(_ context.Context, now time.Time) ([]*ustypes.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ustypes.Payment
	for _, p := range m.payments {
		switch p.Status {
		case ustypes.StatusPending, ustypes.StatusAwaitingAuth, ustypes.StatusAuthorized:
		default:
			continue
		}
		if p.Expired(now) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) AppendAttempt(_ context.Context, a *ustypes.SettlementAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.attempts[a.PaymentID] = append(m.attempts[a.PaymentID], &cp)
	return nil
}

func (m *MemoryStore) FinalizeAttempt(_ context.Context, paymentID string, number int, outcome string, kind ustypes.ErrorKind, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts[paymentID] {
		if a.Number == number {
			a.Outcome = outcome
			a.ErrorKind = kind
			if txHash != "" {
				a.TxHash = txHash
			}
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) AttemptsFor(_ context.Context, paymentID string) ([]*ustypes.SettlementAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ustypes.SettlementAttempt, 0, len(m.attempts[paymentID]))
	for _, a := range m.attempts[paymentID] {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *MemoryStore) RecordDelivery(_ context.Context, d *ustypes.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	m.deliveries[d.PaymentID] = append(m.deliveries[d.PaymentID], &cp)
	return nil
}

func (m *MemoryStore) DeliveriesFor(_ context.Context, paymentID string) ([]*ustypes.WebhookDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ustypes.WebhookDelivery, 0, len(m.deliveries[paymentID]))
	for _, d := range m.deliveries[paymentID] {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ListUndelivered(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, p := range m.payments {
		if !p.Status.Terminal() {
			continue
		}
		delivered := false
		for _, d := range m.deliveries[id] {
			if d.Delivered {
				delivered = true
				break
			}
		}
		if !delivered {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
