package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymux/usdtsettle/ledger"
	ustypes "github.com/paymux/usdtsettle/types"
)

func notice(id string) ustypes.WebhookNotice {
	return ustypes.WebhookNotice{
		PaymentID:        id,
		Status:           ustypes.StatusCompleted,
		SettlementTxHash: "0xabc",
		Network:          ustypes.NetworkEthereum,
		Timestamp:        time.Now().UTC(),
	}
}

func TestDeliver_RetriesUntilSuccess(t *testing.T) {
	var calls int32
	var got ustypes.WebhookNotice
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "pay-1", r.Header.Get("X-Payment-ID"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := ledger.NewMemoryStore()
	d := NewDispatcher(store, ustypes.WebhookConfig{
		TargetURL:   srv.URL,
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})

	require.NoError(t, d.Deliver(context.Background(), notice("pay-1")))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, "pay-1", got.PaymentID)
	assert.Equal(t, ustypes.StatusCompleted, got.Status)

	rows, err := store.DeliveriesFor(context.Background(), "pay-1")
	require.NoError(t, err)
	require.Len(t, rows, 3, "one audit row per attempt")
	assert.False(t, rows[0].Delivered)
	assert.False(t, rows[1].Delivered)
	assert.True(t, rows[2].Delivered)
	assert.Equal(t, 3, rows[2].Attempt)

	ids, err := store.ListUndelivered(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

type captureAlerter struct {
	mu       sync.Mutex
	messages []string
}

func (c *captureAlerter) Alert(_ context.Context, msg string) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
}

func TestDeliver_ExhaustionAlertsAndStops(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := ledger.NewMemoryStore()
	alerter := &captureAlerter{}
	d := NewDispatcher(store, ustypes.WebhookConfig{
		TargetURL:   srv.URL,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, WithAlerter(alerter))

	err := d.Deliver(context.Background(), notice("pay-1"))
	require.Error(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls), "retries stop at the budget")

	rows, rerr := store.DeliveriesFor(context.Background(), "pay-1")
	require.NoError(t, rerr)
	assert.Len(t, rows, 3)
	for _, row := range rows {
		assert.False(t, row.Delivered)
	}

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	require.Len(t, alerter.messages, 1)
	assert.Contains(t, alerter.messages[0], "pay-1")
}

func TestDeliver_NoTargetIsNoop(t *testing.T) {
	store := ledger.NewMemoryStore()
	d := NewDispatcher(store, ustypes.WebhookConfig{})
	require.NoError(t, d.Deliver(context.Background(), notice("pay-1")))
	rows, err := store.DeliveriesFor(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRun_DrainsQueue(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := ledger.NewMemoryStore()
	d := NewDispatcher(store, ustypes.WebhookConfig{TargetURL: srv.URL})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Notify(notice("pay-1"))
	d.Notify(notice("pay-2"))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestRetryPolicyBoundsFromConfig(t *testing.T) {
	d := NewDispatcher(ledger.NewMemoryStore(), ustypes.WebhookConfig{
		TargetURL:   "http://example.invalid",
		MaxAttempts: 2,
		BaseDelay:   time.Second,
		MaxDelay:    3 * time.Second,
	})
	assert.Equal(t, 2, d.policy.MaxAttempts)
	assert.Equal(t, time.Duration(0), d.policy.Delay(1))
	assert.Equal(t, time.Second, d.policy.Delay(2))
	assert.True(t, d.policy.Exhausted(2))
}
