package usdtsettle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymux/usdtsettle/ledger"
	ustypes "github.com/paymux/usdtsettle/types"
)

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(&ustypes.Config{PaymentTTL: -time.Minute})
	assert.True(t, ustypes.IsKind(err, ustypes.ErrInvalidArgument))

	_, err = New(&ustypes.Config{Webhook: ustypes.WebhookConfig{TargetURL: "not a url"}})
	assert.Error(t, err)
}

func TestAddNetwork_UnknownChain(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)
	defer s.Close()

	err = s.AddNetwork(ustypes.ClientConfig{
		Network:      ustypes.Network("dogecoin"),
		RPCUrl:       "http://localhost:8545",
		OperatorSeed: "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d",
	})
	assert.True(t, ustypes.IsKind(err, ustypes.ErrUnsupportedChain))
	assert.Empty(t, s.Networks())
}

func TestPaymentLifecycleWithoutNetworks(t *testing.T) {
	store := ledger.NewMemoryStore()
	s, err := New(nil, WithLedger(store))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	p, err := s.CreatePayment(ctx, "pay-1", decimal.NewFromInt(10), "0xPayer")
	require.NoError(t, err)
	assert.Equal(t, ustypes.StatusPending, p.Status)
	assert.WithinDuration(t, time.Now().Add(ustypes.DefaultPaymentTTL), p.ExpiresAt, time.Minute)

	got, err := s.GetPaymentStatus(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, ustypes.StatusPending, got.Status)

	// No adapters registered: selection must report the chain unsupported
	// and leave the payment untouched.
	_, err = s.SelectChainAndBuildAuthorization(ctx, "pay-1", ustypes.NetworkEthereum)
	assert.True(t, ustypes.IsKind(err, ustypes.ErrUnsupportedChain))

	got, err = s.GetPaymentStatus(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, ustypes.StatusPending, got.Status)

	attempts, err := s.SettlementAttempts(ctx, "pay-1")
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestSweepExpired(t *testing.T) {
	clock := &stubClock{now: time.Now()}
	s, err := New(&ustypes.Config{PaymentTTL: time.Minute}, WithClock(clock.Now))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.CreatePayment(ctx, "pay-1", decimal.NewFromInt(10), "")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	n, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := s.GetPaymentStatus(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, ustypes.StatusExpired, p.Status)
}

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
