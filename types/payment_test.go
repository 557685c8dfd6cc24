package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions_ForwardOnly(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:      {StatusAwaitingAuth, StatusExpired},
		StatusAwaitingAuth: {StatusAuthorized, StatusExpired},
		StatusAuthorized:   {StatusSettling, StatusExpired},
		StatusSettling:     {StatusCompleted, StatusFailed},
		StatusCompleted:    nil,
		StatusFailed:       nil,
		StatusExpired:      nil,
	}

	all := []Status{
		StatusPending, StatusAwaitingAuth, StatusAuthorized,
		StatusSettling, StatusCompleted, StatusFailed, StatusExpired,
	}
	for from, tos := range allowed {
		for _, to := range all {
			want := false
			for _, ok := range tos {
				if ok == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.False(t, StatusSettling.Terminal())
	assert.False(t, StatusPending.Terminal())
}

func TestPaymentExpired(t *testing.T) {
	now := time.Now()
	p := &Payment{Status: StatusPending, ExpiresAt: now.Add(-time.Second)}
	assert.True(t, p.Expired(now))

	p.ExpiresAt = now.Add(time.Second)
	assert.False(t, p.Expired(now))

	// A finished payment is never "expired", it already finished.
	p = &Payment{Status: StatusCompleted, ExpiresAt: now.Add(-time.Hour)}
	assert.False(t, p.Expired(now))

	// Zero deadline means no expiry.
	p = &Payment{Status: StatusPending}
	assert.False(t, p.Expired(now))
}

func TestErrorKindClassification(t *testing.T) {
	err := WrapErr(ErrInsufficientAllowance, "short", errors.New("rpc detail"))
	assert.Equal(t, ErrInsufficientAllowance, KindOf(err))
	assert.True(t, IsKind(err, ErrInsufficientAllowance))
	assert.False(t, IsKind(err, ErrExpired))

	// Unclassified errors read as transient so infrastructure failures
	// never terminally fail a payment.
	assert.Equal(t, ErrTransientNetwork, KindOf(errors.New("dial tcp: refused")))

	assert.True(t, ErrTransientNetwork.Retryable())
	assert.True(t, ErrResourceExhausted.Retryable())
	assert.False(t, ErrChainRejected.Retryable())
	assert.False(t, ErrInsufficientAllowance.Retryable())
}

func TestErrorReasonIsStable(t *testing.T) {
	// Payer-facing reasons never leak raw RPC text.
	err := WrapErr(ErrChainRejected, "execution reverted: TRC20 transfer amount exceeds allowance", errors.New("node detail"))
	assert.Equal(t, "payment rejected on-chain", KindOf(err).Reason())
	assert.Equal(t, "network congestion, retry", ErrResourceExhausted.Reason())
}
