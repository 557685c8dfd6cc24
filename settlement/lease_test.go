package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SingleHolderPerKey(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	release, ok, err := km.TryAcquire(ctx, "pay-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = km.TryAcquire(ctx, "pay-1")
	require.NoError(t, err)
	assert.False(t, ok, "second acquire on a held key must fail fast")

	// Other keys are independent.
	otherRelease, ok, err := km.TryAcquire(ctx, "pay-2")
	require.NoError(t, err)
	assert.True(t, ok)
	otherRelease()

	release()
	release2, ok, err := km.TryAcquire(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, ok, "released key must be acquirable again")
	release2()
}

func TestKeyedMutex_ConcurrentAcquireAdmitsOne(t *testing.T) {
	km := NewKeyedMutex()
	const callers = 32

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := km.TryAcquire(context.Background(), "pay-1")
			require.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestRetryPolicy_Schedule(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}

	assert.Equal(t, time.Duration(0), p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5), "delay is capped at MaxDelay")
	assert.Equal(t, 10*time.Second, p.Delay(40), "large shifts must not overflow")

	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
}
