package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker provides per-payment advisory locks around the transfer call.
// TryAcquire must not block: a concurrent holder means another settlement
// for the same payment is in flight and the caller reports
// SettlementInProgress instead of waiting.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// KeyedMutex is the in-process Locker for single-node deployments.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]struct{})}
}

func (k *KeyedMutex) TryAcquire(_ context.Context, key string) (func(), bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, taken := k.held[key]; taken {
		return nil, false, nil
	}
	k.held[key] = struct{}{}
	release := func() {
		k.mu.Lock()
		delete(k.held, key)
		k.mu.Unlock()
	}
	return release, true, nil
}

// RedisLease is a storage-backed Locker for horizontally scaled
// orchestrators: SET NX with a TTL, released only by the holder's token.
type RedisLease struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// releaseScript deletes the lease only when the token still matches, so an
// expired-and-reacquired lease is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func NewRedisLease(client *redis.Client, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLease{client: client, ttl: ttl, prefix: "usdtsettle:lease:"}
}

func (r *RedisLease) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	full := r.prefix + key
	ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// Best effort: an unreleased lease falls off at TTL.
		_, _ = releaseScript.Run(context.Background(), r.client, []string{full}, token).Result()
	}
	return release, true, nil
}
