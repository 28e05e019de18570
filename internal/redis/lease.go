package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a TTL-bounded distributed lock. Multiple replicas of a service
// race to acquire it; only the holder performs the guarded work, and the TTL
// releases the lock automatically if the holder dies mid-lease.
type Lease struct {
	client   *redis.Client
	key      string
	holderID string
	ttl      time.Duration
}

// NewLease creates a lease on key held under holderID for ttl per renewal.
func NewLease(client *redis.Client, key, holderID string, ttl time.Duration) *Lease {
	return &Lease{client: client, key: key, holderID: holderID, ttl: ttl}
}

// renewScript extends the lease only when we still own it, atomically.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// releaseScript deletes the lease only when we own it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Acquire attempts to take or renew the lease. It returns true when this
// holder owns the lease for the next TTL window.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.holderID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire %q: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	// Someone holds it — renew only if that someone is us.
	result, err := renewScript.Run(ctx, l.client, []string{l.key}, l.holderID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("lease renew %q: %w", l.key, err)
	}
	return result == 1, nil
}

// Release gives the lease up early. Safe to call when not holding it.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.holderID).Int(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease release %q: %w", l.key, err)
	}
	return nil
}
