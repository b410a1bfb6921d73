// Package lease provides short-lived exclusive leases so that only one
// instance runs a periodic job at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when another holder owns the lease.
var ErrNotObtained = errors.New("lease not obtained")

// Lease is a held lease.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out leases by key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// RedisLocker leases keys in Redis via redislock.
type RedisLocker struct {
	client *redislock.Client
}

// NewRedisLocker wraps a go-redis client.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

// Acquire obtains key for ttl without waiting.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lease %s: %w", key, err)
	}
	return lock, nil
}

// LocalLocker leases keys within one process. Used when no Redis is
// configured.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), now: time.Now}
}

// Acquire obtains key for ttl unless an unexpired lease exists.
func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, ErrNotObtained
	}
	exp := now.Add(ttl)
	l.held[key] = exp
	return &localLease{locker: l, key: key, expires: exp}, nil
}

type localLease struct {
	locker  *LocalLocker
	key     string
	expires time.Time
}

func (ll *localLease) Release(context.Context) error {
	ll.locker.mu.Lock()
	defer ll.locker.mu.Unlock()
	// Only drop our own lease; it may have expired and been re-acquired.
	if exp, ok := ll.locker.held[ll.key]; ok && exp.Equal(ll.expires) {
		delete(ll.locker.held, ll.key)
	}
	return nil
}
