package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotObtained indicates the partition lock could not be acquired in time.
var ErrLockNotObtained = errors.New("lock not obtained")

// PartitionLockKey builds the lock key for an inventory (branch, item) partition.
func PartitionLockKey(branchID, itemID int64) string {
	return fmt.Sprintf("inventory:partition:%d:%d", branchID, itemID)
}

// Locker serialises critical sections by key. The returned func releases the lock.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// LocalLocker is an in-process Locker keeping one slot per key. Waiters are
// served in arrival order and unused slots are dropped.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker constructs an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*lockSlot)}
}

// Acquire blocks until the key is free or ctx is done.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	if l.slots == nil {
		l.slots = make(map[string]*lockSlot)
	}
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, slot, false)
		return nil, fmt.Errorf("%w: %s: %v", ErrLockNotObtained, key, ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, slot, true) })
	}, nil
}

func (l *LocalLocker) release(key string, slot *lockSlot, held bool) {
	if held {
		<-slot.ch
	}
	l.mu.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}

// RedisLocker is a Locker backed by redislock so that several API instances
// serialise the same partition.
type RedisLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	wait    time.Duration
	backoff time.Duration
	logger  *slog.Logger
}

// RedisLockerConfig groups RedisLocker settings.
type RedisLockerConfig struct {
	TTL     time.Duration
	Wait    time.Duration
	Backoff time.Duration
	Logger  *slog.Logger
}

// NewRedisLocker wraps a redis client.
func NewRedisLocker(rdb redis.UniversalClient, cfg RedisLockerConfig) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 10 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 50 * time.Millisecond
	}
	return &RedisLocker{
		client:  redislock.New(rdb),
		ttl:     cfg.TTL,
		wait:    cfg.Wait,
		backoff: cfg.Backoff,
		logger:  cfg.Logger,
	}
}

// Acquire retries with linear backoff until the wait budget is spent.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()
	lock, err := l.client.Obtain(waitCtx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.backoff),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
		}
		return nil, fmt.Errorf("shared: obtain lock %s: %w", key, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// Released on a fresh context: the request context may already be done.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil && l.logger != nil {
				l.logger.Warn("release partition lock", slog.String("key", key), slog.Any("error", err))
			}
		})
	}, nil
}
