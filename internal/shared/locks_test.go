package shared

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionLockKey(t *testing.T) {
	require.Equal(t, "inventory:partition:3:42", PartitionLockKey(3, 42))
}

func TestLocalLockerSerialisesSameKey(t *testing.T) {
	locker := NewLocalLocker()
	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "k")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxSeen)
				if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxSeen)

	locker.mu.Lock()
	defer locker.mu.Unlock()
	require.Empty(t, locker.slots)
}

func TestLocalLockerIndependentKeys(t *testing.T) {
	locker := NewLocalLocker()
	releaseA, err := locker.Acquire(context.Background(), PartitionLockKey(1, 1))
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := locker.Acquire(ctx, PartitionLockKey(1, 2))
	require.NoError(t, err)
	releaseB()
}

func TestLocalLockerHonoursContext(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "k")
	require.ErrorIs(t, err, ErrLockNotObtained)

	release()
	release()
	again, err := locker.Acquire(context.Background(), "k")
	require.NoError(t, err)
	again()
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisLocker(client, RedisLockerConfig{
		TTL:     5 * time.Second,
		Wait:    50 * time.Millisecond,
		Backoff: 10 * time.Millisecond,
	})
	key := PartitionLockKey(1, 100)

	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	require.True(t, mr.Exists(key))

	_, err = locker.Acquire(context.Background(), key)
	require.ErrorIs(t, err, ErrLockNotObtained)

	release()
	require.False(t, mr.Exists(key))

	release, err = locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	release()
}
