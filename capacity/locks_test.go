package capacity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocks_SerializesSameKey(t *testing.T) {
	locks := newKeyedLocks()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(ctx, "k")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, locks.size(), "idle entries are dropped")
}

func TestKeyedLocks_DifferentKeysDoNotBlock(t *testing.T) {
	locks := newKeyedLocks()
	ctx := context.Background()

	releaseA, err := locks.Acquire(ctx, "a")
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	releaseB, err := locks.Acquire(ctx, "b")
	require.NoError(t, err)
	releaseB()
}

func TestKeyedLocks_WaitIsCancellable(t *testing.T) {
	locks := newKeyedLocks()

	release, err := locks.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Zero(t, locks.size())
}
