package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	pool := NewPool(context.Background(), 3)

	var running, peak, done int32
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Go(fmt.Sprintf("task-%d", i), func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&done, 1)
			return nil
		}))
	}

	assert.Empty(t, pool.Wait())
	assert.Equal(t, int32(20), done)
	assert.LessOrEqual(t, peak, int32(3))
}

func TestPool_CollectsErrors(t *testing.T) {
	pool := NewPool(context.Background(), 2)
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, pool.Go(fmt.Sprintf("task-%d", i), func(ctx context.Context) error {
			if i%2 == 1 {
				return boom
			}
			return nil
		}))
	}

	errs := pool.Wait()
	assert.Len(t, errs, 2)
	assert.ErrorIs(t, errs["task-1"], boom)
	assert.ErrorIs(t, errs["task-3"], boom)
}

func TestPool_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(ctx, 1)

	release := make(chan struct{})
	require.NoError(t, pool.Go("blocker", func(ctx context.Context) error {
		<-release
		return nil
	}))

	cancel()
	var ran bool
	err := pool.Go("late", func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	assert.Empty(t, pool.Wait())
	assert.False(t, ran)
}
