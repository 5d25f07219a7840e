package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := New()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := km.Lock(ctx, "p1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, km.Len())
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	km := New()
	ctx := context.Background()

	r1, err := km.Lock(ctx, "a")
	require.NoError(t, err)
	defer r1()

	done := make(chan struct{})
	go func() {
		r2, err := km.Lock(ctx, "b")
		if err == nil {
			r2()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another key blocked")
	}
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := New()
	release, err := km.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op
	assert.Equal(t, 0, km.Len())
}

func TestPrefixed(t *testing.T) {
	km := New()
	entity := Prefixed{Locker: km, Prefix: "entity:"}
	cohort := Prefixed{Locker: km, Prefix: "cohort:"}
	ctx := context.Background()

	r1, err := entity.Lock(ctx, "2024")
	require.NoError(t, err)
	defer r1()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	r2, err := cohort.Lock(ctx2, "2024")
	require.NoError(t, err)
	r2()
}

// TestRedisLocker_Integration requires a running Redis.
func TestRedisLocker_Integration(t *testing.T) {
	l := NewRedisLocker("localhost:6379", "", 0, 5*time.Second)
	ctx := context.Background()
	if err := l.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	release, err := l.Lock(ctx, "it-cohort")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(short, "it-cohort")
	assert.Error(t, err)

	release()
	release2, err := l.Lock(ctx, "it-cohort")
	require.NoError(t, err)
	release2()
}
