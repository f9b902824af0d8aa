package memory

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New("test", ttl, WithClock(clock.Now), WithLogger(zaptest.NewLogger(t))), clock
}

func TestGetPut(t *testing.T) {
	c, clock := newTestCache(t, 5*time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Put("k", 42)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	clock.Advance(5*time.Minute - time.Nanosecond)
	_, ok = c.Get("k")
	assert.True(t, ok, "entry is still fresh just before the TTL")

	clock.Advance(time.Nanosecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry expires exactly at the TTL")
	assert.Equal(t, 0, c.Len())
}

func TestGetOrComputeIdempotentWithinTTL(t *testing.T) {
	c, clock := newTestCache(t, 5*time.Minute)

	calls := 0
	compute := func() (*[]int, error) {
		calls++
		v := []int{calls}
		return &v, nil
	}

	first, err := GetOrCompute(c, "q", compute)
	require.NoError(t, err)
	second, err := GetOrCompute(c, "q", compute)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)

	clock.Advance(5 * time.Minute)
	third, err := GetOrCompute(c, "q", compute)
	require.NoError(t, err)

	assert.Equal(t, 2, calls, "expired entry is recomputed")
	assert.NotSame(t, first, third)
}

func TestGetOrComputeDoesNotCacheErrors(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)

	calls := 0
	boom := errors.New("store down")
	_, err := GetOrCompute(c, "q", func() (int, error) {
		calls++
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := GetOrCompute(c, "q", func() (int, error) {
		calls++
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 2, calls)
}

func TestConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			_, err := GetOrCompute(c, key, func() (int, error) { return i % 5, nil })
			assert.NoError(t, err)
			c.Delete(fmt.Sprintf("k%d", (i+1)%5))
		}(i)
	}
	wg.Wait()

	c.Purge()
	assert.Equal(t, 0, c.Len())
}
