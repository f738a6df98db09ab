package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craexpense/receipt-processor/internal/cache"
)

func TestCache_SetGet(t *testing.T) {
	c := cache.New(time.Minute)
	c.Set("vendor:123", "Staples")

	v, ok := c.Get("vendor:123")
	require.True(t, ok)
	assert.Equal(t, "Staples", v)
}

func TestCache_LazyExpiry(t *testing.T) {
	c := cache.New(10 * time.Millisecond)
	c.Set("vendor:123", "Staples")

	time.Sleep(20 * time.Millisecond)
	_, ok := c.Get("vendor:123")
	assert.False(t, ok, "entry must be treated as expired on read after its TTL elapses")
}

func TestCache_GetOrLoad_SingleFlightCollapsesConcurrentMisses(t *testing.T) {
	c := cache.New(time.Minute)

	var loadCount int32
	load := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&loadCount, 1)
		time.Sleep(20 * time.Millisecond)
		return "Staples", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "vendor:123", load)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, loadCount, "concurrent misses on the same key collapse into one load")
	for _, r := range results {
		assert.Equal(t, "Staples", r)
	}
}

func TestCache_GetOrLoad_ErrorNeverCached(t *testing.T) {
	c := cache.New(time.Minute)

	boom := errors.New("upstream unavailable")
	failing := func(ctx context.Context) (any, error) { return nil, boom }

	_, err := c.GetOrLoad(context.Background(), "vendor:123", failing)
	require.ErrorIs(t, err, boom)

	_, ok := c.Get("vendor:123")
	assert.False(t, ok, "a failed load must not poison the cache")

	succeeding := func(ctx context.Context) (any, error) { return "Staples", nil }
	v, err := c.GetOrLoad(context.Background(), "vendor:123", succeeding)
	require.NoError(t, err)
	assert.Equal(t, "Staples", v)
}

func TestCache_Trim_RemovesExpiredEntriesOnly(t *testing.T) {
	c := cache.New(10 * time.Millisecond)
	c.Set("a", 1)
	time.Sleep(20 * time.Millisecond)
	c.Set("b", 2)

	c.Trim()

	_, aOK := c.Get("a")
	_, bOK := c.Get("b")
	assert.False(t, aOK)
	assert.True(t, bOK)
}
