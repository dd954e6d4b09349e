package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukleadgen/leadgen-backend/pkg/logging"
)

func newTestCache(maxEntries int, ttl time.Duration) *Cache {
	return New(Config{MaxEntries: maxEntries, DefaultTTL: ttl}, logging.NoopLogger{})
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("scrape_directory", map[string]string{"city": "Leeds", "sector": "plumbing"})
	b := Fingerprint("scrape_directory", map[string]string{"sector": "plumbing", "city": "Leeds"})
	assert.Equal(t, a, b, "param order must not matter")

	c := Fingerprint("scrape_directory", map[string]string{"city": "York", "sector": "plumbing"})
	assert.NotEqual(t, a, c)

	d := Fingerprint("enrich_contact", map[string]string{"city": "Leeds", "sector": "plumbing"})
	assert.NotEqual(t, a, d, "task type is part of the identity")
}

func TestCache_RoundTripWithinTTL(t *testing.T) {
	c := newTestCache(10, time.Minute)
	key := Fingerprint("scrape_directory", map[string]string{"city": "Leeds"})

	c.Put(key, "result-payload", 0)

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "result-payload", got)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(0), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestCache_MissAfterExpiry(t *testing.T) {
	c := newTestCache(10, time.Minute)
	c.Put("k", "v", 10*time.Millisecond)

	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 0, stats.Entries, "expired entry removed lazily on Get")
}

func TestCache_LRUEviction(t *testing.T) {
	c := newTestCache(3, time.Minute)

	c.Put("a", 1, 0)
	time.Sleep(2 * time.Millisecond)
	c.Put("b", 2, 0)
	time.Sleep(2 * time.Millisecond)
	c.Put("c", 3, 0)
	time.Sleep(2 * time.Millisecond)

	// Touch "a" so "b" becomes the least recently used.
	_, ok := c.Get("a")
	require.True(t, ok)
	time.Sleep(2 * time.Millisecond)

	c.Put("d", 4, 0)

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	_, ok = c.Get("d")
	assert.True(t, ok)

	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCache_InvalidateAndClear(t *testing.T) {
	c := newTestCache(10, time.Minute)
	c.Put("a", 1, 0)
	c.Put("b", 2, 0)

	assert.True(t, c.Invalidate("a"))
	assert.False(t, c.Invalidate("a"), "second invalidate is a no-op")

	c.Clear()
	assert.Equal(t, 0, c.Stats().Entries)
	_, ok := c.Get("b")
	assert.False(t, ok)
}

func TestCache_Sweep(t *testing.T) {
	c := newTestCache(10, time.Minute)
	c.Put("short-1", 1, 10*time.Millisecond)
	c.Put("short-2", 2, 10*time.Millisecond)
	c.Put("long", 3, time.Minute)

	time.Sleep(30 * time.Millisecond)

	removed := c.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Stats().Entries)

	got, ok := c.Get("long")
	require.True(t, ok)
	assert.Equal(t, 3, got)
}

func TestCache_PutUpdatesExisting(t *testing.T) {
	c := newTestCache(10, time.Minute)
	c.Put("k", "old", 0)
	c.Put("k", "new", 0)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "new", got)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := newTestCache(100, time.Minute)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("key-%d", i%50)
				if i%3 == 0 {
					c.Put(key, g, 0)
				} else {
					c.Get(key)
				}
			}
		}(g)
	}
	wg.Wait()

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Entries, 100)
	assert.Positive(t, stats.Hits+stats.Misses)
}

func TestCache_JanitorSweeps(t *testing.T) {
	c := newTestCache(10, time.Minute)
	c.Put("k", 1, 5*time.Millisecond)

	c.StartJanitor(10 * time.Millisecond)
	defer c.Stop()

	assert.Eventually(t, func() bool {
		return c.Stats().Entries == 0
	}, time.Second, 5*time.Millisecond)
}
