// Package cache provides the in-memory result cache for the automation
// engine. Entries are keyed by a fingerprint of the task identity and carry a
// TTL; capacity pressure evicts least-recently-used entries first.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/ukleadgen/leadgen-backend/pkg/logging"
)

const (
	DefaultTTL        = 30 * time.Minute
	DefaultMaxEntries = 1000
)

type Config struct {
	MaxEntries int
	DefaultTTL time.Duration
}

func DefaultConfig() Config {
	return Config{MaxEntries: DefaultMaxEntries, DefaultTTL: DefaultTTL}
}

// Stats is a snapshot of cache effectiveness counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
}

type entry struct {
	key        string
	value      interface{}
	createdAt  time.Time
	expiresAt  time.Time
	lastAccess time.Time
}

// Cache is safe for concurrent use. A single mutex guards the map, the LRU
// list and the counters; Get mutates recency so it takes the write lock too.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*list.Element
	lru       *list.List // front = most recently used
	hits      uint64
	misses    uint64
	evictions uint64

	cfg    Config
	logger logging.Logger

	janitorStop chan struct{}
	janitorOnce sync.Once
}

func New(cfg Config, logger logging.Logger) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		cfg:     cfg,
		logger:  logger,
	}
}

// Fingerprint canonicalizes a task identity into a stable cache key: the task
// type plus its parameters with keys sorted, hashed with sha256. Two tasks
// with identical type and params always map to the same key.
func Fingerprint(taskType string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(taskType))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(params[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached value for key if present and unexpired. Expired
// entries are removed lazily here and counted as misses.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.removeLocked(el)
		c.misses++
		return nil, false
	}
	e.lastAccess = time.Now()
	c.lru.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Put stores value under key. A non-positive ttl falls back to the configured
// default. When the cache is full the least-recently-used entry is evicted;
// equal recency breaks toward the oldest creation time.
func (c *Cache) Put(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = now.Add(ttl)
		e.lastAccess = now
		c.lru.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.cfg.MaxEntries {
		c.evictOneLocked()
	}

	e := &entry{
		key:        key,
		value:      value,
		createdAt:  now,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}
	c.entries[key] = c.lru.PushFront(e)
}

// Invalidate removes key, reporting whether it was present.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(el)
	return true
}

// Clear drops all entries. Counters are preserved.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

// Sweep removes all expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*entry).expiresAt) {
			c.removeLocked(el)
			removed++
		}
		el = prev
	}
	if removed > 0 && c.logger != nil {
		c.logger.Debug("cache sweep removed expired entries", "removed", removed, "remaining", len(c.entries))
	}
	return removed
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   len(c.entries),
	}
}

// StartJanitor runs Sweep on the given interval until Stop is called. The
// engine normally drives sweeps through its cron housekeeping instead; the
// janitor exists for standalone use of the cache.
func (c *Cache) StartJanitor(interval time.Duration) {
	c.janitorOnce.Do(func() {
		c.janitorStop = make(chan struct{})
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.Sweep()
				case <-c.janitorStop:
					return
				}
			}
		}()
	})
}

// Stop halts the janitor if one was started.
func (c *Cache) Stop() {
	if c.janitorStop != nil {
		select {
		case <-c.janitorStop:
		default:
			close(c.janitorStop)
		}
	}
}

// evictOneLocked removes the least-recently-used entry. Entries whose last
// access times are equal (possible when a burst of Puts lands on the same
// clock tick) break toward the oldest creation time.
func (c *Cache) evictOneLocked() {
	victim := c.lru.Back()
	if victim == nil {
		return
	}
	ve := victim.Value.(*entry)
	for el := victim.Prev(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if !e.lastAccess.Equal(ve.lastAccess) {
			break
		}
		if e.createdAt.Before(ve.createdAt) {
			victim, ve = el, e
		}
	}
	c.removeLocked(victim)
	c.evictions++
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.entries, e.key)
	c.lru.Remove(el)
}
