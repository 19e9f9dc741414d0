// Package cache implements the content-addressed query results cache. Entries
// are keyed by the fingerprint of the canonicalized plan, track the set of
// input tables for invalidation, and are evicted by TTL and total Arrow
// memory footprint.
package cache

import (
	"math/rand"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"helios-runtime/internal/arrowutil"
	"helios-runtime/internal/tableref"
)

// Status describes how the cache participated in a query.
type Status string

const (
	StatusHit      Status = "Hit"
	StatusMiss     Status = "Miss"
	StatusBypass   Status = "Bypass"
	StatusDisabled Status = "Disabled"
)

// EvictionPolicy selects the size-eviction victim strategy.
type EvictionPolicy string

const (
	EvictLRU    EvictionPolicy = "lru"
	EvictLFU    EvictionPolicy = "lfu"
	EvictRandom EvictionPolicy = "random"
)

// Config controls cache behavior.
type Config struct {
	Enabled      bool
	TTL          time.Duration
	MaxSizeBytes int64
	MaxEntries   int
	Policy       EvictionPolicy
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		TTL:          1 * time.Minute,
		MaxSizeBytes: 128 << 20,
		MaxEntries:   4096,
		Policy:       EvictLRU,
	}
}

// Entry is a cached query result.
type Entry struct {
	Schema      *arrow.Schema
	Records     []arrow.Record
	InputTables tableref.Set

	size      int64
	expiresAt time.Time
	hits      uint64
}

func (e *Entry) release() {
	for _, r := range e.Records {
		r.Release()
	}
	e.Records = nil
}

// ResultsCache is a concurrent fingerprint → Entry map. Entries are immutable
// after insert; invalidation removes entries wholesale.
type ResultsCache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[uint64]*Entry
	// recency orders keys for the LRU policy; its evict callback is the
	// single place an entry leaves the map.
	recency   *lru.Cache[uint64, struct{}]
	totalSize int64
	log       *zap.Logger

	// OnEvict is an optional hook for metrics.
	OnEvict func(key uint64, size int64)
	// OnSize reports the total footprint after every mutation.
	OnSize func(totalBytes int64)
}

// New creates a results cache.
func New(cfg Config, log *zap.Logger) (*ResultsCache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.Policy == "" {
		cfg.Policy = EvictLRU
	}
	c := &ResultsCache{
		cfg:     cfg,
		entries: make(map[uint64]*Entry),
		log:     log,
	}
	recency, err := lru.NewWithEvict[uint64, struct{}](cfg.MaxEntries, func(key uint64, _ struct{}) {
		c.dropLocked(key)
	})
	if err != nil {
		return nil, err
	}
	c.recency = recency
	return c, nil
}

// Enabled reports whether the cache participates in queries at all.
func (c *ResultsCache) Enabled() bool { return c != nil && c.cfg.Enabled }

// Get returns the entry for key if present and unexpired.
func (c *ResultsCache) Get(key uint64) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.recency.Remove(key)
		return nil, false
	}
	entry.hits++
	c.recency.Get(key) // refresh recency ordering
	for _, r := range entry.Records {
		r.Retain()
	}
	return entry, true
}

// Put installs a result under key. Records are retained by the cache.
func (c *ResultsCache) Put(key uint64, schema *arrow.Schema, records []arrow.Record, inputTables tableref.Set) {
	var size int64
	for _, r := range records {
		r.Retain()
		size += arrowutil.RecordSize(r)
	}
	entry := &Entry{
		Schema:      schema,
		Records:     records,
		InputTables: inputTables,
		size:        size,
		expiresAt:   time.Now().Add(c.cfg.TTL),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok {
		c.totalSize -= old.size
		old.release()
	}
	c.entries[key] = entry
	c.totalSize += entry.size
	c.recency.Add(key, struct{}{})
	c.evictOverSizeLocked()
	if c.OnSize != nil {
		c.OnSize(c.totalSize)
	}
}

// InvalidateForTable removes every entry whose input-table set contains t.
func (c *ResultsCache) InvalidateForTable(t tableref.TableReference) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if entry.InputTables.Contains(t) {
			c.recency.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		c.log.Debug("invalidated cache entries for table",
			zap.String("table", t.String()), zap.Int("entries", removed))
	}
	return removed
}

// Size returns the current total Arrow footprint of cached batches.
func (c *ResultsCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize
}

// Len returns the current entry count.
func (c *ResultsCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Shutdown releases all cached batches.
func (c *ResultsCache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recency.Purge()
}

// dropLocked removes an entry from the map. Called from the recency cache's
// evict callback, so c.mu is already held by the mutating caller.
func (c *ResultsCache) dropLocked(key uint64) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	c.totalSize -= entry.size
	entry.release()
	if c.OnEvict != nil {
		c.OnEvict(key, entry.size)
	}
}

// evictOverSizeLocked evicts entries until the size budget holds.
func (c *ResultsCache) evictOverSizeLocked() {
	if c.cfg.MaxSizeBytes <= 0 {
		return
	}
	for c.totalSize > c.cfg.MaxSizeBytes && len(c.entries) > 0 {
		switch c.cfg.Policy {
		case EvictLFU:
			c.recency.Remove(c.leastFrequentLocked())
		case EvictRandom:
			c.recency.Remove(c.randomKeyLocked())
		default:
			c.recency.RemoveOldest()
		}
	}
}

func (c *ResultsCache) leastFrequentLocked() uint64 {
	var victim uint64
	first := true
	var minHits uint64
	for key, entry := range c.entries {
		if first || entry.hits < minHits {
			victim = key
			minHits = entry.hits
			first = false
		}
	}
	return victim
}

func (c *ResultsCache) randomKeyLocked() uint64 {
	n := rand.Intn(len(c.entries))
	for key := range c.entries {
		if n == 0 {
			return key
		}
		n--
	}
	return 0
}
