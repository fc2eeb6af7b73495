// Package cache holds the per-database ID-resolution cache: a bounded LRU of
// source-to-target EID mappings plus a monotonic entity-index watermark that
// lets the replayer skip index probes for EIDs that cannot exist on the
// target yet.
package cache

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fulcrologic/datomic-cloud-backup/internal/model"
)

// DefaultCapacity bounds the LRU at roughly 48 MB of mapping state.
const DefaultCapacity = 1_000_000

// IDCache maps source EIDs to target EIDs for one source database.
type IDCache struct {
	lru         *lru.Cache[int64, int64]
	maxSeenEIDX atomic.Int64
}

// New creates a cache with the given LRU capacity.
func New(capacity int) (*IDCache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := lru.New[int64, int64](capacity)
	if err != nil {
		return nil, err
	}
	return &IDCache{lru: l}, nil
}

// Lookup returns the target EID for a source EID, if known.
//
// Source entity indexes are dense and monotonic with time, and the watermark
// only rises when a mapping is durably recorded, so a source EID whose index
// exceeds the watermark cannot have been restored before; the LRU is not
// consulted for it.
func (c *IDCache) Lookup(old int64) (int64, bool) {
	if model.EntityIndex(old) > c.maxSeenEIDX.Load() {
		return 0, false
	}
	return c.lru.Get(old)
}

// Store records a durable source-to-target mapping and raises the watermark
// if the source EID's entity index exceeds it.
func (c *IDCache) Store(old, new int64) {
	c.lru.Add(old, new)
	idx := model.EntityIndex(old)
	for {
		cur := c.maxSeenEIDX.Load()
		if idx <= cur || c.maxSeenEIDX.CompareAndSwap(cur, idx) {
			return
		}
	}
}

// SeedWatermark raises the watermark to at least idx without recording a
// mapping. Used after a restart, when the LRU is empty but the target
// durably holds mappings up to idx: lookups below it then fall through to
// target probes instead of being declared new.
func (c *IDCache) SeedWatermark(idx int64) {
	for {
		cur := c.maxSeenEIDX.Load()
		if idx <= cur || c.maxSeenEIDX.CompareAndSwap(cur, idx) {
			return
		}
	}
}

// IsNew reports whether a source EID is above the watermark, meaning it
// cannot have been restored yet.
func (c *IDCache) IsNew(old int64) bool {
	return model.EntityIndex(old) > c.maxSeenEIDX.Load()
}

// Watermark returns the current max-seen entity index.
func (c *IDCache) Watermark() int64 { return c.maxSeenEIDX.Load() }

// Len returns the number of mappings currently held.
func (c *IDCache) Len() int { return c.lru.Len() }

// Process-wide registry of caches, keyed by source database name. Created
// lazily at first use; losing a cache only costs performance.
var (
	registryMu sync.Mutex
	registry   = make(map[string]*IDCache)
)

// For returns the cache for a database name, creating it with the default
// capacity on first use.
func For(db string) *IDCache {
	registryMu.Lock()
	defer registryMu.Unlock()
	if c, ok := registry[db]; ok {
		return c
	}
	c, err := New(DefaultCapacity)
	if err != nil {
		// Only reachable with a non-positive capacity, which New corrects.
		panic(err)
	}
	registry[db] = c
	return c
}

// Reset discards the cache for a database name.
func Reset(db string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, db)
}
