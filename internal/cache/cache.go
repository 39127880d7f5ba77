// Package cache provides the bounded response cache keyed by query
// fingerprints. Eviction is least-recently-used with O(1) amortized cost
// per access, via hashicorp's LRU.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a fingerprint-keyed LRU. The embedded lru.Cache serializes
// concurrent get/put/evict internally, so any Get that begins after a
// Put or Clear completes observes that write.
type Cache[V any] struct {
	lru    *lru.Cache[string, entry[V]]
	hits   atomic.Uint64
	misses atomic.Uint64
}

type entry[V any] struct {
	Value    V         `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

// New creates a cache bounded to capacity entries.
func New[V any](capacity int) (*Cache[V], error) {
	inner, err := lru.New[string, entry[V]](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return &Cache[V]{lru: inner}, nil
}

// Get returns the cached value for fingerprint, marking it most recently
// used.
func (c *Cache[V]) Get(fingerprint string) (V, bool) {
	e, ok := c.lru.Get(fingerprint)
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return e.Value, true
}

// Put stores value under fingerprint, evicting the least recently used
// entry if the cache is full.
func (c *Cache[V]) Put(fingerprint string, value V) {
	c.lru.Add(fingerprint, entry[V]{Value: value, StoredAt: time.Now()})
}

// Contains reports whether fingerprint is cached without updating recency
// or hit statistics.
func (c *Cache[V]) Contains(fingerprint string) bool {
	return c.lru.Contains(fingerprint)
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Clear removes every entry. Hit statistics are kept; they describe the
// process lifetime, not the current contents.
func (c *Cache[V]) Clear() {
	c.lru.Purge()
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (c *Cache[V]) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

type snapshotEntry[V any] struct {
	Key      string    `json:"key"`
	Value    V         `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

// Save writes a snapshot of the cache to path, oldest entry first so a
// later Load rebuilds the same recency order.
func (c *Cache[V]) Save(path string) error {
	keys := c.lru.Keys() // oldest to newest
	snapshot := make([]snapshotEntry[V], 0, len(keys))
	for _, key := range keys {
		if e, ok := c.lru.Peek(key); ok {
			snapshot = append(snapshot, snapshotEntry[V]{Key: key, Value: e.Value, StoredAt: e.StoredAt})
		}
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode cache snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cache snapshot: %w", err)
	}
	slog.Info("Saved response cache", slog.String("path", path), slog.Int("entries", len(snapshot)))
	return nil
}

// Load restores a snapshot written by Save. A missing file is not an
// error; a corrupt one is discarded with a warning.
func (c *Cache[V]) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cache snapshot: %w", err)
	}

	var snapshot []snapshotEntry[V]
	if err := json.Unmarshal(data, &snapshot); err != nil {
		slog.Warn("Discarding corrupt cache snapshot", slog.String("path", path), "error", err)
		return nil
	}

	for _, e := range snapshot {
		c.lru.Add(e.Key, entry[V]{Value: e.Value, StoredAt: e.StoredAt})
	}
	slog.Info("Loaded response cache", slog.String("path", path), slog.Int("entries", len(snapshot)))
	return nil
}
