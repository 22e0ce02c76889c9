package store

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/navigatorhq/navigator/pkg/core"
	"github.com/navigatorhq/navigator/pkg/telemetry"
)

// Persister is the write-through/read-through backing for cache entries.
type Persister interface {
	// Persist durably stores an entry's value.
	Persist(table, key string, value interface{}) error
	// Load fetches a value on a cache miss; ok=false means not present.
	Load(table, key string) (value interface{}, ok bool, err error)
	// Remove deletes the durable copy.
	Remove(table, key string) error
}

// BlobPersister persists cache entries as JSON blobs at
// <root>/<table>/<key>.json.
type BlobPersister struct {
	Blobs *BlobStore
}

func (p *BlobPersister) path(table, key string) string {
	return filepath.Join(p.Blobs.Root(), filepath.FromSlash(table), key+".json")
}

func (p *BlobPersister) Persist(table, key string, value interface{}) error {
	return p.Blobs.WriteJSON(p.path(table, key), value)
}

func (p *BlobPersister) Load(table, key string) (interface{}, bool, error) {
	var v interface{}
	err := p.Blobs.ReadJSON(p.path(table, key), &v)
	if err == ErrNotExist {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (p *BlobPersister) Remove(table, key string) error {
	return p.Blobs.Delete(p.path(table, key))
}

// CacheConfig configures the sharded cache.
type CacheConfig struct {
	Shards               int
	EntryTTL             time.Duration
	CleanupInterval      time.Duration
	MemoryThresholdBytes int64
}

// DefaultCacheConfig returns the documented defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Shards:               10,
		EntryTTL:             time.Hour,
		CleanupInterval:      30 * time.Second,
		MemoryThresholdBytes: 268_435_456,
	}
}

// PutOptions tunes a single write.
type PutOptions struct {
	// TTL overrides the configured default when positive.
	TTL time.Duration
	// PersistImmediately writes through synchronously instead of on the
	// next sweep.
	PersistImmediately bool
}

// GetOptions tunes a single read.
type GetOptions struct {
	// RefreshTTL extends the entry's lifetime on hit.
	RefreshTTL bool
}

type cacheEntry struct {
	table      string
	key        string
	value      interface{}
	expiresAt  time.Time
	insertedAt time.Time
	size       int64
	dirty      bool
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// CacheStats exposes counters for Manager.Stats and tests.
type CacheStats struct {
	Entries           int
	EstimatedBytes    int64
	Hits              int64
	Misses            int64
	Evictions         int64
	EmergencyCleanups int64
}

// Cache is the sharded hot tier: TTL expiry, memory-pressure eviction and
// write-through to a Persister. An entry that has not been persisted yet is
// never dropped without persisting it first.
type Cache struct {
	cfg       CacheConfig
	shards    []*cacheShard
	persister Persister
	logger    core.Logger
	tel       *telemetry.Telemetry

	estimatedBytes    int64
	hits              int64
	misses            int64
	evictions         int64
	emergencyCleanups int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCache creates a sharded cache over the given persister.
func NewCache(cfg CacheConfig, persister Persister, tel *telemetry.Telemetry, logger core.Logger) (*Cache, error) {
	if cfg.Shards < 1 {
		return nil, fmt.Errorf("shard count must be >= 1")
	}
	if persister == nil {
		return nil, fmt.Errorf("persister is required")
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	if cfg.MemoryThresholdBytes <= 0 {
		cfg.MemoryThresholdBytes = 268_435_456
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	shards := make([]*cacheShard, cfg.Shards)
	for i := range shards {
		shards[i] = &cacheShard{entries: make(map[string]*cacheEntry)}
	}

	c := &Cache{
		cfg:       cfg,
		shards:    shards,
		persister: persister,
		logger:    core.WithComponent(logger, "cache"),
		tel:       tel,
		stopCh:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c, nil
}

// fnv1a32 matches the registry's tenant shard selection.
func fnv1a32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func (c *Cache) shardFor(table string) *cacheShard {
	// The table embeds the tenant prefix, so hashing it keeps a tenant's
	// entries on one shard.
	return c.shards[int(fnv1a32(table))%len(c.shards)]
}

func entryKey(table, key string) string {
	return table + "\x00" + key
}

func estimateSize(table, key string, value interface{}) int64 {
	data, err := json.Marshal(value)
	if err != nil {
		return int64(len(table) + len(key) + 64)
	}
	return int64(len(table) + len(key) + len(data))
}

// Put inserts or replaces an entry and schedules (or performs) persistence.
func (c *Cache) Put(table, key string, value interface{}, opts PutOptions) error {
	ttl := c.cfg.EntryTTL
	if opts.TTL > 0 {
		ttl = opts.TTL
	}

	dirty := true
	if opts.PersistImmediately {
		if err := c.persister.Persist(table, key, value); err != nil {
			return core.Wrap(core.ReasonStoreError, "write-through failed", err)
		}
		dirty = false
	}

	now := time.Now()
	entry := &cacheEntry{
		table:      table,
		key:        key,
		value:      value,
		expiresAt:  now.Add(ttl),
		insertedAt: now,
		size:       estimateSize(table, key, value),
		dirty:      dirty,
	}

	shard := c.shardFor(table)
	shard.mu.Lock()
	k := entryKey(table, key)
	if old, ok := shard.entries[k]; ok {
		atomic.AddInt64(&c.estimatedBytes, -old.size)
	}
	shard.entries[k] = entry
	shard.mu.Unlock()
	atomic.AddInt64(&c.estimatedBytes, entry.size)

	if atomic.LoadInt64(&c.estimatedBytes) > c.cfg.MemoryThresholdBytes {
		c.cleanup()
	}
	c.updateGauge()
	return nil
}

// Get returns an entry, reading through to the persister on miss. Expired
// entries are evicted lazily. Read-through hits repopulate with a fresh TTL.
func (c *Cache) Get(table, key string, opts GetOptions) (interface{}, bool, error) {
	shard := c.shardFor(table)
	k := entryKey(table, key)
	now := time.Now()

	shard.mu.Lock()
	if entry, ok := shard.entries[k]; ok {
		if now.Before(entry.expiresAt) {
			if opts.RefreshTTL {
				entry.expiresAt = now.Add(c.cfg.EntryTTL)
			}
			value := entry.value
			shard.mu.Unlock()
			atomic.AddInt64(&c.hits, 1)
			return value, true, nil
		}
		// Lazy eviction of an expired entry; persist first if dirty.
		if entry.dirty {
			if err := c.persister.Persist(table, key, entry.value); err != nil {
				shard.mu.Unlock()
				return nil, false, core.Wrap(core.ReasonStoreError, "failed to persist expired entry", err)
			}
		}
		delete(shard.entries, k)
		atomic.AddInt64(&c.estimatedBytes, -entry.size)
		atomic.AddInt64(&c.evictions, 1)
	}
	shard.mu.Unlock()

	atomic.AddInt64(&c.misses, 1)

	value, ok, err := c.persister.Load(table, key)
	if err != nil {
		return nil, false, core.Wrap(core.ReasonStoreError, "read-through failed", err)
	}
	if !ok {
		return nil, false, nil
	}

	// Populate with a fresh TTL; the durable copy is authoritative.
	entry := &cacheEntry{
		table:      table,
		key:        key,
		value:      value,
		expiresAt:  now.Add(c.cfg.EntryTTL),
		insertedAt: now,
		size:       estimateSize(table, key, value),
	}
	shard.mu.Lock()
	shard.entries[k] = entry
	shard.mu.Unlock()
	atomic.AddInt64(&c.estimatedBytes, entry.size)
	c.updateGauge()

	return value, true, nil
}

// Delete removes both the cached and the durable copy.
func (c *Cache) Delete(table, key string) error {
	shard := c.shardFor(table)
	k := entryKey(table, key)

	shard.mu.Lock()
	if entry, ok := shard.entries[k]; ok {
		delete(shard.entries, k)
		atomic.AddInt64(&c.estimatedBytes, -entry.size)
	}
	shard.mu.Unlock()
	c.updateGauge()

	if err := c.persister.Remove(table, key); err != nil {
		return core.Wrap(core.ReasonStoreError, "failed to remove durable copy", err)
	}
	return nil
}

// FlushDirty persists every unpersisted entry.
func (c *Cache) FlushDirty() error {
	for _, shard := range c.shards {
		shard.mu.Lock()
		for _, entry := range shard.entries {
			if !entry.dirty {
				continue
			}
			if err := c.persister.Persist(entry.table, entry.key, entry.value); err != nil {
				shard.mu.Unlock()
				return core.Wrap(core.ReasonStoreError, "failed to flush dirty entry", err)
			}
			entry.dirty = false
		}
		shard.mu.Unlock()
	}
	return nil
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.FlushDirty(); err != nil {
				c.logger.Warnf("dirty flush failed: %v", err)
			}
			c.dropExpired()
			if atomic.LoadInt64(&c.estimatedBytes) > c.cfg.MemoryThresholdBytes {
				c.cleanup()
			}
			c.updateGauge()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) dropExpired() {
	now := time.Now()
	for _, shard := range c.shards {
		shard.mu.Lock()
		for k, entry := range shard.entries {
			if now.Before(entry.expiresAt) {
				continue
			}
			if entry.dirty {
				if err := c.persister.Persist(entry.table, entry.key, entry.value); err != nil {
					c.logger.Warnf("failed to persist expired entry %s/%s: %v", entry.table, entry.key, err)
					continue
				}
				entry.dirty = false
			}
			delete(shard.entries, k)
			atomic.AddInt64(&c.estimatedBytes, -entry.size)
			atomic.AddInt64(&c.evictions, 1)
		}
		shard.mu.Unlock()
	}
}

// cleanup is the memory-pressure pass: persist dirty entries, drop expired
// ones, then if still over threshold evict oldest-inserted entries per shard
// until the footprint is at or below half the threshold.
func (c *Cache) cleanup() {
	if err := c.FlushDirty(); err != nil {
		c.logger.Warnf("dirty flush failed during cleanup: %v", err)
	}
	c.dropExpired()

	target := c.cfg.MemoryThresholdBytes / 2
	if atomic.LoadInt64(&c.estimatedBytes) <= target {
		return
	}

	atomic.AddInt64(&c.emergencyCleanups, 1)
	if c.tel != nil {
		c.tel.Metrics.CacheEmergencyCleanups.Inc()
	}

	for _, shard := range c.shards {
		if atomic.LoadInt64(&c.estimatedBytes) <= target {
			break
		}
		shard.mu.Lock()
		entries := make([]*cacheEntry, 0, len(shard.entries))
		for _, entry := range shard.entries {
			entries = append(entries, entry)
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].insertedAt.Before(entries[j].insertedAt)
		})
		for _, entry := range entries {
			if atomic.LoadInt64(&c.estimatedBytes) <= target {
				break
			}
			if entry.dirty {
				// FlushDirty above should have cleared these; skip rather
				// than lose an unpersisted value.
				continue
			}
			delete(shard.entries, entryKey(entry.table, entry.key))
			atomic.AddInt64(&c.estimatedBytes, -entry.size)
			atomic.AddInt64(&c.evictions, 1)
			if c.tel != nil {
				c.tel.Metrics.CacheEvictionsTotal.Inc()
			}
		}
		shard.mu.Unlock()
	}
}

func (c *Cache) updateGauge() {
	if c.tel == nil {
		return
	}
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}
	c.tel.Metrics.CacheEntries.Set(float64(total))
}

// Stats returns cache counters.
func (c *Cache) Stats() CacheStats {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}
	return CacheStats{
		Entries:           total,
		EstimatedBytes:    atomic.LoadInt64(&c.estimatedBytes),
		Hits:              atomic.LoadInt64(&c.hits),
		Misses:            atomic.LoadInt64(&c.misses),
		Evictions:         atomic.LoadInt64(&c.evictions),
		EmergencyCleanups: atomic.LoadInt64(&c.emergencyCleanups),
	}
}

// Close stops the sweep loop and flushes dirty entries.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return c.FlushDirty()
}
