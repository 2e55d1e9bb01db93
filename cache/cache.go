// Package cache implements the adaptive content cache: a byte-budgeted
// memory level, a compressed disk level and a shared overlay level.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/ruteri/tiered-content-storage/metrics"
)

// PromoteFrequency is the accesses per hour above which a lower level hit
// is copied into memory.
const PromoteFrequency = 5

const emaWeight = 0.1

const (
	eventHit      = "hit"
	eventMiss     = "miss"
	eventCached   = "cached"
	eventEvicted  = "evicted"
	eventExpired  = "expired"
	eventPromoted = "promoted"
	eventRejected = "rejected"
)

var errLevelDisabled = errors.New("cache level disabled")

// Metadata describes a cached entry: where it came from, which level holds
// it and when it expires.
type Metadata struct {
	OriginalLocation interfaces.StorageLocation `json:"original_location"`
	Level            interfaces.CacheLevel      `json:"cache_level"`
	TTL              time.Duration              `json:"ttl"`
	Priority         int                        `json:"priority"`
	CachedAt         time.Time                  `json:"cached_at"`
	ExpiresAt        time.Time                  `json:"expires_at"`
	SizeBytes        int64                      `json:"size_bytes"`
	CompressionRatio float64                    `json:"compression_ratio,omitempty"`
}

// Entry is a cached object. Get returns a copy of the entry that shares
// Content with the cache, so callers must not modify the bytes.
type Entry struct {
	ContentHash  interfaces.ContentHash `json:"content_hash"`
	Content      []byte                 `json:"-"`
	Metadata     Metadata               `json:"metadata"`
	LastAccessed time.Time              `json:"last_accessed"`
	AccessCount  int64                  `json:"access_count"`
}

func (e *Entry) expired(now time.Time) bool {
	return !e.Metadata.ExpiresAt.IsZero() && now.After(e.Metadata.ExpiresAt)
}

// ranksBelow orders entries for eviction: lower priority first, then least
// recently accessed.
func (e *Entry) ranksBelow(o *Entry) bool {
	if e.Metadata.Priority != o.Metadata.Priority {
		return e.Metadata.Priority < o.Metadata.Priority
	}
	return e.LastAccessed.Before(o.LastAccessed)
}

// Stats is a snapshot of cache occupancy and hit rates.
type Stats struct {
	MemoryEntries    int     `json:"memory_entries"`
	MemoryBytes      int64   `json:"memory_bytes"`
	MaxMemoryBytes   int64   `json:"max_memory_bytes"`
	DiskEntries      int     `json:"disk_entries"`
	DiskBytes        int64   `json:"disk_bytes"`
	OverlayEntries   int     `json:"overlay_entries"`
	HitRate          float64 `json:"hit_rate"`
	MissRate         float64 `json:"miss_rate"`
	Hits             int64   `json:"hits"`
	Misses           int64   `json:"misses"`
	Evictions        int64   `json:"evictions"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg     config.CacheConfig
	events  interfaces.CacheStatsLog
	log     *slog.Logger
	metrics *metrics.StorageMetrics
	now     func() time.Time

	disk    *diskLevel
	overlay *overlayLevel

	mu          sync.Mutex
	memory      map[interfaces.ContentHash]*Entry
	memoryBytes int64
	maxMemory   int64
	stats       Stats
}

// New builds a cache. An empty DiskDir disables the disk level and a zero
// OverlayMB disables the overlay level.
func New(cfg config.CacheConfig, events interfaces.CacheStatsLog, log *slog.Logger, m *metrics.StorageMetrics) (*Cache, error) {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = config.DefaultCacheConfig().DefaultTTL
	}
	c := &Cache{
		cfg:       cfg,
		events:    events,
		log:       log,
		metrics:   m,
		now:       time.Now,
		memory:    make(map[interfaces.ContentHash]*Entry),
		maxMemory: int64(cfg.MaxMemoryMB) * 1024 * 1024,
	}

	if cfg.DiskDir != "" {
		disk, err := newDiskLevel(cfg.DiskDir)
		if err != nil {
			return nil, err
		}
		c.disk = disk
	}
	if cfg.OverlayMB > 0 {
		overlay, err := newOverlayLevel(cfg.OverlayMB, cfg.OverlayTTL)
		if err != nil {
			return nil, err
		}
		c.overlay = overlay
	}

	log.Info("Initialized adaptive cache",
		slog.Int("max_memory_mb", cfg.MaxMemoryMB),
		slog.String("disk_dir", cfg.DiskDir),
		slog.Int("overlay_mb", cfg.OverlayMB))
	return c, nil
}

// Get looks the hash up in memory, then on disk, then in the overlay.
// Expired entries are misses. A lower level hit is promoted to memory when
// accessFrequency exceeds PromoteFrequency.
func (c *Cache) Get(ctx context.Context, hash interfaces.ContentHash, accessFrequency float64) (*Entry, bool) {
	start := time.Now()
	if e, ok := c.getMemory(hash); ok {
		c.hit(ctx, hash, interfaces.CacheMemory, e.Metadata.SizeBytes, start)
		return e, true
	}

	for _, lvl := range []interfaces.CacheLevel{interfaces.CacheDisk, interfaces.CacheOverlay} {
		e, err := c.getLevel(lvl, hash)
		if err != nil {
			if !errors.Is(err, interfaces.ErrContentNotFound) && !errors.Is(err, errLevelDisabled) {
				c.log.Warn("Cache level read failed",
					slog.String("level", string(lvl)),
					slog.String("content_hash", hash.Short()),
					"err", err)
			}
			continue
		}
		if e.expired(c.now()) {
			c.removeLevel(lvl, hash)
			c.recordEvent(ctx, hash, lvl, eventExpired, e.Metadata.SizeBytes)
			continue
		}

		e.LastAccessed = c.now()
		e.AccessCount++
		c.hit(ctx, hash, lvl, e.Metadata.SizeBytes, start)
		if accessFrequency > PromoteFrequency {
			promoted := *e
			promoted.Metadata.Level = interfaces.CacheMemory
			if c.insertMemory(ctx, &promoted) {
				c.recordEvent(ctx, hash, interfaces.CacheMemory, eventPromoted, e.Metadata.SizeBytes)
			}
		}
		return e, true
	}

	c.miss(ctx, hash, start)
	return nil, false
}

func (c *Cache) getMemory(hash interfaces.ContentHash) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.memory[hash]
	if !ok || e.expired(c.now()) {
		return nil, false
	}
	e.LastAccessed = c.now()
	e.AccessCount++
	cp := *e
	return &cp, true
}

func (c *Cache) getLevel(lvl interfaces.CacheLevel, hash interfaces.ContentHash) (*Entry, error) {
	switch lvl {
	case interfaces.CacheDisk:
		if c.disk == nil {
			return nil, errLevelDisabled
		}
		return c.disk.get(hash)
	case interfaces.CacheOverlay:
		if c.overlay == nil {
			return nil, errLevelDisabled
		}
		return c.overlay.get(hash)
	}
	return nil, fmt.Errorf("unknown cache level %q", lvl)
}

func (c *Cache) removeLevel(lvl interfaces.CacheLevel, hash interfaces.ContentHash) {
	var err error
	switch lvl {
	case interfaces.CacheDisk:
		if c.disk != nil {
			err = c.disk.remove(hash)
		}
	case interfaces.CacheOverlay:
		if c.overlay != nil {
			err = c.overlay.remove(hash)
		}
	}
	if err != nil && !errors.Is(err, interfaces.ErrContentNotFound) {
		c.log.Warn("Failed to remove cache entry", slog.String("level", string(lvl)), "err", err)
	}
}

// Put caches content at meta.Level. Content that memory does not admit is
// written to disk instead.
func (c *Cache) Put(ctx context.Context, hash interfaces.ContentHash, content []byte, meta Metadata) error {
	now := c.now()
	if meta.Level == "" {
		meta.Level = interfaces.CacheDisk
	}
	if meta.TTL <= 0 {
		meta.TTL = c.cfg.DefaultTTL
	}
	meta.SizeBytes = int64(len(content))
	meta.CachedAt = now
	meta.ExpiresAt = now.Add(meta.TTL)

	e := &Entry{
		ContentHash:  hash,
		Content:      content,
		Metadata:     meta,
		LastAccessed: now,
		AccessCount:  1,
	}

	level := meta.Level
	if level == interfaces.CacheMemory {
		if c.insertMemory(ctx, e) {
			c.recordEvent(ctx, hash, level, eventCached, meta.SizeBytes)
			return nil
		}
		c.recordEvent(ctx, hash, interfaces.CacheMemory, eventRejected, meta.SizeBytes)
		level = interfaces.CacheDisk
		e.Metadata.Level = level
	}

	var err error
	switch level {
	case interfaces.CacheDisk:
		if c.disk == nil {
			return errLevelDisabled
		}
		err = c.disk.put(e)
	case interfaces.CacheOverlay:
		if c.overlay == nil {
			return errLevelDisabled
		}
		err = c.overlay.put(e)
	default:
		return fmt.Errorf("unknown cache level %q", level)
	}
	if err != nil {
		return fmt.Errorf("failed to cache %s on %s: %w", hash.Short(), level, err)
	}

	c.log.Debug("Cached content",
		slog.String("content_hash", hash.Short()),
		slog.String("level", string(level)),
		slog.Int64("bytes", meta.SizeBytes))
	c.recordEvent(ctx, hash, level, eventCached, meta.SizeBytes)
	return nil
}

// insertMemory admits e when the budget allows it, evicting lower ranked
// entries as needed. It refuses when room could only be made by evicting an
// entry that ranks at or above e, or when e alone exceeds the budget.
func (c *Cache) insertMemory(ctx context.Context, e *Entry) bool {
	size := int64(len(e.Content))
	if size > c.maxMemory {
		return false
	}

	c.mu.Lock()
	old, replacing := c.memory[e.ContentHash]
	if replacing {
		delete(c.memory, e.ContentHash)
		c.memoryBytes -= old.Metadata.SizeBytes
	}

	var evicted []*Entry
	if need := c.memoryBytes + size - c.maxMemory; need > 0 {
		candidates := make([]*Entry, 0, len(c.memory))
		for _, cand := range c.memory {
			candidates = append(candidates, cand)
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ranksBelow(candidates[j]) })

		var freed int64
		for _, cand := range candidates {
			if freed >= need {
				break
			}
			if !cand.ranksBelow(e) {
				if replacing {
					c.memory[e.ContentHash] = old
					c.memoryBytes += old.Metadata.SizeBytes
				}
				c.mu.Unlock()
				return false
			}
			evicted = append(evicted, cand)
			freed += cand.Metadata.SizeBytes
		}
		for _, v := range evicted {
			delete(c.memory, v.ContentHash)
			c.memoryBytes -= v.Metadata.SizeBytes
		}
		c.stats.Evictions += int64(len(evicted))
	}

	e.Metadata.SizeBytes = size
	c.memory[e.ContentHash] = e
	c.memoryBytes += size
	memoryBytes := c.memoryBytes
	c.mu.Unlock()

	c.metrics.SetCacheMemory(memoryBytes)
	for _, v := range evicted {
		c.log.Debug("Evicted from memory cache",
			slog.String("content_hash", v.ContentHash.Short()),
			slog.Int("priority", v.Metadata.Priority),
			slog.Int64("bytes", v.Metadata.SizeBytes))
		c.recordEvent(ctx, v.ContentHash, interfaces.CacheMemory, eventEvicted, v.Metadata.SizeBytes)
	}
	return true
}

// Delete removes hash from every level.
func (c *Cache) Delete(hash interfaces.ContentHash) {
	c.mu.Lock()
	if e, ok := c.memory[hash]; ok {
		delete(c.memory, hash)
		c.memoryBytes -= e.Metadata.SizeBytes
	}
	c.mu.Unlock()
	c.removeLevel(interfaces.CacheDisk, hash)
	c.removeLevel(interfaces.CacheOverlay, hash)
}

// Sweep drops expired memory and disk entries and returns how many were
// removed. The overlay level expires entries on its own.
func (c *Cache) Sweep(ctx context.Context) int {
	now := c.now()
	var expired []*Entry

	c.mu.Lock()
	for hash, e := range c.memory {
		if e.expired(now) {
			delete(c.memory, hash)
			c.memoryBytes -= e.Metadata.SizeBytes
			expired = append(expired, e)
		}
	}
	memoryBytes := c.memoryBytes
	c.mu.Unlock()
	c.metrics.SetCacheMemory(memoryBytes)

	for _, e := range expired {
		c.recordEvent(ctx, e.ContentHash, interfaces.CacheMemory, eventExpired, e.Metadata.SizeBytes)
	}

	removed := len(expired)
	if c.disk != nil {
		n, err := c.disk.sweep(now)
		if err != nil {
			c.log.Warn("Disk cache sweep failed", "err", err)
		}
		removed += n
	}
	if removed > 0 {
		c.log.Info("Cleaned expired cache entries", slog.Int("count", removed))
	}
	return removed
}

// Run sweeps every SweepInterval until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	interval := c.cfg.SweepInterval
	if interval <= 0 {
		interval = config.DefaultCacheConfig().SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Stats returns current occupancy of every level and the moving-average hit and miss rates.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := c.stats
	s.MemoryEntries = len(c.memory)
	s.MemoryBytes = c.memoryBytes
	s.MaxMemoryBytes = c.maxMemory
	c.mu.Unlock()

	if c.disk != nil {
		s.DiskEntries, s.DiskBytes = c.disk.usage()
	}
	if c.overlay != nil {
		s.OverlayEntries = c.overlay.count()
	}
	return s
}

// Close releases the overlay level's background cleaner.
func (c *Cache) Close() error {
	if c.overlay != nil {
		return c.overlay.close()
	}
	return nil
}

// Contains reports whether hash is resident in memory, without touching
// its access time.
func (c *Cache) Contains(hash interfaces.ContentHash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.memory[hash]
	return ok
}

func (c *Cache) hit(ctx context.Context, hash interfaces.ContentHash, lvl interfaces.CacheLevel, size int64, start time.Time) {
	c.observe(true, start)
	c.recordEvent(ctx, hash, lvl, eventHit, size)
}

func (c *Cache) miss(ctx context.Context, hash interfaces.ContentHash, start time.Time) {
	c.observe(false, start)
	c.recordEvent(ctx, hash, interfaces.CacheMemory, eventMiss, 0)
}

func (c *Cache) observe(hit bool, start time.Time) {
	var h, m float64
	if hit {
		h = 1
	} else {
		m = 1
	}
	latency := float64(time.Since(start).Microseconds()) / 1000

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.HitRate = c.stats.HitRate*(1-emaWeight) + h*emaWeight
	c.stats.MissRate = c.stats.MissRate*(1-emaWeight) + m*emaWeight
	c.stats.AverageLatencyMs = c.stats.AverageLatencyMs*(1-emaWeight) + latency*emaWeight
	if hit {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
}

func (c *Cache) recordEvent(ctx context.Context, hash interfaces.ContentHash, lvl interfaces.CacheLevel, event string, size int64) {
	c.metrics.CacheEvent(string(lvl), event)
	if c.events == nil {
		return
	}
	ev := &interfaces.CacheEvent{
		ContentHash: hash,
		Level:       string(lvl),
		Event:       event,
		SizeBytes:   size,
		At:          c.now(),
	}
	if err := c.events.RecordCacheEvent(ctx, ev); err != nil {
		c.log.Warn("Failed to record cache event", slog.String("event", event), "err", err)
	}
}
