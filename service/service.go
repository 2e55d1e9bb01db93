// Package service is the content engine behind the HTTP API. It writes
// through the primary driver and overlay index, and reads through the
// adaptive cache and the location router.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ruteri/tiered-content-storage/agents"
	"github.com/ruteri/tiered-content-storage/cache"
	"github.com/ruteri/tiered-content-storage/common"
	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/ruteri/tiered-content-storage/lifecycle"
	"github.com/ruteri/tiered-content-storage/metrics"
	"github.com/ruteri/tiered-content-storage/migration"
	"github.com/ruteri/tiered-content-storage/routing"
)

// LocationReader reads content from whichever of several locations answers
// first with valid bytes.
type LocationReader interface {
	FetchAny(ctx context.Context, hash interfaces.ContentHash, locs []interfaces.StorageLocation) ([]byte, interfaces.StorageLocation, error)
	OpenAny(ctx context.Context, hash interfaces.ContentHash, locs []interfaces.StorageLocation, rng *interfaces.ByteRange) (*interfaces.ObjectReader, interfaces.StorageLocation, error)
}

// DriverFactory resolves backend names for migrations.
type DriverFactory interface {
	Driver(backend string) (interfaces.StorageDriver, error)
}

// Verifier runs an on-demand integrity check.
type Verifier interface {
	Verify(ctx context.Context, hash interfaces.ContentHash) (*agents.IntegrityReport, error)
}

// Components are the collaborators of a Service. Cache, Lifecycle, Drivers
// and Verifier are optional.
type Components struct {
	Driver    interfaces.StorageDriver
	Store     interfaces.MetadataStore
	Locations LocationReader
	Router    *routing.Router
	Cache     *cache.Cache
	Lifecycle *lifecycle.Manager
	Drivers   DriverFactory
	Verifier  Verifier
	Metrics   *metrics.StorageMetrics
	Log       *slog.Logger
}

// Service is the content storage engine behind the HTTP API.
type Service struct {
	cfg *config.Config
	Components

	migrationMu sync.Mutex
	migrator    *migration.Migrator
	migrating   bool
}

// New creates a service from its components.
func New(cfg *config.Config, c Components) *Service {
	if c.Log == nil {
		c.Log = common.DiscardLogger()
	}
	return &Service{cfg: cfg, Components: c}
}

// PutRequest carries what an uploader declared about new content.
type PutRequest struct {
	// Tier defaults to the configured default tier.
	Tier         interfaces.Tier
	ContentType  string
	CacheControl string
	// ExpectedHash, when set, must match the uploaded bytes.
	ExpectedHash interfaces.ContentHash
}

type PutResult struct {
	ContentHash     interfaces.ContentHash     `json:"content_hash"`
	Tier            interfaces.Tier            `json:"tier"`
	Size            int64                      `json:"size"`
	Location        interfaces.StorageLocation `json:"location"`
	ReplicationJobs []string                   `json:"replication_jobs,omitempty"`
}

// Put stores r, indexes it and queues replication to the configured replica
// targets. Storing content that already exists only refreshes its location.
func (s *Service) Put(ctx context.Context, r io.Reader, req PutRequest) (*PutResult, error) {
	start := time.Now()
	tier := req.Tier
	if tier == "" {
		tier = s.cfg.Storage.DefaultTier
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidTier, tier)
	}

	spool, err := os.CreateTemp("", "put-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	hash, size, err := interfaces.HashReader(ctx, io.TeeReader(r, spool))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if req.ExpectedHash != "" && req.ExpectedHash != hash {
		return nil, &interfaces.HashMismatchError{Expected: req.ExpectedHash, Actual: hash}
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind spool file: %w", err)
	}

	opts := &interfaces.PutOptions{ContentType: req.ContentType, CacheControl: req.CacheControl, Size: size}
	if err := s.Driver.PutObject(ctx, hash, spool, tier, opts); err != nil {
		s.recordEvent(ctx, &interfaces.StorageEvent{
			Type: interfaces.EventWrite, ContentHash: hash, ToTier: tier,
			DurationMs: msSince(start), Bytes: size, Message: err.Error(),
		})
		return nil, err
	}

	loc := s.Driver.Location(tier)
	loc.VerifiedAt = time.Now()
	if err := s.index(ctx, hash, size, tier, req.ContentType, loc); err != nil {
		return nil, err
	}

	res := &PutResult{ContentHash: hash, Tier: tier, Size: size, Location: loc}
	res.ReplicationJobs = s.enqueueReplicas(ctx, hash, loc)

	s.recordEvent(ctx, &interfaces.StorageEvent{
		Type: interfaces.EventWrite, ContentHash: hash, ToTier: tier, Backend: s.Driver.Name(),
		Success: true, DurationMs: msSince(start), Bytes: size,
	})
	s.Log.Debug("Stored content",
		slog.String("content_hash", hash.Short()),
		slog.String("tier", string(tier)),
		slog.Int64("size", size))
	return res, nil
}

func (s *Service) index(ctx context.Context, hash interfaces.ContentHash, size int64, tier interfaces.Tier, contentType string, loc interfaces.StorageLocation) error {
	entry, err := s.Store.GetEntry(ctx, hash)
	switch {
	case errors.Is(err, interfaces.ErrContentNotFound):
		entry = &interfaces.IndexEntry{
			ContentHash:       hash,
			Size:              size,
			ContentType:       contentType,
			Tier:              tier,
			ReplicationFactor: 1 + len(s.cfg.Storage.ReplicaTargets),
			LastVerifiedAt:    loc.VerifiedAt,
		}
	case err != nil:
		return fmt.Errorf("failed to load index entry: %w", err)
	}

	if !entry.HasLocation(loc.URL) {
		entry.Locations = append(entry.Locations, loc)
	}
	if err := s.Store.PutEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to index %s: %w", hash.Short(), err)
	}
	return nil
}

func (s *Service) enqueueReplicas(ctx context.Context, hash interfaces.ContentHash, source interfaces.StorageLocation) []string {
	var ids []string
	for _, target := range s.cfg.Storage.ReplicaTargets {
		if target.URL == source.URL {
			continue
		}
		job := &interfaces.ReplicationJob{
			ContentHash: hash,
			Source:      source,
			Target:      target,
			MaxRetries:  s.cfg.Agents.JobMaxRetries,
		}
		if err := s.Store.Enqueue(ctx, job); err != nil {
			s.Log.Warn("Failed to enqueue replication job",
				slog.String("content_hash", hash.Short()),
				slog.String("target", target.URL),
				"err", err)
			continue
		}
		ids = append(ids, job.ID)
	}
	return ids
}

// GetRequest describes a read: the optional range and the client context used for routing.
type GetRequest struct {
	Range   *interfaces.ByteRange
	Client  routing.ClientContext
	Options routing.Options
}

// Object is an open read. The caller must close it.
type Object struct {
	*interfaces.ObjectReader
	Location interfaces.StorageLocation
	CacheHit bool
	Decision *routing.Decision
}

// Get serves hash from the cache when possible, otherwise from the best
// routed location, falling back through the remaining candidates.
func (s *Service) Get(ctx context.Context, hash interfaces.ContentHash, req GetRequest) (*Object, error) {
	if err := hash.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	if s.Cache != nil {
		if e, ok := s.Cache.Get(ctx, hash, s.Router.AccessFrequency(ctx, hash)); ok {
			r, err := bytesObject(hash, e.Content, req.Range)
			if err != nil {
				return nil, err
			}
			loc := e.Metadata.OriginalLocation
			r.Metadata.Tier = loc.Tier
			s.recordAccess(ctx, hash, loc, req.Client, r.Length(), true, start)
			return &Object{ObjectReader: r, Location: loc, CacheHit: true}, nil
		}
	}

	entry, locs, err := s.locations(ctx, hash)
	if err != nil {
		return nil, err
	}
	decision, err := s.Router.SelectOptimalLocation(ctx, hash, locs, req.Client, req.Options)
	if err != nil {
		return nil, err
	}
	ordered := candidates(decision, locs)

	var (
		r   *interfaces.ObjectReader
		loc interfaces.StorageLocation
	)
	if rec := decision.CacheRecommendation; s.Cache != nil && rec != nil && rec.ShouldCache && req.Range == nil && s.cacheable(ctx, hash, entry, locs) {
		var data []byte
		data, loc, err = s.Locations.FetchAny(ctx, hash, ordered)
		if err == nil {
			meta := cache.Metadata{OriginalLocation: loc, Level: rec.Level, TTL: rec.TTL, Priority: rec.Priority}
			if err := s.Cache.Put(ctx, hash, data, meta); err != nil {
				s.Log.Debug("Content not cached", slog.String("content_hash", hash.Short()), "err", err)
			}
			r, err = bytesObject(hash, data, nil)
		}
	} else {
		r, loc, err = s.Locations.OpenAny(ctx, hash, ordered, req.Range)
	}
	if err != nil {
		s.recordEvent(ctx, &interfaces.StorageEvent{
			Type: interfaces.EventRead, ContentHash: hash, Backend: string(decision.SelectedLocation.Type),
			DurationMs: msSince(start), Message: err.Error(),
		})
		return nil, err
	}
	if r.Metadata.Tier == "" {
		r.Metadata.Tier = loc.Tier
	}
	describe(&r.Metadata, entry)
	if r.Metadata.Size < 0 && !r.Partial && entry != nil {
		// origins streaming without a length are sized from the index
		r.Metadata.Size = entry.Size
		r.End = entry.Size - 1
	}

	s.recordAccess(ctx, hash, loc, req.Client, r.Length(), false, start)
	return &Object{ObjectReader: r, Location: loc, Decision: decision}, nil
}

// cacheable reports whether hash is small enough to be buffered for cache
// admission. Content of unknown size is streamed.
func (s *Service) cacheable(ctx context.Context, hash interfaces.ContentHash, entry *interfaces.IndexEntry, locs []interfaces.StorageLocation) bool {
	limit := s.cfg.Cache.MaxObjectBytes
	if limit <= 0 {
		limit = int64(s.cfg.Cache.MaxMemoryMB) << 20
	}

	size := int64(-1)
	if entry != nil {
		size = entry.Size
	} else if len(locs) > 0 {
		meta, err := s.Driver.HeadObject(ctx, hash, locs[0].Tier)
		if err != nil {
			return false
		}
		size = meta.Size
	}
	if size < 0 || size > limit {
		s.Log.Debug("Content too large to cache on read",
			slog.String("content_hash", hash.Short()),
			slog.Int64("size", size),
			slog.Int64("limit", limit))
		return false
	}
	return true
}

// locations returns the index entry and locations of hash, or probes the
// primary driver's tiers for content that was never indexed. The entry is
// nil when probing.
func (s *Service) locations(ctx context.Context, hash interfaces.ContentHash) (*interfaces.IndexEntry, []interfaces.StorageLocation, error) {
	entry, err := s.Store.GetEntry(ctx, hash)
	if err == nil && len(entry.Locations) > 0 {
		return entry, entry.Locations, nil
	}
	if err != nil && !errors.Is(err, interfaces.ErrContentNotFound) {
		s.Log.Warn("Index lookup failed, probing tiers", slog.String("content_hash", hash.Short()), "err", err)
	}

	var locs []interfaces.StorageLocation
	for _, tier := range interfaces.AllTiers {
		ok, err := s.Driver.ObjectExists(ctx, hash, tier)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			locs = append(locs, s.Driver.Location(tier))
		}
	}
	if len(locs) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, hash)
	}
	return nil, locs, nil
}

// describe fills in what the uploader declared, which byte stores without
// per-object metadata cannot report.
func describe(meta *interfaces.ObjectMetadata, entry *interfaces.IndexEntry) {
	if entry == nil || entry.ContentType == "" {
		return
	}
	if meta.ContentType == "" || meta.ContentType == "application/octet-stream" {
		meta.ContentType = entry.ContentType
	}
}

// candidates orders locs as the router ranked them; anything the decision
// left out goes last.
func candidates(d *routing.Decision, locs []interfaces.StorageLocation) []interfaces.StorageLocation {
	ordered := make([]interfaces.StorageLocation, 0, len(locs))
	seen := make(map[string]bool, len(locs))
	add := func(l interfaces.StorageLocation) {
		if !seen[l.URL] {
			seen[l.URL] = true
			ordered = append(ordered, l)
		}
	}
	add(d.SelectedLocation)
	for _, l := range d.AlternativeLocations {
		add(l)
	}
	for _, l := range locs {
		add(l)
	}
	return ordered
}

func bytesObject(hash interfaces.ContentHash, data []byte, rng *interfaces.ByteRange) (*interfaces.ObjectReader, error) {
	size := int64(len(data))
	r := &interfaces.ObjectReader{
		Metadata: interfaces.ObjectMetadata{ContentHash: hash, Size: size},
		End:      size - 1,
	}
	if size == 0 {
		r.End = 0
	}
	if rng != nil {
		start, end, err := rng.Resolve(size)
		if err != nil {
			return nil, err
		}
		r.Start, r.End, r.Partial = start, end, true
		data = data[start : end+1]
	}
	r.ReadCloser = io.NopCloser(bytes.NewReader(data))
	return r, nil
}

func (s *Service) recordAccess(ctx context.Context, hash interfaces.ContentHash, loc interfaces.StorageLocation, client routing.ClientContext, n int64, cacheHit bool, start time.Time) {
	now := time.Now()
	rec := &interfaces.AccessRecord{
		ContentHash:  hash,
		LocationURL:  loc.URL,
		LocationType: loc.Type,
		ClientRegion: client.GeographicLocation,
		LatencyMs:    msSince(start),
		Bytes:        n,
		CacheHit:     cacheHit,
		AccessedAt:   now,
	}
	if err := s.Store.RecordAccess(ctx, rec); err != nil {
		s.Log.Warn("Failed to record access", slog.String("content_hash", hash.Short()), "err", err)
	}
	if err := s.Store.MarkAccessed(ctx, hash, now); err != nil && !errors.Is(err, interfaces.ErrContentNotFound) {
		s.Log.Warn("Failed to mark access", slog.String("content_hash", hash.Short()), "err", err)
	}
	s.recordEvent(ctx, &interfaces.StorageEvent{
		Type: interfaces.EventRead, ContentHash: hash, FromTier: loc.Tier, Backend: string(loc.Type),
		Success: true, DurationMs: rec.LatencyMs, Bytes: n,
	})
}

// Head returns metadata from the first tier holding hash, starting with the
// indexed tier. Content held only at replica locations is described from
// its index entry.
func (s *Service) Head(ctx context.Context, hash interfaces.ContentHash) (*interfaces.ObjectMetadata, error) {
	if err := hash.Validate(); err != nil {
		return nil, err
	}
	entry, err := s.Store.GetEntry(ctx, hash)
	if err != nil {
		entry = nil
	}
	for _, tier := range tierOrder(entry) {
		meta, err := s.Driver.HeadObject(ctx, hash, tier)
		if err == nil {
			describe(meta, entry)
			return meta, nil
		}
		if !errors.Is(err, interfaces.ErrContentNotFound) {
			return nil, err
		}
	}

	if entry == nil || len(entry.Locations) == 0 {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, hash)
	}
	return &interfaces.ObjectMetadata{
		ContentHash:  hash,
		Tier:         entry.Tier,
		Size:         entry.Size,
		LastModified: entry.UpdatedAt,
		ContentType:  entry.ContentType,
	}, nil
}

// PresignedURL signs direct access to hash. A zero ttl uses the configured default.
func (s *Service) PresignedURL(ctx context.Context, hash interfaces.ContentHash, ttl time.Duration) (*interfaces.PresignedURL, error) {
	meta, err := s.Head(ctx, hash)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = s.cfg.Storage.PresignTTL()
	}
	return s.Driver.PresignedURL(ctx, hash, meta.Tier, ttl)
}

func tierOrder(entry *interfaces.IndexEntry) []interfaces.Tier {
	if entry == nil || !entry.Tier.Valid() {
		return interfaces.AllTiers
	}
	order := []interfaces.Tier{entry.Tier}
	for _, t := range interfaces.AllTiers {
		if t != entry.Tier {
			order = append(order, t)
		}
	}
	return order
}

// Verify runs an integrity check of hash across its indexed locations.
func (s *Service) Verify(ctx context.Context, hash interfaces.ContentHash) (*agents.IntegrityReport, error) {
	if err := hash.Validate(); err != nil {
		return nil, err
	}
	if s.Verifier == nil {
		return nil, fmt.Errorf("%w: verification is not configured", interfaces.ErrConfiguration)
	}
	return s.Verifier.Verify(ctx, hash)
}

// NetworkReport summarizes replication and verification state across the index.
func (s *Service) NetworkReport(ctx context.Context) (*agents.NetworkReport, error) {
	return agents.BuildNetworkReport(ctx, s.Store)
}

func (s *Service) recordEvent(ctx context.Context, ev *interfaces.StorageEvent) {
	if err := s.Store.RecordEvent(ctx, ev); err != nil {
		s.Log.Warn("Failed to record event", slog.String("type", ev.Type), "err", err)
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
