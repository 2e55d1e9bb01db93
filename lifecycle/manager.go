package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/ruteri/tiered-content-storage/metrics"
)

// Store is the metadata the manager reads and records to.
type Store interface {
	interfaces.StorageIndex
	interfaces.AccessLog
	interfaces.EventLog
}

// TieringResult counts the outcome of one tiering job.
type TieringResult struct {
	Moved   int `json:"moved"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

type CleanupResult struct {
	Deleted int `json:"deleted"`
	Errors  int `json:"errors"`
}

// ReconcileResult counts index corrections and removed duplicate copies.
type ReconcileResult struct {
	Checked  int `json:"checked"`
	DualTier int `json:"dual_tier"`
	Removed  int `json:"removed"`
	Updated  int `json:"updated"`
	Errors   int `json:"errors"`
}

type TierStats struct {
	ObjectCount int   `json:"object_count"`
	TotalSize   int64 `json:"total_size"`
}

type Stats struct {
	Tiers                   map[interfaces.Tier]TierStats `json:"tiers"`
	RecentMoves             int                           `json:"recent_moves"`
	EstimatedMonthlySavings float64                       `json:"estimated_monthly_savings"`
}

// Manager applies the lifecycle policy to one driver.
type Manager struct {
	driver  interfaces.StorageDriver
	store   Store
	cfg     config.LifecycleConfig
	log     *slog.Logger
	metrics *metrics.StorageMetrics
	now     func() time.Time
}

// NewManager creates a lifecycle manager for driver, tracking content in store.
func NewManager(driver interfaces.StorageDriver, store Store, cfg config.LifecycleConfig, log *slog.Logger, m *metrics.StorageMetrics) *Manager {
	return &Manager{
		driver:  driver,
		store:   store,
		cfg:     cfg,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// CollectMetrics builds AccessMetrics for every indexed object. The current
// tier is the hottest tier holding the object; objects found in no tier
// are skipped.
func (m *Manager) CollectMetrics(ctx context.Context) ([]AccessMetrics, error) {
	entries, err := m.store.ListEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexed content: %w", err)
	}

	now := m.now()
	out := make([]AccessMetrics, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tiers, err := m.presentTiers(ctx, e.ContentHash)
		if err != nil {
			m.log.Warn("Failed to locate content", slog.String("content_hash", e.ContentHash.Short()), "err", err)
			continue
		}
		if len(tiers) == 0 {
			continue
		}

		am := AccessMetrics{
			ContentHash:  e.ContentHash,
			CurrentTier:  tiers[0],
			TotalSize:    e.Size,
			CreatedAt:    e.CreatedAt,
			LastAccessed: e.LastAccessedAt,
		}
		for _, w := range []struct {
			since time.Duration
			count *int
		}{{day, &am.AccessCount24h}, {7 * day, &am.AccessCount7d}, {30 * day, &am.AccessCount30d}} {
			p, err := m.store.AccessPattern(ctx, e.ContentHash, now.Add(-w.since))
			if err != nil {
				return nil, fmt.Errorf("failed to load access pattern: %w", err)
			}
			*w.count = p.AccessCount
			if p.LastAccess.After(am.LastAccessed) {
				am.LastAccessed = p.LastAccess
			}
		}
		if am.LastAccessed.IsZero() {
			am.LastAccessed = e.CreatedAt
		}
		out = append(out, am)
	}
	return out, nil
}

// RunTieringJob executes the most urgent MaxObjectsPerBatch decisions.
func (m *Manager) RunTieringJob(ctx context.Context) (TieringResult, error) {
	var res TieringResult
	am, err := m.CollectMetrics(ctx)
	if err != nil {
		return res, err
	}
	decisions := Analyze(m.cfg, am, m.now())

	batch := decisions
	if m.cfg.MaxObjectsPerBatch > 0 && len(batch) > m.cfg.MaxObjectsPerBatch {
		batch = batch[:m.cfg.MaxObjectsPerBatch]
	}

	for _, d := range batch {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if m.cfg.DryRun {
			m.log.Info("Would move content",
				slog.String("content_hash", d.ContentHash.Short()),
				slog.String("from", string(d.FromTier)),
				slog.String("to", string(d.ToTier)),
				slog.String("reason", d.Reason))
			continue
		}

		start := time.Now()
		err := m.execute(ctx, d)
		m.recordTiering(ctx, d, time.Since(start), err)
		if err != nil {
			m.log.Error("Failed to tier content",
				slog.String("content_hash", d.ContentHash.Short()),
				slog.String("from", string(d.FromTier)),
				slog.String("to", string(d.ToTier)),
				"err", err)
			res.Errors++
			continue
		}
		res.Moved++
	}
	res.Skipped = len(decisions) - res.Moved - res.Errors

	m.log.Info("Tiering job finished",
		slog.Int("moved", res.Moved),
		slog.Int("skipped", res.Skipped),
		slog.Int("errors", res.Errors))
	return res, nil
}

func (m *Manager) execute(ctx context.Context, d Decision) error {
	if err := m.driver.MoveObject(ctx, d.ContentHash, d.FromTier, d.ToTier); err != nil {
		return err
	}
	m.metrics.TierMove(string(d.FromTier), string(d.ToTier))
	if err := m.store.MoveLocation(ctx, d.ContentHash, m.driver.Location(d.FromTier), m.driver.Location(d.ToTier)); err != nil {
		return fmt.Errorf("moved but failed to update index: %w", err)
	}
	return nil
}

func (m *Manager) recordTiering(ctx context.Context, d Decision, took time.Duration, err error) {
	ev := &interfaces.StorageEvent{
		Type:        interfaces.EventTiering,
		ContentHash: d.ContentHash,
		FromTier:    d.FromTier,
		ToTier:      d.ToTier,
		Backend:     m.driver.Name(),
		Success:     err == nil,
		DurationMs:  float64(took.Milliseconds()),
		Message:     d.Reason,
		Savings:     d.EstimatedSavings,
	}
	if err != nil {
		ev.Message = err.Error()
		ev.Savings = 0
	}
	m.recordEvent(ctx, ev)
}

// CleanupExpired deletes objects last modified more than DeleteAfterDays ago
// that no index entry references. Nothing is deleted unless orphan cleanup
// is enabled.
func (m *Manager) CleanupExpired(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	if !m.cfg.DeleteOrphans {
		return res, nil
	}
	cutoff := m.now().Add(-time.Duration(m.cfg.DeleteAfterDays) * day)

	for _, tier := range interfaces.AllTiers {
		objects, err := m.driver.ListObjects(ctx, tier, "", 0)
		if err != nil {
			m.log.Warn("Failed to list tier for cleanup", slog.String("tier", string(tier)), "err", err)
			continue
		}
		for _, obj := range objects {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if obj.LastModified.IsZero() || !obj.LastModified.Before(cutoff) {
				continue
			}

			_, err := m.store.GetEntry(ctx, obj.ContentHash)
			if err == nil {
				continue
			}
			if !errors.Is(err, interfaces.ErrContentNotFound) {
				res.Errors++
				continue
			}
			if m.cfg.DryRun {
				m.log.Info("Would delete expired orphan", slog.String("content_hash", obj.ContentHash.Short()), slog.String("tier", string(tier)))
				continue
			}

			if err := m.driver.DeleteObject(ctx, obj.ContentHash, tier); err != nil && !errors.Is(err, interfaces.ErrContentNotFound) {
				m.log.Error("Failed to delete expired content",
					slog.String("content_hash", obj.ContentHash.Short()),
					slog.String("tier", string(tier)),
					"err", err)
				res.Errors++
				continue
			}
			res.Deleted++
			m.recordEvent(ctx, &interfaces.StorageEvent{
				Type:        interfaces.EventCleanup,
				ContentHash: obj.ContentHash,
				FromTier:    tier,
				Backend:     m.driver.Name(),
				Success:     true,
				Bytes:       obj.Size,
				Message:     "expired-orphaned",
			})
		}
	}

	m.log.Info("Expired content cleanup finished", slog.Int("deleted", res.Deleted), slog.Int("errors", res.Errors))
	return res, nil
}

// ReconcileTiers finds indexed objects stored in more than one tier, which
// an interrupted move leaves behind. The index tier is canonical when it
// holds a copy, otherwise the hottest copy is. Other copies are deleted only
// after the canonical copy hashes correctly.
func (m *Manager) ReconcileTiers(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	entries, err := m.store.ListEntries(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list indexed content: %w", err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++

		tiers, err := m.presentTiers(ctx, e.ContentHash)
		if err != nil {
			res.Errors++
			continue
		}
		if len(tiers) == 0 {
			continue
		}

		canonical := tiers[0]
		for _, t := range tiers {
			if t == e.Tier {
				canonical = t
			}
		}
		if canonical != e.Tier {
			if err := m.store.MoveLocation(ctx, e.ContentHash, m.driver.Location(e.Tier), m.driver.Location(canonical)); err != nil {
				res.Errors++
				continue
			}
			res.Updated++
		}
		if len(tiers) == 1 {
			continue
		}

		res.DualTier++
		m.log.Warn("Content present in multiple tiers",
			slog.String("content_hash", e.ContentHash.Short()),
			slog.Any("tiers", tiers),
			slog.String("canonical", string(canonical)))

		if err := m.verifyCopy(ctx, e.ContentHash, canonical); err != nil {
			m.log.Error("Canonical copy failed verification, keeping all copies",
				slog.String("content_hash", e.ContentHash.Short()),
				slog.String("tier", string(canonical)),
				"err", err)
			res.Errors++
			continue
		}
		if m.cfg.DryRun {
			continue
		}

		for _, t := range tiers {
			if t == canonical {
				continue
			}
			if err := m.driver.DeleteObject(ctx, e.ContentHash, t); err != nil && !errors.Is(err, interfaces.ErrContentNotFound) {
				res.Errors++
				continue
			}
			res.Removed++
			if err := m.store.RemoveLocation(ctx, e.ContentHash, m.driver.Location(t).URL); err != nil {
				m.log.Warn("Failed to drop removed copy from index", slog.String("content_hash", e.ContentHash.Short()), "err", err)
			}
			m.recordEvent(ctx, &interfaces.StorageEvent{
				Type:        interfaces.EventReconcile,
				ContentHash: e.ContentHash,
				FromTier:    t,
				ToTier:      canonical,
				Backend:     m.driver.Name(),
				Success:     true,
				Message:     "removed duplicate tier copy",
			})
		}
	}
	return res, nil
}

func (m *Manager) verifyCopy(ctx context.Context, hash interfaces.ContentHash, tier interfaces.Tier) error {
	r, err := m.driver.GetObject(ctx, hash, tier, nil)
	if err != nil {
		return err
	}
	defer r.Close()
	actual, _, err := interfaces.HashReader(ctx, r)
	if err != nil {
		return err
	}
	if actual != hash {
		return &interfaces.HashMismatchError{Expected: hash, Actual: actual}
	}
	return nil
}

// presentTiers lists the tiers holding hash, hottest first.
func (m *Manager) presentTiers(ctx context.Context, hash interfaces.ContentHash) ([]interfaces.Tier, error) {
	var tiers []interfaces.Tier
	for _, tier := range interfaces.AllTiers {
		ok, err := m.driver.ObjectExists(ctx, hash, tier)
		if err != nil {
			return nil, err
		}
		if ok {
			tiers = append(tiers, tier)
		}
	}
	return tiers, nil
}

// Stats reports per-tier usage, successful moves in the last day and the
// savings estimated for moves in the last 30 days.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Tiers: make(map[interfaces.Tier]TierStats, len(interfaces.AllTiers))}
	for _, tier := range interfaces.AllTiers {
		objects, err := m.driver.ListObjects(ctx, tier, "", 0)
		if err != nil {
			m.log.Warn("Failed to get tier stats", slog.String("tier", string(tier)), "err", err)
			stats.Tiers[tier] = TierStats{}
			continue
		}
		ts := TierStats{ObjectCount: len(objects)}
		for _, o := range objects {
			ts.TotalSize += o.Size
		}
		stats.Tiers[tier] = ts
	}

	now := m.now()
	events, err := m.store.ListEvents(ctx, now.Add(-30*day), interfaces.EventTiering)
	if err != nil {
		return stats, fmt.Errorf("failed to load tiering events: %w", err)
	}
	dayAgo := now.Add(-day)
	for _, ev := range events {
		if !ev.Success {
			continue
		}
		stats.EstimatedMonthlySavings += ev.Savings
		if ev.CreatedAt.After(dayAgo) {
			stats.RecentMoves++
		}
	}
	return stats, nil
}

// Run applies tiering and cleanup every Interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}
	interval := m.cfg.Interval
	if interval <= 0 {
		interval = config.DefaultLifecycleConfig().Interval
	}
	m.log.Info("Starting lifecycle manager", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := m.RunTieringJob(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("Tiering job failed", "err", err)
		}
		if _, err := m.CleanupExpired(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("Expired content cleanup failed", "err", err)
		}
	}
}

func (m *Manager) recordEvent(ctx context.Context, ev *interfaces.StorageEvent) {
	if err := m.store.RecordEvent(ctx, ev); err != nil {
		m.log.Warn("Failed to record lifecycle event", slog.String("type", ev.Type), "err", err)
	}
}
