package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ruteri/tiered-content-storage/cache"
	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/ruteri/tiered-content-storage/lifecycle"
	"github.com/ruteri/tiered-content-storage/migration"
)

// ErrMigrationRunning is returned when a migration is started while another
// one is in progress.
var ErrMigrationRunning = errors.New("migration already running")

var ErrUnknownOperation = errors.New("unknown lifecycle operation")

// Monthly storage cost per GB.
var tierCostPerGB = map[interfaces.Tier]float64{
	interfaces.TierHot:  0.023,
	interfaces.TierWarm: 0.0125,
	interfaces.TierCold: 0.004,
}

// MoveRequest asks for content to move between tiers. With Force the move
// starts from whichever tier holds the content.
type MoveRequest struct {
	ContentHash interfaces.ContentHash `json:"content_hash"`
	FromTier    interfaces.Tier        `json:"from_tier"`
	ToTier      interfaces.Tier        `json:"to_tier"`
	// Force moves the object from whichever tier holds it when it is not
	// in FromTier.
	Force bool `json:"force"`
}

// MoveTier moves one object between tiers on operator request.
func (s *Service) MoveTier(ctx context.Context, req MoveRequest) error {
	if err := req.ContentHash.Validate(); err != nil {
		return err
	}
	if !req.FromTier.Valid() || !req.ToTier.Valid() {
		return fmt.Errorf("%w: %q to %q", interfaces.ErrInvalidTier, req.FromTier, req.ToTier)
	}
	if req.FromTier == req.ToTier {
		return fmt.Errorf("%w: source and destination are both %s", interfaces.ErrInvalidTier, req.FromTier)
	}

	from := req.FromTier
	exists, err := s.Driver.ObjectExists(ctx, req.ContentHash, from)
	if err != nil {
		return err
	}
	if !exists {
		if !req.Force {
			return fmt.Errorf("%w: %s in %s", interfaces.ErrContentNotFound, req.ContentHash.Short(), from)
		}
		meta, err := s.Head(ctx, req.ContentHash)
		if err != nil {
			return err
		}
		from = meta.Tier
	}

	start := time.Now()
	if from != req.ToTier {
		err = s.Driver.MoveObject(ctx, req.ContentHash, from, req.ToTier)
	}
	ev := &interfaces.StorageEvent{
		Type: interfaces.EventTiering, ContentHash: req.ContentHash, FromTier: from, ToTier: req.ToTier,
		Backend: s.Driver.Name(), Success: err == nil, DurationMs: msSince(start), Message: "manual-operation",
	}
	if err != nil {
		ev.Message = err.Error()
	}
	s.recordEvent(ctx, ev)
	if err != nil {
		return err
	}

	s.Metrics.TierMove(string(from), string(req.ToTier))
	if err := s.Store.MoveLocation(ctx, req.ContentHash, s.Driver.Location(from), s.Driver.Location(req.ToTier)); err != nil && !errors.Is(err, interfaces.ErrContentNotFound) {
		return fmt.Errorf("moved %s but failed to update index: %w", req.ContentHash.Short(), err)
	}
	s.Log.Info("Moved content",
		slog.String("content_hash", req.ContentHash.Short()),
		slog.String("from", string(from)),
		slog.String("to", string(req.ToTier)))
	return nil
}

// HealthReport is the per-tier health of the primary driver.
type HealthReport struct {
	Healthy   bool                                        `json:"healthy"`
	Backend   string                                      `json:"backend"`
	Tiers     map[interfaces.Tier]interfaces.HealthStatus `json:"tiers"`
	CDN       bool                                        `json:"cdn_enabled"`
	Lifecycle bool                                        `json:"lifecycle_enabled"`
	Timestamp time.Time                                   `json:"timestamp"`
}

// Health probes every tier of the primary driver. The report is healthy
// only if all tiers are.
func (s *Service) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Healthy:   true,
		Backend:   s.Driver.Name(),
		Tiers:     make(map[interfaces.Tier]interfaces.HealthStatus, len(interfaces.AllTiers)),
		CDN:       s.cfg.Storage.CDN.Mode != "" && s.cfg.Storage.CDN.Mode != config.CDNModeOff,
		Lifecycle: s.cfg.Lifecycle.Enabled && s.Lifecycle != nil,
		Timestamp: time.Now(),
	}
	for _, tier := range interfaces.AllTiers {
		status := s.Driver.HealthCheck(ctx, tier)
		report.Tiers[tier] = status
		report.Healthy = report.Healthy && status.Healthy
	}
	return report
}

type TierUsage struct {
	ObjectCount   int     `json:"object_count"`
	TotalSize     int64   `json:"total_size"`
	CostPerGB     float64 `json:"cost_per_gb"`
	EstimatedCost float64 `json:"estimated_monthly_cost"`
}

type PerformanceSummary struct {
	AverageLatencyMs  float64 `json:"average_latency_ms"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	ErrorRate         float64 `json:"error_rate"`
}

type LifecycleSummary struct {
	RecentMoves       int     `json:"recent_moves"`
	EstimatedSavings  float64 `json:"estimated_savings"`
	PendingOperations int     `json:"pending_operations"`
}

// StatsReport summarises index, queue, cache and lifecycle state. Sections
// whose source fails are left at their zero value.
type StatsReport struct {
	Tiers       map[interfaces.Tier]TierUsage `json:"tiers"`
	Performance PerformanceSummary            `json:"performance"`
	Lifecycle   LifecycleSummary              `json:"lifecycle"`
	Cache       *cache.Stats                  `json:"cache,omitempty"`
	Timestamp   time.Time                     `json:"timestamp"`
}

// Stats summarizes usage, recent read performance and lifecycle activity.
// Parts that cannot be computed are reported as zero and logged.
func (s *Service) Stats(ctx context.Context) *StatsReport {
	now := time.Now()
	report := &StatsReport{
		Tiers:     make(map[interfaces.Tier]TierUsage, len(interfaces.AllTiers)),
		Timestamp: now,
	}

	var lc *lifecycle.Stats
	if s.Lifecycle != nil {
		var err error
		lc, err = s.Lifecycle.Stats(ctx)
		if err != nil {
			s.Log.Warn("Failed to load lifecycle stats", "err", err)
		}
	}
	for _, tier := range interfaces.AllTiers {
		u := TierUsage{CostPerGB: tierCostPerGB[tier]}
		if lc != nil {
			ts := lc.Tiers[tier]
			u.ObjectCount, u.TotalSize = ts.ObjectCount, ts.TotalSize
		}
		u.EstimatedCost = float64(u.TotalSize) / (1 << 30) * u.CostPerGB
		report.Tiers[tier] = u
	}
	if lc != nil {
		report.Lifecycle.RecentMoves = lc.RecentMoves
		report.Lifecycle.EstimatedSavings = lc.EstimatedMonthlySavings
	}

	reads, err := s.Store.ListEvents(ctx, now.Add(-time.Hour), interfaces.EventRead)
	if err != nil {
		s.Log.Warn("Failed to load read events", "err", err)
	}
	if len(reads) > 0 {
		var latency float64
		var failed int
		for _, ev := range reads {
			latency += ev.DurationMs
			if !ev.Success {
				failed++
			}
		}
		report.Performance = PerformanceSummary{
			AverageLatencyMs:  latency / float64(len(reads)),
			RequestsPerSecond: float64(len(reads)) / 3600,
			ErrorRate:         float64(failed) / float64(len(reads)),
		}
	}

	counts, err := s.Store.CountJobs(ctx)
	if err != nil {
		s.Log.Warn("Failed to count replication jobs", "err", err)
	}
	report.Lifecycle.PendingOperations = counts[interfaces.JobPending] + counts[interfaces.JobInProgress]

	if s.Cache != nil {
		cs := s.Cache.Stats()
		report.Cache = &cs
	}
	return report
}

type OperationStats struct {
	Type             string          `json:"type"`
	FromTier         interfaces.Tier `json:"from_tier,omitempty"`
	ToTier           interfaces.Tier `json:"to_tier,omitempty"`
	Success          bool            `json:"success"`
	Count            int             `json:"count"`
	AverageLatencyMs float64         `json:"average_latency_ms"`
	TotalBytes       int64           `json:"total_bytes"`
	TotalSavings     float64         `json:"total_savings"`
}

type PerformanceReport struct {
	Window          time.Duration    `json:"window"`
	Operations      []OperationStats `json:"operations"`
	TotalOperations int              `json:"total_operations"`
	SuccessRate     float64          `json:"success_rate"`
	TotalSavings    float64          `json:"total_savings"`
}

// Performance groups the events of the last window by type, tiers and outcome.
func (s *Service) Performance(ctx context.Context, window time.Duration) (*PerformanceReport, error) {
	events, err := s.Store.ListEvents(ctx, time.Now().Add(-window), "")
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	type key struct {
		typ      string
		from, to interfaces.Tier
		success  bool
	}
	groups := make(map[key]*OperationStats)
	report := &PerformanceReport{Window: window, Operations: []OperationStats{}}
	succeeded := 0
	for _, ev := range events {
		k := key{ev.Type, ev.FromTier, ev.ToTier, ev.Success}
		g, ok := groups[k]
		if !ok {
			g = &OperationStats{Type: ev.Type, FromTier: ev.FromTier, ToTier: ev.ToTier, Success: ev.Success}
			groups[k] = g
		}
		g.Count++
		g.AverageLatencyMs += ev.DurationMs
		g.TotalBytes += ev.Bytes
		g.TotalSavings += ev.Savings

		report.TotalOperations++
		report.TotalSavings += ev.Savings
		if ev.Success {
			succeeded++
		}
	}
	for _, g := range groups {
		g.AverageLatencyMs /= float64(g.Count)
		report.Operations = append(report.Operations, *g)
	}
	sort.Slice(report.Operations, func(i, j int) bool {
		a, b := report.Operations[i], report.Operations[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Type+string(a.FromTier)+string(a.ToTier) < b.Type+string(b.FromTier)+string(b.ToTier)
	})
	if report.TotalOperations > 0 {
		report.SuccessRate = float64(succeeded) / float64(report.TotalOperations)
	}
	return report, nil
}

// MigrationRequest starts a migration between two configured backends.
type MigrationRequest struct {
	SourceBackend string `json:"source_backend"`
	TargetBackend string `json:"target_backend"`
	DryRun        bool   `json:"dry_run"`
}

// MigrationStart is either a dry-run plan or the progress of a migration
// that was just started.
type MigrationStart struct {
	Plan     *migration.Plan     `json:"plan,omitempty"`
	Progress *migration.Progress `json:"progress,omitempty"`
}

// StartMigration previews a migration when DryRun is set, otherwise starts
// it in the background. Only one migration runs at a time.
func (s *Service) StartMigration(ctx context.Context, req MigrationRequest) (*MigrationStart, error) {
	if req.SourceBackend == "" || req.TargetBackend == "" {
		return nil, fmt.Errorf("%w: source and target backends are required", interfaces.ErrConfiguration)
	}
	if req.SourceBackend == req.TargetBackend {
		return nil, fmt.Errorf("%w: source and target backends are both %s", interfaces.ErrConfiguration, req.SourceBackend)
	}
	if s.Drivers == nil {
		return nil, fmt.Errorf("%w: migrations are not configured", interfaces.ErrConfiguration)
	}
	source, err := s.Drivers.Driver(req.SourceBackend)
	if err != nil {
		return nil, err
	}
	target, err := s.Drivers.Driver(req.TargetBackend)
	if err != nil {
		return nil, err
	}

	cfg := s.cfg.Migration
	cfg.SourceBackend, cfg.TargetBackend, cfg.DryRun = req.SourceBackend, req.TargetBackend, req.DryRun
	m := migration.New(source, target, cfg, s.Log.With("component", "migration"),
		migration.WithMetrics(s.Metrics),
		migration.WithEventLog(s.Store))

	if req.DryRun {
		plan, err := m.Preview(ctx)
		if err != nil {
			return nil, err
		}
		return &MigrationStart{Plan: plan}, nil
	}

	s.migrationMu.Lock()
	defer s.migrationMu.Unlock()
	if s.migrating {
		return nil, ErrMigrationRunning
	}
	s.migrating = true
	s.migrator = m

	go func() {
		progress, err := m.MigrateAll(context.WithoutCancel(ctx))
		if err != nil {
			s.Log.Error("Background migration failed", "err", err)
		} else {
			s.Log.Info("Background migration finished",
				slog.Int("success", progress.SuccessCount),
				slog.Int("errors", progress.ErrorCount),
				slog.Int("skipped", progress.SkippedCount))
		}
		s.migrationMu.Lock()
		s.migrating = false
		s.migrationMu.Unlock()
	}()

	progress := m.Progress()
	return &MigrationStart{Progress: &progress}, nil
}

// MigrationProgress reports the most recent migration started through
// StartMigration and whether it is still running.
func (s *Service) MigrationProgress() (migration.Progress, bool, bool) {
	s.migrationMu.Lock()
	defer s.migrationMu.Unlock()
	if s.migrator == nil {
		return migration.Progress{}, false, false
	}
	return s.migrator.Progress(), s.migrating, true
}

// RunLifecycle runs one lifecycle operation: "tier", "cleanup", "reconcile"
// or "stats".
func (s *Service) RunLifecycle(ctx context.Context, op string) (any, error) {
	if s.Lifecycle == nil {
		return nil, fmt.Errorf("%w: lifecycle management is not configured", interfaces.ErrConfiguration)
	}
	switch op {
	case "tier":
		return s.Lifecycle.RunTieringJob(ctx)
	case "cleanup":
		return s.Lifecycle.CleanupExpired(ctx)
	case "reconcile":
		return s.Lifecycle.ReconcileTiers(ctx)
	case "stats":
		return s.Lifecycle.Stats(ctx)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
}
