// Package migration copies content between storage drivers, verifies the
// copy and optionally removes the source.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/ruteri/tiered-content-storage/metrics"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type Phase string

const (
	PhaseDiscovery    Phase = "discovery"
	PhaseMigration    Phase = "migration"
	PhaseVerification Phase = "verification"
	PhaseCleanup      Phase = "cleanup"
	PhaseCompleted    Phase = "completed"
)

// Object is one discovered source object.
type Object struct {
	ContentHash interfaces.ContentHash `json:"content_hash"`
	Tier        interfaces.Tier        `json:"tier"`
	Size        int64                  `json:"size"`
}

// Progress is a snapshot of a running or finished migration.
type Progress struct {
	Phase                  Phase         `json:"phase"`
	TotalObjects           int           `json:"total_objects"`
	ProcessedObjects       int           `json:"processed_objects"`
	SuccessCount           int           `json:"success_count"`
	ErrorCount             int           `json:"error_count"`
	SkippedCount           int           `json:"skipped_count"`
	BytesTransferred       int64         `json:"bytes_transferred"`
	StartTime              time.Time     `json:"start_time"`
	EstimatedTimeRemaining time.Duration `json:"estimated_time_remaining"`
	CurrentObject          string        `json:"current_object,omitempty"`
	LastError              string        `json:"last_error,omitempty"`
}

// Plan previews what a migration would do without copying anything.
type Plan struct {
	Source          string                    `json:"source"`
	Target          string                    `json:"target"`
	TotalObjects    int                       `json:"total_objects"`
	TotalBytes      int64                     `json:"total_bytes"`
	AlreadyAtTarget int                       `json:"already_at_target"`
	PerTier         map[interfaces.Tier]int   `json:"per_tier"`
	BytesPerTier    map[interfaces.Tier]int64 `json:"bytes_per_tier"`
	// Sample holds the first objects that would be migrated.
	Sample []Object `json:"sample"`
}

const planSampleSize = 10

// Migrator copies every tier from a source driver to a target driver.
type Migrator struct {
	source  interfaces.StorageDriver
	target  interfaces.StorageDriver
	cfg     config.MigrationConfig
	log     *slog.Logger
	metrics *metrics.StorageMetrics
	events  interfaces.EventLog
	limiter *rate.Limiter

	mu       sync.Mutex
	progress Progress
	// done marks finished indexes of the current run for the checkpoint watermark.
	done      []bool
	watermark int
	sinceSave int
}

type Option func(*Migrator)

func WithMetrics(m *metrics.StorageMetrics) Option {
	return func(mg *Migrator) { mg.metrics = m }
}

// WithEventLog records a migration event per run.
func WithEventLog(l interfaces.EventLog) Option {
	return func(mg *Migrator) { mg.events = l }
}

// New creates a migrator from source to target.
func New(source, target interfaces.StorageDriver, cfg config.MigrationConfig, log *slog.Logger, opts ...Option) *Migrator {
	m := &Migrator{
		source:   source,
		target:   target,
		cfg:      cfg,
		log:      log,
		progress: Progress{Phase: PhaseDiscovery, StartTime: time.Now()},
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Progress returns a snapshot.
func (m *Migrator) Progress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

func (m *Migrator) setPhase(p Phase) {
	m.mu.Lock()
	m.progress.Phase = p
	m.mu.Unlock()
	m.log.Info("Migration phase", slog.String("phase", string(p)))
}

// Discover lists every tier on the source in tier order. A tier that cannot
// be listed contributes no objects; only a failure of every tier is an error.
func (m *Migrator) Discover(ctx context.Context) ([]Object, error) {
	var (
		objects []Object
		errs    []error
	)
	for _, tier := range interfaces.AllTiers {
		listed, err := m.source.ListObjects(ctx, tier, "", 0)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.log.Warn("Failed to list objects in tier", slog.String("tier", string(tier)), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", tier, err))
			continue
		}
		for _, o := range listed {
			objects = append(objects, Object{ContentHash: o.ContentHash, Tier: tier, Size: o.Size})
		}
	}
	if len(errs) == len(interfaces.AllTiers) {
		return nil, fmt.Errorf("discovery failed on every tier: %w", errors.Join(errs...))
	}
	return objects, nil
}

// Preview discovers the source and checks which objects already exist at
// the target.
func (m *Migrator) Preview(ctx context.Context) (*Plan, error) {
	objects, err := m.Discover(ctx)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Source:       m.source.Name(),
		Target:       m.target.Name(),
		TotalObjects: len(objects),
		PerTier:      make(map[interfaces.Tier]int),
		BytesPerTier: make(map[interfaces.Tier]int64),
	}
	plan.Sample = objects[:min(len(objects), planSampleSize)]
	for _, o := range objects {
		plan.TotalBytes += o.Size
		plan.PerTier[o.Tier]++
		plan.BytesPerTier[o.Tier] += o.Size
		exists, err := m.target.ObjectExists(ctx, o.ContentHash, o.Tier)
		if err != nil {
			return nil, fmt.Errorf("failed to check target for %s: %w", o.ContentHash.Short(), err)
		}
		if exists {
			plan.AlreadyAtTarget++
		}
	}
	return plan, nil
}

// MigrateAll runs every phase. Per-object failures are recorded in the
// progress and do not fail the run; discovery failure and cancellation do.
func (m *Migrator) MigrateAll(ctx context.Context) (Progress, error) {
	start := time.Now()
	m.mu.Lock()
	m.progress = Progress{Phase: PhaseDiscovery, StartTime: start}
	m.mu.Unlock()

	progress, err := m.migrateAll(ctx)
	if err != nil {
		m.mu.Lock()
		m.progress.LastError = err.Error()
		progress = m.progress
		m.mu.Unlock()
		m.log.Error("Migration failed", "err", err)
	}
	m.recordEvent(ctx, progress, time.Since(start), err)
	return progress, err
}

func (m *Migrator) migrateAll(ctx context.Context) (Progress, error) {
	objects, err := m.Discover(ctx)
	if err != nil {
		return Progress{}, err
	}

	startIndex := 0
	if m.cfg.Resume {
		startIndex, err = LoadCheckpoint(m.cfg.CheckpointFile)
		if err != nil {
			return Progress{}, err
		}
		if startIndex > len(objects) {
			startIndex = len(objects)
		}
		m.log.Info("Resuming migration", slog.Int("from_object", startIndex))
	}

	m.mu.Lock()
	m.progress.TotalObjects = len(objects)
	m.progress.ProcessedObjects = startIndex
	m.done = make([]bool, len(objects))
	for i := 0; i < startIndex; i++ {
		m.done[i] = true
	}
	m.watermark = startIndex
	m.sinceSave = 0
	m.mu.Unlock()

	m.log.Info("Discovered objects to migrate",
		slog.Int("objects", len(objects)),
		slog.String("source", m.source.Name()),
		slog.String("target", m.target.Name()))

	if m.cfg.DryRun {
		m.setPhase(PhaseCompleted)
		return m.Progress(), nil
	}

	m.setPhase(PhaseMigration)
	if err := m.migrateObjects(ctx, objects, startIndex); err != nil {
		return Progress{}, err
	}
	m.saveCheckpoint()

	var results []VerificationResult
	if m.cfg.VerifyAfterCopy {
		m.setPhase(PhaseVerification)
		results, err = m.VerifyMigration(ctx)
		if err != nil {
			return Progress{}, err
		}
	}

	if m.cfg.DeleteSourceAfterCopy {
		m.setPhase(PhaseCleanup)
		m.CleanupSource(ctx, objects, results)
	}

	m.setPhase(PhaseCompleted)
	p := m.Progress()
	m.log.Info("Migration completed",
		slog.Int("success", p.SuccessCount),
		slog.Int("skipped", p.SkippedCount),
		slog.Int("errors", p.ErrorCount),
		slog.Int64("bytes", p.BytesTransferred))
	return p, nil
}

// migrateObjects copies objects[from:] in batches with at most
// ParallelTransfers copies in flight.
func (m *Migrator) migrateObjects(ctx context.Context, objects []Object, from int) error {
	sem := semaphore.NewWeighted(int64(m.cfg.ParallelTransfers))

	for batchStart := from; batchStart < len(objects); batchStart += m.cfg.BatchSize {
		batchEnd := min(batchStart+m.cfg.BatchSize, len(objects))

		var wg sync.WaitGroup
		for i := batchStart; i < batchEnd; i++ {
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return err
			}
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				defer sem.Release(1)
				m.processObject(ctx, idx, objects[idx])
			}(i)
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) processObject(ctx context.Context, idx int, obj Object) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
	}

	skipped, written, err := m.copyWithRetry(ctx, obj)
	if ctx.Err() != nil && err != nil {
		// cancelled mid-copy; leave the object for the next run
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case err != nil:
		m.progress.ErrorCount++
		m.progress.LastError = fmt.Sprintf("%s: %v", obj.ContentHash, err)
		m.metrics.MigrationObject("error", 0)
		m.log.Error("Failed to migrate object",
			slog.String("content_hash", obj.ContentHash.Short()),
			slog.String("tier", string(obj.Tier)),
			"err", err)
	case skipped:
		m.progress.SkippedCount++
		m.metrics.MigrationObject("skipped", 0)
	default:
		m.progress.SuccessCount++
		m.progress.BytesTransferred += written
		m.metrics.MigrationObject("copied", written)
		m.log.Debug("Migrated object",
			slog.String("content_hash", obj.ContentHash.Short()),
			slog.String("tier", string(obj.Tier)),
			slog.Int64("size", written))
	}

	m.progress.ProcessedObjects++
	m.progress.CurrentObject = string(obj.ContentHash)
	m.updateEstimateLocked()

	m.done[idx] = true
	for m.watermark < len(m.done) && m.done[m.watermark] {
		m.watermark++
	}
	m.sinceSave++
	if m.sinceSave >= m.cfg.CheckpointEvery {
		m.sinceSave = 0
		m.saveCheckpointLocked()
	}
}

func (m *Migrator) copyWithRetry(ctx context.Context, obj Object) (skipped bool, written int64, err error) {
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * m.cfg.RetryBackoff):
			}
			m.log.Debug("Retrying object copy",
				slog.String("content_hash", obj.ContentHash.Short()),
				slog.Int("attempt", attempt),
				"err", err)
		}

		skipped, written, err = m.copyObject(ctx, obj)
		if err == nil {
			return skipped, written, nil
		}
	}
	return false, 0, err
}

// copyObject streams one object from source to target unless the target
// already has it.
func (m *Migrator) copyObject(ctx context.Context, obj Object) (bool, int64, error) {
	exists, err := m.target.ObjectExists(ctx, obj.ContentHash, obj.Tier)
	if err != nil {
		return false, 0, fmt.Errorf("failed to check target: %w", err)
	}
	if exists {
		return true, 0, nil
	}

	r, err := m.source.GetObject(ctx, obj.ContentHash, obj.Tier, nil)
	if err != nil {
		return false, 0, fmt.Errorf("failed to read source: %w", err)
	}
	defer r.Close()

	opts := &interfaces.PutOptions{
		ContentType:  r.Metadata.ContentType,
		CacheControl: r.Metadata.CacheControl,
		Size:         r.Metadata.Size,
	}
	if err := m.target.PutObject(ctx, obj.ContentHash, r, obj.Tier, opts); err != nil {
		return false, 0, fmt.Errorf("failed to write target: %w", err)
	}
	return false, r.Metadata.Size, nil
}

func (m *Migrator) updateEstimateLocked() {
	elapsed := time.Since(m.progress.StartTime)
	if m.progress.ProcessedObjects == 0 || elapsed <= 0 {
		return
	}
	remaining := m.progress.TotalObjects - m.progress.ProcessedObjects
	perObject := elapsed / time.Duration(m.progress.ProcessedObjects)
	m.progress.EstimatedTimeRemaining = perObject * time.Duration(remaining)
}

func (m *Migrator) saveCheckpoint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCheckpointLocked()
}

func (m *Migrator) saveCheckpointLocked() {
	if m.cfg.CheckpointFile == "" {
		return
	}
	if err := SaveCheckpoint(m.cfg.CheckpointFile, m.watermark); err != nil {
		m.log.Warn("Failed to save checkpoint", slog.String("file", m.cfg.CheckpointFile), "err", err)
	}
}

func (m *Migrator) recordEvent(ctx context.Context, p Progress, d time.Duration, runErr error) {
	if m.events == nil {
		return
	}
	ev := &interfaces.StorageEvent{
		Type:       interfaces.EventMigration,
		Backend:    m.target.Name(),
		Success:    runErr == nil && p.ErrorCount == 0,
		DurationMs: float64(d.Milliseconds()),
		Bytes:      p.BytesTransferred,
		Message: fmt.Sprintf("%s -> %s: %d copied, %d skipped, %d failed",
			m.source.Name(), m.target.Name(), p.SuccessCount, p.SkippedCount, p.ErrorCount),
	}
	if err := m.events.RecordEvent(context.WithoutCancel(ctx), ev); err != nil {
		m.log.Warn("Failed to record migration event", "err", err)
	}
}
