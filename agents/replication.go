package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/ruteri/tiered-content-storage/metrics"
	"go.uber.org/atomic"
)

// ReplicationAgent claims jobs from the replication queue and copies content
// from the job's source location to its target.
type ReplicationAgent struct {
	id      string
	queue   interfaces.ReplicationQueue
	index   interfaces.StorageIndex
	events  interfaces.EventLog
	backend interfaces.LocationBackend
	cfg     config.AgentConfig
	log     *slog.Logger
	metrics *metrics.StorageMetrics

	inFlight atomic.Int32
	wg       sync.WaitGroup
}

// NewReplicationAgent creates an agent that claims jobs from store and copies
// content through backend.
func NewReplicationAgent(store interfaces.MetadataStore, backend interfaces.LocationBackend, cfg config.AgentConfig, log *slog.Logger, m *metrics.StorageMetrics) *ReplicationAgent {
	id := "replication-" + uuid.NewString()[:8]
	return &ReplicationAgent{
		id:      id,
		queue:   store,
		index:   store,
		events:  store,
		backend: backend,
		cfg:     cfg,
		log:     log.With(slog.String("agent", id)),
		metrics: m,
	}
}

func (a *ReplicationAgent) ID() string {
	return a.id
}

// InFlight is the number of jobs currently executing.
func (a *ReplicationAgent) InFlight() int {
	return int(a.inFlight.Load())
}

// Run polls the queue until ctx is done, then waits for running jobs.
func (a *ReplicationAgent) Run(ctx context.Context) error {
	a.log.Info("Starting replication agent", slog.Int("capacity", a.cfg.ReplicationCapacity))
	runPeriodic(ctx, a.log, a.cfg.ReplicationInterval, a.cfg.ErrorBackoff, func(ctx context.Context) error {
		_, err := a.RunOnce(ctx)
		return err
	})

	a.log.Info("Stopping replication agent", slog.Int("in_flight", a.InFlight()))
	a.wg.Wait()
	return nil
}

// RunOnce claims as many jobs as there is free capacity for and starts them.
// It does not wait for them to finish; call Wait for that.
func (a *ReplicationAgent) RunOnce(ctx context.Context) (int, error) {
	// a claim outliving two job timeouts belongs to a dead agent
	if n, err := a.queue.ReclaimStale(ctx, time.Now().Add(-2*a.jobTimeout())); err != nil {
		a.log.Debug("Failed to reclaim stale jobs", "err", err)
	} else if n > 0 {
		a.log.Warn("Reclaimed stale replication jobs", slog.Int("jobs", n))
	}

	free := a.cfg.ReplicationCapacity - a.InFlight()
	if free <= 0 {
		return 0, nil
	}
	if a.cfg.ReplicationBatch > 0 && free > a.cfg.ReplicationBatch {
		free = a.cfg.ReplicationBatch
	}

	jobs, err := a.queue.ClaimPending(ctx, a.id, free)
	if err != nil {
		return 0, fmt.Errorf("failed to claim replication jobs: %w", err)
	}

	for _, job := range jobs {
		a.inFlight.Inc()
		a.wg.Add(1)
		go func(job interfaces.ReplicationJob) {
			defer a.wg.Done()
			defer a.inFlight.Dec()

			// running jobs finish even when the agent is stopping
			jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.jobTimeout())
			defer cancel()
			a.Execute(jobCtx, &job)
		}(job)
	}
	return len(jobs), nil
}

// Wait blocks until every started job has finished.
func (a *ReplicationAgent) Wait() {
	a.wg.Wait()
}

// jobTimeout covers the source fetch, the target store and the read-back.
func (a *ReplicationAgent) jobTimeout() time.Duration {
	if a.cfg.FetchTimeout <= 0 {
		return 3 * time.Minute
	}
	return 3 * a.cfg.FetchTimeout
}

// errCorruptSource marks failures that retrying cannot fix.
var errCorruptSource = errors.New("source content is corrupt")

// Execute runs one claimed job and records its outcome in the queue.
func (a *ReplicationAgent) Execute(ctx context.Context, job *interfaces.ReplicationJob) error {
	start := time.Now()
	a.log.Debug("Starting replication job",
		slog.String("job_id", job.ID),
		slog.String("content_hash", job.ContentHash.Short()),
		slog.String("source", string(job.Source.Type)),
		slog.String("target", string(job.Target.Type)))

	stored, size, err := a.replicate(ctx, job)
	if err != nil {
		requeue := job.RetryCount < job.MaxRetries && !errors.Is(err, errCorruptSource)
		if ferr := a.queue.FailJob(ctx, job.ID, err.Error(), requeue); ferr != nil {
			a.log.Error("Failed to record job failure", slog.String("job_id", job.ID), "err", ferr)
		}
		status := string(interfaces.JobFailed)
		if requeue {
			status = "retry"
		}
		a.metrics.ReplicationJob(status)
		a.log.Warn("Replication job failed",
			slog.String("job_id", job.ID),
			slog.String("content_hash", job.ContentHash.Short()),
			slog.Int("retry_count", job.RetryCount),
			slog.Bool("requeued", requeue),
			"err", err)
		a.recordEvent(ctx, job, false, size, time.Since(start), err.Error())
		return err
	}

	if err := a.index.AddLocation(ctx, job.ContentHash, stored); err != nil {
		a.log.Error("Failed to record replica location",
			slog.String("job_id", job.ID),
			slog.String("location", stored.URL),
			"err", err)
	}
	if err := a.queue.CompleteJob(ctx, job.ID); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}

	a.metrics.ReplicationJob(string(interfaces.JobCompleted))
	a.log.Info("Replication job completed",
		slog.String("job_id", job.ID),
		slog.String("content_hash", job.ContentHash.Short()),
		slog.String("location", stored.URL),
		slog.Int64("bytes", size),
		slog.Duration("duration", time.Since(start)))
	a.recordEvent(ctx, job, true, size, time.Since(start), stored.URL)
	return nil
}

// replicate copies and verifies one object. Content is checked against the
// job hash both before it is written and after it is read back.
func (a *ReplicationAgent) replicate(ctx context.Context, job *interfaces.ReplicationJob) (interfaces.StorageLocation, int64, error) {
	data, err := a.backend.Fetch(ctx, job.ContentHash, job.Source)
	if err != nil {
		return interfaces.StorageLocation{}, 0, fmt.Errorf("failed to fetch source: %w", err)
	}
	if err := interfaces.VerifyContent(job.ContentHash, data); err != nil {
		return interfaces.StorageLocation{}, 0, fmt.Errorf("%w: %v", errCorruptSource, err)
	}
	size := int64(len(data))

	stored, err := a.backend.Store(ctx, job.ContentHash, data, job.Target)
	if err != nil {
		return interfaces.StorageLocation{}, size, fmt.Errorf("failed to store at target: %w", err)
	}

	readBack, err := a.backend.Fetch(ctx, job.ContentHash, stored)
	if err != nil {
		return interfaces.StorageLocation{}, size, fmt.Errorf("failed to read back target: %w", err)
	}
	if err := interfaces.VerifyContent(job.ContentHash, readBack); err != nil {
		return interfaces.StorageLocation{}, size, fmt.Errorf("target verification failed: %w", err)
	}

	stored.VerifiedAt = time.Now()
	return stored, size, nil
}

func (a *ReplicationAgent) recordEvent(ctx context.Context, job *interfaces.ReplicationJob, ok bool, size int64, d time.Duration, msg string) {
	ev := &interfaces.StorageEvent{
		Type:        interfaces.EventReplication,
		ContentHash: job.ContentHash,
		Backend:     string(job.Target.Type),
		Success:     ok,
		DurationMs:  float64(d.Milliseconds()),
		Bytes:       size,
		Message:     msg,
	}
	if err := a.events.RecordEvent(ctx, ev); err != nil {
		a.log.Warn("Failed to record replication event", "err", err)
	}
}
