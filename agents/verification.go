package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/ruteri/tiered-content-storage/metrics"
	"golang.org/x/sync/errgroup"
)

// VerificationAgent periodically re-hashes every known copy of content that
// has not been verified recently and records per-location results.
type VerificationAgent struct {
	id      string
	index   interfaces.StorageIndex
	records interfaces.VerificationLog
	events  interfaces.EventLog
	backend interfaces.LocationBackend
	cfg     config.AgentConfig
	log     *slog.Logger
	metrics *metrics.StorageMetrics
	now     func() time.Time
}

// NewVerificationAgent creates an agent that re-checks stale index entries
// against every location recorded for them.
func NewVerificationAgent(store interfaces.MetadataStore, backend interfaces.LocationBackend, cfg config.AgentConfig, log *slog.Logger, m *metrics.StorageMetrics) *VerificationAgent {
	id := "verification-" + uuid.NewString()[:8]
	return &VerificationAgent{
		id:      id,
		index:   store,
		records: store,
		events:  store,
		backend: backend,
		cfg:     cfg,
		log:     log.With(slog.String("agent", id)),
		metrics: m,
		now:     time.Now,
	}
}

func (a *VerificationAgent) ID() string {
	return a.id
}

// Run verifies stale content periodically until ctx is done.
func (a *VerificationAgent) Run(ctx context.Context) error {
	a.log.Info("Starting verification agent",
		slog.Duration("interval", a.cfg.VerificationInterval),
		slog.Duration("stale_after", a.cfg.StaleAfter))
	runPeriodic(ctx, a.log, a.cfg.VerificationInterval, a.cfg.ErrorBackoff, func(ctx context.Context) error {
		_, err := a.RunOnce(ctx)
		return err
	})
	a.log.Info("Stopping verification agent")
	return nil
}

// RunOnce verifies one batch of stale content. Failures for individual
// content are logged; only a failure to select the batch is returned.
func (a *VerificationAgent) RunOnce(ctx context.Context) (int, error) {
	stale, err := a.index.ListStale(ctx, a.now().Add(-a.cfg.StaleAfter), a.cfg.VerificationBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to select content for verification: %w", err)
	}

	verified := 0
	for _, entry := range stale {
		if ctx.Err() != nil {
			return verified, ctx.Err()
		}
		if _, err := a.Verify(ctx, entry.ContentHash); err != nil {
			a.log.Error("Integrity verification failed",
				slog.String("content_hash", entry.ContentHash.Short()),
				"err", err)
			continue
		}
		verified++
	}
	return verified, nil
}

// Verify downloads hash from every indexed location, records the results
// and evaluates consensus.
func (a *VerificationAgent) Verify(ctx context.Context, hash interfaces.ContentHash) (*IntegrityReport, error) {
	entry, err := a.index.GetEntry(ctx, hash)
	if err != nil {
		return nil, err
	}
	if len(entry.Locations) == 0 {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNoLocations, hash)
	}

	results := make([]LocationResult, len(entry.Locations))
	g, gctx := errgroup.WithContext(ctx)
	for i, loc := range entry.Locations {
		g.Go(func() error {
			results[i] = a.checkLocation(gctx, hash, loc)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := a.now()
	for _, r := range results {
		rec := &interfaces.VerificationRecord{
			ContentHash:  hash,
			LocationURL:  r.Location.URL,
			LocationType: r.Location.Type,
			Verified:     r.HashMatch,
			ActualHash:   r.ActualHash,
			Error:        r.Error,
			AgentID:      a.id,
			VerifiedAt:   now,
		}
		if err := a.records.RecordVerification(ctx, rec); err != nil {
			a.log.Warn("Failed to record verification", slog.String("location", r.Location.URL), "err", err)
		}

		result := "match"
		switch {
		case !r.Responded:
			result = "unreachable"
		case !r.HashMatch:
			result = "mismatch"
		}
		a.metrics.VerificationCheck(string(r.Location.Type), result)
	}
	if err := a.index.MarkVerified(ctx, hash, now); err != nil {
		return nil, fmt.Errorf("failed to mark content verified: %w", err)
	}

	report := &IntegrityReport{ContentHash: hash, Results: results, VerifiedAt: now}
	report.Agreeing, report.Responding, report.AgreementRatio, report.ConsensusAchieved = Consensus(results)

	if !report.ConsensusAchieved {
		a.metrics.ConsensusFailure()
		a.log.Warn("Verification consensus not achieved",
			slog.String("content_hash", hash.Short()),
			slog.Int("agreeing", report.Agreeing),
			slog.Int("responding", report.Responding),
			slog.Int("locations", len(results)))
		ev := &interfaces.StorageEvent{
			Type:        interfaces.EventVerificationAlert,
			ContentHash: hash,
			Success:     false,
			Message:     fmt.Sprintf("%d of %d responding locations agree", report.Agreeing, report.Responding),
		}
		if err := a.events.RecordEvent(ctx, ev); err != nil {
			a.log.Warn("Failed to record verification alert", "err", err)
		}
	} else {
		a.log.Debug("Integrity verification completed",
			slog.String("content_hash", hash.Short()),
			slog.Float64("agreement", report.AgreementRatio))
	}
	return report, nil
}

func (a *VerificationAgent) checkLocation(ctx context.Context, hash interfaces.ContentHash, loc interfaces.StorageLocation) LocationResult {
	if a.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.FetchTimeout)
		defer cancel()
	}

	start := time.Now()
	res := LocationResult{Location: loc}
	data, err := a.backend.Fetch(ctx, hash, loc)
	res.LatencyMs = float64(time.Since(start).Microseconds()) / 1000

	switch {
	case errors.Is(err, interfaces.ErrContentNotFound):
		res.Responded = true
		res.Error = err.Error()
	case err != nil:
		res.Error = err.Error()
	default:
		res.Responded = true
		res.SizeBytes = int64(len(data))
		res.ActualHash = interfaces.ComputeHash(data)
		res.HashMatch = res.ActualHash == hash
	}
	return res
}

// NetworkReport summarizes how well replicated the indexed content is.
type NetworkReport struct {
	TotalContent       int       `json:"total_content"`
	WellReplicated     int       `json:"well_replicated"`
	UnderReplicated    int       `json:"under_replicated"`
	IntegrityScore     float64   `json:"integrity_score"`
	RecommendedActions []string  `json:"recommended_actions"`
	GeneratedAt        time.Time `json:"generated_at"`
}

// BuildNetworkReport counts content with at least two locations as well
// replicated.
func BuildNetworkReport(ctx context.Context, index interfaces.StorageIndex) (*NetworkReport, error) {
	entries, err := index.ListEntries(ctx)
	if err != nil {
		return nil, err
	}

	report := &NetworkReport{TotalContent: len(entries), GeneratedAt: time.Now(), RecommendedActions: []string{}}
	for _, e := range entries {
		if len(e.Locations) >= 2 {
			report.WellReplicated++
		}
	}
	report.UnderReplicated = report.TotalContent - report.WellReplicated
	report.IntegrityScore = 1
	if report.TotalContent > 0 {
		report.IntegrityScore = float64(report.WellReplicated) / float64(report.TotalContent)
	}

	if report.IntegrityScore < 0.8 {
		report.RecommendedActions = append(report.RecommendedActions,
			"Increase replication factor",
			"Add more storage agents")
	}
	if report.IntegrityScore < 0.9 {
		report.RecommendedActions = append(report.RecommendedActions,
			"Enable more frequent verification",
			"Add geographic redundancy")
	}
	return report, nil
}
