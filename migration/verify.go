package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/tiered-content-storage/interfaces"
	"golang.org/x/sync/errgroup"
)

type VerificationStatus string

const (
	StatusVerified VerificationStatus = "verified"
	StatusMismatch VerificationStatus = "mismatch"
	StatusMissing  VerificationStatus = "missing"
	StatusError    VerificationStatus = "error"
)

// VerificationResult compares one object between source and target.
type VerificationResult struct {
	ContentHash    interfaces.ContentHash `json:"content_hash"`
	Tier           interfaces.Tier        `json:"tier"`
	Status         VerificationStatus     `json:"status"`
	SourceChecksum interfaces.ContentHash `json:"source_checksum,omitempty"`
	TargetChecksum interfaces.ContentHash `json:"target_checksum,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// Summarize counts results by status.
func Summarize(results []VerificationResult) map[VerificationStatus]int {
	summary := map[VerificationStatus]int{
		StatusVerified: 0,
		StatusMismatch: 0,
		StatusMissing:  0,
		StatusError:    0,
	}
	for _, r := range results {
		summary[r.Status]++
	}
	return summary
}

// VerifyMigration compares source and target tier by tier. Objects missing
// from the target are reported as missing; objects present on both sides are
// downloaded from each and hashed. A tier whose listing fails yields a single
// error result for that tier.
func (m *Migrator) VerifyMigration(ctx context.Context) ([]VerificationResult, error) {
	var results []VerificationResult

	for _, tier := range interfaces.AllTiers {
		tierResults, err := m.verifyTier(ctx, tier)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.log.Error("Failed to verify tier", slog.String("tier", string(tier)), "err", err)
			results = append(results, VerificationResult{Tier: tier, Status: StatusError, Error: err.Error()})
			continue
		}
		results = append(results, tierResults...)
	}

	summary := Summarize(results)
	m.log.Info("Verification completed",
		slog.Int("verified", summary[StatusVerified]),
		slog.Int("mismatch", summary[StatusMismatch]),
		slog.Int("missing", summary[StatusMissing]),
		slog.Int("error", summary[StatusError]))
	return results, nil
}

func (m *Migrator) verifyTier(ctx context.Context, tier interfaces.Tier) ([]VerificationResult, error) {
	sourceObjects, err := m.source.ListObjects(ctx, tier, "", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list source: %w", err)
	}
	targetObjects, err := m.target.ListObjects(ctx, tier, "", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list target: %w", err)
	}

	inSource := make(map[interfaces.ContentHash]struct{}, len(sourceObjects))
	for _, o := range sourceObjects {
		inSource[o.ContentHash] = struct{}{}
	}
	inTarget := make(map[interfaces.ContentHash]struct{}, len(targetObjects))
	for _, o := range targetObjects {
		inTarget[o.ContentHash] = struct{}{}
		if _, ok := inSource[o.ContentHash]; !ok {
			m.log.Warn("Extra object in target",
				slog.String("content_hash", o.ContentHash.Short()),
				slog.String("tier", string(tier)))
		}
	}

	results := make([]VerificationResult, len(sourceObjects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(m.cfg.ParallelTransfers, 1))
	for i, o := range sourceObjects {
		if _, ok := inTarget[o.ContentHash]; !ok {
			results[i] = VerificationResult{ContentHash: o.ContentHash, Tier: tier, Status: StatusMissing}
			continue
		}
		g.Go(func() error {
			results[i] = m.verifyObject(gctx, o.ContentHash, tier)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (m *Migrator) verifyObject(ctx context.Context, hash interfaces.ContentHash, tier interfaces.Tier) VerificationResult {
	res := VerificationResult{ContentHash: hash, Tier: tier}

	sourceSum, err := checksum(ctx, m.source, hash, tier)
	if err != nil {
		res.Status = StatusError
		res.Error = fmt.Sprintf("source: %v", err)
		return res
	}
	targetSum, err := checksum(ctx, m.target, hash, tier)
	if err != nil {
		res.Status = StatusError
		res.Error = fmt.Sprintf("target: %v", err)
		return res
	}

	res.SourceChecksum = sourceSum
	res.TargetChecksum = targetSum
	if sourceSum == targetSum && sourceSum == hash {
		res.Status = StatusVerified
	} else {
		res.Status = StatusMismatch
		m.log.Warn("Checksum mismatch after migration",
			slog.String("content_hash", hash.Short()),
			slog.String("tier", string(tier)),
			slog.String("source", sourceSum.Short()),
			slog.String("target", targetSum.Short()))
	}
	return res
}

func checksum(ctx context.Context, d interfaces.StorageDriver, hash interfaces.ContentHash, tier interfaces.Tier) (interfaces.ContentHash, error) {
	r, err := d.GetObject(ctx, hash, tier, nil)
	if err != nil {
		return "", err
	}
	defer r.Close()
	sum, _, err := interfaces.HashReader(ctx, r)
	return sum, err
}

// CleanupSource deletes migrated objects from the source. It does nothing
// unless DeleteSourceAfterCopy is set. An object is deleted only when the
// target has it and, if results is non-nil, it verified. Per-object
// failures are logged and skipped. It returns the number deleted.
func (m *Migrator) CleanupSource(ctx context.Context, objects []Object, results []VerificationResult) int {
	if !m.cfg.DeleteSourceAfterCopy {
		return 0
	}

	type key struct {
		hash interfaces.ContentHash
		tier interfaces.Tier
	}
	var verified map[key]bool
	if results != nil {
		verified = make(map[key]bool, len(results))
		for _, r := range results {
			if r.Status == StatusVerified {
				verified[key{r.ContentHash, r.Tier}] = true
			}
		}
	}

	deleted := 0
	for _, o := range objects {
		if ctx.Err() != nil {
			break
		}
		if verified != nil && !verified[key{o.ContentHash, o.Tier}] {
			m.log.Warn("Keeping unverified source object",
				slog.String("content_hash", o.ContentHash.Short()),
				slog.String("tier", string(o.Tier)))
			continue
		}

		exists, err := m.target.ObjectExists(ctx, o.ContentHash, o.Tier)
		if err != nil || !exists {
			m.log.Warn("Keeping source object not confirmed at target",
				slog.String("content_hash", o.ContentHash.Short()),
				slog.String("tier", string(o.Tier)),
				"err", err)
			continue
		}

		err = m.source.DeleteObject(ctx, o.ContentHash, o.Tier)
		if err != nil && !errors.Is(err, interfaces.ErrContentNotFound) {
			m.log.Error("Failed to delete source object",
				slog.String("content_hash", o.ContentHash.Short()),
				slog.String("tier", string(o.Tier)),
				"err", err)
			continue
		}
		deleted++
	}

	m.log.Info("Source cleanup finished", slog.Int("deleted", deleted), slog.Int("objects", len(objects)))
	return deleted
}
