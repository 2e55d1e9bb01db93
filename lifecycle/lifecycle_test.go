package lifecycle

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/tiered-content-storage/common"
	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/ruteri/tiered-content-storage/metastore"
	"github.com/ruteri/tiered-content-storage/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze(t *testing.T) {
	cfg := config.DefaultLifecycleConfig()
	now := time.Now()
	h := func(s string) interfaces.ContentHash { return interfaces.ComputeHash([]byte(s)) }

	metrics := []AccessMetrics{
		{ContentHash: h("old hot"), CurrentTier: interfaces.TierHot, CreatedAt: now.Add(-10 * day), AccessCount24h: 1, TotalSize: 100},
		{ContentHash: h("busy hot"), CurrentTier: interfaces.TierHot, CreatedAt: now.Add(-10 * day), AccessCount24h: 20},
		{ContentHash: h("new hot"), CurrentTier: interfaces.TierHot, CreatedAt: now.Add(-2 * day)},
		{ContentHash: h("old warm"), CurrentTier: interfaces.TierWarm, CreatedAt: now.Add(-40 * day), AccessCount7d: 1, TotalSize: 100},
		{ContentHash: h("hot warm"), CurrentTier: interfaces.TierWarm, CreatedAt: now.Add(-40 * day), AccessCount24h: 6, AccessCount7d: 6},
		{ContentHash: h("waking cold"), CurrentTier: interfaces.TierCold, CreatedAt: now.Add(-90 * day), AccessCount7d: 3, TotalSize: 100},
		{ContentHash: h("quiet cold"), CurrentTier: interfaces.TierCold, CreatedAt: now.Add(-90 * day)},
	}

	decisions := Analyze(cfg, metrics, now)
	require.Len(t, decisions, 4)

	assert.Equal(t, h("hot warm"), decisions[0].ContentHash)
	assert.Equal(t, interfaces.TierHot, decisions[0].ToTier)
	assert.Equal(t, 156, decisions[0].Priority)

	assert.Equal(t, h("waking cold"), decisions[1].ContentHash)
	assert.Equal(t, interfaces.TierWarm, decisions[1].ToTier)
	assert.Equal(t, 103, decisions[1].Priority)
	assert.Equal(t, -30.0, decisions[1].EstimatedSavings)

	assert.Equal(t, h("old warm"), decisions[2].ContentHash)
	assert.Equal(t, interfaces.TierCold, decisions[2].ToTier)
	assert.Equal(t, 20, decisions[2].Priority)
	assert.Equal(t, 80.0, decisions[2].EstimatedSavings)

	assert.Equal(t, h("old hot"), decisions[3].ContentHash)
	assert.Equal(t, interfaces.TierWarm, decisions[3].ToTier)
	assert.Equal(t, 10, decisions[3].Priority)
	assert.Equal(t, 50.0, decisions[3].EstimatedSavings)
}

type fixture struct {
	driver  *storage.FileDriver
	store   *metastore.Store
	manager *Manager
	root    string
}

func newFixture(t *testing.T, cfg config.LifecycleConfig) *fixture {
	t.Helper()
	root := t.TempDir()
	driver, err := storage.NewFileDriver(root, nil, common.DiscardLogger())
	require.NoError(t, err)
	store, err := metastore.Open(metastore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &fixture{
		driver:  driver,
		store:   store,
		manager: NewManager(driver, store, cfg, common.DiscardLogger(), nil),
		root:    root,
	}
}

func (f *fixture) put(t *testing.T, data []byte, tier interfaces.Tier, createdAt time.Time, index bool) interfaces.ContentHash {
	t.Helper()
	ctx := context.Background()
	hash := interfaces.ComputeHash(data)
	require.NoError(t, f.driver.PutObject(ctx, hash, bytes.NewReader(data), tier, nil))
	if index {
		require.NoError(t, f.store.PutEntry(ctx, &interfaces.IndexEntry{
			ContentHash: hash,
			Size:        int64(len(data)),
			Tier:        tier,
			CreatedAt:   createdAt,
		}))
	}
	return hash
}

func TestRunTieringJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultLifecycleConfig())
	now := time.Now()

	stale := f.put(t, []byte("stale hot content"), interfaces.TierHot, now.Add(-10*day), true)
	fresh := f.put(t, []byte("fresh hot content"), interfaces.TierHot, now.Add(-time.Hour), true)

	res, err := f.manager.RunTieringJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, TieringResult{Moved: 1}, res)

	ok, err := f.driver.ObjectExists(ctx, stale, interfaces.TierWarm)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.driver.ObjectExists(ctx, stale, interfaces.TierHot)
	require.NoError(t, err)
	assert.False(t, ok)

	entry, err := f.store.GetEntry(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, interfaces.TierWarm, entry.Tier)

	ok, err = f.driver.ObjectExists(ctx, fresh, interfaces.TierHot)
	require.NoError(t, err)
	assert.True(t, ok)

	stats, err := f.manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecentMoves)
	assert.Equal(t, 1, stats.Tiers[interfaces.TierWarm].ObjectCount)
	assert.Equal(t, 1, stats.Tiers[interfaces.TierHot].ObjectCount)
	assert.Equal(t, float64(len("stale hot content"))*0.5, stats.EstimatedMonthlySavings)
}

func TestRunTieringJobDryRun(t *testing.T) {
	cfg := config.DefaultLifecycleConfig()
	cfg.DryRun = true
	f := newFixture(t, cfg)
	hash := f.put(t, []byte("dry run content"), interfaces.TierHot, time.Now().Add(-10*day), true)

	res, err := f.manager.RunTieringJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TieringResult{Skipped: 1}, res)

	ok, err := f.driver.ObjectExists(context.Background(), hash, interfaces.TierHot)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCleanupExpiredDeletesOnlyOrphans(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultLifecycleConfig()
	f := newFixture(t, cfg)
	old := time.Now().Add(-400 * day)

	orphan := f.put(t, []byte("old orphan"), interfaces.TierCold, old, false)
	indexed := f.put(t, []byte("old indexed"), interfaces.TierCold, old, true)
	recent := f.put(t, []byte("recent orphan"), interfaces.TierCold, time.Now(), false)
	for _, h := range []interfaces.ContentHash{orphan, indexed} {
		path := filepath.Join(f.root, string(interfaces.TierCold), h.Shard(), string(h))
		require.NoError(t, os.Chtimes(path, old, old))
	}

	res, err := f.manager.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{Deleted: 1}, res)

	for h, want := range map[interfaces.ContentHash]bool{orphan: false, indexed: true, recent: true} {
		ok, err := f.driver.ObjectExists(ctx, h, interfaces.TierCold)
		require.NoError(t, err)
		assert.Equal(t, want, ok)
	}

	cfg.DeleteOrphans = false
	f.manager.cfg = cfg
	res, err = f.manager.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)
}

func TestReconcileTiers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.DefaultLifecycleConfig())

	data := []byte("interrupted move")
	hash := f.put(t, data, interfaces.TierHot, time.Now(), true)
	require.NoError(t, f.driver.PutObject(ctx, hash, bytes.NewReader(data), interfaces.TierWarm, nil))

	single := f.put(t, []byte("misindexed"), interfaces.TierCold, time.Now(), true)
	require.NoError(t, f.store.UpdateTier(ctx, single, interfaces.TierHot))

	res, err := f.manager.ReconcileTiers(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Checked: 2, DualTier: 1, Removed: 1, Updated: 1}, res)

	ok, err := f.driver.ObjectExists(ctx, hash, interfaces.TierHot)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.driver.ObjectExists(ctx, hash, interfaces.TierWarm)
	require.NoError(t, err)
	assert.False(t, ok)

	entry, err := f.store.GetEntry(ctx, single)
	require.NoError(t, err)
	assert.Equal(t, interfaces.TierCold, entry.Tier)

	events, err := f.store.ListEvents(ctx, time.Time{}, interfaces.EventReconcile)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
