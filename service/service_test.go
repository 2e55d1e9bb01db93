package service

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/tiered-content-storage/cache"
	"github.com/ruteri/tiered-content-storage/common"
	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/ruteri/tiered-content-storage/lifecycle"
	"github.com/ruteri/tiered-content-storage/metastore"
	"github.com/ruteri/tiered-content-storage/migration"
	"github.com/ruteri/tiered-content-storage/routing"
	"github.com/ruteri/tiered-content-storage/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc    *Service
	cfg    *config.Config
	driver *storage.FileDriver
	store  *metastore.Store
}

func newFixture(t *testing.T, withCache bool, tweak func(*config.Config)) *fixture {
	t.Helper()
	log := common.DiscardLogger()

	cfg := config.Default()
	cfg.Storage.DataRoot = t.TempDir()
	cfg.Migration.CheckpointFile = filepath.Join(t.TempDir(), "migration.checkpoint")
	cfg.Migration.RetryBackoff = time.Millisecond
	if tweak != nil {
		tweak(cfg)
	}

	driver, err := storage.NewFileDriver(cfg.Storage.DataRoot, nil, log)
	require.NoError(t, err)
	store, err := metastore.Open(metastore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := Components{
		Driver:    driver,
		Store:     store,
		Locations: storage.NewMultiLocationBackend([]interfaces.LocationBackend{storage.NewDriverLocationBackend(driver, cfg.Storage.DefaultTier)}, log),
		Router:    routing.New(store, store, cfg.Routing, log, nil),
		Lifecycle: lifecycle.NewManager(driver, store, cfg.Lifecycle, log, nil),
		Log:       log,
	}
	if withCache {
		cc := config.CacheConfig{MaxMemoryMB: 1, DiskDir: t.TempDir(), DefaultTTL: time.Hour}
		c.Cache, err = cache.New(cc, store, log, nil)
		require.NoError(t, err)
		t.Cleanup(func() { c.Cache.Close() })
	}

	return &fixture{svc: New(cfg, c), cfg: cfg, driver: driver, store: store}
}

func (f *fixture) put(t *testing.T, data []byte, tier interfaces.Tier) *PutResult {
	t.Helper()
	res, err := f.svc.Put(context.Background(), bytes.NewReader(data), PutRequest{Tier: tier, ContentType: "text/plain"})
	require.NoError(t, err)
	return res
}

func readAll(t *testing.T, o *Object) []byte {
	t.Helper()
	defer o.Close()
	b, err := io.ReadAll(o)
	require.NoError(t, err)
	return b
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)
	data := []byte("content addressed payload")

	res := f.put(t, data, "")
	assert.Equal(t, interfaces.ComputeHash(data), res.ContentHash)
	assert.Equal(t, interfaces.TierHot, res.Tier)
	assert.Equal(t, int64(len(data)), res.Size)
	assert.Empty(t, res.ReplicationJobs)

	entry, err := f.store.GetEntry(ctx, res.ContentHash)
	require.NoError(t, err)
	require.Len(t, entry.Locations, 1)
	assert.Equal(t, f.driver.Location(interfaces.TierHot).URL, entry.Locations[0].URL)
	assert.Equal(t, "text/plain", entry.ContentType)

	obj, err := f.svc.Get(ctx, res.ContentHash, GetRequest{})
	require.NoError(t, err)
	assert.False(t, obj.CacheHit)
	assert.False(t, obj.Partial)
	require.NotNil(t, obj.Decision)
	assert.Equal(t, data, readAll(t, obj))

	obj, err = f.svc.Get(ctx, res.ContentHash, GetRequest{Range: &interfaces.ByteRange{Start: 8, End: 13}})
	require.NoError(t, err)
	assert.True(t, obj.Partial)
	assert.Equal(t, []byte("addres"), readAll(t, obj))

	entry, err = f.store.GetEntry(ctx, res.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.AccessCount)

	// storing the same bytes again keeps a single location
	f.put(t, data, "")
	entry, err = f.store.GetEntry(ctx, res.ContentHash)
	require.NoError(t, err)
	assert.Len(t, entry.Locations, 1)
}

func TestPutRejectsWrongExpectedHash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)
	data := []byte("tampered")

	_, err := f.svc.Put(ctx, bytes.NewReader(data), PutRequest{ExpectedHash: interfaces.ComputeHash([]byte("original"))})
	require.ErrorIs(t, err, interfaces.ErrHashMismatch)

	ok, err := f.driver.ObjectExists(ctx, interfaces.ComputeHash(data), interfaces.TierHot)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.Put(ctx, bytes.NewReader(data), PutRequest{Tier: "lukewarm"})
	require.ErrorIs(t, err, interfaces.ErrInvalidTier)
}

func TestPutQueuesReplication(t *testing.T) {
	ctx := context.Background()
	target := interfaces.StorageLocation{Type: interfaces.LocationS3, URL: "s3://replica-bucket", Tier: interfaces.TierWarm}
	f := newFixture(t, false, func(c *config.Config) {
		c.Storage.ReplicaTargets = []interfaces.StorageLocation{target}
		c.Agents.JobMaxRetries = 7
	})

	res := f.put(t, []byte("replicate me"), interfaces.TierHot)
	require.Len(t, res.ReplicationJobs, 1)

	job, err := f.store.GetJob(ctx, res.ReplicationJobs[0])
	require.NoError(t, err)
	assert.Equal(t, interfaces.JobPending, job.Status)
	assert.Equal(t, target.URL, job.Target.URL)
	assert.Equal(t, res.Location.URL, job.Source.URL)
	assert.Equal(t, 7, job.MaxRetries)

	entry, err := f.store.GetEntry(ctx, res.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.ReplicationFactor)
}

func TestGetProbesTiersForUnindexedContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)
	data := []byte("written behind the index")
	hash := interfaces.ComputeHash(data)
	require.NoError(t, f.driver.PutObject(ctx, hash, bytes.NewReader(data), interfaces.TierWarm, nil))

	obj, err := f.svc.Get(ctx, hash, GetRequest{})
	require.NoError(t, err)
	assert.Equal(t, interfaces.TierWarm, obj.Location.Tier)
	assert.Equal(t, data, readAll(t, obj))

	_, err = f.svc.Get(ctx, interfaces.ComputeHash([]byte("absent")), GetRequest{})
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)

	_, err = f.svc.Get(ctx, "not-a-hash", GetRequest{})
	require.ErrorIs(t, err, interfaces.ErrInvalidContentHash)
}

func TestGetCachesRecommendedContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true, nil)
	data := []byte("served to a phone")
	res := f.put(t, data, interfaces.TierHot)
	mobile := GetRequest{Client: routing.ClientContext{NetworkType: routing.NetworkMobile}}

	obj, err := f.svc.Get(ctx, res.ContentHash, mobile)
	require.NoError(t, err)
	assert.False(t, obj.CacheHit)
	assert.Equal(t, data, readAll(t, obj))

	obj, err = f.svc.Get(ctx, res.ContentHash, GetRequest{Range: &interfaces.ByteRange{Start: 0, End: 5}})
	require.NoError(t, err)
	assert.True(t, obj.CacheHit)
	assert.Equal(t, interfaces.TierHot, obj.Metadata.Tier)
	assert.Equal(t, []byte("served"), readAll(t, obj))

	_, err = f.svc.Get(ctx, res.ContentHash, GetRequest{Range: &interfaces.ByteRange{Start: 100, End: -1}})
	require.ErrorIs(t, err, interfaces.ErrInvalidRange)
}

func TestGetStreamsContentTooLargeToCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true, func(c *config.Config) { c.Cache.MaxObjectBytes = 8 })
	mobile := GetRequest{Client: routing.ClientContext{NetworkType: routing.NetworkMobile}}

	data := []byte("larger than the admission limit")
	indexed := f.put(t, data, interfaces.TierHot).ContentHash

	obj, err := f.svc.Get(ctx, indexed, mobile)
	require.NoError(t, err)
	require.NotNil(t, obj.Decision.CacheRecommendation)
	assert.True(t, obj.Decision.CacheRecommendation.ShouldCache)
	assert.Equal(t, data, readAll(t, obj))

	obj, err = f.svc.Get(ctx, indexed, GetRequest{})
	require.NoError(t, err)
	assert.False(t, obj.CacheHit)
	assert.Equal(t, data, readAll(t, obj))

	// unindexed content is sized from the driver
	raw := []byte("written behind the index")
	rawHash := interfaces.ComputeHash(raw)
	require.NoError(t, f.driver.PutObject(ctx, rawHash, bytes.NewReader(raw), interfaces.TierWarm, nil))

	obj, err = f.svc.Get(ctx, rawHash, mobile)
	require.NoError(t, err)
	assert.Equal(t, raw, readAll(t, obj))

	obj, err = f.svc.Get(ctx, rawHash, GetRequest{})
	require.NoError(t, err)
	assert.False(t, obj.CacheHit)
	assert.Equal(t, raw, readAll(t, obj))

	small := f.put(t, []byte("tiny"), interfaces.TierHot).ContentHash
	obj, err = f.svc.Get(ctx, small, mobile)
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), readAll(t, obj))

	obj, err = f.svc.Get(ctx, small, GetRequest{})
	require.NoError(t, err)
	assert.True(t, obj.CacheHit)
	assert.Equal(t, []byte("tiny"), readAll(t, obj))
}

func TestGetSizesUnknownLengthFromIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)
	data := []byte("streamed by an origin without a length")
	hash := interfaces.ComputeHash(data)

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data[:10])
		w.(http.Flusher).Flush()
		w.Write(data[10:])
	}))
	defer origin.Close()

	log := common.DiscardLogger()
	f.svc.Locations = storage.NewMultiLocationBackend([]interfaces.LocationBackend{storage.NewCDNLocationBackend(time.Second, log)}, log)
	edge := interfaces.StorageLocation{Type: interfaces.LocationCDN, URL: origin.URL + "/hot", Tier: interfaces.TierHot}
	require.NoError(t, f.store.PutEntry(ctx, &interfaces.IndexEntry{
		ContentHash: hash,
		Size:        int64(len(data)),
		Tier:        interfaces.TierHot,
		Locations:   []interfaces.StorageLocation{edge},
	}))

	obj, err := f.svc.Get(ctx, hash, GetRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), obj.Metadata.Size)
	assert.Equal(t, int64(len(data)), obj.Length())
	assert.Equal(t, data, readAll(t, obj))
}

func TestMoveTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)
	data := []byte("operator moved")
	hash := f.put(t, data, interfaces.TierHot).ContentHash

	require.NoError(t, f.svc.MoveTier(ctx, MoveRequest{ContentHash: hash, FromTier: interfaces.TierHot, ToTier: interfaces.TierCold}))
	entry, err := f.store.GetEntry(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, interfaces.TierCold, entry.Tier)
	require.Len(t, entry.Locations, 1)
	assert.Equal(t, f.driver.Location(interfaces.TierCold).URL, entry.Locations[0].URL)

	obj, err := f.svc.Get(ctx, hash, GetRequest{})
	require.NoError(t, err)
	assert.Equal(t, data, readAll(t, obj))

	err = f.svc.MoveTier(ctx, MoveRequest{ContentHash: hash, FromTier: interfaces.TierHot, ToTier: interfaces.TierWarm})
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, f.svc.MoveTier(ctx, MoveRequest{ContentHash: hash, FromTier: interfaces.TierHot, ToTier: interfaces.TierWarm, Force: true}))
	ok, err := f.driver.ObjectExists(ctx, hash, interfaces.TierWarm)
	require.NoError(t, err)
	assert.True(t, ok)

	err = f.svc.MoveTier(ctx, MoveRequest{ContentHash: hash, FromTier: interfaces.TierWarm, ToTier: interfaces.TierWarm})
	require.ErrorIs(t, err, interfaces.ErrInvalidTier)

	events, err := f.store.ListEvents(ctx, time.Time{}, interfaces.EventTiering)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "manual-operation", events[0].Message)
	assert.Equal(t, interfaces.TierCold, events[1].FromTier)
}

func TestHeadAndPresignedURL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)
	res := f.put(t, []byte("head me"), interfaces.TierWarm)

	meta, err := f.svc.Head(ctx, res.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, interfaces.TierWarm, meta.Tier)
	assert.Equal(t, int64(7), meta.Size)

	url, err := f.svc.PresignedURL(ctx, res.ContentHash, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, url.URL)
	assert.WithinDuration(t, time.Now().Add(f.cfg.Storage.PresignTTL()), url.ExpiresAt, time.Minute)

	_, err = f.svc.Head(ctx, interfaces.ComputeHash([]byte("nope")))
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestHealthStatsAndPerformance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true, nil)
	res := f.put(t, []byte("measured"), interfaces.TierHot)
	for i := 0; i < 2; i++ {
		obj, err := f.svc.Get(ctx, res.ContentHash, GetRequest{})
		require.NoError(t, err)
		obj.Close()
	}

	health := f.svc.Health(ctx)
	assert.True(t, health.Healthy)
	assert.Len(t, health.Tiers, 3)
	assert.True(t, health.Lifecycle)
	assert.False(t, health.CDN)

	stats := f.svc.Stats(ctx)
	assert.Equal(t, 1, stats.Tiers[interfaces.TierHot].ObjectCount)
	assert.Equal(t, int64(8), stats.Tiers[interfaces.TierHot].TotalSize)
	assert.Equal(t, 0.004, stats.Tiers[interfaces.TierCold].CostPerGB)
	assert.InDelta(t, 2.0/3600, stats.Performance.RequestsPerSecond, 1e-12)
	assert.Zero(t, stats.Performance.ErrorRate)
	require.NotNil(t, stats.Cache)

	perf, err := f.svc.Performance(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, perf.TotalOperations)
	assert.Equal(t, 1.0, perf.SuccessRate)
	require.Len(t, perf.Operations, 2)
	assert.Equal(t, interfaces.EventRead, perf.Operations[0].Type)
	assert.Equal(t, 2, perf.Operations[0].Count)
	assert.Equal(t, interfaces.EventWrite, perf.Operations[1].Type)
}

type driverMap map[string]interfaces.StorageDriver

func (m driverMap) Driver(backend string) (interfaces.StorageDriver, error) {
	d, ok := m[backend]
	if !ok {
		return nil, interfaces.ErrConfiguration
	}
	return d, nil
}

func TestStartMigration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)
	target, err := storage.NewFileDriver(t.TempDir(), nil, common.DiscardLogger())
	require.NoError(t, err)
	f.svc.Drivers = driverMap{"fs": f.driver, "archive": target}
	hash := f.put(t, []byte("moving house"), interfaces.TierCold).ContentHash

	_, err = f.svc.StartMigration(ctx, MigrationRequest{SourceBackend: "fs"})
	require.ErrorIs(t, err, interfaces.ErrConfiguration)
	_, _, ok := f.svc.MigrationProgress()
	assert.False(t, ok)

	start, err := f.svc.StartMigration(ctx, MigrationRequest{SourceBackend: "fs", TargetBackend: "archive", DryRun: true})
	require.NoError(t, err)
	require.NotNil(t, start.Plan)
	assert.Equal(t, 1, start.Plan.TotalObjects)
	require.Len(t, start.Plan.Sample, 1)
	assert.Equal(t, hash, start.Plan.Sample[0].ContentHash)

	start, err = f.svc.StartMigration(ctx, MigrationRequest{SourceBackend: "fs", TargetBackend: "archive"})
	require.NoError(t, err)
	require.NotNil(t, start.Progress)

	require.Eventually(t, func() bool {
		_, running, _ := f.svc.MigrationProgress()
		return !running
	}, 5*time.Second, 10*time.Millisecond)

	progress, _, ok := f.svc.MigrationProgress()
	require.True(t, ok)
	assert.Equal(t, migration.PhaseCompleted, progress.Phase)
	assert.Equal(t, 1, progress.SuccessCount)

	exists, err := target.ObjectExists(ctx, hash, interfaces.TierCold)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)

	out, err := f.svc.RunLifecycle(ctx, "tier")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.TieringResult{}, out)

	out, err = f.svc.RunLifecycle(ctx, "stats")
	require.NoError(t, err)
	assert.IsType(t, &lifecycle.Stats{}, out)

	_, err = f.svc.RunLifecycle(ctx, "defragment")
	require.ErrorIs(t, err, ErrUnknownOperation)
}
