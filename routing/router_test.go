package routing

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ruteri/tiered-content-storage/common"
	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/ruteri/tiered-content-storage/metastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	locLocal = interfaces.StorageLocation{Type: interfaces.LocationLocal, URL: "file:///data/hot", Availability: 0.99, LatencyMs: 5, BandwidthMbps: 1000, CostUnits: 0}
	locS3    = interfaces.StorageLocation{Type: interfaces.LocationS3, URL: "s3://hot", Availability: 0.999, LatencyMs: 100, BandwidthMbps: 100, CostUnits: 5}
	locCDN   = interfaces.StorageLocation{Type: interfaces.LocationCDN, URL: "https://cdn.example.com", Availability: 0.995, LatencyMs: 50, BandwidthMbps: 500, CostUnits: 2}
)

func newTestRouter(t *testing.T) (*Router, *metastore.Store) {
	t.Helper()
	store, err := metastore.Open(metastore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, store, config.DefaultRoutingConfig(), common.DiscardLogger(), nil), store
}

func TestSelectPrefersLocalForCostSensitiveClient(t *testing.T) {
	r, _ := newTestRouter(t)
	hash := interfaces.ComputeHash([]byte("routing"))

	client := ClientContext{CostSensitivity: CostHigh, LatencyToleranceMs: 200, RequestTime: time.Now()}
	d, err := r.SelectOptimalLocation(context.Background(), hash, []interfaces.StorageLocation{locS3, locCDN, locLocal}, client, Options{})
	require.NoError(t, err)

	assert.Equal(t, locLocal.URL, d.SelectedLocation.URL)
	assert.InDelta(t, 80.0, d.RoutingScore, 0.001)
	require.Len(t, d.AlternativeLocations, 2)
	assert.Equal(t, locCDN.URL, d.AlternativeLocations[0].URL)
	assert.Equal(t, locS3.URL, d.AlternativeLocations[1].URL)
	assert.Equal(t, []string{"cost-efficient-0-satoshis"}, d.RoutingReason)
	assert.False(t, d.Fallback())
	assert.NotNil(t, d.CacheRecommendation)
}

func TestSelectSingleLocation(t *testing.T) {
	r, _ := newTestRouter(t)
	hash := interfaces.ComputeHash([]byte("single"))

	slow := interfaces.StorageLocation{Type: interfaces.LocationS3, URL: "s3://slow", LatencyMs: 5000}
	d, err := r.SelectOptimalLocation(context.Background(), hash, []interfaces.StorageLocation{slow}, ClientContext{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, slow.URL, d.SelectedLocation.URL)
	assert.Empty(t, d.AlternativeLocations)
	assert.GreaterOrEqual(t, d.RoutingScore, 0.0)
}

func TestSelectEmptyIsError(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := r.SelectOptimalLocation(context.Background(), interfaces.ComputeHash([]byte("x")), nil, ClientContext{}, Options{})
	require.ErrorIs(t, err, interfaces.ErrNoLocations)
}

func TestSelectFallsBackOnNonFiniteScore(t *testing.T) {
	r, _ := newTestRouter(t)
	broken := interfaces.StorageLocation{Type: interfaces.LocationCDN, URL: "https://broken", Availability: math.NaN()}

	d, err := r.SelectOptimalLocation(context.Background(), interfaces.ComputeHash([]byte("nan")), []interfaces.StorageLocation{broken, locLocal}, ClientContext{}, Options{})
	require.NoError(t, err)
	assert.True(t, d.Fallback())
	assert.Equal(t, broken.URL, d.SelectedLocation.URL)
	assert.Equal(t, []interfaces.StorageLocation{locLocal}, d.AlternativeLocations)
	assert.Zero(t, d.RoutingScore)
}

func TestScoringFactors(t *testing.T) {
	t.Run("latency over tolerance scores zero", func(t *testing.T) {
		loc := interfaces.StorageLocation{LatencyMs: 300}
		assert.Zero(t, latencyScore(loc, ClientContext{LatencyToleranceMs: 200}, Options{}))
		assert.InDelta(t, 70.0, latencyScore(loc, ClientContext{}, Options{}), 0.001)
		assert.InDelta(t, 40.0, latencyScore(loc, ClientContext{LatencyToleranceMs: 200}, Options{MaxLatencyMs: 500}), 0.001)
	})

	t.Run("geography is capped", func(t *testing.T) {
		loc := interfaces.StorageLocation{GeographicRegion: []string{"EU", "US"}}
		assert.Equal(t, 50.0, geographicScore(loc, ClientContext{}))
		assert.Equal(t, 80.0, geographicScore(loc, ClientContext{GeographicPreference: []string{"EU"}}))
		assert.Equal(t, 70.0, geographicScore(loc, ClientContext{GeographicLocation: "US"}))
		assert.Equal(t, 100.0, geographicScore(loc, ClientContext{GeographicLocation: "US", GeographicPreference: []string{"EU"}}))
	})

	t.Run("cost scales with sensitivity", func(t *testing.T) {
		loc := interfaces.StorageLocation{CostUnits: 40}
		assert.Equal(t, 60.0, costScore(loc, ClientContext{}))
		assert.Equal(t, 90.0, costScore(loc, ClientContext{CostSensitivity: CostHigh}))
		assert.Equal(t, 30.0, costScore(loc, ClientContext{CostSensitivity: CostLow}))
		assert.Equal(t, 0.0, costScore(interfaces.StorageLocation{CostUnits: 150}, ClientContext{}))
	})
}

func TestRoutingReasonsContextTags(t *testing.T) {
	r, _ := newTestRouter(t)
	client := ClientContext{NetworkType: NetworkMobile}
	d, err := r.SelectOptimalLocation(context.Background(), interfaces.ComputeHash([]byte("tags")), []interfaces.StorageLocation{locCDN}, client, Options{PreferredMethod: interfaces.LocationCDN})
	require.NoError(t, err)
	assert.Contains(t, d.RoutingReason, "user-preference-cdn")
	assert.Contains(t, d.RoutingReason, "mobile-optimized")
	assert.Equal(t, 75.0, d.EstimatedLatencyMs)
}

func TestEstimates(t *testing.T) {
	loc := interfaces.StorageLocation{LatencyMs: 100, CostUnits: 10}
	assert.Equal(t, 110.0, estimateLatency(loc, ClientContext{NetworkType: NetworkWifi}))
	assert.Equal(t, 90.0, estimateLatency(loc, ClientContext{NetworkType: NetworkEthernet}))
	assert.Equal(t, 100.0, estimateLatency(loc, ClientContext{}))
	assert.Equal(t, 8.0, estimateCost(loc, ClientContext{BandwidthMbps: 5}))
	assert.Equal(t, 10.0, estimateCost(loc, ClientContext{BandwidthMbps: 50}))
}

func TestCacheRecommendation(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRouter(t)

	hot := interfaces.ComputeHash([]byte("hot content"))
	start := time.Now().Add(-time.Hour)
	for i := 0; i < 30; i++ {
		require.NoError(t, store.RecordAccess(ctx, &interfaces.AccessRecord{
			ContentHash: hot,
			AccessedAt:  start.Add(time.Duration(i) * 2 * time.Minute),
		}))
	}

	rec := r.cacheRecommendation(ctx, hot, locLocal, ClientContext{})
	assert.True(t, rec.ShouldCache)
	assert.Equal(t, interfaces.CacheMemory, rec.Level)
	assert.Equal(t, 2*time.Hour, rec.TTL)
	assert.Equal(t, 3, rec.Priority)
	assert.Equal(t, "high-frequency-access", rec.Reason)

	cold := interfaces.ComputeHash([]byte("cold content"))
	rec = r.cacheRecommendation(ctx, cold, locLocal, ClientContext{})
	assert.False(t, rec.ShouldCache)
	assert.Equal(t, "default-caching", rec.Reason)

	remote := interfaces.StorageLocation{Type: interfaces.LocationS3, LatencyMs: 350}
	rec = r.cacheRecommendation(ctx, cold, remote, ClientContext{})
	assert.True(t, rec.ShouldCache)
	assert.Equal(t, 2, rec.Priority)
	assert.Equal(t, "high-latency-location", rec.Reason)

	rec = r.cacheRecommendation(ctx, cold, locLocal, ClientContext{NetworkType: NetworkMobile})
	assert.True(t, rec.ShouldCache)
	assert.Equal(t, time.Hour, rec.TTL)
	assert.Equal(t, "mobile-optimization", rec.Reason)
}

type failingAccessLog struct{}

func (failingAccessLog) RecordAccess(context.Context, *interfaces.AccessRecord) error {
	return errors.New("unavailable")
}

func (failingAccessLog) AccessPattern(context.Context, interfaces.ContentHash, time.Time) (*interfaces.AccessPattern, error) {
	return nil, errors.New("unavailable")
}

func TestAccessPatternFailureOnlyDropsFrequency(t *testing.T) {
	r := New(failingAccessLog{}, nil, config.DefaultRoutingConfig(), common.DiscardLogger(), nil)
	d, err := r.SelectOptimalLocation(context.Background(), interfaces.ComputeHash([]byte("f")), []interfaces.StorageLocation{locLocal, locS3}, ClientContext{}, Options{})
	require.NoError(t, err)
	assert.False(t, d.Fallback())
	assert.Equal(t, "default-caching", d.CacheRecommendation.Reason)
}

func TestHistoryIsBounded(t *testing.T) {
	store, err := metastore.Open(metastore.Options{})
	require.NoError(t, err)
	defer store.Close()

	r := New(store, store, config.RoutingConfig{HistorySize: 3}, common.DiscardLogger(), nil)
	hash := interfaces.ComputeHash([]byte("history"))
	for i := 0; i < 5; i++ {
		_, err := r.SelectOptimalLocation(context.Background(), hash, []interfaces.StorageLocation{locLocal}, ClientContext{}, Options{})
		require.NoError(t, err)
	}
	assert.Len(t, r.History(hash), 3)

	stats, err := r.Stats(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalRequests)
	assert.Equal(t, 1, stats.RoutedContent)
	assert.Equal(t, 3, stats.RecordedDecisions)
	require.Len(t, stats.Locations, 1)
	assert.Equal(t, interfaces.LocationLocal, stats.Locations[0].LocationType)
	assert.Equal(t, 100.0, stats.Locations[0].Percentage)
}
