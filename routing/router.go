// Package routing picks the storage location a read should be served from
// and recommends how the result should be cached.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/ruteri/tiered-content-storage/metrics"
)

const (
	NetworkMobile   = "mobile"
	NetworkWifi     = "wifi"
	NetworkEthernet = "ethernet"

	CostLow    = "low"
	CostMedium = "medium"
	CostHigh   = "high"
)

const (
	weightLatency      = 0.3
	weightAvailability = 0.25
	weightGeographic   = 0.2
	weightCost         = 0.15
	weightBandwidth    = 0.1

	defaultMaxLatencyMs = 1000
	fallbackReason      = "fallback-selection"
)

// ClientContext describes who is asking. Zero values mean unknown.
type ClientContext struct {
	ClientID             string    `json:"client_id,omitempty"`
	GeographicLocation   string    `json:"geographic_location,omitempty"`
	GeographicPreference []string  `json:"geographic_preference,omitempty"`
	NetworkType          string    `json:"network_type,omitempty"`
	BandwidthMbps        float64   `json:"bandwidth_mbps,omitempty"`
	LatencyToleranceMs   float64   `json:"latency_tolerance_ms,omitempty"`
	CostSensitivity      string    `json:"cost_sensitivity,omitempty"`
	RequestTime          time.Time `json:"request_time"`
}

// Options are per-request routing overrides.
type Options struct {
	// MaxLatencyMs overrides the client's latency tolerance.
	MaxLatencyMs    float64
	PreferredMethod interfaces.LocationType
}

// CacheRecommendation says whether, where and for how long content served
// by a decision should be cached.
type CacheRecommendation struct {
	ShouldCache bool                  `json:"should_cache"`
	Level       interfaces.CacheLevel `json:"cache_level"`
	TTL         time.Duration         `json:"ttl"`
	Priority    int                   `json:"priority"`
	Reason      string                `json:"reason"`
}

// Decision is the outcome of routing one read. Alternatives are ordered by
// score and serve as fallbacks.
type Decision struct {
	SelectedLocation     interfaces.StorageLocation   `json:"selected_location"`
	AlternativeLocations []interfaces.StorageLocation `json:"alternative_locations"`
	RoutingReason        []string                     `json:"routing_reason"`
	EstimatedLatencyMs   float64                      `json:"estimated_latency_ms"`
	EstimatedCost        float64                      `json:"estimated_cost"`
	CacheRecommendation  *CacheRecommendation         `json:"cache_recommendation,omitempty"`
	RoutingScore         float64                      `json:"routing_score"`
}

// Fallback reports whether the decision was produced without scoring.
func (d *Decision) Fallback() bool {
	return len(d.RoutingReason) == 1 && d.RoutingReason[0] == fallbackReason
}

type factor struct {
	name  string
	score float64
}

type scoredLocation struct {
	location interfaces.StorageLocation
	score    float64
	factors  []factor
}

// Router scores candidate locations. It is safe for concurrent use.
type Router struct {
	access  interfaces.AccessLog
	samples interfaces.PerformanceLog
	cfg     config.RoutingConfig
	log     *slog.Logger
	metrics *metrics.StorageMetrics

	mu      sync.Mutex
	history map[interfaces.ContentHash][]Decision
}

// New creates a router. access supplies per-content frequencies and samples
// the observed per-location performance; either may be nil.
func New(access interfaces.AccessLog, samples interfaces.PerformanceLog, cfg config.RoutingConfig, log *slog.Logger, m *metrics.StorageMetrics) *Router {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = config.DefaultRoutingConfig().HistorySize
	}
	if cfg.PatternWindow <= 0 {
		cfg.PatternWindow = config.DefaultRoutingConfig().PatternWindow
	}
	return &Router{
		access:  access,
		samples: samples,
		cfg:     cfg,
		log:     log,
		metrics: m,
		history: make(map[interfaces.ContentHash][]Decision),
	}
}

// SelectOptimalLocation returns the best scoring location for hash. Only an
// empty candidate list is an error; any scoring failure degrades to the
// first candidate.
func (r *Router) SelectOptimalLocation(ctx context.Context, hash interfaces.ContentHash, locations []interfaces.StorageLocation, client ClientContext, opts Options) (*Decision, error) {
	if len(locations) == 0 {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNoLocations, hash)
	}

	decision, err := r.selectScored(ctx, hash, locations, client, opts)
	if err != nil {
		r.log.Warn("Routing failed, using fallback location",
			slog.String("content_hash", hash.Short()),
			"err", err)
		decision = fallbackDecision(locations)
	}

	r.metrics.RoutingSelection(string(decision.SelectedLocation.Type), decision.Fallback())
	r.record(ctx, hash, decision)
	return decision, nil
}

func (r *Router) selectScored(ctx context.Context, hash interfaces.ContentHash, locations []interfaces.StorageLocation, client ClientContext, opts Options) (decision *Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			decision, err = nil, fmt.Errorf("scoring panicked: %v", rec)
		}
	}()

	scored := make([]scoredLocation, 0, len(locations))
	for _, loc := range locations {
		s := scoreLocation(loc, client, opts)
		if math.IsNaN(s.score) || math.IsInf(s.score, 0) {
			return nil, fmt.Errorf("location %s has non-finite score", loc.URL)
		}
		scored = append(scored, s)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	best := scored[0]
	alternatives := make([]interfaces.StorageLocation, 0, 2)
	for _, s := range scored[1:min(len(scored), 3)] {
		alternatives = append(alternatives, s.location)
	}

	decision = &Decision{
		SelectedLocation:     best.location,
		AlternativeLocations: alternatives,
		RoutingReason:        routingReasons(best, client, opts),
		EstimatedLatencyMs:   estimateLatency(best.location, client),
		EstimatedCost:        estimateCost(best.location, client),
		RoutingScore:         best.score,
	}
	decision.CacheRecommendation = r.cacheRecommendation(ctx, hash, best.location, client)

	r.log.Debug("Selected storage location",
		slog.String("content_hash", hash.Short()),
		slog.String("location_type", string(best.location.Type)),
		slog.Float64("score", best.score))
	return decision, nil
}

func fallbackDecision(locations []interfaces.StorageLocation) *Decision {
	first := locations[0]
	return &Decision{
		SelectedLocation:     first,
		AlternativeLocations: append([]interfaces.StorageLocation{}, locations[1:]...),
		RoutingReason:        []string{fallbackReason},
		EstimatedLatencyMs:   first.LatencyMs,
		EstimatedCost:        first.CostUnits,
		RoutingScore:         0,
	}
}

func scoreLocation(loc interfaces.StorageLocation, client ClientContext, opts Options) scoredLocation {
	factors := []factor{
		{"latency", latencyScore(loc, client, opts)},
		{"availability", loc.Availability * 100},
		{"geographic", geographicScore(loc, client)},
		{"cost", costScore(loc, client)},
		{"bandwidth", math.Min(loc.BandwidthMbps/100, 100)},
	}
	weights := []float64{weightLatency, weightAvailability, weightGeographic, weightCost, weightBandwidth}

	var total float64
	for i, f := range factors {
		total += f.score * weights[i]
	}
	return scoredLocation{location: loc, score: total, factors: factors}
}

func latencyScore(loc interfaces.StorageLocation, client ClientContext, opts Options) float64 {
	maxLatency := opts.MaxLatencyMs
	if maxLatency <= 0 {
		maxLatency = client.LatencyToleranceMs
	}
	if maxLatency <= 0 {
		maxLatency = defaultMaxLatencyMs
	}
	if loc.LatencyMs > maxLatency {
		return 0
	}
	return math.Max(0, (maxLatency-loc.LatencyMs)/maxLatency*100)
}

func geographicScore(loc interfaces.StorageLocation, client ClientContext) float64 {
	score := 50.0
	for _, pref := range client.GeographicPreference {
		if loc.InRegion(pref) {
			score += 30
			break
		}
	}
	if client.GeographicLocation != "" && loc.InRegion(client.GeographicLocation) {
		score += 20
	}
	return math.Min(score, 100)
}

func costScore(loc interfaces.StorageLocation, client ClientContext) float64 {
	score := math.Max(0, 100-loc.CostUnits)
	switch client.CostSensitivity {
	case CostHigh:
		score *= 1.5
	case CostLow:
		score *= 0.5
	}
	return math.Min(score, 100)
}

// routingReasons names the strongest factor of the winner. Ties go to the
// factor listed last.
func routingReasons(best scoredLocation, client ClientContext, opts Options) []string {
	top := best.factors[0]
	for _, f := range best.factors[1:] {
		if f.score >= top.score {
			top = f
		}
	}

	loc := best.location
	var reasons []string
	switch top.name {
	case "latency":
		reasons = append(reasons, fmt.Sprintf("optimal-latency-%gms", loc.LatencyMs))
	case "availability":
		reasons = append(reasons, fmt.Sprintf("high-availability-%.1f%%", loc.Availability*100))
	case "geographic":
		region := "any"
		if len(loc.GeographicRegion) > 0 {
			region = loc.GeographicRegion[0]
		}
		reasons = append(reasons, "geographic-preference-"+region)
	case "cost":
		reasons = append(reasons, fmt.Sprintf("cost-efficient-%g-satoshis", loc.CostUnits))
	case "bandwidth":
		reasons = append(reasons, fmt.Sprintf("high-bandwidth-%gmbps", loc.BandwidthMbps))
	}

	if opts.PreferredMethod != "" && loc.Type == opts.PreferredMethod {
		reasons = append(reasons, "user-preference-"+string(opts.PreferredMethod))
	}
	if client.NetworkType == NetworkMobile && loc.LatencyMs < 200 {
		reasons = append(reasons, "mobile-optimized")
	}
	return reasons
}

func estimateLatency(loc interfaces.StorageLocation, client ClientContext) float64 {
	latency := loc.LatencyMs
	switch client.NetworkType {
	case NetworkMobile:
		latency *= 1.5
	case NetworkWifi:
		latency *= 1.1
	case NetworkEthernet:
		latency *= 0.9
	}
	return math.Round(latency)
}

func estimateCost(loc interfaces.StorageLocation, client ClientContext) float64 {
	if client.BandwidthMbps > 0 && client.BandwidthMbps < 10 {
		return loc.CostUnits * 0.8
	}
	return loc.CostUnits
}

func (r *Router) cacheRecommendation(ctx context.Context, hash interfaces.ContentHash, loc interfaces.StorageLocation, client ClientContext) *CacheRecommendation {
	rec := &CacheRecommendation{
		Level:    interfaces.CacheDisk,
		TTL:      time.Hour,
		Priority: 1,
		Reason:   "default-caching",
	}

	switch freq := r.AccessFrequency(ctx, hash); {
	case freq > 10:
		rec.ShouldCache = true
		rec.Level = interfaces.CacheMemory
		rec.TTL = 2 * time.Hour
		rec.Priority = 3
		rec.Reason = "high-frequency-access"
	case freq > 2:
		rec.ShouldCache = true
		rec.Level = interfaces.CacheDisk
		rec.TTL = time.Hour
		rec.Priority = 2
		rec.Reason = "medium-frequency-access"
	}

	if loc.Type != interfaces.LocationLocal && loc.LatencyMs > 200 {
		rec.ShouldCache = true
		rec.Priority = max(rec.Priority, 2)
		rec.Reason = "high-latency-location"
	}
	if client.NetworkType == NetworkMobile {
		rec.ShouldCache = true
		rec.TTL = max(rec.TTL, 30*time.Minute)
		rec.Reason = "mobile-optimization"
	}
	return rec
}

// AccessFrequency returns accesses per hour over the pattern window. Lookup
// failures are logged and count as no accesses.
func (r *Router) AccessFrequency(ctx context.Context, hash interfaces.ContentHash) float64 {
	if r.access == nil {
		return 0
	}
	pattern, err := r.access.AccessPattern(ctx, hash, time.Now().Add(-r.cfg.PatternWindow))
	if err != nil {
		r.log.Warn("Failed to load access pattern", slog.String("content_hash", hash.Short()), "err", err)
		return 0
	}
	return pattern.AccessesPerHour()
}

func (r *Router) record(ctx context.Context, hash interfaces.ContentHash, d *Decision) {
	r.mu.Lock()
	h := append(r.history[hash], *d)
	if len(h) > r.cfg.HistorySize {
		h = append([]Decision(nil), h[len(h)-r.cfg.HistorySize:]...)
	}
	r.history[hash] = h
	r.mu.Unlock()

	if r.samples == nil {
		return
	}
	sample := &interfaces.PerformanceSample{
		ContentHash:  hash,
		LocationURL:  d.SelectedLocation.URL,
		LocationType: d.SelectedLocation.Type,
		LatencyMs:    d.EstimatedLatencyMs,
		Score:        d.RoutingScore,
		RecordedAt:   time.Now(),
	}
	if err := r.samples.RecordSample(ctx, sample); err != nil {
		r.log.Warn("Failed to record routing sample", "err", err)
	}
}

// History returns the recorded decisions for hash, oldest first.
func (r *Router) History(hash interfaces.ContentHash) []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Decision(nil), r.history[hash]...)
}
