package routing

import (
	"context"
	"sort"
	"time"

	"github.com/ruteri/tiered-content-storage/interfaces"
)

// LocationStats aggregates performance samples of one location type.
type LocationStats struct {
	LocationType interfaces.LocationType `json:"location_type"`
	Requests     int                     `json:"requests"`
	Percentage   float64                 `json:"percentage"`
	AvgLatencyMs float64                 `json:"avg_latency_ms"`
	AvgScore     float64                 `json:"avg_score"`
}

// Stats summarises routing performance over a window.
type Stats struct {
	TotalRequests     int             `json:"total_requests"`
	Locations         []LocationStats `json:"locations"`
	RoutedContent     int             `json:"routed_content"`
	RecordedDecisions int             `json:"recorded_decisions"`
}

// Stats aggregates the routing samples recorded over the last window.
func (r *Router) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	stats := &Stats{Locations: []LocationStats{}}

	r.mu.Lock()
	stats.RoutedContent = len(r.history)
	for _, h := range r.history {
		stats.RecordedDecisions += len(h)
	}
	r.mu.Unlock()

	if r.samples == nil {
		return stats, nil
	}
	samples, err := r.samples.ListSamples(ctx, time.Now().Add(-window))
	if err != nil {
		return stats, err
	}

	byType := make(map[interfaces.LocationType]*LocationStats)
	for _, s := range samples {
		ls, ok := byType[s.LocationType]
		if !ok {
			ls = &LocationStats{LocationType: s.LocationType}
			byType[s.LocationType] = ls
		}
		ls.Requests++
		ls.AvgLatencyMs += s.LatencyMs
		ls.AvgScore += s.Score
	}

	stats.TotalRequests = len(samples)
	for _, ls := range byType {
		ls.AvgLatencyMs /= float64(ls.Requests)
		ls.AvgScore /= float64(ls.Requests)
		ls.Percentage = float64(ls.Requests) / float64(stats.TotalRequests) * 100
		stats.Locations = append(stats.Locations, *ls)
	}
	sort.Slice(stats.Locations, func(i, j int) bool {
		return stats.Locations[i].Requests > stats.Locations[j].Requests
	})
	return stats, nil
}
