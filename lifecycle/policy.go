// Package lifecycle moves content between tiers as its access pattern
// changes, removes expired orphans and repairs objects left in two tiers.
package lifecycle

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
)

const day = 24 * time.Hour

// AccessMetrics is the input of a tiering decision for one object.
type AccessMetrics struct {
	ContentHash    interfaces.ContentHash `json:"content_hash"`
	CurrentTier    interfaces.Tier        `json:"current_tier"`
	LastAccessed   time.Time              `json:"last_accessed"`
	AccessCount24h int                    `json:"access_count_24h"`
	AccessCount7d  int                    `json:"access_count_7d"`
	AccessCount30d int                    `json:"access_count_30d"`
	TotalSize      int64                  `json:"total_size"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Decision moves one object. Higher priorities are more urgent; promotions
// always outrank demotions.
type Decision struct {
	ContentHash      interfaces.ContentHash `json:"content_hash"`
	FromTier         interfaces.Tier        `json:"from_tier"`
	ToTier           interfaces.Tier        `json:"to_tier"`
	Reason           string                 `json:"reason"`
	Priority         int                    `json:"priority"`
	EstimatedSavings float64                `json:"estimated_savings"`
}

// Analyze returns the tier changes cfg calls for, most urgent first.
func Analyze(cfg config.LifecycleConfig, metrics []AccessMetrics, now time.Time) []Decision {
	var decisions []Decision
	for _, m := range metrics {
		if d, ok := decide(cfg, m, now); ok {
			decisions = append(decisions, d)
		}
	}
	sort.SliceStable(decisions, func(i, j int) bool { return decisions[i].Priority > decisions[j].Priority })
	return decisions
}

func decide(cfg config.LifecycleConfig, m AccessMetrics, now time.Time) (Decision, bool) {
	age := now.Sub(m.CreatedAt).Hours() / 24
	size := float64(m.TotalSize)
	d := Decision{ContentHash: m.ContentHash, FromTier: m.CurrentTier}

	switch m.CurrentTier {
	case interfaces.TierHot:
		if age > float64(cfg.HotToWarmAfterDays) && float64(m.AccessCount24h) < cfg.HotMinAccessesPerDay {
			d.ToTier = interfaces.TierWarm
			d.Reason = fmt.Sprintf("age %.1fd > %dd, low access (%d/day)", age, cfg.HotToWarmAfterDays, m.AccessCount24h)
			d.Priority = int(math.Floor(age))
			d.EstimatedSavings = size * 0.5
		}

	case interfaces.TierWarm:
		switch {
		case float64(m.AccessCount24h) >= cfg.HotMinAccessesPerDay:
			d.ToTier = interfaces.TierHot
			d.Reason = fmt.Sprintf("very high access pattern (%d/day)", m.AccessCount24h)
			d.Priority = 150 + m.AccessCount24h
			d.EstimatedSavings = -size * 0.5
		case age > float64(cfg.WarmToColdAfterDays) && float64(m.AccessCount7d) < cfg.WarmMinAccessesPerWeek:
			d.ToTier = interfaces.TierCold
			d.Reason = fmt.Sprintf("age %.1fd > %dd, very low access (%d/week)", age, cfg.WarmToColdAfterDays, m.AccessCount7d)
			d.Priority = int(math.Floor(age / 2))
			d.EstimatedSavings = size * 0.8
		}

	case interfaces.TierCold:
		if float64(m.AccessCount7d) >= cfg.WarmMinAccessesPerWeek {
			d.ToTier = interfaces.TierWarm
			d.Reason = fmt.Sprintf("high access pattern (%d/week)", m.AccessCount7d)
			d.Priority = 100 + m.AccessCount7d
			d.EstimatedSavings = -size * 0.3
		}
	}

	return d, d.ToTier != "" && d.ToTier != d.FromTier
}
