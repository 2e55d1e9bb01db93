package agents

import (
	"time"

	"github.com/ruteri/tiered-content-storage/interfaces"
)

// LocationResult is one location's answer in a verification round.
type LocationResult struct {
	Location interfaces.StorageLocation `json:"location"`
	// Responded is false when the location could not be reached at all.
	// A location that reports the content missing did respond.
	Responded  bool                   `json:"responded"`
	HashMatch  bool                   `json:"hash_match"`
	ActualHash interfaces.ContentHash `json:"actual_hash,omitempty"`
	SizeBytes  int64                  `json:"size_bytes"`
	LatencyMs  float64                `json:"latency_ms"`
	Error      string                 `json:"error,omitempty"`
}

// IntegrityReport is the outcome of verifying one piece of content across its locations.
type IntegrityReport struct {
	ContentHash       interfaces.ContentHash `json:"content_hash"`
	Results           []LocationResult       `json:"results"`
	Responding        int                    `json:"responding"`
	Agreeing          int                    `json:"agreeing"`
	AgreementRatio    float64                `json:"agreement_ratio"`
	ConsensusAchieved bool                   `json:"consensus_achieved"`
	VerifiedAt        time.Time              `json:"verified_at"`
}

// Consensus reports whether at least two thirds of the responding locations
// hold matching content. The boundary is inclusive and computed in integers,
// so 2 of 3 is a consensus. No responders means no consensus.
func Consensus(results []LocationResult) (agreeing, responding int, ratio float64, achieved bool) {
	for _, r := range results {
		if !r.Responded {
			continue
		}
		responding++
		if r.HashMatch {
			agreeing++
		}
	}
	if responding == 0 {
		return 0, 0, 0, false
	}
	ratio = float64(agreeing) / float64(responding)
	return agreeing, responding, ratio, agreeing*3 >= responding*2
}
