package interfaces

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Tier is a storage class reflecting access temperature.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// AllTiers lists tiers from hottest to coldest.
var AllTiers = []Tier{TierHot, TierWarm, TierCold}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierHot:
		return TierHot, nil
	case TierWarm:
		return TierWarm, nil
	case TierCold:
		return TierCold, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
}

func (t Tier) String() string {
	return string(t)
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	_, err := ParseTier(string(t))
	return err == nil && strings.ToLower(string(t)) == string(t)
}

// LocationType identifies the kind of endpoint a StorageLocation refers to.
type LocationType string

const (
	LocationLocal LocationType = "local"
	LocationS3    LocationType = "s3"
	LocationCDN   LocationType = "cdn"
	LocationIPFS  LocationType = "ipfs"
)

// StorageLocation describes one place content can be served from, together
// with the performance profile the router scores.
type StorageLocation struct {
	Type             LocationType `json:"type" yaml:"type"`
	URL              string       `json:"url" yaml:"url"`
	Tier             Tier         `json:"tier,omitempty" yaml:"tier,omitempty"`
	Availability     float64      `json:"availability" yaml:"availability"`
	LatencyMs        float64      `json:"latency_ms" yaml:"latency_ms"`
	BandwidthMbps    float64      `json:"bandwidth_mbps" yaml:"bandwidth_mbps"`
	CostUnits        float64      `json:"cost_units" yaml:"cost_units"`
	GeographicRegion []string     `json:"geographic_region,omitempty" yaml:"geographic_region,omitempty"`
	VerifiedAt       time.Time    `json:"verified_at,omitempty" yaml:"-"`
}

// InRegion reports whether the location serves region.
func (l StorageLocation) InRegion(region string) bool {
	for _, r := range l.GeographicRegion {
		if strings.EqualFold(r, region) {
			return true
		}
	}
	return false
}

// ObjectMetadata is what a driver knows about a stored object.
type ObjectMetadata struct {
	ContentHash  ContentHash `json:"content_hash"`
	Tier         Tier        `json:"tier"`
	Size         int64       `json:"size"`
	LastModified time.Time   `json:"last_modified"`
	ETag         string      `json:"etag,omitempty"`
	ContentType  string      `json:"content_type,omitempty"`
	CacheControl string      `json:"cache_control,omitempty"`
}

// StorageObject is a listing entry.
type StorageObject struct {
	ContentHash  ContentHash `json:"content_hash"`
	Tier         Tier        `json:"tier"`
	Size         int64       `json:"size"`
	LastModified time.Time   `json:"last_modified"`
	ETag         string      `json:"etag,omitempty"`
}

// PutOptions carries optional attributes stored alongside an object.
type PutOptions struct {
	ContentType  string
	CacheControl string
	// Size is the expected length; zero or less when unknown.
	Size int64
}

// ByteRange is an inclusive byte range. End of -1 means "through the last byte".
type ByteRange struct {
	Start int64
	End   int64
}

// Resolve validates r against an object of the given length and returns the
// concrete inclusive bounds. An End past the object is clamped.
func (r ByteRange) Resolve(length int64) (int64, int64, error) {
	if r.Start < 0 || r.Start >= length {
		return 0, 0, fmt.Errorf("%w: start %d not within length %d", ErrInvalidRange, r.Start, length)
	}
	end := r.End
	if end < 0 || end >= length {
		end = length - 1
	}
	if r.Start > end {
		return 0, 0, fmt.Errorf("%w: start %d greater than end %d", ErrInvalidRange, r.Start, end)
	}
	return r.Start, end, nil
}

// ObjectReader streams an object, or a slice of it, together with its metadata.
// Start and End are the inclusive bounds actually served.
type ObjectReader struct {
	io.ReadCloser
	Metadata ObjectMetadata
	Start    int64
	End      int64
	Partial  bool
}

// Length is the number of bytes the reader yields, or -1 when the source
// did not say.
func (o *ObjectReader) Length() int64 {
	if o.Metadata.Size == 0 {
		return 0
	}
	if o.Metadata.Size < 0 && !o.Partial {
		return -1
	}
	return o.End - o.Start + 1
}

// PresignedURL is a time-limited URL for direct client access.
type PresignedURL struct {
	URL       string            `json:"url"`
	ExpiresAt time.Time         `json:"expires_at"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// HealthStatus is the result of a single backend probe.
type HealthStatus struct {
	Healthy   bool    `json:"healthy"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// CacheLevel names a layer of the adaptive cache.
type CacheLevel string

const (
	CacheMemory  CacheLevel = "memory"
	CacheDisk    CacheLevel = "disk"
	CacheOverlay CacheLevel = "overlay"
)
