package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/tiered-content-storage/interfaces"
)

// DefaultLocationProfile returns the nominal performance profile for a
// location type. Availability is a fraction, latency in ms, bandwidth in
// Mbps, cost in satoshis per read.
func DefaultLocationProfile(t interfaces.LocationType) interfaces.StorageLocation {
	switch t {
	case interfaces.LocationLocal:
		return interfaces.StorageLocation{Type: t, Availability: 0.99, LatencyMs: 5, BandwidthMbps: 1000, CostUnits: 0}
	case interfaces.LocationS3:
		return interfaces.StorageLocation{Type: t, Availability: 0.995, LatencyMs: 100, BandwidthMbps: 200, CostUnits: 5}
	case interfaces.LocationCDN:
		return interfaces.StorageLocation{Type: t, Availability: 0.999, LatencyMs: 50, BandwidthMbps: 500, CostUnits: 2}
	case interfaces.LocationIPFS:
		return interfaces.StorageLocation{Type: t, Availability: 0.95, LatencyMs: 250, BandwidthMbps: 100, CostUnits: 1}
	}
	return interfaces.StorageLocation{Type: t}
}

// DriverLocationBackend serves locations backed by a StorageDriver tier.
type DriverLocationBackend struct {
	driver      interfaces.StorageDriver
	locType     interfaces.LocationType
	defaultTier interfaces.Tier
}

// NewDriverLocationBackend serves locations of driver. Locations without a
// tier use defaultTier.
func NewDriverLocationBackend(driver interfaces.StorageDriver, defaultTier interfaces.Tier) *DriverLocationBackend {
	return &DriverLocationBackend{
		driver:      driver,
		locType:     driver.Location(defaultTier).Type,
		defaultTier: defaultTier,
	}
}

func (b *DriverLocationBackend) tier(loc interfaces.StorageLocation) interfaces.Tier {
	if loc.Tier.Valid() {
		return loc.Tier
	}
	return b.defaultTier
}

// Supports matches locations of the driver's type whose URL is either empty
// or one of the driver's tier URLs.
func (b *DriverLocationBackend) Supports(loc interfaces.StorageLocation) bool {
	if loc.Type != b.locType {
		return false
	}
	return loc.URL == "" || loc.URL == b.driver.Location(b.tier(loc)).URL
}

// Fetch reads the whole object from the location's tier.
func (b *DriverLocationBackend) Fetch(ctx context.Context, hash interfaces.ContentHash, loc interfaces.StorageLocation) ([]byte, error) {
	r, err := b.driver.GetObject(ctx, hash, b.tier(loc), nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (b *DriverLocationBackend) Open(ctx context.Context, hash interfaces.ContentHash, loc interfaces.StorageLocation, rng *interfaces.ByteRange) (*interfaces.ObjectReader, error) {
	return b.driver.GetObject(ctx, hash, b.tier(loc), rng)
}

// Store writes data into the location's tier of the driver.
func (b *DriverLocationBackend) Store(ctx context.Context, hash interfaces.ContentHash, data []byte, loc interfaces.StorageLocation) (interfaces.StorageLocation, error) {
	tier := b.tier(loc)
	if err := b.driver.PutObject(ctx, hash, bytes.NewReader(data), tier, &interfaces.PutOptions{Size: int64(len(data))}); err != nil {
		return interfaces.StorageLocation{}, err
	}
	stored := b.driver.Location(tier)
	stored.GeographicRegion = loc.GeographicRegion
	stored.VerifiedAt = time.Now()
	return stored, nil
}

// CDNLocationBackend reads content through a CDN edge over HTTP. The edge
// pulls from origin, so storing means warming the edge and checking what it
// serves.
type CDNLocationBackend struct {
	client *http.Client
	log    *slog.Logger
}

// NewCDNLocationBackend creates a read-only backend for CDN edges. Requests
// time out after timeout.
func NewCDNLocationBackend(timeout time.Duration, log *slog.Logger) *CDNLocationBackend {
	return &CDNLocationBackend{
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

func (b *CDNLocationBackend) Supports(loc interfaces.StorageLocation) bool {
	return loc.Type == interfaces.LocationCDN && loc.URL != ""
}

// Fetch downloads the whole object from the edge.
func (b *CDNLocationBackend) Fetch(ctx context.Context, hash interfaces.ContentHash, loc interfaces.StorageLocation) ([]byte, error) {
	r, err := b.Open(ctx, hash, loc, nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Open requests the object from the edge, forwarding rng as a Range header.
// The size is -1 when the edge streams without a Content-Length.
func (b *CDNLocationBackend) Open(ctx context.Context, hash interfaces.ContentHash, loc interfaces.StorageLocation, rng *interfaces.ByteRange) (*interfaces.ObjectReader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cdnObjectURL(loc, hash), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build CDN request: %w", err)
	}
	if rng != nil {
		if rng.End >= 0 {
			req.Header.Set("Range", rangeHeaderValue(rng.Start, rng.End))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rng.Start))
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	meta := interfaces.ObjectMetadata{
		ContentHash:  hash,
		Tier:         loc.Tier,
		Size:         resp.ContentLength,
		ETag:         strings.Trim(resp.Header.Get("ETag"), `"`),
		ContentType:  resp.Header.Get("Content-Type"),
		CacheControl: resp.Header.Get("Cache-Control"),
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &interfaces.ObjectReader{ReadCloser: resp.Body, Metadata: meta, Start: 0, End: meta.Size - 1}, nil
	case http.StatusPartialContent:
		var start, end, total int64
		if _, err := fmt.Sscanf(resp.Header.Get("Content-Range"), "bytes %d-%d/%d", &start, &end, &total); err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("malformed Content-Range from CDN: %w", err)
		}
		meta.Size = total
		return &interfaces.ObjectReader{ReadCloser: resp.Body, Metadata: meta, Start: start, End: end, Partial: true}, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, interfaces.ErrContentNotFound
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, interfaces.ErrInvalidRange
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: CDN returned status %d", interfaces.ErrBackendUnavailable, resp.StatusCode)
	}
}

// Store warms the edge by fetching the content back. CDN origins cannot be
// written, so content the edge does not already serve yields ErrReadOnlyLocation.
func (b *CDNLocationBackend) Store(ctx context.Context, hash interfaces.ContentHash, data []byte, loc interfaces.StorageLocation) (interfaces.StorageLocation, error) {
	served, err := b.Fetch(ctx, hash, loc)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		// the edge only serves what its origin holds
		return interfaces.StorageLocation{}, fmt.Errorf("%w: CDN origin does not hold %s", interfaces.ErrReadOnlyLocation, hash.Short())
	}
	if err != nil {
		return interfaces.StorageLocation{}, fmt.Errorf("failed to warm CDN edge: %w", err)
	}
	if err := interfaces.VerifyContent(hash, served); err != nil {
		return interfaces.StorageLocation{}, err
	}
	loc.VerifiedAt = time.Now()
	return loc, nil
}

func cdnObjectURL(loc interfaces.StorageLocation, hash interfaces.ContentHash) string {
	return strings.TrimSuffix(loc.URL, "/") + "/" + string(hash)
}

// MultiLocationBackend dispatches to the first backend that supports a
// location and reads with fallback across a list of locations.
type MultiLocationBackend struct {
	backends []interfaces.LocationBackend
	log      *slog.Logger
}

// NewMultiLocationBackend dispatches each location to the first backend that supports it.
func NewMultiLocationBackend(backends []interfaces.LocationBackend, logger *slog.Logger) *MultiLocationBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiLocationBackend{backends: backends, log: logger}
}

func (m *MultiLocationBackend) backendFor(loc interfaces.StorageLocation) (interfaces.LocationBackend, error) {
	for _, b := range m.backends {
		if b.Supports(loc) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: no backend for %s location %q", interfaces.ErrBackendUnavailable, loc.Type, loc.URL)
}

// Supports reports whether any backend supports loc.
func (m *MultiLocationBackend) Supports(loc interfaces.StorageLocation) bool {
	_, err := m.backendFor(loc)
	return err == nil
}

// Fetch retrieves content from the backend supporting loc.
// Returns ErrBackendUnavailable if no backend supports it.
func (m *MultiLocationBackend) Fetch(ctx context.Context, hash interfaces.ContentHash, loc interfaces.StorageLocation) ([]byte, error) {
	b, err := m.backendFor(loc)
	if err != nil {
		return nil, err
	}
	return b.Fetch(ctx, hash, loc)
}

// Open opens content through the backend supporting loc.
func (m *MultiLocationBackend) Open(ctx context.Context, hash interfaces.ContentHash, loc interfaces.StorageLocation, rng *interfaces.ByteRange) (*interfaces.ObjectReader, error) {
	b, err := m.backendFor(loc)
	if err != nil {
		return nil, err
	}
	return b.Open(ctx, hash, loc, rng)
}

// Store saves data through the backend supporting loc.
func (m *MultiLocationBackend) Store(ctx context.Context, hash interfaces.ContentHash, data []byte, loc interfaces.StorageLocation) (interfaces.StorageLocation, error) {
	b, err := m.backendFor(loc)
	if err != nil {
		return interfaces.StorageLocation{}, err
	}
	return b.Store(ctx, hash, data, loc)
}

// FetchAny tries each location in order and returns the first copy whose
// bytes hash to hash, together with the location that served it.
func (m *MultiLocationBackend) FetchAny(ctx context.Context, hash interfaces.ContentHash, locs []interfaces.StorageLocation) ([]byte, interfaces.StorageLocation, error) {
	start := time.Now()
	var errs []error

	for _, loc := range locs {
		if err := ctx.Err(); err != nil {
			return nil, interfaces.StorageLocation{}, err
		}

		data, err := m.Fetch(ctx, hash, loc)
		if err == nil {
			err = interfaces.VerifyContent(hash, data)
		}
		if err == nil {
			m.log.Debug("Fetched content",
				slog.String("location", loc.URL),
				slog.String("content_hash", hash.Short()),
				slog.Duration("duration", time.Since(start)))
			return data, loc, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", loc.URL, err))
		m.log.Debug("Failed to fetch from location",
			slog.String("location", loc.URL),
			slog.String("content_hash", hash.Short()),
			"err", err)
	}

	return nil, interfaces.StorageLocation{}, fetchAllError(errs)
}

// OpenAny is FetchAny for streaming reads. The stream is not verified: a
// corrupted range cannot be detected without reading the whole object.
func (m *MultiLocationBackend) OpenAny(ctx context.Context, hash interfaces.ContentHash, locs []interfaces.StorageLocation, rng *interfaces.ByteRange) (*interfaces.ObjectReader, interfaces.StorageLocation, error) {
	var errs []error
	for _, loc := range locs {
		r, err := m.Open(ctx, hash, loc, rng)
		if err == nil {
			return r, loc, nil
		}
		if errors.Is(err, interfaces.ErrInvalidRange) {
			return nil, loc, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", loc.URL, err))
		m.log.Debug("Failed to open location",
			slog.String("location", loc.URL),
			slog.String("content_hash", hash.Short()),
			"err", err)
	}
	return nil, interfaces.StorageLocation{}, fetchAllError(errs)
}

// fetchAllError reports ErrContentNotFound when every location said so,
// otherwise a joined error.
func fetchAllError(errs []error) error {
	if len(errs) == 0 {
		return interfaces.ErrContentNotFound
	}
	for _, err := range errs {
		if !errors.Is(err, interfaces.ErrContentNotFound) {
			return fmt.Errorf("failed to fetch from any location: %w", errors.Join(errs...))
		}
	}
	return interfaces.ErrContentNotFound
}
