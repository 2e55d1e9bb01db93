package storage

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
)

// Factory builds drivers and location backends from configuration. Drivers
// are created once and shared.
type Factory struct {
	cfg config.StorageConfig
	cdn *CDNSigner
	log *slog.Logger

	mu      sync.Mutex
	drivers map[string]interfaces.StorageDriver
}

// NewFactory creates a factory for the drivers described by cfg. Drivers are
// built on first use and shared afterwards.
func NewFactory(cfg config.StorageConfig, logger *slog.Logger) *Factory {
	return &Factory{
		cfg:     cfg,
		cdn:     NewCDNSigner(cfg.CDN),
		log:     logger,
		drivers: make(map[string]interfaces.StorageDriver),
	}
}

// Primary returns the driver for the configured backend.
func (f *Factory) Primary() (interfaces.StorageDriver, error) {
	return f.Driver(f.cfg.Backend)
}

// Driver returns the driver for backend ("fs" or "s3").
func (f *Factory) Driver(backend string) (interfaces.StorageDriver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if d, ok := f.drivers[backend]; ok {
		return d, nil
	}

	var (
		d   interfaces.StorageDriver
		err error
	)
	switch backend {
	case config.BackendFS:
		d, err = NewFileDriver(f.cfg.DataRoot, f.cdn, f.log.With("driver", "fs"))
	case config.BackendS3:
		d, err = NewS3Driver(f.cfg, f.cdn, f.log.With("driver", "s3"))
	default:
		return nil, fmt.Errorf("%w: unsupported backend %q", interfaces.ErrConfiguration, backend)
	}
	if err != nil {
		return nil, err
	}

	f.drivers[backend] = d
	return d, nil
}

// LocationBackends assembles a backend for every location type that can be
// served with the current configuration: the filesystem always, S3 when
// credentials are present, the CDN when enabled and IPFS when an API URL is set.
func (f *Factory) LocationBackends(fetchTimeout time.Duration) (*MultiLocationBackend, error) {
	var backends []interfaces.LocationBackend

	primary, err := f.Primary()
	if err != nil {
		return nil, err
	}
	backends = append(backends, NewDriverLocationBackend(primary, f.cfg.DefaultTier))

	secondary := config.BackendS3
	if f.cfg.Backend == config.BackendS3 {
		secondary = config.BackendFS
	}
	if secondary == config.BackendFS || f.cfg.S3.Configured() {
		d, err := f.Driver(secondary)
		if err != nil {
			f.log.Warn("Secondary driver unavailable", slog.String("backend", secondary), "err", err)
		} else {
			backends = append(backends, NewDriverLocationBackend(d, f.cfg.DefaultTier))
		}
	}

	if f.cdn != nil {
		backends = append(backends, NewCDNLocationBackend(fetchTimeout, f.log.With("location", "cdn")))
	}
	if f.cfg.IPFSAPIURL != "" {
		backends = append(backends, NewIPFSLocationBackend(f.cfg.IPFSAPIURL, f.log.With("location", "ipfs")))
	}

	return NewMultiLocationBackend(backends, f.log), nil
}
