// Package config holds the typed configuration of the storage engine and its
// background components. Values are resolved in order: defaults, then an
// optional YAML file, then command line flags and environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ruteri/tiered-content-storage/interfaces"
	"gopkg.in/yaml.v3"
)

const (
	BackendFS = "fs"
	BackendS3 = "s3"

	CDNModeOff    = "off"
	CDNModeDirect = "direct"
	CDNModeSigned = "signed"
)

type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Migration MigrationConfig `yaml:"migration"`
	Agents    AgentConfig     `yaml:"agents"`
	Cache     CacheConfig     `yaml:"cache"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Routing   RoutingConfig   `yaml:"routing"`
}

type S3Config struct {
	Endpoint        string        `yaml:"endpoint"`
	Region          string        `yaml:"region"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Buckets         BucketsConfig `yaml:"buckets"`
	TimeoutSeconds  int           `yaml:"timeout_seconds"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
}

type BucketsConfig struct {
	Hot    string `yaml:"hot"`
	Warm   string `yaml:"warm"`
	Cold   string `yaml:"cold"`
	Backup string `yaml:"backup"`
}

// ForTier returns the bucket configured for tier.
func (b BucketsConfig) ForTier(tier interfaces.Tier) string {
	switch tier {
	case interfaces.TierHot:
		return b.Hot
	case interfaces.TierWarm:
		return b.Warm
	case interfaces.TierCold:
		return b.Cold
	}
	return ""
}

type CDNConfig struct {
	Mode       string `yaml:"mode"`
	BaseURL    string `yaml:"base_url"`
	SigningKey string `yaml:"signing_key"`
}

type StorageConfig struct {
	Backend       string          `yaml:"backend"`
	S3            S3Config        `yaml:"s3"`
	CDN           CDNConfig       `yaml:"cdn"`
	PresignTTLSec int             `yaml:"presign_ttl_sec"`
	DefaultTier   interfaces.Tier `yaml:"default_tier"`
	MaxRangeBytes int64           `yaml:"max_range_bytes"`
	DataRoot      string          `yaml:"data_root"`
	// MetadataDir is where the badger metadata store lives.
	MetadataDir string `yaml:"metadata_dir"`
	// ReplicaTargets are the locations each new object is replicated to.
	ReplicaTargets []interfaces.StorageLocation `yaml:"replica_targets"`
	IPFSAPIURL     string                       `yaml:"ipfs_api_url"`
	AdminAPIKey    string                       `yaml:"admin_api_key"`
}

func (c StorageConfig) PresignTTL() time.Duration {
	return time.Duration(c.PresignTTLSec) * time.Second
}

func (c StorageConfig) S3Timeout() time.Duration {
	return time.Duration(c.S3.TimeoutSeconds) * time.Second
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend: BackendFS,
		S3: S3Config{
			Region:         "us-east-1",
			TimeoutSeconds: 30,
		},
		CDN:           CDNConfig{Mode: CDNModeOff},
		PresignTTLSec: 900,
		DefaultTier:   interfaces.TierHot,
		MaxRangeBytes: 16 * 1024 * 1024,
		DataRoot:      "./data/content",
		MetadataDir:   "./data/metadata",
	}
}

func (c StorageConfig) Validate() error {
	switch c.Backend {
	case BackendFS:
		if c.DataRoot == "" {
			return fmt.Errorf("%w: data root is required for the fs backend", interfaces.ErrConfiguration)
		}
	case BackendS3:
		if err := c.S3.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", interfaces.ErrConfiguration, c.Backend)
	}

	switch c.CDN.Mode {
	case "", CDNModeOff:
	case CDNModeDirect:
		if c.CDN.BaseURL == "" {
			return fmt.Errorf("%w: cdn base url is required in direct mode", interfaces.ErrConfiguration)
		}
	case CDNModeSigned:
		if c.CDN.BaseURL == "" || c.CDN.SigningKey == "" {
			return fmt.Errorf("%w: cdn base url and signing key are required in signed mode", interfaces.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown cdn mode %q", interfaces.ErrConfiguration, c.CDN.Mode)
	}

	if !c.DefaultTier.Valid() {
		return fmt.Errorf("%w: default tier %q", interfaces.ErrInvalidTier, c.DefaultTier)
	}
	if c.PresignTTLSec <= 0 {
		return fmt.Errorf("%w: presign ttl must be positive", interfaces.ErrConfiguration)
	}
	if c.MaxRangeBytes <= 0 {
		return fmt.Errorf("%w: max range bytes must be positive", interfaces.ErrConfiguration)
	}
	return nil
}

// Configured reports whether enough S3 settings are present to build a driver.
func (c S3Config) Configured() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != "" && c.Buckets.Hot != ""
}

func (c S3Config) Validate() error {
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return fmt.Errorf("%w: s3 access key and secret key are required", interfaces.ErrConfiguration)
	}
	for _, tier := range interfaces.AllTiers {
		if c.Buckets.ForTier(tier) == "" {
			return fmt.Errorf("%w: s3 bucket for tier %s is required", interfaces.ErrConfiguration, tier)
		}
	}
	if c.Region == "" {
		return fmt.Errorf("%w: s3 region is required", interfaces.ErrConfiguration)
	}
	return nil
}

type MigrationConfig struct {
	SourceBackend         string        `yaml:"source_backend"`
	TargetBackend         string        `yaml:"target_backend"`
	BatchSize             int           `yaml:"batch_size"`
	ParallelTransfers     int           `yaml:"parallel_transfers"`
	VerifyAfterCopy       bool          `yaml:"verify_after_copy"`
	DeleteSourceAfterCopy bool          `yaml:"delete_source_after_copy"`
	DryRun                bool          `yaml:"dry_run"`
	// Resume skips the objects recorded as finished in CheckpointFile.
	Resume          bool          `yaml:"resume"`
	CheckpointFile  string        `yaml:"checkpoint_file"`
	CheckpointEvery int           `yaml:"checkpoint_every"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	// RateLimit caps object transfers per second. Zero means unlimited.
	RateLimit float64 `yaml:"rate_limit"`
}

func DefaultMigrationConfig() MigrationConfig {
	return MigrationConfig{
		SourceBackend:     BackendFS,
		TargetBackend:     BackendS3,
		BatchSize:         50,
		ParallelTransfers: 5,
		VerifyAfterCopy:   true,
		CheckpointFile:    "./migration.checkpoint",
		CheckpointEvery:   100,
		MaxRetries:        3,
		RetryBackoff:      time.Second,
	}
}

func (c MigrationConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive", interfaces.ErrConfiguration)
	}
	if c.ParallelTransfers <= 0 {
		return fmt.Errorf("%w: parallel transfers must be positive", interfaces.ErrConfiguration)
	}
	if c.CheckpointEvery <= 0 {
		return fmt.Errorf("%w: checkpoint interval must be positive", interfaces.ErrConfiguration)
	}
	if c.MaxRetries < 0 || c.RateLimit < 0 {
		return fmt.Errorf("%w: retries and rate limit must not be negative", interfaces.ErrConfiguration)
	}
	return nil
}

type AgentConfig struct {
	ReplicationAgents    int           `yaml:"replication_agents"`
	VerificationAgents   int           `yaml:"verification_agents"`
	ReplicationCapacity  int           `yaml:"replication_capacity"`
	ReplicationInterval  time.Duration `yaml:"replication_interval"`
	ReplicationBatch     int           `yaml:"replication_batch"`
	JobMaxRetries        int           `yaml:"job_max_retries"`
	VerificationInterval time.Duration `yaml:"verification_interval"`
	VerificationBatch    int           `yaml:"verification_batch"`
	StaleAfter           time.Duration `yaml:"stale_after"`
	ErrorBackoff         time.Duration `yaml:"error_backoff"`
	FetchTimeout         time.Duration `yaml:"fetch_timeout"`
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ReplicationAgents:    1,
		VerificationAgents:   1,
		ReplicationCapacity:  5,
		ReplicationInterval:  30 * time.Second,
		ReplicationBatch:     10,
		JobMaxRetries:        3,
		VerificationInterval: 5 * time.Minute,
		VerificationBatch:    20,
		StaleAfter:           6 * time.Hour,
		ErrorBackoff:         60 * time.Second,
		FetchTimeout:         30 * time.Second,
	}
}

type CacheConfig struct {
	MaxMemoryMB int `yaml:"max_memory_mb"`
	// MaxObjectBytes caps the size of objects admitted on read. Larger
	// objects are streamed to the client and never buffered.
	MaxObjectBytes int64         `yaml:"max_object_bytes"`
	DiskDir        string        `yaml:"disk_dir"`
	OverlayMB      int           `yaml:"overlay_mb"`
	OverlayTTL     time.Duration `yaml:"overlay_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxMemoryMB:    256,
		MaxObjectBytes: 16 << 20,
		DiskDir:        "./data/cache",
		OverlayMB:      64,
		OverlayTTL:     time.Hour,
		SweepInterval:  10 * time.Minute,
		DefaultTTL:     time.Hour,
	}
}

type LifecycleConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Interval               time.Duration `yaml:"interval"`
	HotToWarmAfterDays     int           `yaml:"hot_to_warm_after_days"`
	HotMinAccessesPerDay   float64       `yaml:"hot_min_accesses_per_day"`
	WarmToColdAfterDays    int           `yaml:"warm_to_cold_after_days"`
	WarmMinAccessesPerWeek float64       `yaml:"warm_min_accesses_per_week"`
	DeleteAfterDays        int           `yaml:"delete_after_days"`
	DeleteOrphans          bool          `yaml:"delete_orphans"`
	MaxObjectsPerBatch     int           `yaml:"max_objects_per_batch"`
	DryRun                 bool          `yaml:"dry_run"`
}

func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		Enabled:                true,
		Interval:               24 * time.Hour,
		HotToWarmAfterDays:     7,
		HotMinAccessesPerDay:   5,
		WarmToColdAfterDays:    30,
		WarmMinAccessesPerWeek: 2,
		DeleteAfterDays:        365,
		DeleteOrphans:          true,
		MaxObjectsPerBatch:     100,
	}
}

type RoutingConfig struct {
	HistorySize int `yaml:"history_size"`
	// PatternWindow is how far back access patterns are aggregated.
	PatternWindow time.Duration `yaml:"pattern_window"`
}

func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		HistorySize:   100,
		PatternWindow: 7 * 24 * time.Hour,
	}
}

func Default() *Config {
	return &Config{
		Storage:   DefaultStorageConfig(),
		Migration: DefaultMigrationConfig(),
		Agents:    DefaultAgentConfig(),
		Cache:     DefaultCacheConfig(),
		Lifecycle: DefaultLifecycleConfig(),
		Routing:   DefaultRoutingConfig(),
	}
}

// Load reads a YAML file on top of the defaults. Keys missing from the file
// keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Migration.Validate(); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	return nil
}
