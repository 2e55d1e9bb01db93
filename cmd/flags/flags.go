// Package flags holds the command line flags shared by storaged and
// storagectl and turns them into configuration.
package flags

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tiered-content-storage/common"
	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/httpserver"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		// large objects stream for a while
		WriteTimeout: 10 * time.Minute,
	}
}

// LoadConfig reads the --config file, if any, and applies every flag that was
// set on the command line or through its environment variable.
func LoadConfig(cCtx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(cCtx.String(ConfigFileFlag.Name))
	if err != nil {
		return nil, err
	}

	setString := func(name string, dst *string) {
		if cCtx.IsSet(name) {
			*dst = cCtx.String(name)
		}
	}
	setInt := func(name string, dst *int) {
		if cCtx.IsSet(name) {
			*dst = cCtx.Int(name)
		}
	}
	setBool := func(name string, dst *bool) {
		if cCtx.IsSet(name) {
			*dst = cCtx.Bool(name)
		}
	}

	s := &cfg.Storage
	setString(StorageBackendFlag.Name, &s.Backend)
	s.Backend = strings.ToLower(s.Backend)
	setString(S3EndpointFlag.Name, &s.S3.Endpoint)
	setString(S3RegionFlag.Name, &s.S3.Region)
	setString(S3AccessKeyFlag.Name, &s.S3.AccessKeyID)
	setString(S3SecretKeyFlag.Name, &s.S3.SecretAccessKey)
	setString(S3BucketHotFlag.Name, &s.S3.Buckets.Hot)
	setString(S3BucketWarmFlag.Name, &s.S3.Buckets.Warm)
	setString(S3BucketColdFlag.Name, &s.S3.Buckets.Cold)
	setString(BackupBucketFlag.Name, &s.S3.Buckets.Backup)
	setInt(S3TimeoutFlag.Name, &s.S3.TimeoutSeconds)
	setBool(S3PathStyleFlag.Name, &s.S3.ForcePathStyle)
	setString(CDNModeFlag.Name, &s.CDN.Mode)
	setString(CDNBaseURLFlag.Name, &s.CDN.BaseURL)
	setString(CDNSigningKeyFlag.Name, &s.CDN.SigningKey)
	setInt(PresignTTLFlag.Name, &s.PresignTTLSec)
	if cCtx.IsSet(DefaultTierFlag.Name) {
		s.DefaultTier = interfaces.Tier(strings.ToLower(cCtx.String(DefaultTierFlag.Name)))
	}
	if cCtx.IsSet(MaxRangeBytesFlag.Name) {
		s.MaxRangeBytes = cCtx.Int64(MaxRangeBytesFlag.Name)
	}
	setString(DataRootFlag.Name, &s.DataRoot)
	setString(MetadataDirFlag.Name, &s.MetadataDir)
	setString(IPFSAPIFlag.Name, &s.IPFSAPIURL)
	setString(AdminAPIKeyFlag.Name, &s.AdminAPIKey)
	if cCtx.IsSet(ReplicaTargetsFlag.Name) {
		s.ReplicaTargets = s.ReplicaTargets[:0]
		for _, v := range cCtx.StringSlice(ReplicaTargetsFlag.Name) {
			loc, err := ParseReplicaTarget(v)
			if err != nil {
				return nil, err
			}
			s.ReplicaTargets = append(s.ReplicaTargets, loc)
		}
	}

	m := &cfg.Migration
	setString(MigrationSourceFlag.Name, &m.SourceBackend)
	setString(MigrationTargetFlag.Name, &m.TargetBackend)
	setInt(MigrationBatchSizeFlag.Name, &m.BatchSize)
	setInt(MigrationParallelFlag.Name, &m.ParallelTransfers)
	setBool(MigrationVerifyFlag.Name, &m.VerifyAfterCopy)
	setBool(MigrationDeleteSourceFlag.Name, &m.DeleteSourceAfterCopy)
	setBool(MigrationDryRunFlag.Name, &m.DryRun)
	setBool(MigrationResumeFlag.Name, &m.Resume)
	setString(MigrationCheckpointFlag.Name, &m.CheckpointFile)
	setInt(MigrationMaxRetriesFlag.Name, &m.MaxRetries)
	if cCtx.IsSet(MigrationRateLimitFlag.Name) {
		m.RateLimit = cCtx.Float64(MigrationRateLimitFlag.Name)
	}

	setBool(LifecycleEnabledFlag.Name, &cfg.Lifecycle.Enabled)
	setBool(LifecycleDryRunFlag.Name, &cfg.Lifecycle.DryRun)
	setInt(CacheMemoryFlag.Name, &cfg.Cache.MaxMemoryMB)
	setString(CacheDirFlag.Name, &cfg.Cache.DiskDir)
	if cCtx.IsSet(CacheMaxObjectFlag.Name) {
		cfg.Cache.MaxObjectBytes = cCtx.Int64(CacheMaxObjectFlag.Name)
	}
	setInt(ReplicationAgentsFlag.Name, &cfg.Agents.ReplicationAgents)
	setInt(VerificationAgentsFlag.Name, &cfg.Agents.VerificationAgents)

	return cfg, nil
}

// ParseReplicaTarget parses "type[:tier][@url]", e.g. "s3:cold", "ipfs" or
// "cdn@https://edge.example.com/content". Driver-backed targets without a
// URL are resolved against the configured drivers at startup.
func ParseReplicaTarget(v string) (interfaces.StorageLocation, error) {
	spec, url, _ := strings.Cut(strings.TrimSpace(v), "@")
	typ, tier, _ := strings.Cut(spec, ":")

	loc := interfaces.StorageLocation{
		Type: interfaces.LocationType(strings.ToLower(typ)),
		Tier: interfaces.Tier(strings.ToLower(tier)),
		URL:  url,
	}
	switch loc.Type {
	case interfaces.LocationLocal, interfaces.LocationS3, interfaces.LocationIPFS:
	case interfaces.LocationCDN:
		if url == "" {
			return loc, fmt.Errorf("%w: cdn replica target %q needs a url", interfaces.ErrConfiguration, v)
		}
	default:
		return loc, fmt.Errorf("%w: unknown replica target type %q", interfaces.ErrConfiguration, typ)
	}
	if tier != "" && !loc.Tier.Valid() {
		return loc, fmt.Errorf("%w: replica target %q", interfaces.ErrInvalidTier, v)
	}
	return loc, nil
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: "tiered-storage",
	Usage: "add 'service' tag to logs",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
	EnvVars: []string{"LISTEN_ADDR"},
}
var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:    "metrics-addr",
	Value:   "127.0.0.1:8090",
	Usage:   "address to listen on for Prometheus metrics",
	EnvVars: []string{"METRICS_ADDR"},
}

var ConfigFileFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "YAML configuration file, flags and environment override it",
	EnvVars: []string{"STORAGE_CONFIG"},
}

var (
	StorageBackendFlag = &cli.StringFlag{Name: "storage-backend", Usage: "primary backend: fs or s3", EnvVars: []string{"STORAGE_BACKEND"}}
	S3EndpointFlag     = &cli.StringFlag{Name: "s3-endpoint", Usage: "S3 compatible endpoint, empty for AWS", EnvVars: []string{"S3_ENDPOINT"}}
	S3RegionFlag       = &cli.StringFlag{Name: "s3-region", Usage: "S3 region", EnvVars: []string{"S3_REGION"}}
	S3AccessKeyFlag    = &cli.StringFlag{Name: "s3-access-key", Usage: "S3 access key id", EnvVars: []string{"S3_ACCESS_KEY"}}
	S3SecretKeyFlag    = &cli.StringFlag{Name: "s3-secret-key", Usage: "S3 secret access key", EnvVars: []string{"S3_SECRET_KEY"}}
	S3BucketHotFlag    = &cli.StringFlag{Name: "s3-bucket-hot", Usage: "bucket for the hot tier", EnvVars: []string{"S3_BUCKET_HOT"}}
	S3BucketWarmFlag   = &cli.StringFlag{Name: "s3-bucket-warm", Usage: "bucket for the warm tier", EnvVars: []string{"S3_BUCKET_WARM"}}
	S3BucketColdFlag   = &cli.StringFlag{Name: "s3-bucket-cold", Usage: "bucket for the cold tier", EnvVars: []string{"S3_BUCKET_COLD"}}
	BackupBucketFlag   = &cli.StringFlag{Name: "backup-bucket", Usage: "bucket for backups", EnvVars: []string{"BACKUP_BUCKET"}}
	S3TimeoutFlag      = &cli.IntFlag{Name: "s3-timeout-seconds", Usage: "timeout of a single S3 call", EnvVars: []string{"S3_TIMEOUT_SECONDS"}}
	S3PathStyleFlag    = &cli.BoolFlag{Name: "s3-force-path-style", Usage: "use path style bucket addressing", EnvVars: []string{"S3_FORCE_PATH_STYLE"}}
	CDNModeFlag        = &cli.StringFlag{Name: "cdn-mode", Usage: "off, direct or signed", EnvVars: []string{"CDN_MODE"}}
	CDNBaseURLFlag     = &cli.StringFlag{Name: "cdn-base-url", Usage: "CDN base URL", EnvVars: []string{"CDN_BASE_URL"}}
	CDNSigningKeyFlag  = &cli.StringFlag{Name: "cdn-signing-key", Usage: "HMAC key for signed CDN URLs", EnvVars: []string{"CDN_SIGNING_KEY"}}
	PresignTTLFlag     = &cli.IntFlag{Name: "presign-ttl-sec", Usage: "default lifetime of presigned URLs", EnvVars: []string{"PRESIGN_TTL_SEC"}}
	DefaultTierFlag    = &cli.StringFlag{Name: "default-tier", Usage: "tier for uploads without one: hot, warm or cold", EnvVars: []string{"DATA_TIER_DEFAULT"}}
	MaxRangeBytesFlag  = &cli.Int64Flag{Name: "max-range-bytes", Usage: "largest range served in one response", EnvVars: []string{"MAX_RANGE_BYTES"}}
	DataRootFlag       = &cli.StringFlag{Name: "data-root", Usage: "root directory of the fs backend", EnvVars: []string{"DATA_ROOT"}}
	MetadataDirFlag    = &cli.StringFlag{Name: "metadata-dir", Usage: "metadata store directory, empty for in-memory", EnvVars: []string{"METADATA_DIR"}}
	IPFSAPIFlag        = &cli.StringFlag{Name: "ipfs-api", Usage: "IPFS HTTP API address used for ipfs replicas", EnvVars: []string{"IPFS_API_URL"}}
	AdminAPIKeyFlag    = &cli.StringFlag{Name: "admin-api-key", Usage: "key required by the operator API", EnvVars: []string{"ADMIN_API_KEY"}}
	ReplicaTargetsFlag = &cli.StringSliceFlag{Name: "replica-target", Usage: "replicate new content to type[:tier][@url], repeatable", EnvVars: []string{"REPLICA_TARGETS"}}
)

var (
	MigrationSourceFlag       = &cli.StringFlag{Name: "migration-source", Usage: "source backend", EnvVars: []string{"MIGRATION_SOURCE_BACKEND"}}
	MigrationTargetFlag       = &cli.StringFlag{Name: "migration-target", Usage: "target backend", EnvVars: []string{"MIGRATION_TARGET_BACKEND"}}
	MigrationBatchSizeFlag    = &cli.IntFlag{Name: "migration-batch-size", Usage: "objects per batch", EnvVars: []string{"MIGRATION_BATCH_SIZE"}}
	MigrationParallelFlag     = &cli.IntFlag{Name: "migration-parallel", Usage: "concurrent transfers", EnvVars: []string{"MIGRATION_PARALLEL_TRANSFERS"}}
	MigrationVerifyFlag       = &cli.BoolFlag{Name: "migration-verify", Usage: "verify objects after copying", EnvVars: []string{"MIGRATION_VERIFY_AFTER_COPY"}}
	MigrationDeleteSourceFlag = &cli.BoolFlag{Name: "migration-delete-source", Usage: "delete source objects once migrated", EnvVars: []string{"MIGRATION_DELETE_SOURCE"}}
	MigrationDryRunFlag       = &cli.BoolFlag{Name: "dry-run", Usage: "plan without copying", EnvVars: []string{"MIGRATION_DRY_RUN"}}
	MigrationResumeFlag       = &cli.BoolFlag{Name: "resume", Usage: "continue from the checkpoint file", EnvVars: []string{"MIGRATION_RESUME"}}
	MigrationCheckpointFlag   = &cli.StringFlag{Name: "checkpoint-file", Usage: "migration checkpoint file", EnvVars: []string{"MIGRATION_CHECKPOINT_FILE"}}
	MigrationMaxRetriesFlag   = &cli.IntFlag{Name: "migration-max-retries", Usage: "attempts per object", EnvVars: []string{"MIGRATION_MAX_RETRIES"}}
	MigrationRateLimitFlag    = &cli.Float64Flag{Name: "migration-rate-limit", Usage: "objects per second, 0 for unlimited", EnvVars: []string{"MIGRATION_RATE_LIMIT"}}
)

var (
	LifecycleEnabledFlag   = &cli.BoolFlag{Name: "lifecycle", Usage: "run lifecycle jobs in the background", EnvVars: []string{"LIFECYCLE_ENABLED"}}
	LifecycleDryRunFlag    = &cli.BoolFlag{Name: "lifecycle-dry-run", Usage: "log lifecycle decisions without moving content", EnvVars: []string{"LIFECYCLE_DRY_RUN"}}
	CacheMemoryFlag        = &cli.IntFlag{Name: "cache-memory-mb", Usage: "memory cache budget, 0 disables the cache", EnvVars: []string{"CACHE_MAX_MEMORY_MB"}}
	CacheDirFlag           = &cli.StringFlag{Name: "cache-dir", Usage: "disk cache directory", EnvVars: []string{"CACHE_DIR"}}
	CacheMaxObjectFlag     = &cli.Int64Flag{Name: "cache-max-object-bytes", Usage: "largest object cached on read", EnvVars: []string{"CACHE_MAX_OBJECT_BYTES"}}
	ReplicationAgentsFlag  = &cli.IntFlag{Name: "replication-agents", Usage: "number of replication agents", EnvVars: []string{"REPLICATION_AGENTS"}}
	VerificationAgentsFlag = &cli.IntFlag{Name: "verification-agents", Usage: "number of verification agents", EnvVars: []string{"VERIFICATION_AGENTS"}}
)

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

var StorageFlags = []cli.Flag{
	ConfigFileFlag,
	StorageBackendFlag,
	S3EndpointFlag,
	S3RegionFlag,
	S3AccessKeyFlag,
	S3SecretKeyFlag,
	S3BucketHotFlag,
	S3BucketWarmFlag,
	S3BucketColdFlag,
	BackupBucketFlag,
	S3TimeoutFlag,
	S3PathStyleFlag,
	CDNModeFlag,
	CDNBaseURLFlag,
	CDNSigningKeyFlag,
	PresignTTLFlag,
	DefaultTierFlag,
	MaxRangeBytesFlag,
	DataRootFlag,
	MetadataDirFlag,
	IPFSAPIFlag,
	AdminAPIKeyFlag,
	ReplicaTargetsFlag,
}

var MigrationFlags = []cli.Flag{
	MigrationSourceFlag,
	MigrationTargetFlag,
	MigrationBatchSizeFlag,
	MigrationParallelFlag,
	MigrationVerifyFlag,
	MigrationDeleteSourceFlag,
	MigrationDryRunFlag,
	MigrationResumeFlag,
	MigrationCheckpointFlag,
	MigrationMaxRetriesFlag,
	MigrationRateLimitFlag,
}

var EngineFlags = []cli.Flag{
	LifecycleEnabledFlag,
	LifecycleDryRunFlag,
	CacheMemoryFlag,
	CacheDirFlag,
	CacheMaxObjectFlag,
	ReplicationAgentsFlag,
	VerificationAgentsFlag,
}
