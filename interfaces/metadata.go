package interfaces

import (
	"context"
	"time"
)

// IndexEntry is the overlay index record for one piece of content: where it
// lives and when it was last verified.
type IndexEntry struct {
	ContentHash       ContentHash       `json:"content_hash"`
	Size              int64             `json:"size"`
	ContentType       string            `json:"content_type,omitempty"`
	Tier              Tier              `json:"tier"`
	Locations         []StorageLocation `json:"locations"`
	ReplicationFactor int               `json:"replication_factor"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	LastVerifiedAt    time.Time         `json:"last_verified_at"`
	LastAccessedAt    time.Time         `json:"last_accessed_at"`
	AccessCount       int64             `json:"access_count"`
}

// HasLocation reports whether url is already recorded.
func (e *IndexEntry) HasLocation(url string) bool {
	for _, l := range e.Locations {
		if l.URL == url {
			return true
		}
	}
	return false
}

// StorageIndex persists IndexEntry records.
type StorageIndex interface {
	GetEntry(ctx context.Context, hash ContentHash) (*IndexEntry, error)
	PutEntry(ctx context.Context, entry *IndexEntry) error
	DeleteEntry(ctx context.Context, hash ContentHash) error
	// AddLocation records loc for hash, replacing any location with the same URL.
	AddLocation(ctx context.Context, hash ContentHash, loc StorageLocation) error
	RemoveLocation(ctx context.Context, hash ContentHash, url string) error
	UpdateTier(ctx context.Context, hash ContentHash, tier Tier) error
	// MoveLocation sets the entry's tier to to.Tier and replaces the
	// location at from.URL with to, appending to when from is not recorded.
	MoveLocation(ctx context.Context, hash ContentHash, from, to StorageLocation) error
	MarkVerified(ctx context.Context, hash ContentHash, at time.Time) error
	MarkAccessed(ctx context.Context, hash ContentHash, at time.Time) error
	// ListStale returns up to limit entries not verified since olderThan,
	// least recently verified first.
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]IndexEntry, error)
	ListEntries(ctx context.Context) ([]IndexEntry, error)
}

// JobStatus is the lifecycle state of a replication job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// ReplicationJob copies one object from Source to Target.
type ReplicationJob struct {
	ID          string          `json:"id"`
	ContentHash ContentHash     `json:"content_hash"`
	Source      StorageLocation `json:"source"`
	Target      StorageLocation `json:"target"`
	Status      JobStatus       `json:"status"`
	Priority    int             `json:"priority"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	AgentID     string          `json:"agent_id,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// ReplicationQueue is a claim-based work queue. ClaimPending atomically moves
// jobs to in_progress under the calling agent's ID, so two agents never hold
// the same job.
type ReplicationQueue interface {
	Enqueue(ctx context.Context, job *ReplicationJob) error
	ClaimPending(ctx context.Context, agentID string, limit int) ([]ReplicationJob, error)
	CompleteJob(ctx context.Context, id string) error
	// FailJob records errMsg. When requeue is set the job returns to pending
	// with its retry count incremented, otherwise it is marked failed.
	FailJob(ctx context.Context, id string, errMsg string, requeue bool) error
	// ReclaimStale ends in_progress claims last updated before staleBefore,
	// requeueing jobs with retries left and failing the rest.
	ReclaimStale(ctx context.Context, staleBefore time.Time) (int, error)
	GetJob(ctx context.Context, id string) (*ReplicationJob, error)
	CountJobs(ctx context.Context) (map[JobStatus]int, error)
}

// VerificationRecord is one location's answer during a verification round.
type VerificationRecord struct {
	ID           string       `json:"id"`
	ContentHash  ContentHash  `json:"content_hash"`
	LocationURL  string       `json:"location_url"`
	LocationType LocationType `json:"location_type"`
	Verified     bool         `json:"verified"`
	ActualHash   ContentHash  `json:"actual_hash,omitempty"`
	Error        string       `json:"error,omitempty"`
	AgentID      string       `json:"agent_id"`
	VerifiedAt   time.Time    `json:"verified_at"`
}

// VerificationLog keeps per-location verification results.
type VerificationLog interface {
	RecordVerification(ctx context.Context, rec *VerificationRecord) error
	ListVerifications(ctx context.Context, hash ContentHash, limit int) ([]VerificationRecord, error)
}

// AccessRecord is a single served read.
type AccessRecord struct {
	ContentHash  ContentHash  `json:"content_hash"`
	LocationURL  string       `json:"location_url"`
	LocationType LocationType `json:"location_type"`
	ClientRegion string       `json:"client_region,omitempty"`
	LatencyMs    float64      `json:"latency_ms"`
	Bytes        int64        `json:"bytes"`
	CacheHit     bool         `json:"cache_hit"`
	AccessedAt   time.Time    `json:"accessed_at"`
}

// AccessPattern aggregates access records over a window.
type AccessPattern struct {
	ContentHash  ContentHash `json:"content_hash"`
	AccessCount  int         `json:"access_count"`
	FirstAccess  time.Time   `json:"first_access"`
	LastAccess   time.Time   `json:"last_access"`
	AvgLatencyMs float64     `json:"avg_latency_ms"`
}

// AccessesPerHour is the access count divided by the hours between the
// first and last access. A single access, or none, yields zero.
func (p *AccessPattern) AccessesPerHour() float64 {
	if p == nil || p.AccessCount == 0 {
		return 0
	}
	hours := p.LastAccess.Sub(p.FirstAccess).Hours()
	if hours <= 0 {
		return 0
	}
	return float64(p.AccessCount) / hours
}

// AccessLog records reads and aggregates them into access patterns.
type AccessLog interface {
	RecordAccess(ctx context.Context, rec *AccessRecord) error
	// AccessPattern aggregates accesses to hash at or after since. A hash
	// with no accesses yields a zero pattern and no error.
	AccessPattern(ctx context.Context, hash ContentHash, since time.Time) (*AccessPattern, error)
}

// Event types written to the EventLog.
const (
	EventMigration         = "migration"
	EventTiering           = "tiering"
	EventReplication       = "replication"
	EventVerification      = "verification"
	EventVerificationAlert = "verification-alert"
	EventCleanup           = "cleanup"
	EventReconcile         = "reconcile"
	EventRead              = "read"
	EventWrite             = "write"
)

// StorageEvent is an append-only audit and performance record.
type StorageEvent struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	ContentHash ContentHash `json:"content_hash,omitempty"`
	FromTier    Tier        `json:"from_tier,omitempty"`
	ToTier      Tier        `json:"to_tier,omitempty"`
	Backend     string      `json:"backend,omitempty"`
	Success     bool        `json:"success"`
	DurationMs  float64     `json:"duration_ms"`
	Bytes       int64       `json:"bytes"`
	Message     string      `json:"message,omitempty"`
	// Savings is the estimated cost change of a tiering move; negative
	// for promotions.
	Savings   float64   `json:"estimated_savings,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventLog is the audit trail of storage operations.
type EventLog interface {
	RecordEvent(ctx context.Context, ev *StorageEvent) error
	// ListEvents returns events at or after since, oldest first. An empty
	// eventType matches all types.
	ListEvents(ctx context.Context, since time.Time, eventType string) ([]StorageEvent, error)
}

// CacheEvent records cache activity for offline analysis.
type CacheEvent struct {
	ContentHash ContentHash `json:"content_hash"`
	Level       string      `json:"level"`
	Event       string      `json:"event"`
	SizeBytes   int64       `json:"size_bytes"`
	At          time.Time   `json:"at"`
}

type CacheStatsLog interface {
	RecordCacheEvent(ctx context.Context, ev *CacheEvent) error
	ListCacheEvents(ctx context.Context, since time.Time) ([]CacheEvent, error)
}

// PerformanceSample is a routing observation for a location.
type PerformanceSample struct {
	ContentHash  ContentHash  `json:"content_hash"`
	LocationURL  string       `json:"location_url"`
	LocationType LocationType `json:"location_type"`
	LatencyMs    float64      `json:"latency_ms"`
	Score        float64      `json:"score"`
	RecordedAt   time.Time    `json:"recorded_at"`
}

type PerformanceLog interface {
	RecordSample(ctx context.Context, s *PerformanceSample) error
	ListSamples(ctx context.Context, since time.Time) ([]PerformanceSample, error)
}

// MetadataStore bundles every repository the engine persists to.
type MetadataStore interface {
	StorageIndex
	ReplicationQueue
	VerificationLog
	AccessLog
	EventLog
	CacheStatsLog
	PerformanceLog
	Close() error
}
