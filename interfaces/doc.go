// Package interfaces defines the types and contracts shared by every part of
// the tiered content store.
//
// # Content addressing
//
// ContentHash is the lowercase hex SHA-256 of an object's bytes and is its
// only identity. ComputeHash and HashReader produce identical results for the
// same bytes; VerifyContent and HashingReader enforce hash == SHA256(bytes)
// at every write and replication boundary.
//
// # Storage
//
//   - StorageDriver: tier-aware byte store (filesystem, S3)
//   - LocationBackend: reads and writes at a StorageLocation (local, s3, cdn, ipfs)
//
// # Metadata
//
// MetadataStore groups the typed repositories the agents, router, cache and
// lifecycle jobs persist to: StorageIndex, ReplicationQueue, VerificationLog,
// AccessLog, EventLog, CacheStatsLog and PerformanceLog.
//
// # Errors
//
// Callers match the sentinel errors (ErrContentNotFound, ErrHashMismatch,
// ErrInvalidRange, ...) with errors.Is.
package interfaces
