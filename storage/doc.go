// Package storage provides the tiered byte stores and the location backends
// used to reach replicas.
//
// # Drivers
//
// A driver implements interfaces.StorageDriver for one backend:
//
//   - FileDriver: {root}/{tier}/{hash[:2]}/{hash} on the local filesystem
//   - S3Driver: {hash[:2]}/{hash} in one bucket per tier, with storage
//     classes STANDARD (hot), STANDARD_IA (warm) and GLACIER (cold)
//
// Both drivers hash every byte they accept and refuse to store content whose
// digest differs from the address it was written under.
//
// # Presigned URLs
//
// When a CDN is configured (mode "direct" or "signed") PresignedURL returns a
// CDN URL; signed URLs carry an expiry and an HMAC-SHA256 signature. Without
// a CDN the S3 driver returns a SigV4 presigned GET.
//
// # Locations
//
// MultiLocationBackend dispatches reads and writes for a StorageLocation to
// the backend serving its type (local, s3, cdn, ipfs) and falls back across
// a list of locations, verifying each copy before returning it.
//
// # Ranges
//
// ParseRangeHeader and FormatContentRange implement single-range HTTP byte
// ranges. A range starting at or beyond the object length, or with start
// greater than end, is ErrInvalidRange; an end beyond the object is clamped.
package storage
