package interfaces

import (
	"context"
	"io"
	"time"
)

// StorageDriver is the contract every byte store satisfies. Objects are
// addressed by (hash, tier); the same hash may be stored in several tiers.
//
// Implementations never retry. Absent objects surface as ErrContentNotFound,
// integrity failures as ErrHashMismatch and unusable settings as
// ErrConfiguration.
type StorageDriver interface {
	// PutObject streams r into tier, hashing it on the way. If the bytes do
	// not hash to the given hash nothing is stored and ErrHashMismatch is returned.
	PutObject(ctx context.Context, hash ContentHash, r io.Reader, tier Tier, opts *PutOptions) error

	// GetObject opens the object, or the requested slice of it.
	GetObject(ctx context.Context, hash ContentHash, tier Tier, rng *ByteRange) (*ObjectReader, error)

	HeadObject(ctx context.Context, hash ContentHash, tier Tier) (*ObjectMetadata, error)
	DeleteObject(ctx context.Context, hash ContentHash, tier Tier) error

	// ObjectExists returns false for absent objects and an error only when
	// the backend could not answer.
	ObjectExists(ctx context.Context, hash ContentHash, tier Tier) (bool, error)

	PresignedURL(ctx context.Context, hash ContentHash, tier Tier, ttl time.Duration) (*PresignedURL, error)
	HealthCheck(ctx context.Context, tier Tier) HealthStatus

	// ListObjects lists up to maxKeys objects in tier whose hash starts with
	// prefix. A maxKeys of zero or less lists everything.
	ListObjects(ctx context.Context, tier Tier, prefix string, maxKeys int) ([]StorageObject, error)

	// MoveObject copies to the destination tier, confirms the copy and only
	// then removes the source.
	MoveObject(ctx context.Context, hash ContentHash, from, to Tier) error

	// Location describes where tier lives, for indexing and routing.
	Location(tier Tier) StorageLocation

	// Name returns a unique identifier for this driver.
	Name() string
}

// LocationBackend reads and writes content at an arbitrary StorageLocation.
type LocationBackend interface {
	Fetch(ctx context.Context, hash ContentHash, loc StorageLocation) ([]byte, error)
	Open(ctx context.Context, hash ContentHash, loc StorageLocation, rng *ByteRange) (*ObjectReader, error)
	// Store writes data to loc and returns the location under which it is
	// now reachable. Some location types rewrite the URL (IPFS).
	Store(ctx context.Context, hash ContentHash, data []byte, loc StorageLocation) (StorageLocation, error)
	Supports(loc StorageLocation) bool
}
