package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrContentNotFound is returned when the requested object does not exist
	// in the addressed tier or location.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a backend cannot be reached.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrConfiguration is returned when a driver or component is missing
	// required settings such as credentials or bucket names.
	ErrConfiguration = errors.New("invalid storage configuration")

	ErrHashMismatch       = errors.New("content hash mismatch")
	ErrInvalidRange       = errors.New("invalid byte range")
	ErrInvalidContentHash = errors.New("invalid content hash")
	ErrInvalidTier        = errors.New("invalid storage tier")

	// ErrNoLocations is returned by routing when there is nothing to choose from.
	ErrNoLocations = errors.New("no storage locations available")

	// ErrReadOnlyLocation is returned when storing to a location that can only serve reads.
	ErrReadOnlyLocation = errors.New("location does not accept writes")

	ErrJobNotFound = errors.New("replication job not found")
)

// HashMismatchError carries both digests of a failed integrity check.
// It matches ErrHashMismatch with errors.Is.
type HashMismatchError struct {
	Expected ContentHash
	Actual   ContentHash
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("content hash mismatch: expected %s, got %s", e.Expected, e.Actual)
}

func (e *HashMismatchError) Is(target error) bool {
	return target == ErrHashMismatch
}
