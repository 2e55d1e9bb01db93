package common

var (
	// Version is set at build time with -ldflags "-X .../common.Version=...".
	Version = "dev"

	// PackageName prefixes metric names and tags service logs.
	PackageName = "tiered_storage"
)
