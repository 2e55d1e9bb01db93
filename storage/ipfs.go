package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/tiered-content-storage/interfaces"
)

// ipfsShell is the subset of the IPFS HTTP API client used here.
type ipfsShell interface {
	IsUp() bool
	Cat(path string) (io.ReadCloser, error)
	Add(r io.Reader, options ...shell.AddOpts) (string, error)
}

// IPFSLocationBackend replicates content to an IPFS node. Locations are
// addressed by CID as ipfs://<cid>; the CID is only known after Store.
type IPFSLocationBackend struct {
	shell  ipfsShell
	apiURL string
	log    *slog.Logger
}

// NewIPFSLocationBackend connects to the IPFS HTTP API at apiURL (host:port).
func NewIPFSLocationBackend(apiURL string, log *slog.Logger) *IPFSLocationBackend {
	return &IPFSLocationBackend{
		shell:  shell.NewShell(apiURL),
		apiURL: apiURL,
		log:    log,
	}
}

// Supports reports whether loc is an IPFS location.
func (b *IPFSLocationBackend) Supports(loc interfaces.StorageLocation) bool {
	return loc.Type == interfaces.LocationIPFS
}

// Fetch retrieves content from IPFS by the CID in the location URL.
// Returns ErrBackendUnavailable if the IPFS node is not reachable.
func (b *IPFSLocationBackend) Fetch(ctx context.Context, hash interfaces.ContentHash, loc interfaces.StorageLocation) ([]byte, error) {
	start := time.Now()
	cid, ok := strings.CutPrefix(loc.URL, "ipfs://")
	if !ok || cid == "" {
		// nothing has been pinned for this content yet
		return nil, interfaces.ErrContentNotFound
	}

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable", slog.String("api", b.apiURL))
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.Cat("/ipfs/" + cid)
	if err != nil {
		if strings.Contains(err.Error(), "no link named") || strings.Contains(err.Error(), "not found") {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to fetch data from IPFS",
			slog.String("cid", cid),
			slog.String("content_hash", hash.Short()),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to fetch data from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(contextReader(ctx, reader))
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	b.log.Debug("Fetched content from IPFS",
		slog.String("cid", cid),
		slog.String("content_hash", hash.Short()),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

// Open reads the whole object and slices it; the IPFS API has no range reads.
func (b *IPFSLocationBackend) Open(ctx context.Context, hash interfaces.ContentHash, loc interfaces.StorageLocation, rng *interfaces.ByteRange) (*interfaces.ObjectReader, error) {
	data, err := b.Fetch(ctx, hash, loc)
	if err != nil {
		return nil, err
	}

	size := int64(len(data))
	meta := interfaces.ObjectMetadata{ContentHash: hash, Tier: loc.Tier, Size: size, ETag: string(hash)}
	if rng == nil {
		return &interfaces.ObjectReader{ReadCloser: io.NopCloser(bytes.NewReader(data)), Metadata: meta, Start: 0, End: size - 1}, nil
	}

	start, end, err := rng.Resolve(size)
	if err != nil {
		return nil, err
	}
	return &interfaces.ObjectReader{
		ReadCloser: io.NopCloser(bytes.NewReader(data[start : end+1])),
		Metadata:   meta,
		Start:      start,
		End:        end,
		Partial:    true,
	}, nil
}

// Store adds data to IPFS and returns a location pointing at the resulting CID.
func (b *IPFSLocationBackend) Store(ctx context.Context, hash interfaces.ContentHash, data []byte, loc interfaces.StorageLocation) (interfaces.StorageLocation, error) {
	if err := interfaces.VerifyContent(hash, data); err != nil {
		return interfaces.StorageLocation{}, err
	}
	if !b.shell.IsUp() {
		return interfaces.StorageLocation{}, interfaces.ErrBackendUnavailable
	}

	cid, err := b.shell.Add(bytes.NewReader(data), shell.Pin(true))
	if err != nil {
		return interfaces.StorageLocation{}, fmt.Errorf("failed to add data to IPFS: %w", err)
	}

	b.log.Debug("Stored content in IPFS",
		slog.String("cid", cid),
		slog.String("content_hash", hash.Short()))

	loc.URL = "ipfs://" + cid
	loc.VerifiedAt = time.Now()
	return loc, nil
}
