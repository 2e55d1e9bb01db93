package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tiered-content-storage/interfaces"
)

const tempFilePrefix = ".tmp-"

// FileDriver stores objects on the local filesystem under
// {root}/{tier}/{hash[:2]}/{hash}. Writes land in a temporary file in the
// destination directory and are renamed into place once the hash checks out,
// so a reader never observes a partial object.
type FileDriver struct {
	root        string
	cdn         *CDNSigner
	log         *slog.Logger
	locationURI string
}

// NewFileDriver creates a filesystem driver rooted at root, creating one
// directory per tier.
func NewFileDriver(root string, cdn *CDNSigner, log *slog.Logger) (*FileDriver, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data root: %w", err)
	}

	for _, tier := range interfaces.AllTiers {
		if err := os.MkdirAll(filepath.Join(absRoot, string(tier)), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s tier directory: %w", tier, err)
		}
	}

	return &FileDriver{
		root:        absRoot,
		cdn:         cdn,
		log:         log,
		locationURI: "file://" + filepath.ToSlash(absRoot),
	}, nil
}

// PutObject streams r into a temporary file in the tier directory, hashing it
// on the way, and renames it into place only if the bytes hash to hash.
// Storing content that already exists is a no-op.
func (d *FileDriver) PutObject(ctx context.Context, hash interfaces.ContentHash, r io.Reader, tier interfaces.Tier, opts *interfaces.PutOptions) error {
	if err := validateKey(hash, tier); err != nil {
		return err
	}

	objectPath := d.objectPath(hash, tier)
	if _, err := os.Stat(objectPath); err == nil {
		d.log.Debug("Object already present, skipping write",
			slog.String("content_hash", hash.Short()),
			slog.String("tier", string(tier)))
		return nil
	}

	dir := filepath.Dir(objectPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	hr := interfaces.NewHashingReader(contextReader(ctx, r))
	written, err := io.Copy(tmp, hr)
	if err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	if actual := hr.Sum(); actual != hash {
		return &interfaces.HashMismatchError{Expected: hash, Actual: actual}
	}
	if opts != nil && opts.Size > 0 && opts.Size != written {
		return fmt.Errorf("size mismatch: expected %d bytes, wrote %d", opts.Size, written)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close object: %w", err)
	}
	if err := os.Rename(tmpPath, objectPath); err != nil {
		return fmt.Errorf("failed to commit object: %w", err)
	}
	committed = true

	d.log.Debug("Stored object in file",
		slog.String("path", objectPath),
		slog.Int64("size", written))
	return nil
}

// GetObject opens the object file, limited to rng when set.
// Returns ErrContentNotFound if the file doesn't exist.
func (d *FileDriver) GetObject(ctx context.Context, hash interfaces.ContentHash, tier interfaces.Tier, rng *interfaces.ByteRange) (*interfaces.ObjectReader, error) {
	if err := validateKey(hash, tier); err != nil {
		return nil, err
	}

	f, err := os.Open(d.objectPath(hash, tier))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to open object: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}
	meta := d.metadata(hash, tier, info)

	if rng == nil {
		return &interfaces.ObjectReader{
			ReadCloser: f,
			Metadata:   meta,
			Start:      0,
			End:        info.Size() - 1,
		}, nil
	}

	start, end, err := rng.Resolve(info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek object: %w", err)
	}

	return &interfaces.ObjectReader{
		ReadCloser: &readCloser{Reader: io.LimitReader(f, end-start+1), close: f.Close},
		Metadata:   meta,
		Start:      start,
		End:        end,
		Partial:    true,
	}, nil
}

// HeadObject stats the object file without opening it.
func (d *FileDriver) HeadObject(ctx context.Context, hash interfaces.ContentHash, tier interfaces.Tier) (*interfaces.ObjectMetadata, error) {
	if err := validateKey(hash, tier); err != nil {
		return nil, err
	}
	info, err := os.Stat(d.objectPath(hash, tier))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}
	meta := d.metadata(hash, tier, info)
	return &meta, nil
}

// DeleteObject removes the object file and, when it becomes empty, its shard directory.
func (d *FileDriver) DeleteObject(ctx context.Context, hash interfaces.ContentHash, tier interfaces.Tier) error {
	if err := validateKey(hash, tier); err != nil {
		return err
	}
	objectPath := d.objectPath(hash, tier)
	if err := os.Remove(objectPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return interfaces.ErrContentNotFound
		}
		return fmt.Errorf("failed to delete object: %w", err)
	}
	// drop the shard directory once it is empty; failure just means it is not
	os.Remove(filepath.Dir(objectPath))

	d.log.Debug("Deleted object from file", slog.String("path", objectPath))
	return nil
}

// ObjectExists checks if the object file exists in the tier directory.
func (d *FileDriver) ObjectExists(ctx context.Context, hash interfaces.ContentHash, tier interfaces.Tier) (bool, error) {
	_, err := d.HeadObject(ctx, hash, tier)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return false, nil
	}
	return err == nil, err
}

// PresignedURL returns a CDN URL when one is configured, otherwise a file://
// URL that is only meaningful to processes sharing the filesystem.
func (d *FileDriver) PresignedURL(ctx context.Context, hash interfaces.ContentHash, tier interfaces.Tier, ttl time.Duration) (*interfaces.PresignedURL, error) {
	if err := validateKey(hash, tier); err != nil {
		return nil, err
	}
	if u := d.cdn.URL(string(tier), hash, ttl); u != nil {
		return u, nil
	}

	exists, err := d.ObjectExists(ctx, hash, tier)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, interfaces.ErrContentNotFound
	}
	return &interfaces.PresignedURL{
		URL:       "file://" + filepath.ToSlash(d.objectPath(hash, tier)),
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// HealthCheck writes and removes a probe file in the tier directory.
func (d *FileDriver) HealthCheck(ctx context.Context, tier interfaces.Tier) interfaces.HealthStatus {
	start := time.Now()
	status := func(err error) interfaces.HealthStatus {
		res := interfaces.HealthStatus{
			Healthy:   err == nil,
			LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
		}
		if err != nil {
			res.Error = err.Error()
			d.log.Warn("File driver unhealthy", slog.String("tier", string(tier)), "err", err)
		}
		return res
	}

	if !tier.Valid() {
		return status(fmt.Errorf("%w: %q", interfaces.ErrInvalidTier, tier))
	}

	dir := filepath.Join(d.root, string(tier))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return status(err)
	}
	probe := filepath.Join(dir, ".health-"+uuid.NewString())
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return status(err)
	}
	return status(os.Remove(probe))
}

// ListObjects walks the shard directories of tier. Shards that cannot be read
// are logged and skipped.
func (d *FileDriver) ListObjects(ctx context.Context, tier interfaces.Tier, prefix string, maxKeys int) ([]interfaces.StorageObject, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %q", interfaces.ErrInvalidTier, tier)
	}
	prefix = strings.ToLower(prefix)

	tierDir := filepath.Join(d.root, string(tier))
	shards, err := os.ReadDir(tierDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list tier directory: %w", err)
	}

	var objects []interfaces.StorageObject
	for _, shard := range shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := shard.Name()
		if !shard.IsDir() || len(name) != 2 || !shardMatches(name, prefix) {
			continue
		}

		entries, err := os.ReadDir(filepath.Join(tierDir, name))
		if err != nil {
			d.log.Warn("Skipping unreadable shard directory",
				slog.String("tier", string(tier)),
				slog.String("shard", name),
				"err", err)
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
				continue
			}
			hash, err := interfaces.NewContentHash(entry.Name())
			if err != nil || string(hash) != entry.Name() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			objects = append(objects, interfaces.StorageObject{
				ContentHash:  hash,
				Tier:         tier,
				Size:         info.Size(),
				LastModified: info.ModTime(),
				ETag:         string(hash),
			})
		}
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].ContentHash < objects[j].ContentHash })
	if maxKeys > 0 && len(objects) > maxKeys {
		objects = objects[:maxKeys]
	}
	return objects, nil
}

// MoveObject copies the object into the destination tier, verifies the copy
// and removes the source.
func (d *FileDriver) MoveObject(ctx context.Context, hash interfaces.ContentHash, from, to interfaces.Tier) error {
	return moveViaCopy(ctx, d, hash, from, to)
}

// Location returns the file:// location of a tier directory.
func (d *FileDriver) Location(tier interfaces.Tier) interfaces.StorageLocation {
	loc := DefaultLocationProfile(interfaces.LocationLocal)
	loc.URL = d.locationURI + "/" + string(tier)
	loc.Tier = tier
	return loc
}

// Name returns a unique identifier for this storage driver.
func (d *FileDriver) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(d.root))
}

// LocationURI returns the URI that identifies this driver.
func (d *FileDriver) LocationURI() string {
	return d.locationURI
}

func (d *FileDriver) objectPath(hash interfaces.ContentHash, tier interfaces.Tier) string {
	return filepath.Join(d.root, string(tier), hash.Shard(), string(hash))
}

func (d *FileDriver) metadata(hash interfaces.ContentHash, tier interfaces.Tier, info fs.FileInfo) interfaces.ObjectMetadata {
	return interfaces.ObjectMetadata{
		ContentHash:  hash,
		Tier:         tier,
		Size:         info.Size(),
		LastModified: info.ModTime(),
		ETag:         string(hash),
		ContentType:  "application/octet-stream",
	}
}

func shardMatches(shard, prefix string) bool {
	switch {
	case prefix == "":
		return true
	case len(prefix) == 1:
		return shard[0] == prefix[0]
	default:
		return shard == prefix[:2]
	}
}

func validateKey(hash interfaces.ContentHash, tier interfaces.Tier) error {
	if err := hash.Validate(); err != nil {
		return err
	}
	if !tier.Valid() {
		return fmt.Errorf("%w: %q", interfaces.ErrInvalidTier, tier)
	}
	return nil
}

// moveViaCopy implements MoveObject for any driver: copy, confirm the
// destination, then delete the source.
func moveViaCopy(ctx context.Context, d interfaces.StorageDriver, hash interfaces.ContentHash, from, to interfaces.Tier) error {
	if from == to {
		return nil
	}

	src, err := d.GetObject(ctx, hash, from, nil)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	srcMeta := src.Metadata

	err = d.PutObject(ctx, hash, src, to, &interfaces.PutOptions{
		ContentType:  srcMeta.ContentType,
		CacheControl: srcMeta.CacheControl,
		Size:         srcMeta.Size,
	})
	src.Close()
	if err != nil {
		return fmt.Errorf("failed to copy to %s: %w", to, err)
	}

	dstMeta, err := d.HeadObject(ctx, hash, to)
	if err != nil {
		return fmt.Errorf("failed to confirm copy in %s: %w", to, err)
	}
	if dstMeta.Size != srcMeta.Size {
		return fmt.Errorf("copy in %s has %d bytes, source has %d", to, dstMeta.Size, srcMeta.Size)
	}

	if err := d.DeleteObject(ctx, hash, from); err != nil && !errors.Is(err, interfaces.ErrContentNotFound) {
		return fmt.Errorf("failed to delete source in %s: %w", from, err)
	}
	return nil
}
