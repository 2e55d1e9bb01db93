package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/ruteri/tiered-content-storage/interfaces"
)

const (
	dataSuffix = ".zst"
	metaSuffix = ".json"
)

// diskLevel stores zstd-compressed content under {dir}/{shard}/{hash}.zst
// with the entry metadata in a JSON sidecar.
type diskLevel struct {
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder

	mu sync.Mutex
}

func newDiskLevel(dir string) (*diskLevel, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create disk cache directory: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &diskLevel{dir: dir, enc: enc, dec: dec}, nil
}

func (d *diskLevel) path(hash interfaces.ContentHash) string {
	return filepath.Join(d.dir, hash.Shard(), string(hash))
}

func (d *diskLevel) put(e *Entry) error {
	compressed := d.enc.EncodeAll(e.Content, nil)
	if len(e.Content) > 0 {
		e.Metadata.CompressionRatio = float64(len(compressed)) / float64(len(e.Content))
	}
	sidecar, err := json.Marshal(e)
	if err != nil {
		return err
	}

	base := d.path(e.ContentHash)
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return err
	}
	if err := writeFileAtomic(base+dataSuffix, compressed); err != nil {
		return err
	}
	return writeFileAtomic(base+metaSuffix, sidecar)
}

func (d *diskLevel) get(hash interfaces.ContentHash) (*Entry, error) {
	base := d.path(hash)
	d.mu.Lock()
	defer d.mu.Unlock()

	e, err := readSidecar(base + metaSuffix)
	if err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(base + dataSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	} else if err != nil {
		return nil, err
	}
	content, err := d.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress cached content: %w", err)
	}
	if err := interfaces.VerifyContent(hash, content); err != nil {
		return nil, err
	}
	e.Content = content
	return e, nil
}

func (d *diskLevel) remove(hash interfaces.ContentHash) error {
	base := d.path(hash)
	d.mu.Lock()
	defer d.mu.Unlock()

	err := os.Remove(base + dataSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		err = interfaces.ErrContentNotFound
	}
	if merr := os.Remove(base + metaSuffix); merr != nil && !errors.Is(merr, fs.ErrNotExist) {
		return merr
	}
	return err
}

// sweep removes every entry that expired before now.
func (d *diskLevel) sweep(now time.Time) (int, error) {
	var expired []interfaces.ContentHash
	err := d.walk(func(path string, e *Entry, _ int64) {
		if e.expired(now) {
			expired = append(expired, e.ContentHash)
		}
	})

	removed := 0
	for _, hash := range expired {
		if rerr := d.remove(hash); rerr == nil || errors.Is(rerr, interfaces.ErrContentNotFound) {
			removed++
		}
	}
	return removed, err
}

func (d *diskLevel) usage() (entries int, bytes int64) {
	_ = d.walk(func(_ string, _ *Entry, size int64) {
		entries++
		bytes += size
	})
	return entries, bytes
}

// walk calls fn for every readable sidecar with the size of its compressed
// content file.
func (d *diskLevel) walk(fn func(path string, e *Entry, size int64)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return filepath.WalkDir(d.dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() || !strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		e, err := readSidecar(path)
		if err != nil {
			return nil
		}
		var size int64
		if info, err := os.Stat(strings.TrimSuffix(path, metaSuffix) + dataSuffix); err == nil {
			size = info.Size()
		}
		fn(path, e, size)
		return nil
	})
}

func readSidecar(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	} else if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode cache sidecar %s: %w", path, err)
	}
	return &e, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
