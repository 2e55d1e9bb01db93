package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ruteri/tiered-content-storage/interfaces"
)

// overlayLevel is a sharded, GC-friendly byte cache. Values are the JSON
// entry header prefixed by its length, followed by the content.
type overlayLevel struct {
	cache *bigcache.BigCache
}

func newOverlayLevel(maxMB int, ttl time.Duration) (*overlayLevel, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	cfg := bigcache.DefaultConfig(ttl)
	cfg.HardMaxCacheSize = maxMB
	cfg.CleanWindow = ttl / 4
	cfg.Verbose = false

	c, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create overlay cache: %w", err)
	}
	return &overlayLevel{cache: c}, nil
}

func (o *overlayLevel) put(e *Entry) error {
	header, err := json.Marshal(e)
	if err != nil {
		return err
	}
	buf := make([]byte, 4+len(header)+len(e.Content))
	binary.BigEndian.PutUint32(buf, uint32(len(header)))
	copy(buf[4:], header)
	copy(buf[4+len(header):], e.Content)
	return o.cache.Set(string(e.ContentHash), buf)
}

func (o *overlayLevel) get(hash interfaces.ContentHash) (*Entry, error) {
	buf, err := o.cache.Get(string(hash))
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, interfaces.ErrContentNotFound
	} else if err != nil {
		return nil, err
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("overlay entry for %s is truncated", hash.Short())
	}
	n := int(binary.BigEndian.Uint32(buf))
	if len(buf) < 4+n {
		return nil, fmt.Errorf("overlay entry for %s is truncated", hash.Short())
	}

	var e Entry
	if err := json.Unmarshal(buf[4:4+n], &e); err != nil {
		return nil, fmt.Errorf("failed to decode overlay entry: %w", err)
	}
	e.Content = append([]byte(nil), buf[4+n:]...)
	return &e, nil
}

func (o *overlayLevel) remove(hash interfaces.ContentHash) error {
	err := o.cache.Delete(string(hash))
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return interfaces.ErrContentNotFound
	}
	return err
}

func (o *overlayLevel) count() int {
	return o.cache.Len()
}

func (o *overlayLevel) close() error {
	return o.cache.Close()
}
