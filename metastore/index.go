package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ruteri/tiered-content-storage/interfaces"
)

func indexKey(hash interfaces.ContentHash) string {
	return prefixIndex + string(hash)
}

// GetEntry returns the index entry of hash, or ErrContentNotFound.
func (s *Store) GetEntry(ctx context.Context, hash interfaces.ContentHash) (*interfaces.IndexEntry, error) {
	var entry interfaces.IndexEntry
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, indexKey(hash), &entry)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// PutEntry creates or replaces an entry. CreatedAt is preserved from an
// existing entry.
func (s *Store) PutEntry(ctx context.Context, entry *interfaces.IndexEntry) error {
	now := s.now()
	return s.update(ctx, func(txn *badger.Txn) error {
		var existing interfaces.IndexEntry
		err := getJSON(txn, indexKey(entry.ContentHash), &existing)
		switch {
		case err == nil:
			entry.CreatedAt = existing.CreatedAt
		case errors.Is(err, badger.ErrKeyNotFound):
			if entry.CreatedAt.IsZero() {
				entry.CreatedAt = now
			}
		default:
			return err
		}
		entry.UpdatedAt = now
		return putJSON(txn, indexKey(entry.ContentHash), entry)
	})
}

func (s *Store) DeleteEntry(ctx context.Context, hash interfaces.ContentHash) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(indexKey(hash))); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return interfaces.ErrContentNotFound
			}
			return err
		}
		return txn.Delete([]byte(indexKey(hash)))
	})
}

// modify applies fn to an existing entry inside one transaction.
func (s *Store) modify(ctx context.Context, hash interfaces.ContentHash, fn func(*interfaces.IndexEntry)) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var entry interfaces.IndexEntry
		if err := getJSON(txn, indexKey(hash), &entry); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return interfaces.ErrContentNotFound
			}
			return err
		}
		fn(&entry)
		entry.UpdatedAt = s.now()
		return putJSON(txn, indexKey(hash), &entry)
	})
}

// AddLocation records loc for hash, replacing a location with the same URL.
func (s *Store) AddLocation(ctx context.Context, hash interfaces.ContentHash, loc interfaces.StorageLocation) error {
	return s.modify(ctx, hash, func(e *interfaces.IndexEntry) {
		for i := range e.Locations {
			if e.Locations[i].URL == loc.URL {
				e.Locations[i] = loc
				return
			}
		}
		e.Locations = append(e.Locations, loc)
		e.ReplicationFactor = len(e.Locations)
	})
}

// RemoveLocation drops the location with the given URL.
func (s *Store) RemoveLocation(ctx context.Context, hash interfaces.ContentHash, url string) error {
	return s.modify(ctx, hash, func(e *interfaces.IndexEntry) {
		kept := e.Locations[:0]
		for _, l := range e.Locations {
			if l.URL != url {
				kept = append(kept, l)
			}
		}
		e.Locations = kept
		e.ReplicationFactor = len(kept)
	})
}

func (s *Store) UpdateTier(ctx context.Context, hash interfaces.ContentHash, tier interfaces.Tier) error {
	return s.modify(ctx, hash, func(e *interfaces.IndexEntry) {
		e.Tier = tier
	})
}

// MoveLocation replaces the location with from's URL by to and sets the entry's tier to to.Tier.
func (s *Store) MoveLocation(ctx context.Context, hash interfaces.ContentHash, from, to interfaces.StorageLocation) error {
	return s.modify(ctx, hash, func(e *interfaces.IndexEntry) {
		e.Tier = to.Tier
		kept := e.Locations[:0]
		for _, l := range e.Locations {
			if l.URL != from.URL && l.URL != to.URL {
				kept = append(kept, l)
			}
		}
		e.Locations = append(kept, to)
		e.ReplicationFactor = len(e.Locations)
	})
}

func (s *Store) MarkVerified(ctx context.Context, hash interfaces.ContentHash, at time.Time) error {
	return s.modify(ctx, hash, func(e *interfaces.IndexEntry) {
		e.LastVerifiedAt = at
	})
}

func (s *Store) MarkAccessed(ctx context.Context, hash interfaces.ContentHash, at time.Time) error {
	return s.modify(ctx, hash, func(e *interfaces.IndexEntry) {
		e.LastAccessedAt = at
		e.AccessCount++
	})
}

// ListStale returns up to limit entries not verified since olderThan, least recently verified first.
func (s *Store) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]interfaces.IndexEntry, error) {
	entries, err := s.ListEntries(ctx)
	if err != nil {
		return nil, err
	}

	var stale []interfaces.IndexEntry
	for _, e := range entries {
		if e.LastVerifiedAt.Before(olderThan) {
			stale = append(stale, e)
		}
	}
	sort.SliceStable(stale, func(i, j int) bool {
		return stale[i].LastVerifiedAt.Before(stale[j].LastVerifiedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *Store) ListEntries(ctx context.Context) ([]interfaces.IndexEntry, error) {
	var entries []interfaces.IndexEntry
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, prefixIndex, "", false, func(_ []byte, val []byte) (bool, error) {
			var e interfaces.IndexEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return false, err
			}
			entries = append(entries, e)
			return true, nil
		})
	})
	return entries, err
}
