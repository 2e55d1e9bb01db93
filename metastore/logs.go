package metastore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ruteri/tiered-content-storage/interfaces"
)

func (s *Store) RecordVerification(ctx context.Context, rec *interfaces.VerificationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.VerifiedAt.IsZero() {
		rec.VerifiedAt = s.now()
	}
	key := prefixVerify + string(rec.ContentHash) + "/" + timeKey(rec.VerifiedAt) + "/" + rec.ID
	return s.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, key, rec)
	})
}

// ListVerifications returns the newest records for hash first.
func (s *Store) ListVerifications(ctx context.Context, hash interfaces.ContentHash, limit int) ([]interfaces.VerificationRecord, error) {
	var records []interfaces.VerificationRecord
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, prefixVerify+string(hash)+"/", "", true, func(_ []byte, val []byte) (bool, error) {
			var rec interfaces.VerificationRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return false, err
			}
			records = append(records, rec)
			return limit <= 0 || len(records) < limit, nil
		})
	})
	return records, err
}

// RecordAccess stores rec with the store's access TTL.
func (s *Store) RecordAccess(ctx context.Context, rec *interfaces.AccessRecord) error {
	if rec.AccessedAt.IsZero() {
		rec.AccessedAt = s.now()
	}
	key := prefixAccess + string(rec.ContentHash) + "/" + timeKey(rec.AccessedAt) + "/" + uuid.NewString()
	return s.update(ctx, func(txn *badger.Txn) error {
		return putJSONWithTTL(txn, key, rec, s.accessTTL)
	})
}

// AccessPattern aggregates the access records of hash since the given time.
func (s *Store) AccessPattern(ctx context.Context, hash interfaces.ContentHash, since time.Time) (*interfaces.AccessPattern, error) {
	pattern := &interfaces.AccessPattern{ContentHash: hash}
	var totalLatency float64

	prefix := prefixAccess + string(hash) + "/"
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, prefix, prefix+timeKey(since), false, func(_ []byte, val []byte) (bool, error) {
			var rec interfaces.AccessRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return false, err
			}
			if pattern.AccessCount == 0 {
				pattern.FirstAccess = rec.AccessedAt
			}
			pattern.AccessCount++
			pattern.LastAccess = rec.AccessedAt
			totalLatency += rec.LatencyMs
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	if pattern.AccessCount > 0 {
		pattern.AvgLatencyMs = totalLatency / float64(pattern.AccessCount)
	}
	return pattern, nil
}

func (s *Store) RecordEvent(ctx context.Context, ev *interfaces.StorageEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	key := prefixEvent + timeKey(ev.CreatedAt) + "/" + ev.ID
	return s.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, key, ev)
	})
}

// ListEvents returns events since the given time, filtered by type when eventType is set.
func (s *Store) ListEvents(ctx context.Context, since time.Time, eventType string) ([]interfaces.StorageEvent, error) {
	var events []interfaces.StorageEvent
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, prefixEvent, prefixEvent+timeKey(since), false, func(_ []byte, val []byte) (bool, error) {
			var ev interfaces.StorageEvent
			if err := json.Unmarshal(val, &ev); err != nil {
				return false, err
			}
			if eventType == "" || ev.Type == eventType {
				events = append(events, ev)
			}
			return true, nil
		})
	})
	return events, err
}

func (s *Store) RecordCacheEvent(ctx context.Context, ev *interfaces.CacheEvent) error {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	key := prefixCache + timeKey(ev.At) + "/" + uuid.NewString()
	return s.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, key, ev)
	})
}

func (s *Store) ListCacheEvents(ctx context.Context, since time.Time) ([]interfaces.CacheEvent, error) {
	var events []interfaces.CacheEvent
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, prefixCache, prefixCache+timeKey(since), false, func(_ []byte, val []byte) (bool, error) {
			var ev interfaces.CacheEvent
			if err := json.Unmarshal(val, &ev); err != nil {
				return false, err
			}
			events = append(events, ev)
			return true, nil
		})
	})
	return events, err
}

func (s *Store) RecordSample(ctx context.Context, sample *interfaces.PerformanceSample) error {
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = s.now()
	}
	key := prefixPerformance + timeKey(sample.RecordedAt) + "/" + uuid.NewString()
	return s.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, key, sample)
	})
}

func (s *Store) ListSamples(ctx context.Context, since time.Time) ([]interfaces.PerformanceSample, error) {
	var samples []interfaces.PerformanceSample
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, prefixPerformance, prefixPerformance+timeKey(since), false, func(_ []byte, val []byte) (bool, error) {
			var sample interfaces.PerformanceSample
			if err := json.Unmarshal(val, &sample); err != nil {
				return false, err
			}
			samples = append(samples, sample)
			return true, nil
		})
	})
	return samples, err
}

var _ interfaces.MetadataStore = (*Store)(nil)
