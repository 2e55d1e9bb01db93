// Package metastore persists the engine's metadata in an embedded BadgerDB.
//
// Every record is JSON under a key prefix that plays the role of a table:
//
//	idx/<hash>                          storage index entry
//	repl/job/<id>                       replication job
//	repl/pending/<prio>/<created>/<id>  claim order for pending jobs
//	verif/<hash>/<ts>/<id>              verification record
//	access/<hash>/<ts>/<id>             access record (expires after AccessTTL)
//	event/<ts>/<id>                     storage event
//	cache/<ts>/<id>                     cache event
//	perf/<ts>/<id>                      routing performance sample
//
// Timestamps in keys are zero-padded Unix nanoseconds so that lexical key
// order is chronological.
package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	prefixIndex       = "idx/"
	prefixJob         = "repl/job/"
	prefixPending     = "repl/pending/"
	prefixClaimed     = "repl/claimed/"
	prefixVerify      = "verif/"
	prefixAccess      = "access/"
	prefixEvent       = "event/"
	prefixCache       = "cache/"
	prefixPerformance = "perf/"

	// DefaultAccessTTL bounds how long raw access records are kept.
	DefaultAccessTTL = 30 * 24 * time.Hour

	maxTxnRetries = 10
)

// Options configure Open.
type Options struct {
	// Dir is the database directory. Empty means in-memory.
	Dir       string
	AccessTTL time.Duration
	Log       *slog.Logger
}

// Store implements interfaces.MetadataStore on BadgerDB.
type Store struct {
	db        *badger.DB
	accessTTL time.Duration
	log       *slog.Logger
	now       func() time.Time
}

// Open opens the badger database in opts.Dir, or an in-memory one when Dir is empty.
func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.Dir == "" {
		bopts = bopts.WithInMemory(true)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	if opts.AccessTTL <= 0 {
		opts.AccessTTL = DefaultAccessTTL
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, accessTTL: opts.AccessTTL, log: log, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC runs value log garbage collection every interval until ctx is done.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(0.5)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
					s.log.Warn("Metadata store garbage collection failed", "err", err)
				}
				break
			}
		}
	}
}

func timeKey(t time.Time) string {
	ns := int64(0)
	if t.After(time.Unix(0, 0)) {
		ns = t.UnixNano()
	}
	return fmt.Sprintf("%020d", ns)
}

func putJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

func putJSONWithTTL(txn *badger.Txn, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return txn.SetEntry(badger.NewEntry([]byte(key), data).WithTTL(ttl))
}

// getJSON decodes key into v. A missing key returns badger.ErrKeyNotFound.
func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// scan calls fn for every value under prefix starting at seek (or prefix
// when seek is empty), in key order. Returning false stops the scan.
func scan(txn *badger.Txn, prefix, seek string, reverse bool, fn func(key []byte, val []byte) (bool, error)) error {
	iopts := badger.DefaultIteratorOptions
	iopts.Reverse = reverse
	iopts.Prefix = []byte(prefix)
	it := txn.NewIterator(iopts)
	defer it.Close()

	start := seek
	if start == "" {
		start = prefix
		if reverse {
			start = prefix + "\xff"
		}
	}

	for it.Seek([]byte(start)); it.ValidForPrefix([]byte(prefix)); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		cont, err := fn(item.KeyCopy(nil), val)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent writers.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}
