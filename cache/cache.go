// Package cache is the TTL-bounded read cache. Entries live in the shared
// bbolt substrate under the engine namespace. Persistence failures never
// escape this package: they are logged and degrade to a miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	offlinesync "github.com/wolfeidau/offline-sync"
	"github.com/wolfeidau/offline-sync/store/kv"
	"github.com/wolfeidau/offline-sync/telemetry"
)

var (
	bucketEntries = kv.Bucket("cache_entries")
	bucketExpiry  = kv.Bucket("cache_expiry")
)

var (
	// ErrInvalidTTL is returned when an entry would expire at or before it was stored.
	ErrInvalidTTL = errors.New("cache: ttl must be positive")

	// ErrEmptyKey is returned when a key is empty.
	ErrEmptyKey = errors.New("cache: empty key")
)

// Entry is a cached value with its freshness window.
type Entry struct {
	Key       string
	Value     []byte
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Fresh reports whether the entry may still be served at now.
func (e Entry) Fresh(now time.Time) bool {
	return !now.After(e.ExpiresAt)
}

// record is the persisted form of an Entry.
type record struct {
	Value     []byte           `json:"v"`
	Encoding  Encoding         `json:"e"`
	Digest    offlinesync.Hash `json:"d"`
	Size      int              `json:"n"`
	StoredAt  time.Time        `json:"s"`
	ExpiresAt time.Time        `json:"x"`
}

// Store is the cache store.
type Store struct {
	db     *kv.DB
	codec  *codec
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a cache store on db.
func New(db *kv.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:     db,
		logger: db.Logger(),
		now:    db.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cache")

	if err := db.EnsureBuckets(bucketEntries, bucketExpiry); err != nil {
		return nil, err
	}

	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	s.codec = c

	return s, nil
}

// Close releases codec resources. It does not close the database.
func (s *Store) Close() {
	s.codec.close()
}

// Set stores value under key for ttl, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		s.fail(ctx, "set", key, ErrInvalidTTL)
		return
	}
	now := s.now()
	s.SetUntil(ctx, key, value, now.Add(ttl))
}

// SetUntil stores value under key with an absolute expiry.
func (s *Store) SetUntil(ctx context.Context, key string, value []byte, expiresAt time.Time) {
	if err := s.put(key, value, s.now(), expiresAt); err != nil {
		s.fail(ctx, "set", key, err)
		return
	}
	telemetry.RecordCacheOp(ctx, "set", "ok")
}

func (s *Store) put(key string, value []byte, storedAt, expiresAt time.Time) error {
	if key == "" {
		return ErrEmptyKey
	}
	if !expiresAt.After(storedAt) {
		return ErrInvalidTTL
	}

	payload, encoding, digest, err := s.codec.encode(value)
	if err != nil {
		return err
	}

	data, err := json.Marshal(record{
		Value:     payload,
		Encoding:  encoding,
		Digest:    digest,
		Size:      len(value),
		StoredAt:  storedAt,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return fmt.Errorf("marshaling cache record: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		expiry := tx.Bucket(bucketExpiry)

		if old := entries.Get([]byte(key)); old != nil {
			var prev record
			if err := json.Unmarshal(old, &prev); err == nil {
				if err := expiry.Delete(kv.TimedKey(prev.ExpiresAt, key)); err != nil {
					return err
				}
			}
		}

		if err := entries.Put([]byte(key), data); err != nil {
			return err
		}
		return expiry.Put(kv.TimedKey(expiresAt, key), nil)
	})
}

// Get returns the value stored under key. An expired entry is purged and
// reported as a miss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	e, ok := s.Lookup(ctx, key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Lookup is like Get but returns the whole entry.
func (s *Store) Lookup(ctx context.Context, key string) (Entry, bool) {
	var rec record
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		s.fail(ctx, "get", key, err)
		s.Delete(ctx, key)
		return Entry{}, false
	}
	if !found {
		telemetry.RecordCacheOp(ctx, "get", "miss")
		return Entry{}, false
	}

	now := s.now()
	if now.After(rec.ExpiresAt) {
		if err := s.purge(key, now); err != nil {
			s.logger.Warn("failed to purge expired entry", "key", key, "error", err)
		}
		telemetry.RecordCacheOp(ctx, "get", "expired")
		return Entry{}, false
	}

	value, err := s.codec.decode(rec.Value, rec.Encoding, rec.Digest)
	if err != nil {
		s.fail(ctx, "get", key, err)
		s.Delete(ctx, key)
		return Entry{}, false
	}

	telemetry.RecordCacheOp(ctx, "get", "hit")
	return Entry{
		Key:       key,
		Value:     value,
		StoredAt:  rec.StoredAt,
		ExpiresAt: rec.ExpiresAt,
	}, true
}

// GetJSON decodes the value under key into dst. A value that does not decode
// is treated as a miss.
func (s *Store) GetJSON(ctx context.Context, key string, dst any) bool {
	data, ok := s.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.logger.Warn("cached value is not valid JSON", "key", key, "error", err)
		return false
	}
	return true
}

// SetJSON encodes v and stores it under key for ttl.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		s.fail(ctx, "set", key, err)
		return
	}
	s.Set(ctx, key, data, ttl)
}

// purge deletes key if it is still expired at now. A concurrent Set may have
// refreshed it between the read and the purge.
func (s *Store) purge(key string, now time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		raw := entries.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err == nil && !now.After(rec.ExpiresAt) {
			return nil
		}
		return s.deleteTx(tx, key, raw)
	})
}

func (s *Store) deleteTx(tx *bbolt.Tx, key string, raw []byte) error {
	var rec record
	if err := json.Unmarshal(raw, &rec); err == nil {
		if err := tx.Bucket(bucketExpiry).Delete(kv.TimedKey(rec.ExpiresAt, key)); err != nil {
			return err
		}
	}
	return tx.Bucket(bucketEntries).Delete([]byte(key))
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(key))
		if raw == nil {
			return nil
		}
		return s.deleteTx(tx, key, raw)
	})
	if err != nil {
		s.fail(ctx, "delete", key, err)
		return
	}
	telemetry.RecordCacheOp(ctx, "delete", "ok")
}

// Clear removes every cache entry. Other buckets in the database are untouched.
func (s *Store) Clear(ctx context.Context) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketExpiry} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, berrors.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.fail(ctx, "clear", "", err)
		return
	}
	s.logger.Info("cache cleared")
	telemetry.RecordCacheOp(ctx, "clear", "ok")
}

// SizeEstimate returns the approximate number of bytes held by the cache.
// It is diagnostic only.
func (s *Store) SizeEstimate(ctx context.Context) int64 {
	var size int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketExpiry} {
			err := tx.Bucket(name).ForEach(func(k, v []byte) error {
				size += int64(len(k) + len(v))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to estimate cache size", "error", err)
		return 0
	}
	return size
}

// Len returns the number of stored entries, expired or not.
func (s *Store) Len(ctx context.Context) int {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	if err != nil {
		s.logger.Warn("failed to count cache entries", "error", err)
		return 0
	}
	return n
}

func (s *Store) fail(ctx context.Context, op, key string, err error) {
	s.logger.Warn("cache operation failed", "op", op, "key", key, "error", err)
	telemetry.RecordCacheOp(ctx, op, "error")
}
