// Package kv provides the bbolt persistence substrate shared by the cache and
// the outbox. Every bucket it creates lives under a fixed namespace prefix so
// the engine never collides with unrelated state in the same database file.
package kv

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

// Namespace prefixes every bucket owned by this module.
const Namespace = "offlinesync_"

// ErrLocked is returned by Open when another process holds the database.
var ErrLocked = errors.New("kv: database is locked by another process")

// DB wraps a bbolt database.
//
// bbolt takes an exclusive file lock on open, so at most one process (or
// engine instance) writes the outbox at a time.
type DB struct {
	db          *bbolt.DB
	logger      *slog.Logger
	now         func() time.Time
	noSync      bool
	openTimeout time.Duration
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: this risks losing queued mutations on crash. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// WithOpenTimeout sets how long Open waits for the file lock.
func WithOpenTimeout(timeout time.Duration) Option {
	return func(d *DB) {
		d.openTimeout = timeout
	}
}

// Open opens (creating if needed) the database at path.
func Open(path string, opts ...Option) (*DB, error) {
	d := &DB{
		logger:      slog.Default(),
		now:         time.Now,
		openTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: d.openTimeout,
		NoSync:  d.noSync,
	})
	if err != nil {
		if errors.Is(err, berrors.ErrTimeout) {
			return nil, fmt.Errorf("opening database %s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("opening database: %w", err)
	}
	d.db = db

	d.logger.Debug("opened kv store", "path", path, "noSync", d.noSync)
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	d.logger.Debug("closing kv store")
	return d.db.Close()
}

// Bolt returns the underlying bbolt database.
func (d *DB) Bolt() *bbolt.DB {
	return d.db
}

// Now returns the current time from the configured clock.
func (d *DB) Now() time.Time {
	return d.now()
}

// Logger returns the database logger.
func (d *DB) Logger() *slog.Logger {
	return d.logger
}

// EnsureBuckets creates the named buckets if they do not exist.
func (d *DB) EnsureBuckets(names ...[]byte) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Update runs fn in a read-write transaction. All writes in fn commit
// atomically or not at all.
func (d *DB) Update(fn func(tx *bbolt.Tx) error) error {
	return d.db.Update(fn)
}

// View runs fn in a read-only transaction.
func (d *DB) View(fn func(tx *bbolt.Tx) error) error {
	return d.db.View(fn)
}

// Bucket returns the namespaced bucket name for name.
func Bucket(name string) []byte {
	return []byte(Namespace + name)
}
