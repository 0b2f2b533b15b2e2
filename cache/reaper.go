package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/offline-sync/store/kv"
	"github.com/wolfeidau/offline-sync/telemetry"
)

// Reaper periodically deletes expired entries so that values nobody reads
// again do not accumulate on disk.
type Reaper struct {
	store     *Store
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperBatchSize sets the maximum entries to delete per cycle.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *Reaper) {
		r.batchSize = n
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a reaper for store.
// Defaults: interval=5m, batchSize=100.
func NewReaper(store *Store, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:     store,
		interval:  5 * time.Minute,
		batchSize: 100,
		logger:    store.logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("cache reaper started", "interval", r.interval, "batchSize", r.batchSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("cache reaper stopped")
			return
		case <-ticker.C:
			r.reapBatch(ctx)
		}
	}
}

// ReapNow runs a single reap cycle immediately and returns the number of
// entries deleted.
func (r *Reaper) ReapNow(ctx context.Context) int {
	return r.reapBatch(ctx)
}

func (r *Reaper) reapBatch(ctx context.Context) int {
	start := time.Now()
	var deleted int
	defer func() {
		telemetry.RecordReaperCycle(ctx, deleted, time.Since(start))
	}()

	now := r.store.now()

	err := r.store.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		expiry := tx.Bucket(bucketExpiry)

		// Collect first; deleting under a live cursor skips keys.
		var due [][]byte
		c := expiry.Cursor()
		for k, _ := c.First(); k != nil && len(due) < r.batchSize; k, _ = c.Next() {
			exp, _ := kv.ParseTimedKey(k)
			if !now.After(exp) {
				break
			}
			due = append(due, kv.Clone(k))
		}

		for _, k := range due {
			if err := expiry.Delete(k); err != nil {
				return err
			}
			_, key := kv.ParseTimedKey(k)
			raw := entries.Get([]byte(key))
			if raw == nil {
				continue
			}
			var rec record
			if err := json.Unmarshal(raw, &rec); err == nil && !now.After(rec.ExpiresAt) {
				continue
			}
			if err := entries.Delete([]byte(key)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to reap expired entries", "error", err)
		deleted = 0
		return 0
	}

	if deleted > 0 {
		r.logger.Info("expired entries reaped", "deleted", deleted)
	}
	return deleted
}
