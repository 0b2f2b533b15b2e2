// Package reader serves reads from the cache and refreshes them from the
// remote when online. Concurrent fetches of the same resource are collapsed
// into a single remote call.
package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	offlinesync "github.com/wolfeidau/offline-sync"
	"github.com/wolfeidau/offline-sync/cache"
	"github.com/wolfeidau/offline-sync/remote"
)

// ErrUnavailable is returned when a resource is not cached and the remote
// cannot be reached.
var ErrUnavailable = errors.New("reader: resource not cached and remote unreachable")

// Source tells where a value came from.
type Source string

const (
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
)

// Fetcher retrieves a document from the remote.
type Fetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// Connectivity reports whether the remote is reachable.
type Connectivity interface {
	IsOnline() bool
}

// Reader is the read-through repository.
type Reader struct {
	cache   *cache.Store
	fetcher Fetcher
	net     Connectivity
	group   singleflight.Group
	logger  *slog.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger for the reader.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

// New creates a Reader.
func New(store *cache.Store, fetcher Fetcher, net Connectivity, opts ...Option) *Reader {
	r := &Reader{
		cache:   store,
		fetcher: fetcher,
		net:     net,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reader")
	return r
}

// Get returns the cached value for res when fresh, otherwise fetches it.
func (r *Reader) Get(ctx context.Context, res offlinesync.Resource) ([]byte, Source, error) {
	if data, ok := r.cache.Get(ctx, res.Key); ok {
		return data, SourceCache, nil
	}
	data, err := r.Refresh(ctx, res)
	if err != nil {
		return nil, "", err
	}
	return data, SourceRemote, nil
}

// GetJSON is Get followed by decoding into dst.
func (r *Reader) GetJSON(ctx context.Context, res offlinesync.Resource, dst any) (Source, error) {
	data, src, err := r.Get(ctx, res)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return "", fmt.Errorf("decoding %s: %w", res.Key, err)
	}
	return src, nil
}

// Refresh fetches res from the remote and replaces the cached value.
//
// If the caller's context expires first, Refresh returns the context error
// but the fetch continues for other waiters and still populates the cache.
func (r *Reader) Refresh(ctx context.Context, res offlinesync.Resource) ([]byte, error) {
	if !r.net.IsOnline() {
		return nil, ErrUnavailable
	}

	ch := r.group.DoChan(res.Key, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		data, err := r.fetcher.Fetch(fctx, res.Path)
		if err != nil {
			if errors.Is(err, remote.ErrNotFound) {
				r.cache.Delete(fctx, res.Key)
			}
			return nil, err
		}
		r.cache.Set(fctx, res.Key, data, res.Tier.TTL())
		r.logger.Debug("resource refreshed", "key", res.Key, "tier", res.Tier, "size", len(data))
		return data, nil
	})

	select {
	case out := <-ch:
		if out.Err != nil {
			return nil, fmt.Errorf("fetching %s: %w", res.Key, out.Err)
		}
		return out.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the cached value for res.
func (r *Reader) Invalidate(ctx context.Context, res offlinesync.Resource) {
	r.cache.Delete(ctx, res.Key)
}
