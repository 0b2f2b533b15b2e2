// Package engine wires the cache, outbox, network monitor, remote client and
// sync orchestrator into one instance that the UI layer talks to.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	offlinesync "github.com/wolfeidau/offline-sync"
	"github.com/wolfeidau/offline-sync/cache"
	"github.com/wolfeidau/offline-sync/capacity"
	"github.com/wolfeidau/offline-sync/mutation"
	"github.com/wolfeidau/offline-sync/netstate"
	"github.com/wolfeidau/offline-sync/outbox"
	"github.com/wolfeidau/offline-sync/reader"
	"github.com/wolfeidau/offline-sync/remote"
	"github.com/wolfeidau/offline-sync/store/kv"
	"github.com/wolfeidau/offline-sync/syncer"
	"github.com/wolfeidau/offline-sync/telemetry"
)

// ErrNoIdentity is returned by the convenience intents when no user is
// configured.
var ErrNoIdentity = errors.New("engine: no user configured")

// Config holds engine configuration.
type Config struct {
	// DBPath is the bbolt file holding the cache and the outbox.
	DBPath string

	// BaseURL is the remote API root.
	BaseURL string

	// APIToken is sent as a bearer token to the remote API (optional).
	APIToken string

	// UserID and CondoID identify the signed-in user for CheckIn,
	// UpdateProfile and SendMessage.
	UserID  string
	CondoID string

	// MaxRetries is how many failed deliveries a mutation survives before it
	// is dead-lettered (default: 3). Zero dead-letters on the first failure.
	MaxRetries int

	// ConfirmWindow is how long connectivity must hold before going online
	// (default: 1s).
	ConfirmWindow time.Duration

	// InitialOnline is the connectivity assumed before the first probe.
	InitialOnline bool

	// ProbeInterval is how often GET <BaseURL>/health is polled. Negative
	// disables the prober (default: 10s).
	ProbeInterval time.Duration

	// ReaperInterval is how often expired cache entries are purged
	// (default: 5m).
	ReaperInterval time.Duration

	// Sync configures the orchestrator.
	Sync syncer.Config

	// Logger for the engine
	Logger *slog.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     outbox.DefaultMaxRetries,
		ConfirmWindow:  netstate.DefaultConfirmWindow,
		ProbeInterval:  10 * time.Second,
		ReaperInterval: 5 * time.Minute,
		Sync:           syncer.DefaultConfig(),
	}
}

// Status is a point-in-time summary for status badges and diagnostics.
type Status struct {
	Online       bool                `json:"online"`
	OnlineSince  time.Time           `json:"online_since"`
	Pending      int                 `json:"pending"`
	DeadLetters  int                 `json:"dead_letters"`
	LastSync     *time.Time          `json:"last_sync,omitempty"`
	State        string              `json:"state"`
	Draining     bool                `json:"draining"`
	LastDrain    *syncer.DrainResult `json:"last_drain,omitempty"`
	CacheEntries int                 `json:"cache_entries"`
	CacheBytes   int64               `json:"cache_bytes"`
}

// Engine is the synchronization core.
type Engine struct {
	config Config
	logger *slog.Logger

	db       *kv.DB
	cache    *cache.Store
	queue    *outbox.Queue
	monitor  *netstate.Monitor
	client   *remote.Client
	reader   *reader.Reader
	capacity *capacity.Policy
	syncer   *syncer.Orchestrator
	reaper   *cache.Reaper
	prober   *netstate.Prober

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []func()
}

// Option configures an Engine beyond Config.
type Option func(*options)

type options struct {
	httpClient *http.Client
	now        func() time.Time
	noSync     bool
}

// WithHTTPClient sets the HTTP client used for deliveries, reads and probes.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithNoSync disables fsync on the database, for testing.
func WithNoSync() Option {
	return func(o *options) {
		o.noSync = true
	}
}

// Open opens the database at cfg.DBPath and builds every component. The
// engine is inert until Start is called.
func Open(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DBPath == "" {
		return nil, errors.New("engine: database path is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("engine: max retries must not be negative, got %d", cfg.MaxRetries)
	}
	defaults := DefaultConfig()
	if cfg.ConfirmWindow <= 0 {
		cfg.ConfirmWindow = defaults.ConfirmWindow
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = defaults.ProbeInterval
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = defaults.ReaperInterval
	}
	if cfg.Sync.TickInterval <= 0 {
		cfg.Sync.TickInterval = defaults.Sync.TickInterval
	}
	if cfg.Sync.RateLimitCooldown <= 0 {
		cfg.Sync.RateLimitCooldown = defaults.Sync.RateLimitCooldown
	}
	if cfg.Sync.MaxCooldown <= 0 {
		cfg.Sync.MaxCooldown = defaults.Sync.MaxCooldown
	}
	if cfg.Sync.DeliveryTimeout <= 0 {
		cfg.Sync.DeliveryTimeout = defaults.Sync.DeliveryTimeout
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	logger := cfg.Logger

	db, err := kv.Open(cfg.DBPath,
		kv.WithLogger(logger.With("component", "kv")),
		kv.WithNow(o.now),
		kv.WithNoSync(o.noSync))
	if err != nil {
		return nil, err
	}

	store, err := cache.New(db, cache.WithLogger(logger), cache.WithNow(o.now))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	queue, err := outbox.New(db,
		outbox.WithLogger(logger),
		outbox.WithNow(o.now),
		outbox.WithMaxRetries(cfg.MaxRetries))
	if err != nil {
		store.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating outbox: %w", err)
	}

	clientOpts := []remote.Option{
		remote.WithBaseURL(cfg.BaseURL),
		remote.WithLogger(logger),
		remote.WithNow(o.now),
		remote.WithTimeout(cfg.Sync.DeliveryTimeout),
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, remote.WithHTTPClient(o.httpClient))
	}
	if cfg.APIToken != "" {
		clientOpts = append(clientOpts, remote.WithBearerToken(cfg.APIToken))
	}
	client, err := remote.NewClient(clientOpts...)
	if err != nil {
		store.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating remote client: %w", err)
	}

	monitor := netstate.NewMonitor(
		netstate.WithLogger(logger),
		netstate.WithNow(o.now),
		netstate.WithConfirmWindow(cfg.ConfirmWindow),
		netstate.WithInitialState(cfg.InitialOnline))

	rd := reader.New(store, client, monitor, reader.WithLogger(logger))
	policy := capacity.New(store, queue, capacity.WithLogger(logger))

	e := &Engine{
		config:   cfg,
		logger:   logger.With("component", "engine"),
		db:       db,
		cache:    store,
		queue:    queue,
		monitor:  monitor,
		client:   client,
		reader:   rd,
		capacity: policy,
		reaper: cache.NewReaper(store,
			cache.WithReaperInterval(cfg.ReaperInterval),
			cache.WithReaperLogger(logger)),
	}
	e.syncer = syncer.New(queue, client, monitor,
		syncer.WithConfig(cfg.Sync),
		syncer.WithLogger(logger),
		syncer.WithNow(o.now),
		syncer.WithRefresher(projectingRefresher{e}),
		syncer.WithCapacityGate(policy))

	if cfg.ProbeInterval > 0 {
		probeOpts := []netstate.ProberOption{
			netstate.WithProbeInterval(cfg.ProbeInterval),
			netstate.WithProbeLogger(logger),
		}
		if o.httpClient != nil {
			probeOpts = append(probeOpts, netstate.WithProbeClient(o.httpClient))
		}
		e.prober = netstate.NewProber(monitor, client.HealthURL(), probeOpts...)
	}
	return e, nil
}

// Start launches the orchestrator, the cache reaper and the health prober.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)

	telemetry.SetOnline(ctx, e.monitor.IsOnline())
	e.unsubs = append(e.unsubs,
		e.monitor.OnOnline(func() { telemetry.SetOnline(ctx, true) }),
		e.monitor.OnOffline(func() { telemetry.SetOnline(ctx, false) }),
	)

	e.syncer.Start(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reaper.Run(ctx)
	}()

	if e.prober != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.prober.Run(ctx)
		}()
	}

	e.logger.Info("engine started",
		"base_url", e.client.BaseURL(),
		"online", e.monitor.IsOnline(),
		"max_retries", e.config.MaxRetries)
}

// Close stops background work, waiting for an in-flight delivery, and
// closes the database.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	started := e.started
	e.started = false
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	var errs []error
	if err := e.syncer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping syncer: %w", err))
	}
	if started {
		for _, unsub := range unsubs {
			unsub()
		}
		e.cancel()
		e.wg.Wait()
	}

	e.monitor.Close()
	e.cache.Close()
	if err := e.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Submit records a write intent. The intent is applied to the local
// projection, durably queued and, when online, a sync is requested. An error
// means the intent was not recorded.
func (e *Engine) Submit(ctx context.Context, m mutation.Mutation) (outbox.Receipt, error) {
	receipt, err := e.queue.Enqueue(ctx, m)
	if err != nil {
		return outbox.Receipt{}, err
	}
	e.project(ctx, m)

	if e.monitor.IsOnline() {
		e.syncer.RequestSync(telemetry.WithTrigger(ctx, telemetry.TriggerWrite))
	}
	return receipt, nil
}

// project applies m to cached state before the remote confirms it.
func (e *Engine) project(ctx context.Context, m mutation.Mutation) {
	p, ok := m.(mutation.ProfileUpdate)
	if !ok {
		return
	}
	key := offlinesync.ProfileResource(p.UserID).Key
	entry, ok := e.cache.Lookup(ctx, key)
	if !ok {
		return
	}
	var profile map[string]any
	if err := json.Unmarshal(entry.Value, &profile); err != nil || profile == nil {
		e.logger.Debug("cached profile is not an object, dropping it", "key", key)
		e.cache.Delete(ctx, key)
		return
	}
	for k, v := range p.Fields {
		profile[k] = v
	}
	data, err := json.Marshal(profile)
	if err != nil {
		e.cache.Delete(ctx, key)
		return
	}
	e.cache.SetUntil(ctx, key, data, entry.ExpiresAt)
}

// reproject re-applies every pending mutation that touches res, in queue
// order, on top of a freshly fetched copy.
func (e *Engine) reproject(ctx context.Context, res offlinesync.Resource) {
	items, err := e.queue.ListPending(ctx)
	if err != nil {
		e.logger.Warn("failed to list pending mutations for projection", "key", res.Key, "error", err)
		return
	}
	for _, it := range items {
		m, err := it.Mutation()
		if err != nil {
			continue
		}
		for _, inv := range m.Invalidates() {
			if inv.Key == res.Key {
				e.project(ctx, m)
				break
			}
		}
	}
}

// projectingRefresher reloads resources after a delivery without losing the
// projections of writes that are still queued.
type projectingRefresher struct {
	e *Engine
}

func (r projectingRefresher) Refresh(ctx context.Context, res offlinesync.Resource) ([]byte, error) {
	data, err := r.e.reader.Refresh(ctx, res)
	if err != nil {
		return nil, err
	}
	r.e.reproject(ctx, res)
	return data, nil
}

func (r projectingRefresher) Invalidate(ctx context.Context, res offlinesync.Resource) {
	r.e.reader.Invalidate(ctx, res)
}

func (e *Engine) identity() (string, error) {
	if e.config.UserID == "" {
		return "", ErrNoIdentity
	}
	return e.config.UserID, nil
}

// CheckIn queues a check-in of the configured user into slotID.
func (e *Engine) CheckIn(ctx context.Context, slotID string) (outbox.Receipt, error) {
	user, err := e.identity()
	if err != nil {
		return outbox.Receipt{}, err
	}
	return e.Submit(ctx, mutation.CheckIn{SlotID: slotID, UserID: user, CondoID: e.config.CondoID})
}

// CancelCheckIn queues cancellation of the configured user's check-in.
func (e *Engine) CancelCheckIn(ctx context.Context, slotID string) (outbox.Receipt, error) {
	user, err := e.identity()
	if err != nil {
		return outbox.Receipt{}, err
	}
	return e.Submit(ctx, mutation.CheckInCancel{SlotID: slotID, UserID: user, CondoID: e.config.CondoID})
}

// UpdateProfile queues a partial profile update for the configured user.
func (e *Engine) UpdateProfile(ctx context.Context, fields map[string]any) (outbox.Receipt, error) {
	user, err := e.identity()
	if err != nil {
		return outbox.Receipt{}, err
	}
	return e.Submit(ctx, mutation.ProfileUpdate{UserID: user, Fields: fields})
}

// SendMessage queues a message from the configured user.
func (e *Engine) SendMessage(ctx context.Context, threadID, text string) (outbox.Receipt, error) {
	user, err := e.identity()
	if err != nil {
		return outbox.Receipt{}, err
	}
	return e.Submit(ctx, mutation.MessageCreate{ThreadID: threadID, AuthorID: user, Text: text})
}

// Read returns res from the cache, fetching it when stale and online.
func (e *Engine) Read(ctx context.Context, res offlinesync.Resource) ([]byte, reader.Source, error) {
	return e.reader.Get(ctx, res)
}

// ReadJSON is Read followed by decoding into dst.
func (e *Engine) ReadJSON(ctx context.Context, res offlinesync.Resource, dst any) (reader.Source, error) {
	return e.reader.GetJSON(ctx, res, dst)
}

// IsOnline reports the confirmed connectivity signal.
func (e *Engine) IsOnline() bool {
	return e.monitor.IsOnline()
}

// ReportConnectivity feeds an external connectivity observation into the
// monitor, e.g. from the platform's network callbacks.
func (e *Engine) ReportConnectivity(online bool) {
	e.monitor.Report(online)
}

// PendingCount returns how many mutations await delivery.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.queue.Len(ctx)
}

// ListPending returns queued mutations in delivery order.
func (e *Engine) ListPending(ctx context.Context) ([]outbox.Item, error) {
	return e.queue.ListPending(ctx)
}

// LastSyncTimestamp returns when the outbox was last seen fully delivered,
// or the zero time.
func (e *Engine) LastSyncTimestamp() time.Time {
	return e.syncer.LastSync()
}

// EstimateRemaining returns the advisory remaining capacity of slotID.
// known is false when no server snapshot is cached.
func (e *Engine) EstimateRemaining(ctx context.Context, slotID string) (int, bool, error) {
	return e.capacity.EstimateRemaining(ctx, slotID)
}

// CapacityView returns the full capacity breakdown for slotID.
func (e *Engine) CapacityView(ctx context.Context, slotID string) (capacity.View, error) {
	return e.capacity.View(ctx, slotID)
}

// RequestSync asks for a drain now. It reports whether a new drain was
// scheduled rather than folded into a running one.
func (e *Engine) RequestSync(ctx context.Context) bool {
	return e.syncer.RequestSync(telemetry.WithTrigger(ctx, telemetry.TriggerManual))
}

// SyncNow runs a drain on the calling goroutine.
func (e *Engine) SyncNow(ctx context.Context) (syncer.DrainResult, bool) {
	return e.syncer.Drain(telemetry.WithTrigger(ctx, telemetry.TriggerManual))
}

// DeadLetters lists mutations removed from retry.
func (e *Engine) DeadLetters(ctx context.Context) ([]outbox.DeadLetter, error) {
	return e.queue.DeadLetters(ctx)
}

// RetryDeadLetter moves a dead letter back to the tail of the outbox with
// its attempts reset.
func (e *Engine) RetryDeadLetter(ctx context.Context, id string) (outbox.Item, error) {
	it, err := e.queue.RetryDeadLetter(ctx, id)
	if err != nil {
		return outbox.Item{}, err
	}
	if e.monitor.IsOnline() {
		e.syncer.RequestSync(telemetry.WithTrigger(ctx, telemetry.TriggerManual))
	}
	return it, nil
}

// DiscardDeadLetter drops a dead letter for good.
func (e *Engine) DiscardDeadLetter(ctx context.Context, id string) error {
	return e.queue.DiscardDeadLetter(ctx, id)
}

// OnPendingChange calls fn with the pending count after every change to the
// outbox.
func (e *Engine) OnPendingChange(fn func(pending int)) (unsubscribe func()) {
	return e.queue.Subscribe(fn)
}

// ClearCache drops every cached read. The outbox is untouched.
func (e *Engine) ClearCache(ctx context.Context) {
	e.cache.Clear(ctx)
}

// Status returns a summary of the engine.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, err := e.queue.Len(ctx)
	if err != nil {
		return Status{}, err
	}
	dead, err := e.queue.DeadLetters(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Online:       e.monitor.IsOnline(),
		OnlineSince:  e.monitor.Since(),
		Pending:      pending,
		DeadLetters:  len(dead),
		State:        e.syncer.State().String(),
		Draining:     e.syncer.Draining(),
		LastDrain:    e.syncer.LastDrain(),
		CacheEntries: e.cache.Len(ctx),
		CacheBytes:   e.cache.SizeEstimate(ctx),
	}
	if ts := e.syncer.LastSync(); !ts.IsZero() {
		st.LastSync = &ts
	}
	return st, nil
}
