// Package syncer drains the outbox against the remote API. The drain loop is
// an explicit state machine (IDLE, DRAINING, BACKOFF) that delivers one
// mutation at a time in queue order, and at most one drain runs at once.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	offlinesync "github.com/wolfeidau/offline-sync"
	"github.com/wolfeidau/offline-sync/capacity"
	"github.com/wolfeidau/offline-sync/mutation"
	"github.com/wolfeidau/offline-sync/outbox"
	"github.com/wolfeidau/offline-sync/remote"
	"github.com/wolfeidau/offline-sync/telemetry"
)

// State is the orchestrator's drain state.
type State int

const (
	StateIdle State = iota
	StateDraining
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDraining:
		return "DRAINING"
	case StateBackoff:
		return "BACKOFF"
	default:
		return "UNKNOWN"
	}
}

// ErrDrainActive is returned by Step while a drain is running.
var ErrDrainActive = errors.New("syncer: drain already active")

var errStopped = errors.New("syncer: stopped")

// Queue is the outbox as seen by the orchestrator.
type Queue interface {
	PeekOldest(ctx context.Context) (outbox.Item, error)
	Lease(id string) (release func())
	Remove(ctx context.Context, id string) error
	MarkAttemptFailed(ctx context.Context, id string, cause error) (outbox.Item, bool, error)
	Requeue(ctx context.Context, id string) error
	DeadLetter(ctx context.Context, id, reason string) error
	Len(ctx context.Context) (int, error)
}

// Transport applies a mutation remotely. The returned error is classified
// with remote.Classify.
type Transport interface {
	Apply(ctx context.Context, id string, m mutation.Mutation) error
}

// Connectivity is the network signal.
type Connectivity interface {
	IsOnline() bool
	OnOnline(fn func()) (unsubscribe func())
}

// Refresher reloads cached resources after a mutation lands.
type Refresher interface {
	Refresh(ctx context.Context, res offlinesync.Resource) ([]byte, error)
	Invalidate(ctx context.Context, res offlinesync.Resource)
}

// CapacityGate decides whether a first check-in attempt is hopeless.
type CapacityGate interface {
	ShouldFastFail(ctx context.Context, item outbox.Item) (bool, capacity.View, error)
}

// Config configures the orchestrator.
type Config struct {
	TickInterval      time.Duration // Periodic re-check while online (default: 5s)
	RateLimitCooldown time.Duration // BACKOFF after a rate-limited delivery (default: 2s)
	MaxCooldown       time.Duration // Cap on Retry-After (default: 1m)
	DeliveryTimeout   time.Duration // Bound on a single delivery (default: 15s)
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:      5 * time.Second,
		RateLimitCooldown: 2 * time.Second,
		MaxCooldown:       time.Minute,
		DeliveryTimeout:   15 * time.Second,
	}
}

// DrainResult summarises one drain cycle.
type DrainResult struct {
	Trigger      string        `json:"trigger"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Delivered    int           `json:"delivered"`
	Failed       int           `json:"failed"`
	DeadLettered int           `json:"dead_lettered"`
	RateLimited  int           `json:"rate_limited"`
}

func (r DrainResult) merge(next DrainResult) DrainResult {
	if r.StartedAt.IsZero() {
		return next
	}
	r.Duration += next.Duration
	r.Delivered += next.Delivered
	r.Failed += next.Failed
	r.DeadLettered += next.DeadLettered
	r.RateLimited += next.RateLimited
	return r
}

// Orchestrator is the sync orchestrator.
type Orchestrator struct {
	queue     Queue
	transport Transport
	net       Connectivity
	refresher Refresher
	gate      CapacityGate
	config    Config
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	state        State
	backoffUntil time.Time
	attempted    map[string]bool
	lastSync     time.Time
	lastDrain    *DrainResult
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	unsubscribe  func()

	active        atomic.Bool
	rerun         atomic.Bool
	stopping      atomic.Bool
	drainsStarted atomic.Int64
	activeDrains  atomic.Int32
	maxActive     atomic.Int32
	wg            sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger for the orchestrator.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithConfig sets the orchestrator configuration.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		o.config = cfg
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithSleep replaces how BACKOFF waits, for testing.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

// WithRefresher sets what reloads invalidated resources after a delivery.
func WithRefresher(r Refresher) Option {
	return func(o *Orchestrator) {
		o.refresher = r
	}
}

// WithCapacityGate enables the local capacity fast-fail for check-ins.
func WithCapacityGate(g CapacityGate) Option {
	return func(o *Orchestrator) {
		o.gate = g
	}
}

// New creates an orchestrator.
func New(queue Queue, transport Transport, net Connectivity, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queue:     queue,
		transport: transport,
		net:       net,
		config:    DefaultConfig(),
		logger:    slog.Default(),
		now:       time.Now,
		attempted: make(map[string]bool),
	}
	o.sleep = o.timerSleep
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "syncer")
	return o
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	if o.state != s {
		o.logger.Debug("state transition", "from", o.state, "to", s)
	}
	o.state = s
	o.mu.Unlock()
}

// LastSync returns when the outbox was last observed empty while online.
// It is zero until that happens.
func (o *Orchestrator) LastSync() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSync
}

func (o *Orchestrator) markSynced() {
	o.mu.Lock()
	o.lastSync = o.now()
	o.mu.Unlock()
}

// LastDrain returns the result of the most recent drain, or nil.
func (o *Orchestrator) LastDrain() *DrainResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastDrain == nil {
		return nil
	}
	r := *o.lastDrain
	return &r
}

// DrainsStarted counts IDLE→DRAINING transitions.
func (o *Orchestrator) DrainsStarted() int64 {
	return o.drainsStarted.Load()
}

// MaxConcurrentDrains is the most drains ever observed running at once.
func (o *Orchestrator) MaxConcurrentDrains() int32 {
	return o.maxActive.Load()
}

// Draining reports whether a drain is running.
func (o *Orchestrator) Draining() bool {
	return o.active.Load()
}

// RequestSync schedules a drain in the background unless one is already
// running, in which case the trigger is coalesced into a follow-up cycle of
// the active drain. It reports whether a drain was scheduled. The trigger
// label is read from ctx (see telemetry.WithTrigger).
func (o *Orchestrator) RequestSync(ctx context.Context) bool {
	// rerun is published before active is read. A drain stores active=false
	// before reading rerun, so at least one side observes the other.
	o.rerun.Store(true)
	if o.active.Load() {
		o.coalesced(ctx)
		return false
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Drain(context.WithoutCancel(ctx))
	}()
	return true
}

func (o *Orchestrator) coalesced(ctx context.Context) {
	trigger := telemetry.TriggerFromContext(ctx)
	o.logger.Debug("drain already active, trigger coalesced", "trigger", trigger)
	telemetry.RecordDrainCoalesced(ctx, trigger)
}

// Drain runs a drain cycle to completion on the calling goroutine. When
// another drain is active it returns false and the active drain runs one more
// cycle once it finishes, so a trigger is never lost.
func (o *Orchestrator) Drain(ctx context.Context) (DrainResult, bool) {
	var (
		res DrainResult
		ran bool
	)
	for {
		if !o.active.CompareAndSwap(false, true) {
			if ran {
				return res, ran
			}
			o.rerun.Store(true)
			if !o.active.Load() {
				continue
			}
			o.coalesced(ctx)
			return res, ran
		}
		o.rerun.Store(false)
		res = res.merge(o.drainOnce(ctx))
		ran = true
		o.active.Store(false)

		if !o.rerun.Load() || o.stopping.Load() {
			return res, ran
		}
	}
}

func (o *Orchestrator) drainOnce(ctx context.Context) DrainResult {
	n := o.activeDrains.Add(1)
	defer o.activeDrains.Add(-1)
	for {
		hi := o.maxActive.Load()
		if n <= hi || o.maxActive.CompareAndSwap(hi, n) {
			break
		}
	}

	res := DrainResult{Trigger: telemetry.TriggerFromContext(ctx), StartedAt: o.now()}
	start := time.Now()

	state := o.State()
	if state == StateIdle {
		state = o.step(ctx, &res)
		if state == StateIdle {
			return res
		}
	}
	for state != StateIdle {
		state = o.step(ctx, &res)
	}

	res.Duration = time.Since(start)
	o.mu.Lock()
	o.lastDrain = &res
	o.mu.Unlock()

	telemetry.RecordDrain(ctx, res.Trigger, res.Duration)
	o.logger.Info("drain finished",
		"trigger", res.Trigger,
		"delivered", res.Delivered,
		"failed", res.Failed,
		"dead_lettered", res.DeadLettered,
		"rate_limited", res.RateLimited,
		"duration", res.Duration)
	return res
}

// Step advances the state machine by one transition. It is meant for
// single-stepping in tests and diagnostics.
func (o *Orchestrator) Step(ctx context.Context) (State, error) {
	if !o.active.CompareAndSwap(false, true) {
		return o.State(), ErrDrainActive
	}
	defer o.active.Store(false)
	var res DrainResult
	return o.step(ctx, &res), nil
}

func (o *Orchestrator) step(ctx context.Context, res *DrainResult) State {
	switch o.State() {
	case StateIdle:
		if o.stopping.Load() || !o.net.IsOnline() {
			return StateIdle
		}
		n, err := o.queue.Len(ctx)
		if err != nil {
			o.logger.Error("failed to count pending mutations", "error", err)
			return StateIdle
		}
		if n == 0 {
			o.markSynced()
			return StateIdle
		}
		o.mu.Lock()
		o.attempted = make(map[string]bool)
		o.mu.Unlock()
		o.drainsStarted.Add(1)
		o.setState(StateDraining)
		return StateDraining

	case StateDraining:
		if o.stopping.Load() || !o.net.IsOnline() {
			o.setState(StateIdle)
			return StateIdle
		}
		item, err := o.queue.PeekOldest(ctx)
		if errors.Is(err, outbox.ErrEmpty) {
			o.markSynced()
			o.setState(StateIdle)
			return StateIdle
		}
		if err != nil {
			o.logger.Error("failed to read outbox", "error", err)
			o.setState(StateIdle)
			return StateIdle
		}
		o.mu.Lock()
		seen := o.attempted[item.ID]
		o.mu.Unlock()
		if seen {
			// Everything left already failed once this cycle; wait for the
			// next trigger instead of spinning through the retry budget.
			o.setState(StateIdle)
			return StateIdle
		}
		next := o.deliver(ctx, item, res)
		o.setState(next)
		return next

	case StateBackoff:
		o.mu.Lock()
		wait := o.backoffUntil.Sub(o.now())
		o.mu.Unlock()
		if wait > 0 {
			if err := o.sleep(ctx, wait); err != nil {
				o.setState(StateIdle)
				return StateIdle
			}
		}
		o.setState(StateDraining)
		return StateDraining
	}
	return StateIdle
}

// deliver attempts one item and returns the next state.
func (o *Orchestrator) deliver(ctx context.Context, item outbox.Item, res *DrainResult) State {
	kind := string(item.Kind)
	logger := o.logger.With("mutation_id", item.ID, "kind", kind, "attempts", item.Attempts)

	m, err := item.Mutation()
	if err != nil {
		if o.deadLetter(ctx, logger, item.ID, fmt.Sprintf("undecodable payload: %v", err)) {
			res.DeadLettered++
			return StateDraining
		}
		return StateIdle
	}

	if o.gate != nil {
		full, view, err := o.gate.ShouldFastFail(ctx, item)
		switch {
		case err != nil:
			logger.Warn("capacity check failed, delivering anyway", "error", err)
		case full:
			telemetry.RecordDelivery(ctx, kind, "fast_fail", 0)
			logger.Info("skipping check-in, slot full by local estimate",
				"slot_id", view.SlotID, "estimated_remaining", view.EstimatedRemaining())
			if o.deadLetter(ctx, logger, item.ID, capacity.ErrCapacityExceededLocalEstimate.Error()) {
				res.DeadLettered++
				return StateDraining
			}
			return StateIdle
		}
	}

	release := o.queue.Lease(item.ID)
	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, o.config.DeliveryTimeout)
	err = o.transport.Apply(dctx, item.ID, m)
	cancel()
	release()
	duration := time.Since(start)

	if err == nil {
		telemetry.RecordDelivery(ctx, kind, "success", duration)
		if err := o.queue.Remove(ctx, item.ID); err != nil && !errors.Is(err, outbox.ErrNotFound) {
			logger.Error("delivered but failed to remove from outbox", "error", err)
			return StateIdle
		}
		res.Delivered++
		logger.Debug("mutation delivered", "duration", duration)
		o.refresh(ctx, m)
		return StateDraining
	}

	if ctx.Err() != nil {
		// Shutting down mid-delivery; the outcome is unknown and the item
		// stays at the head for the next drain.
		return StateIdle
	}

	class := remote.Classify(err)
	telemetry.RecordDelivery(ctx, kind, class.String(), duration)

	switch class {
	case remote.ClassRateLimited:
		cooldown := max(o.config.RateLimitCooldown, remote.RetryAfter(err))
		if o.config.MaxCooldown > 0 {
			cooldown = min(cooldown, o.config.MaxCooldown)
		}
		o.mu.Lock()
		o.backoffUntil = o.now().Add(cooldown)
		o.mu.Unlock()
		res.RateLimited++
		telemetry.RecordBackoff(ctx, cooldown)
		logger.Warn("delivery rate limited, backing off", "cooldown", cooldown)
		return StateBackoff

	case remote.ClassTerminal:
		logger.Warn("delivery rejected", "class", class, "error", err)
		_, dead, ferr := o.queue.MarkAttemptFailed(ctx, item.ID, err)
		if ferr != nil {
			logger.Error("failed to record delivery failure", "error", ferr)
			return StateIdle
		}
		res.Failed++
		if !dead && !o.deadLetter(ctx, logger, item.ID, "rejected by remote: "+err.Error()) {
			return StateIdle
		}
		res.DeadLettered++
		return StateDraining

	default:
		logger.Warn("delivery failed", "class", class, "error", err)
		_, dead, ferr := o.queue.MarkAttemptFailed(ctx, item.ID, err)
		if ferr != nil {
			logger.Error("failed to record delivery failure", "error", ferr)
			return StateIdle
		}
		res.Failed++
		if dead {
			res.DeadLettered++
			return StateDraining
		}
		o.mu.Lock()
		o.attempted[item.ID] = true
		o.mu.Unlock()
		if err := o.queue.Requeue(ctx, item.ID); err != nil {
			logger.Error("failed to requeue mutation", "error", err)
			return StateIdle
		}
		return StateDraining
	}
}

func (o *Orchestrator) deadLetter(ctx context.Context, logger *slog.Logger, id, reason string) bool {
	if err := o.queue.DeadLetter(ctx, id, reason); err != nil {
		logger.Error("failed to dead-letter mutation", "reason", reason, "error", err)
		return false
	}
	return true
}

// refresh reloads the resources m invalidates. A resource that cannot be
// reloaded is dropped from the cache so the stale value is not served.
func (o *Orchestrator) refresh(ctx context.Context, m mutation.Mutation) {
	if o.refresher == nil {
		return
	}
	for _, res := range m.Invalidates() {
		if !o.net.IsOnline() {
			o.refresher.Invalidate(ctx, res)
			continue
		}
		if _, err := o.refresher.Refresh(ctx, res); err != nil {
			o.logger.Debug("failed to refresh resource after delivery", "key", res.Key, "error", err)
			o.refresher.Invalidate(ctx, res)
		}
	}
}

// Start subscribes to online transitions and runs the periodic tick until
// Stop is called or ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	o.stopping.Store(false)
	o.unsubscribe = o.net.OnOnline(func() {
		o.RequestSync(telemetry.WithTrigger(ctx, telemetry.TriggerOnline))
	})
	stopCh, doneCh := o.stopCh, o.doneCh
	o.mu.Unlock()

	go o.run(ctx, stopCh, doneCh)
}

// Stop stops the tick loop and waits for an in-flight delivery to finish.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return o.wait(ctx, nil)
	}
	o.running = false
	o.stopping.Store(true)
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
	close(o.stopCh)
	doneCh := o.doneCh
	o.mu.Unlock()

	return o.wait(ctx, doneCh)
}

// wait blocks until the tick loop (if any) and background drains finish.
func (o *Orchestrator) wait(ctx context.Context, doneCh chan struct{}) error {
	drained := make(chan struct{})
	go func() {
		if doneCh != nil {
			<-doneCh
		}
		o.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	o.logger.Info("sync orchestrator starting", "tick_interval", o.config.TickInterval)

	// Catch up on anything queued before we started.
	o.RequestSync(telemetry.WithTrigger(ctx, telemetry.TriggerTick))

	ticker := time.NewTicker(o.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if o.net.IsOnline() {
				o.RequestSync(telemetry.WithTrigger(ctx, telemetry.TriggerTick))
			}
		case <-stopCh:
			o.logger.Info("sync orchestrator stopped")
			return
		case <-ctx.Done():
			o.logger.Info("sync orchestrator context cancelled")
			o.stopping.Store(true)
			return
		}
	}
}

func (o *Orchestrator) timerSleep(ctx context.Context, d time.Duration) error {
	o.mu.Lock()
	stopCh := o.stopCh
	o.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return errStopped
	}
}
