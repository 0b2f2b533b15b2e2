// Package netstate tracks whether the remote API is reachable and notifies
// subscribers on confirmed transitions.
package netstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/offline-sync/telemetry"
)

// DefaultConfirmWindow is how long an online report must hold before the
// monitor announces the transition.
const DefaultConfirmWindow = time.Second

// Monitor is the connectivity signal. Offline transitions take effect
// immediately; online transitions are debounced by the confirm window so a
// flapping link does not cause delivery storms.
type Monitor struct {
	logger  *slog.Logger
	now     func() time.Time
	confirm time.Duration

	mu      sync.Mutex
	online  bool
	since   time.Time
	timer   *time.Timer
	gen     uint64
	nextSub int
	onUp    map[int]func()
	onDown  map[int]func()
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger for the monitor.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithConfirmWindow sets the online debounce window. Zero confirms immediately.
func WithConfirmWindow(d time.Duration) Option {
	return func(m *Monitor) {
		m.confirm = d
	}
}

// WithInitialState sets the signal before any report arrives.
func WithInitialState(online bool) Option {
	return func(m *Monitor) {
		m.online = online
	}
}

// NewMonitor creates a monitor. It starts offline unless WithInitialState
// says otherwise.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		logger:  slog.Default(),
		now:     time.Now,
		confirm: DefaultConfirmWindow,
		onUp:    make(map[int]func()),
		onDown:  make(map[int]func()),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "netstate")
	m.since = m.now()
	telemetry.SetOnline(context.Background(), m.online)
	return m
}

// IsOnline returns the current confirmed signal.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Since returns when the current state began.
func (m *Monitor) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Report feeds a raw connectivity observation into the monitor.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	if online {
		if m.online || m.timer != nil {
			m.mu.Unlock()
			return
		}
		if m.confirm <= 0 {
			fns := m.transitionLocked(true)
			m.mu.Unlock()
			fire(fns)
			return
		}
		gen := m.gen
		m.timer = time.AfterFunc(m.confirm, func() { m.confirmOnline(gen) })
		m.mu.Unlock()
		return
	}

	m.cancelPendingLocked()
	if !m.online {
		m.mu.Unlock()
		return
	}
	fns := m.transitionLocked(false)
	m.mu.Unlock()
	fire(fns)
}

func (m *Monitor) confirmOnline(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.online {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	fns := m.transitionLocked(true)
	m.mu.Unlock()
	fire(fns)
}

func (m *Monitor) cancelPendingLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// transitionLocked flips the signal and returns the callbacks to run once the
// lock is released.
func (m *Monitor) transitionLocked(online bool) []func() {
	m.online = online
	m.since = m.now()
	telemetry.SetOnline(context.Background(), online)

	subs := m.onDown
	if online {
		subs = m.onUp
		m.logger.Info("connectivity restored")
	} else {
		m.logger.Info("connectivity lost")
	}

	fns := make([]func(), 0, len(subs))
	for _, fn := range subs {
		fns = append(fns, fn)
	}
	return fns
}

func fire(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// OnOnline registers fn to run on every confirmed offline→online transition
// that happens after registration.
func (m *Monitor) OnOnline(fn func()) (unsubscribe func()) {
	return m.subscribe(m.onUp, fn)
}

// OnOffline registers fn to run on every online→offline transition that
// happens after registration.
func (m *Monitor) OnOffline(fn func()) (unsubscribe func()) {
	return m.subscribe(m.onDown, fn)
}

func (m *Monitor) subscribe(subs map[int]func(), fn func()) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(subs, id)
		m.mu.Unlock()
	}
}

// Close cancels any pending confirmation.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.cancelPendingLocked()
	m.mu.Unlock()
}
