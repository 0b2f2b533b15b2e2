package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	offlinesync "github.com/wolfeidau/offline-sync"
	"github.com/wolfeidau/offline-sync/capacity"
	"github.com/wolfeidau/offline-sync/mutation"
	"github.com/wolfeidau/offline-sync/outbox"
	"github.com/wolfeidau/offline-sync/remote"
	"github.com/wolfeidau/offline-sync/store/kv"
)

type fakeNet struct {
	online atomic.Bool
	mu     sync.Mutex
	subs   []func()
}

func newFakeNet(online bool) *fakeNet {
	n := &fakeNet{}
	n.online.Store(online)
	return n
}

func (n *fakeNet) IsOnline() bool { return n.online.Load() }

func (n *fakeNet) OnOnline(fn func()) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
	idx := len(n.subs) - 1
	return func() {
		n.mu.Lock()
		n.subs[idx] = nil
		n.mu.Unlock()
	}
}

func (n *fakeNet) goOnline() {
	n.online.Store(true)
	n.mu.Lock()
	subs := append([]func(){}, n.subs...)
	n.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn()
		}
	}
}

type call struct {
	id   string
	kind mutation.Kind
}

type fakeTransport struct {
	mu     sync.Mutex
	calls  []call
	respond func(n int, id string, m mutation.Mutation) error
}

func (f *fakeTransport) Apply(ctx context.Context, id string, m mutation.Mutation) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{id: id, kind: m.Kind()})
	n := len(f.calls)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return nil
	}
	return respond(n, id, m)
}

func (f *fakeTransport) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.id)
	}
	return out
}

func newTestQueue(t *testing.T) *outbox.Queue {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "syncer.db"), kv.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	q, err := outbox.New(db)
	require.NoError(t, err)
	return q
}

func enqueue(t *testing.T, q *outbox.Queue, ms ...mutation.Mutation) []string {
	t.Helper()
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		r, err := q.Enqueue(context.Background(), m)
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	return ids
}

func messages(n int) []mutation.Mutation {
	out := make([]mutation.Mutation, 0, n)
	for i := range n {
		out = append(out, mutation.MessageCreate{ThreadID: "t1", AuthorID: "u1", Text: string(rune('a' + i))})
	}
	return out
}

var transient = &remote.Error{Class: remote.ClassTransient, StatusCode: 503, Err: errors.New("unavailable")}

func TestDrainDeliversInFIFOOrder(t *testing.T) {
	q := newTestQueue(t)
	ids := enqueue(t, q, messages(3)...)
	tr := &fakeTransport{}
	o := New(q, tr, newFakeNet(true))

	res, ran := o.Drain(context.Background())
	require.True(t, ran)
	require.Equal(t, 3, res.Delivered)
	require.Equal(t, ids, tr.ids())

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.False(t, o.LastSync().IsZero())
	require.Equal(t, StateIdle, o.State())
	require.EqualValues(t, 1, o.DrainsStarted())
	require.NotNil(t, o.LastDrain())
}

func TestDrainOfflineDoesNothing(t *testing.T) {
	q := newTestQueue(t)
	enqueue(t, q, messages(1)...)
	tr := &fakeTransport{}
	o := New(q, tr, newFakeNet(false))

	_, ran := o.Drain(context.Background())
	require.True(t, ran)
	require.Empty(t, tr.ids())
	require.Zero(t, o.DrainsStarted())
	require.True(t, o.LastSync().IsZero())
}

func TestTransientFailureDeadLettersAfterMaxRetries(t *testing.T) {
	q := newTestQueue(t)
	ids := enqueue(t, q, messages(1)...)
	tr := &fakeTransport{respond: func(int, string, mutation.Mutation) error { return transient }}
	o := New(q, tr, newFakeNet(true))
	ctx := context.Background()

	// One attempt per drain cycle.
	for i := 1; i <= outbox.DefaultMaxRetries; i++ {
		res, _ := o.Drain(ctx)
		require.Equal(t, 1, res.Failed)
		it, err := q.Get(ctx, ids[0])
		require.NoError(t, err)
		require.Equal(t, i, it.Attempts)
	}

	res, _ := o.Drain(ctx)
	require.Equal(t, 1, res.DeadLettered)
	require.Len(t, tr.ids(), outbox.DefaultMaxRetries+1)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, ids[0], dead[0].ID)
}

func TestTransientFailureRequeuesBehindOthers(t *testing.T) {
	q := newTestQueue(t)
	ids := enqueue(t, q, messages(3)...)
	tr := &fakeTransport{respond: func(_ int, id string, _ mutation.Mutation) error {
		if id == ids[0] {
			return transient
		}
		return nil
	}}
	o := New(q, tr, newFakeNet(true))

	res, _ := o.Drain(context.Background())
	require.Equal(t, 2, res.Delivered)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, ids, tr.ids())

	it, err := q.PeekOldest(context.Background())
	require.NoError(t, err)
	require.Equal(t, ids[0], it.ID)
	require.Equal(t, 1, it.Attempts)
}

func TestTerminalFailureDeadLettersImmediately(t *testing.T) {
	q := newTestQueue(t)
	ids := enqueue(t, q, messages(2)...)
	tr := &fakeTransport{respond: func(_ int, id string, _ mutation.Mutation) error {
		if id == ids[0] {
			return &remote.Error{Class: remote.ClassTerminal, StatusCode: 422, Err: errors.New("bad body")}
		}
		return nil
	}}
	o := New(q, tr, newFakeNet(true))

	res, _ := o.Drain(context.Background())
	require.Equal(t, 1, res.Delivered)
	require.Equal(t, 1, res.DeadLettered)
	require.Equal(t, ids, tr.ids())

	dead, err := q.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, ids[0], dead[0].ID)
	require.Equal(t, 1, dead[0].Attempts)
	require.Contains(t, dead[0].Reason, "rejected by remote")
}

func TestRateLimitRetriesSameItemWithoutCountingAttempt(t *testing.T) {
	q := newTestQueue(t)
	ids := enqueue(t, q, messages(3)...)
	ctx := context.Background()

	var attemptsOnRetry int
	tr := &fakeTransport{}
	tr.respond = func(n int, id string, _ mutation.Mutation) error {
		switch n {
		case 2:
			return &remote.Error{Class: remote.ClassRateLimited, StatusCode: 429, Err: errors.New("slow down")}
		case 3:
			it, err := q.Get(ctx, id)
			if err != nil {
				return err
			}
			attemptsOnRetry = it.Attempts
		}
		return nil
	}

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var slept []time.Duration
	o := New(q, tr, newFakeNet(true),
		WithNow(func() time.Time { return now }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}))

	res, _ := o.Drain(ctx)
	require.Equal(t, 3, res.Delivered)
	require.Equal(t, 1, res.RateLimited)
	require.Equal(t, []string{ids[0], ids[1], ids[1], ids[2]}, tr.ids())
	require.Zero(t, attemptsOnRetry)
	require.Equal(t, []time.Duration{2 * time.Second}, slept)
}

func TestRateLimitHonoursRetryAfterUpToCap(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter time.Duration
		want       time.Duration
	}{
		{"below cooldown", time.Second, 2 * time.Second},
		{"above cooldown", 7 * time.Second, 7 * time.Second},
		{"capped", time.Hour, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(t)
			enqueue(t, q, messages(1)...)
			tr := &fakeTransport{respond: func(n int, _ string, _ mutation.Mutation) error {
				if n == 1 {
					return &remote.Error{Class: remote.ClassRateLimited, StatusCode: 429, RetryAfter: tt.retryAfter, Err: errors.New("slow down")}
				}
				return nil
			}}
			now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			var slept []time.Duration
			o := New(q, tr, newFakeNet(true),
				WithNow(func() time.Time { return now }),
				WithSleep(func(_ context.Context, d time.Duration) error {
					slept = append(slept, d)
					return nil
				}))

			o.Drain(context.Background())
			require.Equal(t, []time.Duration{tt.want}, slept)
		})
	}
}

func TestSingleDrainAtATime(t *testing.T) {
	q := newTestQueue(t)
	enqueue(t, q, messages(2)...)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	tr := &fakeTransport{respond: func(int, string, mutation.Mutation) error {
		once.Do(func() {
			close(entered)
			<-unblock
		})
		return nil
	}}
	o := New(q, tr, newFakeNet(true))
	ctx := context.Background()

	done := make(chan DrainResult)
	go func() {
		res, _ := o.Drain(ctx)
		done <- res
	}()
	<-entered
	require.Equal(t, StateDraining, o.State())
	require.True(t, o.Draining())

	for range 5 {
		require.False(t, o.RequestSync(ctx))
	}
	_, ran := o.Drain(ctx)
	require.False(t, ran)
	_, err := o.Step(ctx)
	require.ErrorIs(t, err, ErrDrainActive)

	close(unblock)
	res := <-done
	require.Equal(t, 2, res.Delivered)
	require.EqualValues(t, 1, o.DrainsStarted())
	require.EqualValues(t, 1, o.MaxConcurrentDrains())
}

func TestTriggerDuringHandoffIsNotLost(t *testing.T) {
	q := newTestQueue(t)
	o := New(q, &fakeTransport{}, newFakeNet(true))
	ctx := context.Background()

	// A trigger that finds a drain active is visible to that drain once it
	// clears active.
	o.active.Store(true)
	require.False(t, o.RequestSync(ctx))
	o.active.Store(false)
	require.True(t, o.rerun.Load())

	for i := range 200 {
		enqueue(t, q, mutation.MessageCreate{ThreadID: "t1", AuthorID: "u1", Text: string(rune('a' + i%26))})
		o.RequestSync(ctx)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, o.Stop(stopCtx))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.EqualValues(t, 1, o.MaxConcurrentDrains())
}

func TestGoingOfflineStopsDrain(t *testing.T) {
	q := newTestQueue(t)
	enqueue(t, q, messages(3)...)
	net := newFakeNet(true)
	tr := &fakeTransport{respond: func(int, string, mutation.Mutation) error {
		net.online.Store(false)
		return nil
	}}
	o := New(q, tr, net)

	res, _ := o.Drain(context.Background())
	require.Equal(t, 1, res.Delivered)
	require.Equal(t, StateIdle, o.State())

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

type fakeGate struct {
	full map[string]bool
}

func (g fakeGate) ShouldFastFail(_ context.Context, it outbox.Item) (bool, capacity.View, error) {
	return g.full[it.ID], capacity.View{SlotID: "A", Capacity: 1, ServerConfirmed: 1, Known: true}, nil
}

func TestFastFailDeadLettersWithoutCallingRemote(t *testing.T) {
	q := newTestQueue(t)
	ids := enqueue(t, q,
		mutation.CheckIn{SlotID: "A", UserID: "1"},
		mutation.CheckIn{SlotID: "A", UserID: "2"},
	)
	tr := &fakeTransport{}
	o := New(q, tr, newFakeNet(true), WithCapacityGate(fakeGate{full: map[string]bool{ids[1]: true}}))

	res, _ := o.Drain(context.Background())
	require.Equal(t, 1, res.Delivered)
	require.Equal(t, 1, res.DeadLettered)
	require.Equal(t, []string{ids[0]}, tr.ids())

	dead, err := q.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, capacity.ErrCapacityExceededLocalEstimate.Error(), dead[0].Reason)
	require.Zero(t, dead[0].Attempts)
}

type fakeRefresher struct {
	mu          sync.Mutex
	fail        map[string]bool
	refreshed   []string
	invalidated []string
}

func (f *fakeRefresher) Refresh(_ context.Context, res offlinesync.Resource) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[res.Key] {
		return nil, errors.New("boom")
	}
	f.refreshed = append(f.refreshed, res.Key)
	return []byte("{}"), nil
}

func (f *fakeRefresher) Invalidate(_ context.Context, res offlinesync.Resource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, res.Key)
}

func TestDeliveryRefreshesInvalidatedResources(t *testing.T) {
	q := newTestQueue(t)
	enqueue(t, q, mutation.CheckIn{SlotID: "A", UserID: "1", CondoID: "c1"})
	ref := &fakeRefresher{fail: map[string]bool{"schedules:c1": true}}
	o := New(q, &fakeTransport{}, newFakeNet(true), WithRefresher(ref))

	o.Drain(context.Background())
	require.Equal(t, []string{"schedule:A"}, ref.refreshed)
	require.Equal(t, []string{"schedules:c1"}, ref.invalidated)
}

func TestStepTransitions(t *testing.T) {
	q := newTestQueue(t)
	enqueue(t, q, messages(1)...)
	o := New(q, &fakeTransport{}, newFakeNet(true))
	ctx := context.Background()

	want := []State{StateDraining, StateDraining, StateIdle, StateIdle}
	for i, w := range want {
		got, err := o.Step(ctx)
		require.NoError(t, err)
		require.Equal(t, w, got, "step %d", i)
	}
	require.EqualValues(t, 1, o.DrainsStarted())
}

func TestStartDrainsWhenConnectivityReturns(t *testing.T) {
	q := newTestQueue(t)
	enqueue(t, q, messages(2)...)
	net := newFakeNet(false)
	tr := &fakeTransport{}
	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour
	o := New(q, tr, net, WithConfig(cfg))

	ctx := context.Background()
	o.Start(ctx)
	t.Cleanup(func() { _ = o.Stop(context.Background()) })

	net.goOnline()

	require.Eventually(t, func() bool {
		n, err := q.Len(ctx)
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, tr.ids(), 2)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, o.Stop(stopCtx))
	require.Equal(t, StateIdle, o.State())
}

func TestStopWithoutStart(t *testing.T) {
	o := New(newTestQueue(t), &fakeTransport{}, newFakeNet(true))
	require.NoError(t, o.Stop(context.Background()))
}
