package netstate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProbeReportsHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	m := NewMonitor(WithConfirmWindow(0))
	defer m.Close()
	p := NewProber(m, srv.URL+"/health")

	require.True(t, p.Probe(context.Background()))
	require.True(t, m.IsOnline())

	healthy.Store(false)
	require.False(t, p.Probe(context.Background()))
	require.False(t, m.IsOnline())
}

func TestProbeUnreachable(t *testing.T) {
	m := NewMonitor(WithConfirmWindow(0), WithInitialState(true))
	defer m.Close()
	p := NewProber(m, "http://127.0.0.1:1/health", WithProbeTimeout(200*time.Millisecond))

	require.False(t, p.Probe(context.Background()))
	require.False(t, m.IsOnline())
}

func TestProberRun(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	m := NewMonitor(WithConfirmWindow(0))
	defer m.Close()
	p := NewProber(m, srv.URL, WithProbeInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return hits.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.True(t, m.IsOnline())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("prober did not stop")
	}
	require.True(t, m.IsOnline(), "cancellation is not reported as offline")
}
