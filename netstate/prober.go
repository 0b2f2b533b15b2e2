package netstate

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Prober polls a health endpoint and reports the result to a Monitor.
type Prober struct {
	monitor  *Monitor
	url      string
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeInterval sets how often the endpoint is polled.
func WithProbeInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		p.interval = d
	}
}

// WithProbeTimeout bounds each probe.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		p.timeout = d
	}
}

// WithProbeClient sets the HTTP client used for probes.
func WithProbeClient(c *http.Client) ProberOption {
	return func(p *Prober) {
		p.client = c
	}
}

// WithProbeLogger sets the logger for the prober.
func WithProbeLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = logger
	}
}

// NewProber creates a prober for healthURL.
// Defaults: interval=10s, timeout=5s.
func NewProber(monitor *Monitor, healthURL string, opts ...ProberOption) *Prober {
	p := &Prober{
		monitor:  monitor,
		url:      healthURL,
		client:   http.DefaultClient,
		interval: 10 * time.Second,
		timeout:  5 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe checks the endpoint once and reports the result.
// A 2xx response means online; anything else means offline.
func (p *Prober) Probe(ctx context.Context) bool {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err == nil {
		resp, err := p.client.Do(req)
		if err != nil {
			p.logger.Debug("health probe failed", "url", p.url, "error", err)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			online = resp.StatusCode >= 200 && resp.StatusCode < 300
			if !online {
				p.logger.Debug("health probe unhealthy", "url", p.url, "status", resp.StatusCode)
			}
		}
	}

	// Shutting down is not evidence of being offline.
	if parent.Err() != nil {
		return false
	}
	p.monitor.Report(online)
	return online
}

// Run probes immediately and then on every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Debug("health prober started", "url", p.url, "interval", p.interval)
	p.Probe(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("health prober stopped")
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
