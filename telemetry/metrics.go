package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.38.0"
)

const (
	meterName = "github.com/wolfeidau/offline-sync"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram

	remoteRequestsTotal metric.Int64Counter
	remoteDuration      metric.Float64Histogram
	remoteBytesTotal    metric.Int64Counter

	cacheOpsTotal metric.Int64Counter

	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	enqueuedTotal     metric.Int64Counter
	deliveriesTotal   metric.Int64Counter
	deliveryDuration  metric.Float64Histogram
	deadLettersTotal  metric.Int64Counter
	drainsTotal       metric.Int64Counter
	drainDuration     metric.Float64Histogram
	drainsCoalesced   metric.Int64Counter
	backoffSeconds    metric.Float64Histogram
	pendingMutations  metric.Int64Gauge
	connectivityState metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "offline-sync"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"offline_sync_http_requests_total",
		metric.WithDescription("Total number of requests served by the local HTTP surface"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"offline_sync_http_request_duration_seconds",
		metric.WithDescription("Local HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.remoteRequestsTotal, err = meter.Int64Counter(
		"offline_sync_remote_requests_total",
		metric.WithDescription("Total number of requests sent to the remote API"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.remoteDuration, err = meter.Float64Histogram(
		"offline_sync_remote_request_duration_seconds",
		metric.WithDescription("Duration of remote API requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30),
	); err != nil {
		return nil, err
	}

	if m.remoteBytesTotal, err = meter.Int64Counter(
		"offline_sync_remote_response_bytes_total",
		metric.WithDescription("Total bytes read from remote API responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cacheOpsTotal, err = meter.Int64Counter(
		"offline_sync_cache_ops_total",
		metric.WithDescription("Cache store operations by op and result"),
		metric.WithUnit("{op}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDeletedTotal, err = meter.Int64Counter(
		"offline_sync_reaper_deleted_total",
		metric.WithDescription("Total expired cache entries deleted by the reaper"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDuration, err = meter.Float64Histogram(
		"offline_sync_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.enqueuedTotal, err = meter.Int64Counter(
		"offline_sync_outbox_enqueued_total",
		metric.WithDescription("Mutations recorded in the outbox by kind and result"),
		metric.WithUnit("{mutation}"),
	); err != nil {
		return nil, err
	}

	if m.deliveriesTotal, err = meter.Int64Counter(
		"offline_sync_deliveries_total",
		metric.WithDescription("Delivery attempts by kind and outcome"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}

	if m.deliveryDuration, err = meter.Float64Histogram(
		"offline_sync_delivery_duration_seconds",
		metric.WithDescription("Duration of a single delivery attempt"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30),
	); err != nil {
		return nil, err
	}

	if m.deadLettersTotal, err = meter.Int64Counter(
		"offline_sync_dead_letters_total",
		metric.WithDescription("Mutations moved to the dead-letter list by kind and reason"),
		metric.WithUnit("{mutation}"),
	); err != nil {
		return nil, err
	}

	if m.drainsTotal, err = meter.Int64Counter(
		"offline_sync_drains_total",
		metric.WithDescription("Drain cycles started by trigger"),
		metric.WithUnit("{drain}"),
	); err != nil {
		return nil, err
	}

	if m.drainDuration, err = meter.Float64Histogram(
		"offline_sync_drain_duration_seconds",
		metric.WithDescription("Duration of drain cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120),
	); err != nil {
		return nil, err
	}

	if m.drainsCoalesced, err = meter.Int64Counter(
		"offline_sync_drains_coalesced_total",
		metric.WithDescription("Drain triggers dropped because a drain was already active"),
		metric.WithUnit("{trigger}"),
	); err != nil {
		return nil, err
	}

	if m.backoffSeconds, err = meter.Float64Histogram(
		"offline_sync_backoff_seconds",
		metric.WithDescription("Cooldowns entered after rate-limited deliveries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2, 5, 10, 30, 60),
	); err != nil {
		return nil, err
	}

	if m.pendingMutations, err = meter.Int64Gauge(
		"offline_sync_pending_mutations",
		metric.WithDescription("Mutations waiting in the outbox"),
		metric.WithUnit("{mutation}"),
	); err != nil {
		return nil, err
	}

	if m.connectivityState, err = meter.Int64Gauge(
		"offline_sync_online",
		metric.WithDescription("1 when the remote is considered reachable, 0 otherwise"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records local HTTP surface metrics.
// Call this from the logging middleware after the request completes.
func RecordHTTP(ctx context.Context, r *http.Request, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	endpoint := "unknown"
	cacheResult := string(CacheBypass)
	if tags := GetTags(r); tags != nil {
		if tags.Endpoint != "" {
			endpoint = tags.Endpoint
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRemoteCall records a request to the remote API.
func RecordRemoteCall(ctx context.Context, method, outcome string, duration time.Duration, bytesRead int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	)
	globalMetrics.remoteRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.remoteDuration.Record(ctx, duration.Seconds(), attrs)
	if bytesRead > 0 {
		globalMetrics.remoteBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordCacheOp records a cache store operation.
// op is "get", "set", "delete" or "clear"; result is "hit", "miss", "expired", "ok" or "error".
func RecordCacheOp(ctx context.Context, op, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheOpsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("result", result),
	))
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
func RecordReaperCycle(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds())
}

// RecordEnqueue records a mutation being recorded in the outbox.
// result is "new", "deduplicated" or "annihilated".
func RecordEnqueue(ctx context.Context, kind, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.enqueuedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}

// RecordDelivery records one delivery attempt.
// outcome is "success", "rate_limited", "transient", "terminal" or "fast_fail".
func RecordDelivery(ctx context.Context, kind, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	globalMetrics.deliveriesTotal.Add(ctx, 1, attrs)
	globalMetrics.deliveryDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDeadLetter records a mutation moved to the dead-letter list.
func RecordDeadLetter(ctx context.Context, kind, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.deadLettersTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("reason", reason),
	))
}

// RecordDrain records a completed drain cycle.
func RecordDrain(ctx context.Context, trigger string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("trigger", trigger))
	globalMetrics.drainsTotal.Add(ctx, 1, attrs)
	globalMetrics.drainDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDrainCoalesced records a trigger that found a drain already running.
func RecordDrainCoalesced(ctx context.Context, trigger string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.drainsCoalesced.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordBackoff records a rate-limit cooldown.
func RecordBackoff(ctx context.Context, cooldown time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.backoffSeconds.Record(ctx, cooldown.Seconds())
}

// SetPending updates the pending mutations gauge.
func SetPending(ctx context.Context, n int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.pendingMutations.Record(ctx, int64(n))
}

// SetOnline updates the connectivity gauge.
func SetOnline(ctx context.Context, online bool) {
	if globalMetrics == nil {
		return
	}
	var v int64
	if online {
		v = 1
	}
	globalMetrics.connectivityState.Record(ctx, v)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
