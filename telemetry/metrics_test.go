package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findGauge finds a gauge metric by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/capacity/A", nil)
	r = InjectTags(r)
	SetEndpoint(r, "capacity")
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "offline_sync_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "capacity"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	histDps := findHistogram(rm, "offline_sync_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	// Request without InjectTags simulates a request that bypasses middleware
	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "offline_sync_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordHTTP_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r = InjectTags(r)

	// Should not panic
	RecordHTTP(context.Background(), r, http.StatusOK, 1*time.Millisecond)
	RecordDelivery(context.Background(), "CHECKIN", "success", time.Millisecond)
	SetPending(context.Background(), 3)
	SetOnline(context.Background(), true)
}

func TestRecordEnqueueAndDeadLetter(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordEnqueue(ctx, "CHECKIN", "new")
	RecordEnqueue(ctx, "CHECKIN", "new")
	RecordEnqueue(ctx, "PROFILE_UPDATE", "deduplicated")
	RecordDeadLetter(ctx, "CHECKIN", "terminal")

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "offline_sync_outbox_enqueued_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "kind", "CHECKIN") {
			require.EqualValues(t, 2, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "result", "new"))
		} else {
			require.EqualValues(t, 1, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "result", "deduplicated"))
		}
	}

	dl := findCounter(rm, "offline_sync_dead_letters_total")
	require.Len(t, dl, 1)
	require.True(t, hasAttr(dl[0].Attributes, "reason", "terminal"))
}

func TestRecordDrain(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordDrain(ctx, TriggerOnline, 200*time.Millisecond)
	RecordDrainCoalesced(ctx, TriggerTick)
	RecordDrainCoalesced(ctx, TriggerTick)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "offline_sync_drains_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "trigger", "online"))

	coalesced := findCounter(rm, "offline_sync_drains_coalesced_total")
	require.Len(t, coalesced, 1)
	require.EqualValues(t, 2, coalesced[0].Value)
}

func TestGauges(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	SetPending(ctx, 4)
	SetPending(ctx, 2)
	SetOnline(ctx, true)

	rm := collectMetrics(t, reader)

	pending := findGauge(rm, "offline_sync_pending_mutations")
	require.Len(t, pending, 1)
	require.EqualValues(t, 2, pending[0].Value)

	online := findGauge(rm, "offline_sync_online")
	require.Len(t, online, 1)
	require.EqualValues(t, 1, online[0].Value)
}

func TestRecordCacheOp(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCacheOp(ctx, "get", "hit")
	RecordCacheOp(ctx, "get", "expired")
	RecordReaperCycle(ctx, 5, 10*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "offline_sync_cache_ops_total")
	require.Len(t, dps, 2)

	deleted := findCounter(rm, "offline_sync_reaper_deleted_total")
	require.Len(t, deleted, 1)
	require.EqualValues(t, 5, deleted[0].Value)
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
