package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
	require.Empty(t, tags.Endpoint)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetEndpoint(r, "status")
	SetCacheResult(r, CacheHit)
	SetKind(r, "CHECKIN")
}

func TestSetCacheResult_OverridesDefault(t *testing.T) {
	r := newTaggedRequest()
	require.Equal(t, CacheBypass, GetTags(r).CacheResult)
	SetCacheResult(r, CacheMiss)
	require.Equal(t, CacheMiss, GetTags(r).CacheResult)
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "capacity")
	SetKind(r, "CHECKIN")

	require.Equal(t, CacheHit, tags.CacheResult)
	require.Equal(t, "capacity", tags.Endpoint)
	require.Equal(t, "CHECKIN", tags.Kind)
}

func TestTriggerContext(t *testing.T) {
	require.Equal(t, TriggerManual, TriggerFromContext(context.Background()))

	ctx := WithTrigger(context.Background(), TriggerOnline)
	require.Equal(t, TriggerOnline, TriggerFromContext(ctx))

	ctx = WithTrigger(context.Background(), "")
	require.Equal(t, TriggerManual, TriggerFromContext(ctx))
}
