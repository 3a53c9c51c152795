package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/check/1", nil)
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
	r := httptest.NewRequest(http.MethodGet, "/check/1", nil)
	require.Nil(t, GetTags(r))
}

func TestSetCacheResult(t *testing.T) {
	r := newTaggedRequest()
	SetCacheResult(r.Context(), CacheHit)
	require.Equal(t, CacheHit, GetTags(r).CacheResult)
}

func TestSetCacheResult_NoopWithoutInject(t *testing.T) {
	SetCacheResult(context.Background(), CacheMiss) // should not panic
}

func TestSetCacheResult_PropagatesThroughDerivedContext(t *testing.T) {
	r := newTaggedRequest()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	SetCacheResult(ctx, CacheMiss)
	require.Equal(t, CacheMiss, GetTags(r).CacheResult)
}

func TestSetEndpoint(t *testing.T) {
	r := newTaggedRequest()
	SetEndpoint(r, "check")
	require.Equal(t, "check", GetTags(r).Endpoint)
}

func TestSetEndpoint_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	SetEndpoint(r, "whoami") // should not panic
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetCacheResult(r.Context(), CacheHit)
	SetEndpoint(r, "check")

	require.Equal(t, CacheHit, tags.CacheResult)
	require.Equal(t, "check", tags.Endpoint)
}
