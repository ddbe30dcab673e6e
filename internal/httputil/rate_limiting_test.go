package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitsDisabled(t *testing.T) {
	l := NewRateLimits(0, time.Second)
	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	for i := 0; i < 100; i++ {
		assert.Nil(t, l.Limit(req))
	}
}

func TestRateLimitsRejectsBeyondBurst(t *testing.T) {
	// 2 requests per minute leaves no meaningful refill within the test.
	l := NewRateLimits(2, time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)

	assert.Nil(t, l.Limit(req))
	assert.Nil(t, l.Limit(req))

	resp := l.Limit(req)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestRateLimitsArePerEndpoint(t *testing.T) {
	l := NewRateLimits(1, time.Minute)

	assert.Nil(t, l.Limit(httptest.NewRequest(http.MethodGet, "/rooms", nil)))
	assert.NotNil(t, l.Limit(httptest.NewRequest(http.MethodGet, "/rooms", nil)))
	// A different endpoint has its own bucket.
	assert.Nil(t, l.Limit(httptest.NewRequest(http.MethodGet, "/search", nil)))
}

func TestMiddleware(t *testing.T) {
	l := NewRateLimits(1, time.Minute)
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rooms", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rooms", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
