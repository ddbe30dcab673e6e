// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

package httputil

import (
	"net/http"
	"sync"
	"time"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "palaver",
			Subsystem: "adminapi",
			Name:      "rate_limit_rejections",
			Help:      "Total number of requests rejected by rate limiting",
		},
		[]string{"endpoint"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "palaver",
			Subsystem: "adminapi",
			Name:      "rate_limit_allowed",
			Help:      "Total number of requests allowed by rate limiting",
		},
		[]string{"endpoint"},
	)
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
	})
}

// RateLimits applies a token bucket per endpoint path. The admin API is
// loopback-only with a single caller, so there is no per-client keying;
// the limiter exists to stop a runaway frontend from hammering the
// homeserver through the history endpoint.
type RateLimits struct {
	mutex   sync.Mutex
	limits  map[string]*rate.Limiter
	enabled bool
	perSec  rate.Limit
	burst   int
}

// NewRateLimits builds a limiter allowing threshold requests per cooloff
// period, with bursts up to threshold. A zero threshold disables limiting.
func NewRateLimits(threshold int64, cooloff time.Duration) *RateLimits {
	l := &RateLimits{
		limits:  make(map[string]*rate.Limiter),
		enabled: threshold > 0 && cooloff > 0,
	}
	if l.enabled {
		l.perSec = rate.Limit(float64(threshold) * float64(time.Second) / float64(cooloff))
		l.burst = int(threshold)
	}
	return l
}

// Limit returns a 429 response if the request should be rejected, or nil
// to let it through.
func (l *RateLimits) Limit(req *http.Request) *util.JSONResponse {
	endpoint := endpointLabel(req)
	if !l.enabled {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	l.mutex.Lock()
	limiter, ok := l.limits[endpoint]
	if !ok {
		limiter = rate.NewLimiter(l.perSec, l.burst)
		l.limits[endpoint] = limiter
	}
	l.mutex.Unlock()

	if limiter.Allow() {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	rateLimitRejections.WithLabelValues(endpoint).Inc()
	resp := util.MessageResponse(http.StatusTooManyRequests, "You are sending too many requests too quickly!")
	return &resp
}

// Middleware wraps next so limited requests are answered with the JSON
// rejection before reaching the handler.
func (l *RateLimits) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if resp := l.Limit(req); resp != nil {
			util.MakeJSONAPI(util.NewJSONRequestHandler(func(*http.Request) util.JSONResponse {
				return *resp
			})).ServeHTTP(w, req)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func endpointLabel(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "unknown"
	}
	return req.URL.Path
}
