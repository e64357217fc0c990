// Package middleware contains the Gin middleware of the dispatch API.
//
// This file implements a fixed-window rate limiter backed by a shared
// counter, so the limit holds across every API instance that points at the
// same Redis. Each request increments "<prefix>:<identity>" for the current
// window; the first increment sets the window's expiry.
//
// The limiter fails open: when the counter is unavailable the request is
// allowed and a warning is logged. Losing Redis degrades abuse protection,
// never availability.
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var rateLimitRejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Requests rejected by the rate limiter.",
	},
	[]string{"path"},
)

var rateLimitErrors = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "rate_limit_counter_errors_total",
		Help: "Counter failures that let a request through unchecked.",
	},
)

func init() {
	prometheus.MustRegister(rateLimitRejections, rateLimitErrors)
}

// Counter increments key within a fixed window and returns the new count.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// keyFunc selects the identity a request is counted against.
type keyFunc func(*gin.Context) string

// KeyByTenantOrIP counts per tenant and falls back to the client IP for
// requests that carry no tenant (webhooks, health checks).
func KeyByTenantOrIP() keyFunc {
	return func(c *gin.Context) string {
		if t := TenantFrom(c); t != "" {
			return "tenant:" + t
		}
		if t := c.GetHeader(HeaderTenantID); t != "" && tenantPattern.MatchString(t) {
			return "tenant:" + t
		}
		return "ip:" + c.ClientIP()
	}
}

// RateLimiter allows Limit requests per Window for each identity.
type RateLimiter struct {
	counter Counter
	limit   int64
	window  time.Duration
	prefix  string
	keyFn   keyFunc
	timeout time.Duration
}

// NewRateLimiter builds a limiter. A limit <= 0 disables limiting; a window
// <= 0 defaults to one minute.
func NewRateLimiter(counter Counter, limit int, window time.Duration, prefix string, keyFn keyFunc) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if prefix == "" {
		prefix = "api"
	}
	if keyFn == nil {
		keyFn = KeyByTenantOrIP()
	}
	return &RateLimiter{
		counter: counter,
		limit:   int64(limit),
		window:  window,
		prefix:  prefix,
		keyFn:   keyFn,
		timeout: 250 * time.Millisecond,
	}
}

// Handler returns the Gin middleware. Over-limit requests get 429 with
// Retry-After set to the window length in seconds.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	retryAfter := strconv.Itoa(int((rl.window + time.Second - 1) / time.Second))

	return func(c *gin.Context) {
		if rl.counter == nil || rl.limit <= 0 {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), rl.timeout)
		n, err := rl.counter.Incr(ctx, rl.prefix+":"+rl.keyFn(c), rl.window)
		cancel()
		if err != nil {
			rateLimitErrors.Inc()
			LoggerFrom(c).Warn().Err(err).Msg("rate limit counter unavailable, allowing request")
			c.Next()
			return
		}

		if n > rl.limit {
			rateLimitRejections.WithLabelValues(route(c)).Inc()
			c.Header("Retry-After", retryAfter)
			abortJSON(c, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		c.Next()
	}
}
