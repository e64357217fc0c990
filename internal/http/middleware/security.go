// Package middleware contains the Gin middleware of the dispatch API.
//
// This file provides SecurityHeaders, the hardening headers attached to every
// API response. Write endpoints return stored responses on retry, so caches
// between client and server must never keep them: no-store is applied to all
// non-GET requests regardless of options.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// exposedHeaders are readable by browser clients behind CORS.
var exposedHeaders = []string{requestIDHeader, HeaderIdempotencyReplayed, "Retry-After"}

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	// EnableHSTS emits Strict-Transport-Security on HTTPS requests. Only set
	// it when traffic is HTTPS end to end.
	EnableHSTS bool
	HSTSMaxAge time.Duration
	// NoStore disables caching for reads as well.
	NoStore bool
}

// SecurityHeaders sets nosniff, frame and referrer policies, cache control
// and the CORS expose list.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.NoStore || c.Request.Method != http.MethodGet {
			h.Set("Cache-Control", "no-store")
		}
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}
		h.Set("Access-Control-Expose-Headers", mergeList(h.Get("Access-Control-Expose-Headers"), exposedHeaders))

		c.Next()
	}
}

// isHTTPS reports whether the request arrived over TLS, directly or through a
// proxy that set X-Forwarded-Proto.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// mergeList appends names missing from the comma-separated list cur.
func mergeList(cur string, names []string) string {
	out := cur
	for _, n := range names {
		if strings.Contains(strings.ToLower(out), strings.ToLower(n)) {
			continue
		}
		if out == "" {
			out = n
		} else {
			out += ", " + n
		}
	}
	return out
}
