// SPDX-License-Identifier: MIT

package guard

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"github.com/nvplatform/gateway/internal/problem"
	"github.com/nvplatform/gateway/internal/seclog"
)

// RateLimitConfig configures the global backstop limiter.
type RateLimitConfig struct {
	Points int           // max requests per window per key
	Window time.Duration // counting window
}

// RateLimit is the global request backstop: a windowed counter keyed by
// (client ip, method, path). Denials emit a SECURITY event and reply 429
// with a Retry-After hint. Internal limiter errors fail open.
func RateLimit(cfg RateLimitConfig, sec *seclog.Logger) func(http.Handler) http.Handler {
	retryAfter := int(math.Ceil(cfg.Window.Seconds()))

	return httprate.Limit(
		cfg.Points,
		cfg.Window,
		httprate.WithKeyFuncs(keyByRequest),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			sec.EmitRequest(r, seclog.KindRateLimit, seclog.RuleGlobalBackstop, map[string]string{
				"points":    strconv.Itoa(cfg.Points),
				"window_ms": strconv.FormatInt(cfg.Window.Milliseconds(), 10),
			})
			problem.TooManyRequests(w, r, retryAfter,
				"Request rate limit exceeded for this route.")
		}),
	)
}

// keyByRequest builds the (ip, method, path) limiter key.
func keyByRequest(r *http.Request) (string, error) {
	return ClientIP(r) + "|" + r.Method + "|" + r.URL.Path, nil
}

// ClientIP extracts the real client address, honoring forwarded chains.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First hop in the chain is the original client.
		if idx := strings.IndexByte(xff, ','); idx > 0 {
			xff = xff[:idx]
		}
		if xff = strings.TrimSpace(xff); xff != "" {
			return xff
		}
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
