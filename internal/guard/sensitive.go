// SPDX-License-Identifier: MIT

package guard

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nvplatform/gateway/internal/log"
	"github.com/nvplatform/gateway/internal/problem"
	"github.com/nvplatform/gateway/internal/seclog"
)

// Counter is the external atomic counter the sensitive limiter uses.
// Redis implements it with INCR + EXPIRE.
type Counter interface {
	// Incr bumps key and returns the post-increment count. The window TTL
	// is applied when the key is created.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter backs Counter with a Redis client.
type RedisCounter struct {
	Client *redis.Client
}

// Incr runs INCR and, for a fresh key, EXPIRE in a pipeline.
func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := c.Client.Expire(ctx, key, window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// SensitiveConfig configures the per-IP limiter for sensitive path prefixes.
type SensitiveConfig struct {
	Prefixes []string
	Window   time.Duration
	Max      int
}

// SensitiveLimit throttles abuse-prone paths (login, token refresh, …) per
// client ip using an external counter store. Store failures fail open: a
// broken Redis never takes down legitimate traffic.
func SensitiveLimit(cfg SensitiveConfig, counter Counter, sec *seclog.Logger) func(http.Handler) http.Handler {
	logger := log.WithComponent("sensitive-limit")
	retryAfter := int(cfg.Window.Seconds())

	return func(next http.Handler) http.Handler {
		if len(cfg.Prefixes) == 0 || counter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !matchesPrefix(r.URL.Path, cfg.Prefixes) {
				next.ServeHTTP(w, r)
				return
			}

			key := "nvgw:sensitive:" + ClientIP(r)
			n, err := counter.Incr(r.Context(), key, cfg.Window)
			if err != nil {
				logger.Warn().Err(err).Msg("counter store unavailable, failing open")
				next.ServeHTTP(w, r)
				return
			}
			if n > int64(cfg.Max) {
				sec.EmitRequest(r, seclog.KindRateLimit, seclog.RuleSensitivePath, map[string]string{
					"count": strconv.FormatInt(n, 10),
					"max":   strconv.Itoa(cfg.Max),
				})
				problem.TooManyRequests(w, r, retryAfter,
					"Rate limit exceeded for sensitive path.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func matchesPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
