// SPDX-License-Identifier: MIT

// Package server assembles the gateway's HTTP pipeline: guardrails,
// client auth, audit capture and the versioned-route forwarder, in the
// order the edge contract prescribes.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nvplatform/gateway/internal/audit"
	"github.com/nvplatform/gateway/internal/clientauth"
	"github.com/nvplatform/gateway/internal/config"
	"github.com/nvplatform/gateway/internal/forward"
	"github.com/nvplatform/gateway/internal/guard"
	"github.com/nvplatform/gateway/internal/health"
	"github.com/nvplatform/gateway/internal/log"
	"github.com/nvplatform/gateway/internal/mirror"
	"github.com/nvplatform/gateway/internal/policy"
	"github.com/nvplatform/gateway/internal/problem"
	"github.com/nvplatform/gateway/internal/seclog"
)

// MirrorSource is the read surface the router needs from the mirror.
type MirrorSource interface {
	Lookup(slug string) (mirror.ServiceConfig, bool)
	Readiness() mirror.Readiness
}

// Deps are the runtime collaborators the router wires together. Audit,
// SensitiveCounter and Verifier may be nil; the affected stages degrade
// the way their packages define.
type Deps struct {
	Config           *config.Config
	Mirror           MirrorSource
	Forwarder        *forward.Forwarder
	Audit            audit.Recorder
	Verifier         clientauth.TokenVerifier
	Breakers         *guard.BreakerGroup
	SensitiveCounter guard.Counter
	Health           *health.Handler
	Security         *seclog.Logger
}

// Router builds the complete gateway handler.
func Router(d Deps) http.Handler {
	cfg := d.Config
	r := chi.NewRouter()

	r.Use(guard.HTTPSOnly(cfg.HTTPSOnly))
	r.Use(corsHandler(cfg.CORSOrigins))
	r.Use(guard.RequestID)
	r.Use(log.Middleware())
	r.Use(Metrics())
	r.Use(guard.Trace5xx)
	r.Use(guard.Recoverer)

	// Public, unaudited surface.
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("gateway is up"))
	})
	r.Get("/health", d.Health.Liveness)
	r.Get("/healthz", d.Health.Liveness)
	r.Get("/readyz", d.Health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	jwks := newJWKSCache(cfg.JWKSURL, nil)
	r.Get("/.well-known/jwks.json", jwks.handler)
	r.Get("/jwks", jwks.handler)

	r.Get("/{slug}/health/{kind}", d.Health.ServiceProxy)

	// Guarded API subtree.
	api := apiHandler(d)
	r.Group(func(g chi.Router) {
		g.Use(guard.RateLimit(guard.RateLimitConfig{
			Points: cfg.RateLimitPoints,
			Window: cfg.RateLimitWindow,
		}, d.Security))
		if len(cfg.SensitivePrefixes) > 0 && d.SensitiveCounter != nil {
			g.Use(guard.SensitiveLimit(guard.SensitiveConfig{
				Prefixes: cfg.SensitivePrefixes,
				Window:   cfg.SensitiveWindow,
				Max:      cfg.SensitiveMax,
			}, d.SensitiveCounter, d.Security))
		}
		g.Use(guard.Timeout(cfg.GatewayTimeout, d.Security))
		g.Use(d.Breakers.Middleware(d.Security))
		g.Use(clientauth.Gate(clientauth.GateConfig{
			Required:             cfg.AuthRequired,
			Bypass:               cfg.AuthBypass,
			ReadOnly:             cfg.ReadOnly,
			ReadOnlyExemptPaths:  cfg.ReadOnlyExemptPaths,
			PublicPrefixes:       cfg.AuthPublicPrefixes,
			ProtectedGetPrefixes: cfg.ProtectedGetPrefixes,
		}, d.Verifier))
		g.Use(audit.Capture(d.Audit))
		g.Use(maxBody(apiMaxBodyBytes))

		g.HandleFunc("/api/{service}", api)
		g.HandleFunc("/api/{service}/*", api)

		// Unmatched routes and bad methods answer through the same
		// guard chain; nothing reaches a tail unthrottled.
		g.NotFound(func(w http.ResponseWriter, r *http.Request) {
			problem.NotFound(w, r, "No such route.")
		})
		g.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
			problem.MethodNotAllowed(w, r)
		})
	})

	return r
}

// apiHandler enforces the per-route policy, then hands off to the
// forwarder. Unknown slugs skip policy and let the forwarder produce its
// uniform 404.
func apiHandler(d Deps) http.HandlerFunc {
	enforcer := policy.NewEnforcer(d.Verifier)
	return func(w http.ResponseWriter, r *http.Request) {
		label := chi.URLParam(r, "service")
		rest := chi.URLParam(r, "*")

		if route, err := forward.ParseRoute(label, rest); err == nil {
			if svc, ok := d.Mirror.Lookup(route.Slug); ok {
				switch enforcer.Evaluate(r, svc.Policy, route.RestPath) {
				case policy.Unauthorized:
					problem.Unauthorized(w, r, "A valid user assertion is required for this route.")
					return
				case policy.Forbidden:
					problem.Forbidden(w, r, "A user assertion must not be presented on this route.")
					return
				}
			}
		}
		d.Forwarder.ServeRoute(w, r, label, rest)
	}
}

// apiMaxBodyBytes bounds request bodies on the forwarded subtree. Other
// paths stay stream-capable and uncapped.
const apiMaxBodyBytes = 10 << 20

func maxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// corsHandler configures CORS for browser clients. The gateway's own
// version and assertion headers must be allowed or preflights fail.
func corsHandler(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			"X-Request-Id", "X-NV-Api-Version", "X-NV-User-Assertion",
		},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
