// SPDX-License-Identifier: MIT

package clientauth

import (
	"net/http"
	"strings"

	"github.com/nvplatform/gateway/internal/log"
	"github.com/nvplatform/gateway/internal/problem"
)

// TokenVerifier abstracts Verify for the gate so tests can stub it.
type TokenVerifier interface {
	Verify(raw string) (*Identity, error)
}

// GateConfig controls the coarse client-auth gate. Non-GET requests require
// a token unless the path starts with a public prefix; GETs are public
// unless a protected prefix matches.
type GateConfig struct {
	Required             bool
	Bypass               bool
	ReadOnly             bool
	ReadOnlyExemptPaths  []string
	PublicPrefixes       []string
	ProtectedGetPrefixes []string
}

// Gate builds the client-auth middleware. A nil verifier with Required set
// is a deployment mistake; affected requests get 503, never 500.
func Gate(cfg GateConfig, verifier TokenVerifier) func(http.Handler) http.Handler {
	logger := log.WithComponent("clientauth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.ReadOnly && isMutating(r.Method) && !hasPrefix(r.URL.Path, cfg.ReadOnlyExemptPaths) {
				problem.ServiceUnavailable(w, r, "Gateway is in read-only mode.")
				return
			}

			if cfg.Bypass {
				// Bypass deployments synthesize an identity for every
				// request so downstream route policy sees an
				// authenticated caller.
				ctx := ContextWithIdentity(r.Context(), &Identity{
					Subject:  "bypass",
					Bypassed: true,
				})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if !cfg.Required || !requiresAuth(r, cfg) {
				next.ServeHTTP(w, r)
				return
			}

			if verifier == nil {
				logger.Error().Msg("client auth required but no verifier configured")
				problem.ServiceUnavailable(w, r, "Authentication is temporarily unavailable.")
				return
			}

			raw := BearerFromRequest(r)
			if raw == "" {
				problem.Unauthorized(w, r, "Missing bearer token.")
				return
			}

			id, err := verifier.Verify(raw)
			if err != nil {
				logger.Debug().Err(err).Str(log.FieldPath, r.URL.Path).Msg("client token rejected")
				problem.Unauthorized(w, r, "Invalid bearer token.")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
		})
	}
}

// BearerFromRequest extracts the bearer token from the Authorization header.
func BearerFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func requiresAuth(r *http.Request, cfg GateConfig) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return hasPrefix(r.URL.Path, cfg.ProtectedGetPrefixes)
	}
	return !hasPrefix(r.URL.Path, cfg.PublicPrefixes)
}

func isMutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func hasPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
