// SPDX-License-Identifier: MIT

// Package health serves liveness, aggregate readiness and the per-service
// health proxy. All of it is public and unaudited.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/nvplatform/gateway/internal/forward"
	"github.com/nvplatform/gateway/internal/log"
	"github.com/nvplatform/gateway/internal/mirror"
	"github.com/nvplatform/gateway/internal/problem"
)

// MirrorSource is the mirror capability health checks need.
type MirrorSource interface {
	Lookup(slug string) (mirror.ServiceConfig, bool)
	Readiness() mirror.Readiness
}

// Config wires the health surface.
type Config struct {
	Service       string
	Env           string
	Version       string
	RequiredSlugs []string
	ProbeTimeout  time.Duration
	Mirror        MirrorSource
	Client        *http.Client
}

// Handler owns the health endpoints.
type Handler struct {
	cfg     Config
	started time.Time
}

// New builds a Handler; uptime counts from here.
func New(cfg Config) *Handler {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	return &Handler{cfg: cfg, started: time.Now()}
}

type livenessBody struct {
	OK      bool   `json:"ok"`
	Service string `json:"service"`
	Env     string `json:"env"`
	Version string `json:"version"`
	Uptime  int64  `json:"uptime"` // seconds
}

// Liveness always succeeds while the process can serve at all.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, livenessBody{
		OK:      true,
		Service: h.cfg.Service,
		Env:     h.cfg.Env,
		Version: h.cfg.Version,
		Uptime:  int64(time.Since(h.started).Seconds()),
	})
}

type readinessBody struct {
	OK     bool              `json:"ok"`
	Checks map[string]string `json:"checks"`
}

// Readiness fans out to the mirror and every required upstream's
// readiness endpoint; all must pass.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.cfg.RequiredSlugs)+1)
	var mu sync.Mutex
	record := func(name, detail string) {
		mu.Lock()
		checks[name] = detail
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		mr := h.cfg.Mirror.Readiness()
		if !mr.OK {
			record("mirror", fmt.Sprintf("no snapshot (source=%s)", mr.Source))
			return fmt.Errorf("mirror not ready")
		}
		record("mirror", fmt.Sprintf("ok (source=%s, age=%dms)", mr.Source, mr.AgeMS))
		return nil
	})
	for _, slug := range h.cfg.RequiredSlugs {
		slug := slug
		g.Go(func() error {
			detail, err := h.probe(ctx, slug)
			record(slug, detail)
			return err
		})
	}
	err := g.Wait()

	status := http.StatusOK
	if err != nil {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readinessBody{OK: err == nil, Checks: checks})
}

// probe hits one upstream's readiness endpoint with the per-probe
// timeout. The outbound API prefix is bypassed for health traffic.
func (h *Handler) probe(ctx context.Context, slug string) (string, error) {
	svc, ok := h.cfg.Mirror.Lookup(slug)
	if !ok {
		return "not in mirror", fmt.Errorf("%s: not in mirror", slug)
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()
	target := forward.JoinURL(svc.BaseURL, "", svc.HealthPath+"/ready")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err.Error(), fmt.Errorf("%s: %w", slug, err)
	}
	resp, err := h.cfg.Client.Do(req)
	if err != nil {
		return "unreachable", fmt.Errorf("%s: %w", slug, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 400 {
		return fmt.Sprintf("status %d", resp.StatusCode), fmt.Errorf("%s: status %d", slug, resp.StatusCode)
	}
	return "ok", nil
}

// ServiceProxy relays /{slug}/health/{kind} to the service's configured
// health endpoint. Disabled services still answer; only exposeHealth=false
// hides them.
func (h *Handler) ServiceProxy(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	kind := chi.URLParam(r, "kind")
	if kind != "live" && kind != "ready" {
		problem.NotFound(w, r, fmt.Sprintf("Unknown health kind %q.", kind))
		return
	}
	svc, ok := h.cfg.Mirror.Lookup(slug)
	if !ok || !svc.HealthExposed() {
		problem.NotFound(w, r, fmt.Sprintf("Service '%s' has no exposed health endpoint.", slug))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.ProbeTimeout)
	defer cancel()
	target := forward.JoinURL(svc.BaseURL, "", svc.HealthPath+"/"+kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		problem.BadGateway(w, r, "Unable to build health probe.")
		return
	}
	resp, err := h.cfg.Client.Do(req)
	if err != nil {
		logger := log.WithComponentFromContext(r.Context(), "health")
		logger.Warn().
			Err(err).
			Str(log.FieldSlug, slug).
			Msg("health proxy failed")
		problem.BadGateway(w, r, fmt.Sprintf("Health probe to '%s' failed.", slug))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
