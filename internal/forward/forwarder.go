// SPDX-License-Identifier: MIT

// Package forward resolves versioned routes through the config mirror and
// proxies requests to internal services with a minted S2S bearer. Upstream
// failures are normalized into the gateway's problem envelope.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nvplatform/gateway/internal/guard"
	"github.com/nvplatform/gateway/internal/log"
	"github.com/nvplatform/gateway/internal/mirror"
	"github.com/nvplatform/gateway/internal/problem"
	"github.com/nvplatform/gateway/internal/token"
)

// maxBufferedBody bounds bodies the forwarder inspects for normalization.
const maxBufferedBody = 4 << 20

// Resolver is the mirror capability the forwarder needs.
type Resolver interface {
	Lookup(slug string) (mirror.ServiceConfig, bool)
}

// BearerSource mints S2S bearers for upstream calls.
type BearerSource interface {
	Mint(opts token.MintOptions) (string, error)
}

// Config configures a Forwarder.
type Config struct {
	Resolver          Resolver
	Minter            BearerSource
	CallerSlug        string
	DownstreamTimeout time.Duration
	Client            *http.Client // transport only; timeouts come from context
}

// Forwarder proxies parsed routes upstream.
type Forwarder struct {
	cfg Config
}

// New builds a Forwarder.
func New(cfg Config) *Forwarder {
	if cfg.Client == nil {
		cfg.Client = &http.Client{
			// Redirects are passed back to the client untouched.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Forwarder{cfg: cfg}
}

// ServeRoute forwards one request. serviceLabel is the raw "{slug}.V<d>"
// path element; restPath is everything after it.
func (f *Forwarder) ServeRoute(w http.ResponseWriter, r *http.Request, serviceLabel, restPath string) {
	route, err := ParseRoute(serviceLabel, restPath)
	if err != nil {
		problem.NotFound(w, r, fmt.Sprintf("Unknown route %q.", serviceLabel))
		return
	}

	svc, ok := f.cfg.Resolver.Lookup(route.Slug)
	if !ok || !svc.Enabled || !svc.AllowProxy || svc.Version != route.Version {
		problem.NotFound(w, r, fmt.Sprintf(
			"Service '%s' unavailable (unknown or disabled).", route.Slug))
		return
	}

	bearer, err := f.cfg.Minter.Mint(token.MintOptions{CallerSlug: f.cfg.CallerSlug})
	if err != nil {
		f.fail(w, r, route, http.StatusBadGateway, "Unable to authenticate upstream call.", err)
		return
	}

	target := JoinURL(svc.BaseURL, svc.OutboundAPIPrefix, applyAliases(svc.Overrides.RouteAliases, route.RestPath))
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	timeout := f.cfg.DownstreamTimeout
	if ms := svc.Overrides.TimeoutMS; ms > 0 && time.Duration(ms)*time.Millisecond < timeout {
		timeout = time.Duration(ms) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		f.fail(w, r, route, http.StatusBadGateway, "Unable to build upstream request.", err)
		return
	}
	req.Header = outboundHeaders(r, log.RequestIDFromContext(r.Context()), route.Label, bearer)
	req.ContentLength = r.ContentLength

	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		f.transportError(w, r, route, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		f.normalizeError(w, r, route, resp)
		return
	}
	f.mirrorSuccess(w, r, route, resp)
}

// applyAliases rewrites the rest path when a registry alias matches. The
// longest matching prefix wins; matches stop at segment boundaries so
// "/acts" never rewrites "/activities".
func applyAliases(aliases map[string]string, rest string) string {
	if len(aliases) == 0 {
		return rest
	}
	bestKey, bestLen := "", 0
	for key := range aliases {
		from := "/" + strings.Trim(key, "/")
		if from == "/" {
			continue
		}
		if (rest == from || strings.HasPrefix(rest, from+"/")) && len(from) > bestLen {
			bestKey, bestLen = key, len(from)
		}
	}
	if bestKey == "" {
		return rest
	}
	from := "/" + strings.Trim(bestKey, "/")
	to := "/" + strings.Trim(aliases[bestKey], "/")
	return to + strings.TrimPrefix(rest, from)
}

// mirrorSuccess relays a 2xx/3xx upstream response. Plain-text bodies are
// normalized: valid JSON passes through, anything else is wrapped in a
// {value} envelope. All other content types stream unmodified.
func (f *Forwarder) mirrorSuccess(w http.ResponseWriter, r *http.Request, route Route, resp *http.Response) {
	if responded(w) {
		_, _ = io.Copy(io.Discard, resp.Body)
		return
	}

	headers := stripInboundHopByHop(resp.Header)
	ct := headers.Get("Content-Type")

	if strings.HasPrefix(ct, "text/plain") {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
		if err != nil {
			f.transportError(w, r, route, err)
			return
		}
		var payload []byte
		if json.Valid(bytes.TrimSpace(body)) && len(bytes.TrimSpace(body)) > 0 {
			payload = bytes.TrimSpace(body)
		} else {
			payload, _ = json.Marshal(map[string]string{"value": string(body)})
		}
		headers.Set("Content-Type", "application/json; charset=utf-8")
		headers.Del("Content-Length")
		writeHead(w, headers, resp.StatusCode)
		_, _ = w.Write(payload)
		return
	}

	writeHead(w, headers, resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// normalizeError converts an upstream 4xx/5xx into the problem envelope.
func (f *Forwarder) normalizeError(w http.ResponseWriter, r *http.Request, route Route, resp *http.Response) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
	detail := errorDetail(body)

	if resp.StatusCode >= 500 {
		if ff := guard.FailureFromContext(r.Context()); ff != nil {
			ff.Record("upstream:"+route.Slug, resp.StatusCode)
		}
	}
	if responded(w) {
		return
	}
	problem.Write(w, r, resp.StatusCode, http.StatusText(resp.StatusCode), detail)
}

// errorDetail extracts a human detail from an upstream error body.
func errorDetail(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err == nil {
		for _, key := range []string{"detail", "message", "error"} {
			if s, ok := doc[key].(string); ok && s != "" {
				return s
			}
		}
		return ""
	}
	const maxDetail = 512
	s := string(body)
	if len(s) > maxDetail {
		s = s[:maxDetail]
	}
	return s
}

// transportError maps client/transport failures onto 502/504 problems.
func (f *Forwarder) transportError(w http.ResponseWriter, r *http.Request, route Route, err error) {
	status := http.StatusBadGateway
	detail := fmt.Sprintf("Upstream '%s' request failed.", route.Slug)
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
		detail = fmt.Sprintf("Upstream '%s' did not respond in time.", route.Slug)
	} else if errors.Is(err, context.Canceled) {
		// Client went away; nothing sensible to write.
		return
	}

	logger := log.WithComponentFromContext(r.Context(), "forwarder")
	logger.Error().
		Err(err).
		Str(log.FieldSlug, route.Slug).
		Int(log.FieldStatus, status).
		Msg("upstream call failed")

	if ff := guard.FailureFromContext(r.Context()); ff != nil {
		ff.Record("upstream:"+route.Slug, status)
	}
	if responded(w) {
		return
	}
	problem.Write(w, r, status, http.StatusText(status), detail)
}

func (f *Forwarder) fail(w http.ResponseWriter, r *http.Request, route Route, status int, detail string, err error) {
	logger := log.WithComponentFromContext(r.Context(), "forwarder")
	logger.Error().
		Err(err).
		Str(log.FieldSlug, route.Slug).
		Msg("forwarding failed before upstream call")
	if ff := guard.FailureFromContext(r.Context()); ff != nil {
		ff.Record("forwarder", status)
	}
	if responded(w) {
		return
	}
	problem.Write(w, r, status, http.StatusText(status), detail)
}

// responded reports whether the response was already claimed, e.g. by the
// SLO timer. Checked before every write so no request gets two bodies.
func responded(w http.ResponseWriter) bool {
	state, ok := w.(guard.ResponseState)
	return ok && state.Written()
}

func writeHead(w http.ResponseWriter, headers http.Header, status int) {
	dst := w.Header()
	for name, values := range headers {
		dst[name] = values
	}
	w.WriteHeader(status)
}
