// SPDX-License-Identifier: MIT

package forward

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvplatform/gateway/internal/guard"
	"github.com/nvplatform/gateway/internal/log"
	"github.com/nvplatform/gateway/internal/mirror"
	"github.com/nvplatform/gateway/internal/token"
)

type staticResolver map[string]mirror.ServiceConfig

func (s staticResolver) Lookup(slug string) (mirror.ServiceConfig, bool) {
	svc, ok := s[slug]
	return svc, ok
}

type staticMinter struct {
	bearer string
	err    error
	last   token.MintOptions
}

func (m *staticMinter) Mint(opts token.MintOptions) (string, error) {
	m.last = opts
	return m.bearer, m.err
}

func newTestForwarder(t *testing.T, upstream string, overrides mirror.Overrides) (*Forwarder, *staticMinter) {
	t.Helper()
	minter := &staticMinter{bearer: "s2s-token"}
	f := New(Config{
		Resolver: staticResolver{"act": {
			Slug:              "act",
			Version:           1,
			Enabled:           true,
			AllowProxy:        true,
			BaseURL:           upstream,
			OutboundAPIPrefix: "/api",
			Overrides:         overrides,
		}},
		Minter:            minter,
		CallerSlug:        "nv-gateway",
		DownstreamTimeout: 2 * time.Second,
	})
	return f, minter
}

func TestServeRouteForwardsWithGatewayHeaders(t *testing.T) {
	var got *http.Request
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"id":"42"}`)
	}))
	defer upstream.Close()

	f, minter := newTestForwarder(t, upstream.URL, mirror.Overrides{})

	req := httptest.NewRequest(http.MethodGet, "/api/act.V1/acts/42", nil)
	req.RemoteAddr = "203.0.113.9:51000"
	req.Header.Set("Authorization", "Bearer client-token")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "application/json")
	req = req.WithContext(log.ContextWithRequestID(req.Context(), "req-123"))
	rec := httptest.NewRecorder()

	f.ServeRoute(rec, req, "act.V1", "acts/42")

	require.NotNil(t, got, "upstream was called")
	assert.Equal(t, "/api/acts/42", got.URL.Path)
	assert.Equal(t, "Bearer s2s-token", got.Header.Get("Authorization"),
		"client bearer is replaced by the S2S token")
	assert.Equal(t, "V1", got.Header.Get(HeaderAPIVersion))
	assert.Equal(t, "req-123", got.Header.Get("X-Request-Id"))
	assert.Equal(t, "203.0.113.9", got.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.Empty(t, got.Header.Get("Keep-Alive"))
	assert.Equal(t, "nv-gateway", minter.last.CallerSlug)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"42"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestServeRouteAppliesRouteAliases(t *testing.T) {
	var path string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t, upstream.URL, mirror.Overrides{
		RouteAliases: map[string]string{"/acts": "/v2/activities"},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/act.V1/acts/42", nil)
	f.ServeRoute(httptest.NewRecorder(), req, "act.V1", "acts/42")
	assert.Equal(t, "/api/v2/activities/42", path)

	// Aliases stop at segment boundaries.
	req = httptest.NewRequest(http.MethodGet, "/api/act.V1/actstream", nil)
	f.ServeRoute(httptest.NewRecorder(), req, "act.V1", "actstream")
	assert.Equal(t, "/api/actstream", path)
}

func TestApplyAliasesLongestPrefixWins(t *testing.T) {
	aliases := map[string]string{
		"/acts":       "/v2/activities",
		"/acts/draft": "/v2/drafts",
	}
	assert.Equal(t, "/v2/drafts/9", applyAliases(aliases, "/acts/draft/9"))
	assert.Equal(t, "/v2/activities/9", applyAliases(aliases, "/acts/9"))
	assert.Equal(t, "/other", applyAliases(aliases, "/other"))
	assert.Equal(t, "/acts/9", applyAliases(nil, "/acts/9"))
}

func TestServeRouteAppendsForwardedChain(t *testing.T) {
	var chain string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chain = r.Header.Get("X-Forwarded-For")
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t, upstream.URL, mirror.Overrides{})
	req := httptest.NewRequest(http.MethodGet, "/api/act.V1/acts", nil)
	req.RemoteAddr = "10.0.0.2:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	f.ServeRoute(httptest.NewRecorder(), req, "act.V1", "acts")

	assert.Equal(t, "198.51.100.7, 10.0.0.2", chain)
}

func TestServeRoutePreservesQuery(t *testing.T) {
	var rawQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t, upstream.URL, mirror.Overrides{})
	req := httptest.NewRequest(http.MethodGet, "/api/act.V1/acts?page=2&q=a%20b", nil)
	f.ServeRoute(httptest.NewRecorder(), req, "act.V1", "acts")

	assert.Equal(t, "page=2&q=a%20b", rawQuery)
}

func TestServeRouteUnknownService(t *testing.T) {
	f, _ := newTestForwarder(t, "http://unused", mirror.Overrides{})
	rec := httptest.NewRecorder()
	f.ServeRoute(rec, httptest.NewRequest(http.MethodGet, "/api/zzz.V1/x", nil), "zzz.V1", "x")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Service 'zzz' unavailable (unknown or disabled).", body["detail"])
}

func TestServeRouteVersionMismatch(t *testing.T) {
	f, _ := newTestForwarder(t, "http://unused", mirror.Overrides{})
	rec := httptest.NewRecorder()
	f.ServeRoute(rec, httptest.NewRequest(http.MethodGet, "/api/act.V2/x", nil), "act.V2", "x")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Service 'act' unavailable")
}

func TestServeRouteDisabledService(t *testing.T) {
	minter := &staticMinter{bearer: "s2s"}
	f := New(Config{
		Resolver: staticResolver{"act": {
			Slug: "act", Version: 1, Enabled: false, AllowProxy: true, BaseURL: "http://unused",
		}},
		Minter:            minter,
		DownstreamTimeout: time.Second,
	})
	rec := httptest.NewRecorder()
	f.ServeRoute(rec, httptest.NewRequest(http.MethodGet, "/api/act.V1/x", nil), "act.V1", "x")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeRouteMalformedLabel(t *testing.T) {
	f, _ := newTestForwarder(t, "http://unused", mirror.Overrides{})
	rec := httptest.NewRecorder()
	f.ServeRoute(rec, httptest.NewRequest(http.MethodGet, "/api/act/x", nil), "act", "x")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unknown route")
}

func TestServeRouteNormalizesPlainTextJSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, ` {"ok":true} `)
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t, upstream.URL, mirror.Overrides{})
	rec := httptest.NewRecorder()
	f.ServeRoute(rec, httptest.NewRequest(http.MethodGet, "/api/act.V1/x", nil), "act.V1", "x")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"ok":true}`, rec.Body.String(), "valid JSON passes through trimmed")
}

func TestServeRouteWrapsPlainTextValue(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "pong")
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t, upstream.URL, mirror.Overrides{})
	rec := httptest.NewRecorder()
	f.ServeRoute(rec, httptest.NewRequest(http.MethodGet, "/api/act.V1/ping", nil), "act.V1", "ping")

	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"value":"pong"}`, rec.Body.String())
}

func TestServeRouteNormalizesUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"message":"act already exists"}`)
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t, upstream.URL, mirror.Overrides{})
	rec := httptest.NewRecorder()
	f.ServeRoute(rec, httptest.NewRequest(http.MethodPost, "/api/act.V1/acts", strings.NewReader(`{}`)), "act.V1", "acts")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Conflict", body["title"])
	assert.Equal(t, "act already exists", body["detail"])
}

func TestServeRouteNormalizesNonJSONError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "<html>nginx error</html>")
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t, upstream.URL, mirror.Overrides{})
	rec := httptest.NewRecorder()
	f.ServeRoute(rec, httptest.NewRequest(http.MethodGet, "/api/act.V1/x", nil), "act.V1", "x")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "nginx error")
}

func TestServeRouteRecordsUpstream5xxAttribution(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t, upstream.URL, mirror.Overrides{})
	req := httptest.NewRequest(http.MethodGet, "/api/act.V1/x", nil)
	ff := &guard.FirstFailure{}
	req = req.WithContext(guard.ContextWithFailure(req.Context(), ff))
	f.ServeRoute(httptest.NewRecorder(), req, "act.V1", "x")

	component, status, ok := ff.Get()
	require.True(t, ok)
	assert.Equal(t, "upstream:act", component)
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestServeRouteDownstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	minter := &staticMinter{bearer: "s2s"}
	f := New(Config{
		Resolver: staticResolver{"act": {
			Slug: "act", Version: 1, Enabled: true, AllowProxy: true,
			BaseURL: upstream.URL, OutboundAPIPrefix: "/api",
		}},
		Minter:            minter,
		DownstreamTimeout: 50 * time.Millisecond,
	})
	rec := httptest.NewRecorder()
	f.ServeRoute(rec, httptest.NewRequest(http.MethodGet, "/api/act.V1/slow", nil), "act.V1", "slow")

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "did not respond in time")
}

func TestServeRouteTimeoutOverrideTightens(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	f, _ := newTestForwarder(t, upstream.URL, mirror.Overrides{TimeoutMS: 50})

	start := time.Now()
	rec := httptest.NewRecorder()
	f.ServeRoute(rec, httptest.NewRequest(http.MethodGet, "/api/act.V1/slow", nil), "act.V1", "slow")

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Less(t, time.Since(start), time.Second, "per-service override shortens the deadline")
}

func TestServeRouteConnectFailure(t *testing.T) {
	// A closed server gives a deterministic connection error.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	f, _ := newTestForwarder(t, upstream.URL, mirror.Overrides{})
	rec := httptest.NewRecorder()
	f.ServeRoute(rec, httptest.NewRequest(http.MethodGet, "/api/act.V1/x", nil), "act.V1", "x")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "request failed")
}

func TestServeRouteMintFailure(t *testing.T) {
	minter := &staticMinter{err: token.ErrNoSecret}
	f := New(Config{
		Resolver: staticResolver{"act": {
			Slug: "act", Version: 1, Enabled: true, AllowProxy: true, BaseURL: "http://unused",
		}},
		Minter:            minter,
		DownstreamTimeout: time.Second,
	})
	rec := httptest.NewRecorder()
	f.ServeRoute(rec, httptest.NewRequest(http.MethodGet, "/api/act.V1/x", nil), "act.V1", "x")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unable to authenticate upstream call")
}

func TestServeRouteSkipsWriteWhenSealed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "late")
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t, upstream.URL, mirror.Overrides{})
	rec := httptest.NewRecorder()
	sw := guard.NewSafeWriter(rec)
	sw.Seal(func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusGatewayTimeout)
	})

	f.ServeRoute(sw, httptest.NewRequest(http.MethodGet, "/api/act.V1/x", nil), "act.V1", "x")

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code, "sealed response is untouched")
	assert.Empty(t, rec.Body.String())
}

func TestErrorDetail(t *testing.T) {
	assert.Equal(t, "boom", errorDetail([]byte(`{"detail":"boom"}`)))
	assert.Equal(t, "boom", errorDetail([]byte(`{"message":"boom"}`)))
	assert.Equal(t, "boom", errorDetail([]byte(`{"error":"boom"}`)))
	assert.Equal(t, "", errorDetail([]byte(`{"other":"boom"}`)))
	assert.Equal(t, "", errorDetail(nil))
	assert.Equal(t, "raw text", errorDetail([]byte("raw text")))
	long := strings.Repeat("x", 1000)
	assert.Len(t, errorDetail([]byte(long)), 512)
}
