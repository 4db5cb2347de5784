// SPDX-License-Identifier: MIT

package audit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvplatform/gateway/internal/guard"
	"github.com/nvplatform/gateway/internal/log"
	"github.com/nvplatform/gateway/internal/wal"
)

type memRecorder struct {
	events []wal.Event
	panics bool
}

func (m *memRecorder) Enqueue(ev wal.Event) {
	if m.panics {
		panic("recorder down")
	}
	m.events = append(m.events, ev)
}

func TestCaptureEmitsBeginAndEnd(t *testing.T) {
	rec := &memRecorder{}
	h := Capture(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/act.V1/acts?x=1", nil)
	req.RemoteAddr = "203.0.113.5:4000"
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("User-Agent", "curl/8.0")
	req = req.WithContext(log.ContextWithRequestID(req.Context(), "req-1"))
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, rec.events, 2)
	begin, end := rec.events[0], rec.events[1]

	assert.Equal(t, wal.PhaseBegin, begin.Phase)
	assert.Equal(t, "req-1", begin.RequestID)
	assert.Equal(t, "act", begin.Service)
	assert.Equal(t, http.MethodPost, begin.Method)
	assert.Equal(t, "/api/act.V1/acts?x=1", begin.URL)
	assert.Equal(t, "203.0.113.5", begin.IP)
	assert.Zero(t, begin.Status)
	assert.NotContains(t, begin.SafeHeaders, "authorization")
	assert.Equal(t, "curl/8.0", begin.SafeHeaders["user-agent"])

	assert.Equal(t, wal.PhaseEnd, end.Phase)
	assert.Equal(t, http.StatusCreated, end.Status)
	assert.Nil(t, end.SafeHeaders, "headers ride only on begin")
	assert.GreaterOrEqual(t, end.Time, begin.Time)
}

func TestCaptureReadsStatusFromSafeWriter(t *testing.T) {
	rec := &memRecorder{}
	h := Capture(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	sw := guard.NewSafeWriter(httptest.NewRecorder())
	h.ServeHTTP(sw, httptest.NewRequest(http.MethodGet, "/api/act.V1/x", nil))

	require.Len(t, rec.events, 2)
	assert.Equal(t, http.StatusBadGateway, rec.events[1].Status)
}

func TestCaptureImplicitOK(t *testing.T) {
	rec := &memRecorder{}
	h := Capture(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok")) // no explicit WriteHeader
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/act.V1/x", nil))

	require.Len(t, rec.events, 2)
	assert.Equal(t, http.StatusOK, rec.events[1].Status)
}

func TestCaptureSkipsOperationalEndpoints(t *testing.T) {
	rec := &memRecorder{}
	h := Capture(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, path := range []string{"/health", "/healthz", "/readyz", "/metrics", "/jwks", "/.well-known/jwks.json"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	assert.Empty(t, rec.events)
}

func TestCaptureEndEmittedOnPanic(t *testing.T) {
	rec := &memRecorder{}
	h := Capture(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	assert.Panics(t, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/act.V1/x", nil))
	}, "the recoverer upstream owns the panic")
	require.Len(t, rec.events, 2, "end event still recorded")
	assert.Equal(t, wal.PhaseEnd, rec.events[1].Phase)
}

func TestCaptureSurvivesRecorderPanic(t *testing.T) {
	rec := &memRecorder{panics: true}
	var served bool
	h := Capture(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served = true
	}))

	assert.NotPanics(t, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/act.V1/x", nil))
	})
	assert.True(t, served)
}

func TestServiceFromPath(t *testing.T) {
	assert.Equal(t, "act", ServiceFromPath("/api/act.V1/acts/42"))
	assert.Equal(t, "act", ServiceFromPath("/api/Act.V2"))
	assert.Equal(t, "billing", ServiceFromPath("/api/billing.V1/"))
	assert.Equal(t, "", ServiceFromPath("/health"))
	assert.Equal(t, "", ServiceFromPath("/apiact.V1/x"))
}
