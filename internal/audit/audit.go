// SPDX-License-Identifier: MIT

// Package audit records begin/end events for billable API requests.
// Capture sits after the auth gate and must never add latency or failure
// modes to the request path.
package audit

import (
	"net/http"
	"strings"
	"time"

	"github.com/nvplatform/gateway/internal/guard"
	"github.com/nvplatform/gateway/internal/log"
	"github.com/nvplatform/gateway/internal/wal"
)

// Recorder receives audit events; *wal.WAL satisfies it.
type Recorder interface {
	Enqueue(wal.Event)
}

// skipPrefixes are operational endpoints that never bill.
var skipPrefixes = []string{
	"/health",
	"/healthz",
	"/readyz",
	"/metrics",
	"/jwks",
	"/.well-known/",
}

func skipped(path string) bool {
	for _, p := range skipPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// ServiceFromPath extracts the service slug from an API path such as
// "/api/act.V1/acts/42". Unparseable paths yield "".
func ServiceFromPath(path string) string {
	trimmed := strings.TrimPrefix(path, "/api/")
	if trimmed == path {
		return ""
	}
	seg := trimmed
	if idx := strings.IndexByte(seg, '/'); idx >= 0 {
		seg = seg[:idx]
	}
	if idx := strings.IndexByte(seg, '.'); idx >= 0 {
		seg = seg[:idx]
	}
	return strings.ToLower(seg)
}

// statusWriter is the fallback when the response writer does not already
// expose its final status.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusWriter) Written() bool { return s.status != 0 }
func (s *statusWriter) Status() int   { return s.status }

// Capture emits a begin event before the handler and an end event with
// the final status afterwards.
func Capture(rec Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rec == nil || skipped(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			requestID := log.RequestIDFromContext(r.Context())
			service := ServiceFromPath(r.URL.Path)
			base := wal.Event{
				RequestID:   requestID,
				Service:     service,
				Method:      r.Method,
				URL:         r.URL.RequestURI(),
				IP:          guard.ClientIP(r),
				SafeHeaders: wal.SafeHeaders(r.Header),
			}

			begin := base
			begin.Phase = wal.PhaseBegin
			begin.Time = time.Now().UnixMilli()
			enqueue(rec, begin)

			state, ok := w.(guard.ResponseState)
			if !ok {
				sw := &statusWriter{ResponseWriter: w}
				w, state = sw, sw
			}
			defer func() {
				end := base
				end.Phase = wal.PhaseEnd
				end.Time = time.Now().UnixMilli()
				end.Status = state.Status()
				end.SafeHeaders = nil
				enqueue(rec, end)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// enqueue shields the request from any recorder fault.
func enqueue(rec Recorder, ev wal.Event) {
	defer func() {
		if p := recover(); p != nil {
			logger := log.WithComponent("audit")
			logger.Error().
				Interface("panic", p).
				Str(log.FieldRequestID, ev.RequestID).
				Msg("audit enqueue panicked")
		}
	}()
	rec.Enqueue(ev)
}
