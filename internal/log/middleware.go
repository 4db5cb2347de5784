// SPDX-License-Identifier: MIT

package log

import (
	"net/http"
	"time"
)

// accessWriter wraps http.ResponseWriter to capture the status code and the
// number of body bytes written.
type accessWriter struct {
	http.ResponseWriter
	status int
	bytes  int
	wrote  bool
}

func (w *accessWriter) WriteHeader(status int) {
	if !w.wrote {
		w.status = status
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *accessWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *accessWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns an HTTP access-log middleware. One line per request,
// correlated by request id, with status, bytes and latency.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			aw := &accessWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(aw, r)

			l := WithContext(r.Context(), WithComponent("http"))
			evt := l.Info()
			if aw.status >= 500 {
				evt = l.Error()
			} else if aw.status >= 400 {
				evt = l.Warn()
			}
			evt.
				Str(FieldMethod, r.Method).
				Str(FieldPath, r.URL.Path).
				Int(FieldStatus, aw.status).
				Int(FieldBytes, aw.bytes).
				Str(FieldRemoteAddr, r.RemoteAddr).
				Int64(FieldDurationMS, time.Since(start).Milliseconds()).
				Msg("request")
		})
	}
}
