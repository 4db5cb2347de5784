// SPDX-License-Identifier: MIT

package guard

import (
	"net/http"
	"runtime"

	"github.com/nvplatform/gateway/internal/log"
	"github.com/nvplatform/gateway/internal/problem"
)

// Recoverer ensures that panics inside any downstream handler do not crash
// the process. The stack is logged locally and never leaks to the client.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				buf := make([]byte, 8192)
				n := runtime.Stack(buf, false)

				logger := log.WithComponentFromContext(r.Context(), "panic-recovery")
				logger.Error().
					Str(log.FieldEvent, "panic.recovered").
					Str(log.FieldMethod, r.Method).
					Str(log.FieldPath, r.URL.Path).
					Str(log.FieldRemoteAddr, r.RemoteAddr).
					Interface("panic_value", rec).
					Str("stack_trace", string(buf[:n])).
					Msg("panic recovered in HTTP handler")

				if state, ok := w.(ResponseState); ok && state.Written() {
					return
				}
				problem.Internal(w, r)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
