// SPDX-License-Identifier: MIT

package guard

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/nvplatform/gateway/internal/log"
	"github.com/nvplatform/gateway/internal/problem"
)

// RequestID assigns a unique ID to every request. An inbound X-Request-Id
// is honored so upstream chains stay correlated; the id is echoed in the
// response and stored in the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(problem.HeaderRequestID)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set(problem.HeaderRequestID, reqID)
		ctx := log.ContextWithRequestID(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
