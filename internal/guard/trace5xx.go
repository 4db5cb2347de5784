// SPDX-License-Identifier: MIT

package guard

import (
	"context"
	"net/http"
	"sync"

	"github.com/nvplatform/gateway/internal/log"
)

type trace5xxKey struct{}

// FirstFailure records which component first produced a server error for a
// request. It is attached early in the chain and read back when the access
// log line is written, so a 5xx can be attributed without replaying the
// request.
type FirstFailure struct {
	mu        sync.Mutex
	component string
	status    int
}

// Record notes the first ≥500 status and the component that set it.
// Later calls are ignored.
func (f *FirstFailure) Record(component string, status int) {
	if f == nil || status < 500 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.component == "" {
		f.component = component
		f.status = status
	}
}

// Get returns the recorded attribution, if any.
func (f *FirstFailure) Get() (component string, status int, ok bool) {
	if f == nil {
		return "", 0, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.component, f.status, f.component != ""
}

// FailureFromContext returns the request's FirstFailure recorder, or nil.
// ContextWithFailure installs a recorder; Trace5xx does this per request.
func ContextWithFailure(ctx context.Context, f *FirstFailure) context.Context {
	return context.WithValue(ctx, trace5xxKey{}, f)
}

func FailureFromContext(ctx context.Context) *FirstFailure {
	f, _ := ctx.Value(trace5xxKey{}).(*FirstFailure)
	return f
}

// Trace5xx installs a FirstFailure recorder and logs the attribution when
// the request finishes with a server error.
func Trace5xx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ff := &FirstFailure{}
		ctx := ContextWithFailure(r.Context(), ff)

		next.ServeHTTP(w, r.WithContext(ctx))

		if component, status, ok := ff.Get(); ok {
			logger := log.WithComponentFromContext(ctx, "trace5xx")
			logger.Error().
				Str("first_failure_component", component).
				Int(log.FieldStatus, status).
				Str(log.FieldMethod, r.Method).
				Str(log.FieldPath, r.URL.Path).
				Msg("server error attribution")
		}
	})
}
