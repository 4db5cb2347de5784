// SPDX-License-Identifier: MIT

package guard

import (
	"net/http"
	"time"

	"github.com/nvplatform/gateway/internal/problem"
	"github.com/nvplatform/gateway/internal/seclog"
)

// Timeout enforces the edge SLO: a single request-scoped timer that, when
// it fires before anything was written, seals the response with a 504
// problem. The forwarder keeps its own shorter downstream timeout; this
// timer never cancels upstream work, it only guarantees the client an
// answer.
func Timeout(slo time.Duration, sec *seclog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := NewSafeWriter(w)

			timer := time.AfterFunc(slo, func() {
				fired := sw.Seal(func(raw http.ResponseWriter) {
					problem.GatewayTimeout(raw, r,
						"The gateway did not receive a timely response.")
				})
				if fired {
					if ff := FailureFromContext(r.Context()); ff != nil {
						ff.Record("timeout", http.StatusGatewayTimeout)
					}
					sec.EmitRequest(r, seclog.KindTimeout, seclog.RuleGatewaySLO, map[string]string{
						"slo": slo.String(),
					})
				}
			})
			defer timer.Stop()

			// Client disconnects clear the timer as well; the deferred Stop
			// covers both paths once the handler unwinds.
			next.ServeHTTP(sw, r)
		})
	}
}
