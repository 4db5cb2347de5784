// SPDX-License-Identifier: MIT

package guard

import (
	"net/http"
	"strings"
)

// HTTPSOnly permanently redirects plain-HTTP requests to their HTTPS
// equivalent. TLS itself terminates below this process, so the effective
// scheme is taken from X-Forwarded-Proto when present.
func HTTPSOnly(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			proto := r.Header.Get("X-Forwarded-Proto")
			if proto == "" {
				if r.TLS != nil {
					proto = "https"
				} else {
					proto = "http"
				}
			}
			if strings.EqualFold(proto, "https") {
				next.ServeHTTP(w, r)
				return
			}

			target := "https://" + r.Host + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusPermanentRedirect)
		})
	}
}
