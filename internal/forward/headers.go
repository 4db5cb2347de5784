// SPDX-License-Identifier: MIT

package forward

import (
	"net"
	"net/http"
	"strings"
)

// HeaderAPIVersion carries the normalized version label upstream.
const HeaderAPIVersion = "X-NV-Api-Version"

// hopByHop are the RFC 7230 connection-scoped headers that must never be
// forwarded, plus Host which the transport rewrites.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
}

// outboundHeaders builds the header set for an upstream request: the
// client's headers minus hop-by-hop and Authorization, plus the forwarding
// chain and the gateway's own identity headers.
func outboundHeaders(r *http.Request, requestID, versionLabel, bearer string) http.Header {
	out := make(http.Header, len(r.Header)+6)
	for name, values := range r.Header {
		canonical := http.CanonicalHeaderKey(name)
		if _, drop := hopByHop[canonical]; drop {
			continue
		}
		if canonical == "Authorization" {
			// The client token stops here; upstream sees only the S2S bearer.
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}

	peer := peerIP(r)
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		out.Set("X-Forwarded-For", prior+", "+peer)
	} else {
		out.Set("X-Forwarded-For", peer)
	}
	out.Set("X-Forwarded-Host", r.Host)
	out.Set("X-Forwarded-Proto", effectiveProto(r))
	out.Set("X-Request-Id", requestID)
	out.Set(HeaderAPIVersion, versionLabel)
	if out.Get("Content-Type") == "" && bodyExpected(r.Method) {
		out.Set("Content-Type", "application/json; charset=utf-8")
	}
	out.Set("Authorization", "Bearer "+bearer)
	return out
}

// stripInboundHopByHop removes connection-scoped headers from an upstream
// response before mirroring it to the client.
func stripInboundHopByHop(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if _, drop := hopByHop[http.CanonicalHeaderKey(name)]; drop {
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return out
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func effectiveProto(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func bodyExpected(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}
