// SPDX-License-Identifier: MIT

// Package wal implements the durable audit pipeline: NDJSON journal files
// with rotation and retention, a bounded in-memory ring, a single-flight
// flusher with backoff, and crash recovery via a persisted byte cursor.
package wal

import (
	"net/http"
	"strings"
)

// Event phases. The sink deduplicates on (requestId, phase).
const (
	PhaseBegin = "begin"
	PhaseEnd   = "end"
)

// Event is one audit record. Begin events carry no status.
type Event struct {
	RequestID   string            `json:"requestId"`
	Phase       string            `json:"phase"`
	Service     string            `json:"service"`
	Time        int64             `json:"time"` // epoch millis
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Status      int               `json:"status,omitempty"`
	IP          string            `json:"ip,omitempty"`
	SafeHeaders map[string]string `json:"safeHeaders,omitempty"`
}

// unsafeHeaders never reach the journal.
var unsafeHeaders = map[string]struct{}{
	"Authorization":       {},
	"Proxy-Authorization": {},
	"Cookie":              {},
	"Set-Cookie":          {},
	"X-Nv-User-Assertion": {},
}

// SafeHeaders copies request headers minus credentials. Keys are
// lowercased, multi-value headers are joined.
func SafeHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if _, drop := unsafeHeaders[http.CanonicalHeaderKey(name)]; drop {
			continue
		}
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}
