// SPDX-License-Identifier: MIT

// Package problem serializes HTTP failures as RFC 7807 problem details.
// Every 4xx/5xx the gateway originates goes through this package so clients
// see a single envelope shape regardless of which guardrail fired.
package problem

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nvplatform/gateway/internal/log"
)

// HeaderRequestID is the canonical request correlation header.
const HeaderRequestID = "X-Request-Id"

// Details is the RFC 7807 problem document.
type Details struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// Write emits a problem+json response. The instance field carries the
// request id so a client-reported failure can be joined with server logs.
func Write(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	reqID := ""
	if r != nil {
		reqID = log.RequestIDFromContext(r.Context())
	}
	if reqID == "" {
		reqID = w.Header().Get(HeaderRequestID)
	}

	body := Details{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: reqID,
	}

	if reqID != "" {
		w.Header().Set(HeaderRequestID, reqID)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.L().Error().
			Err(err).
			Str("title", title).
			Int("status", status).
			Msg("failed to encode problem response")
	}
}

// NotFound writes a 404 problem.
func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	Write(w, r, http.StatusNotFound, "Not Found", detail)
}

// BadRequest writes a 400 problem.
func BadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	Write(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// Unauthorized writes a 401 problem.
func Unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	Write(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

// Forbidden writes a 403 problem.
func Forbidden(w http.ResponseWriter, r *http.Request, detail string) {
	Write(w, r, http.StatusForbidden, "Forbidden", detail)
}

// MethodNotAllowed writes a 405 problem.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	Write(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", "")
}

// TooManyRequests writes a 429 problem with a Retry-After hint in seconds.
func TooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSec int, detail string) {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSec))
	Write(w, r, http.StatusTooManyRequests, "Too Many Requests", detail)
}

// Internal writes a 500 problem with a generic detail. Internals never leak.
func Internal(w http.ResponseWriter, r *http.Request) {
	Write(w, r, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred.")
}

// BadGateway writes a 502 problem.
func BadGateway(w http.ResponseWriter, r *http.Request, detail string) {
	Write(w, r, http.StatusBadGateway, "Bad Gateway", detail)
}

// ServiceUnavailable writes a 503 problem.
func ServiceUnavailable(w http.ResponseWriter, r *http.Request, detail string) {
	Write(w, r, http.StatusServiceUnavailable, "Service Unavailable", detail)
}

// GatewayTimeout writes a 504 problem.
func GatewayTimeout(w http.ResponseWriter, r *http.Request, detail string) {
	Write(w, r, http.StatusGatewayTimeout, "Gateway Timeout", detail)
}
