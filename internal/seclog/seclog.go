// SPDX-License-Identifier: MIT

// Package seclog emits structured SECURITY events for guardrail denials.
// These are operational triage signals, not billing records; the audit WAL
// is a separate channel.
package seclog

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/nvplatform/gateway/internal/log"
)

var securityEvents = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "nvgw",
		Name:      "security_events_total",
		Help:      "Total SECURITY events emitted by guardrails",
	},
	[]string{"kind", "rule"},
)

// Event kinds and rules, matching the guardrails that emit them.
const (
	KindRateLimit = "rate_limit"
	KindTimeout   = "timeout"
	KindBreaker   = "circuit_breaker"
	KindAuth      = "auth"

	RuleGlobalBackstop = "global_backstop_exceeded"
	RuleSensitivePath  = "sensitive_path_exceeded"
	RuleGatewaySLO     = "gateway_slo_exceeded"
	RuleCircuitOpen    = "circuit_open"
)

// Event is one guardrail denial.
type Event struct {
	Kind       string
	Rule       string
	Method     string
	Path       string
	RemoteAddr string
	RequestID  string
	Details    map[string]string
}

// Logger emits SECURITY events through the structured log.
type Logger struct {
	logger zerolog.Logger
}

// New creates a security event logger.
func New() *Logger {
	return &Logger{
		logger: log.WithComponent("security").With().
			Str("log_type", "security").
			Logger(),
	}
}

// Emit writes the event at WARN and bumps the per-rule counter.
func (l *Logger) Emit(e Event) {
	securityEvents.WithLabelValues(e.Kind, e.Rule).Inc()

	evt := l.logger.Warn().
		Str("kind", e.Kind).
		Str("rule", e.Rule)
	if e.Method != "" {
		evt = evt.Str(log.FieldMethod, e.Method)
	}
	if e.Path != "" {
		evt = evt.Str(log.FieldPath, e.Path)
	}
	if e.RemoteAddr != "" {
		evt = evt.Str(log.FieldRemoteAddr, e.RemoteAddr)
	}
	if e.RequestID != "" {
		evt = evt.Str(log.FieldRequestID, e.RequestID)
	}
	for k, v := range e.Details {
		evt = evt.Str(k, v)
	}
	evt.Msg("security event")
}

// EmitRequest fills request correlation fields from r before emitting.
func (l *Logger) EmitRequest(r *http.Request, kind, rule string, details map[string]string) {
	l.Emit(Event{
		Kind:       kind,
		Rule:       rule,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		RequestID:  log.RequestIDFromContext(r.Context()),
		Details:    details,
	})
}
