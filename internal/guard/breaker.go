// SPDX-License-Identifier: MIT

package guard

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nvplatform/gateway/internal/problem"
	"github.com/nvplatform/gateway/internal/seclog"
)

// BreakerState represents one breaker's position in the state machine.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

var (
	breakerStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nvgw",
		Name:      "breaker_open",
		Help:      "1 when the segment's circuit breaker is open",
	}, []string{"segment"})

	breakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nvgw",
		Name:      "breaker_trips_total",
		Help:      "Circuit breaker transitions to open",
	}, []string{"segment", "reason"})
)

// clock abstracts time for deterministic tests.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// segmentBreaker is the per-segment state machine: CLOSED → OPEN when
// consecutive failures reach the threshold, OPEN → HALF_OPEN after the
// cool-off, HALF_OPEN → CLOSED on first success or back to OPEN on first
// failure.
type segmentBreaker struct {
	mu          sync.Mutex
	segment     string
	state       BreakerState
	failures    int
	openedAt    time.Time
	lastFailure time.Time

	threshold int
	halfOpen  time.Duration
	minRTT    time.Duration
	clock     clock
}

func (b *segmentBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.halfOpen {
			b.transition(BreakerHalfOpen)
			return true
		}
		return false
	default: // half-open: let the probe through
		return true
	}
}

func (b *segmentBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if b.minRTT > 0 && !b.lastFailure.IsZero() && now.Sub(b.lastFailure) < b.minRTT {
		// Failures bursting faster than the upstream's round trip are
		// echoes of one outage event, not independent evidence.
		return
	}
	b.lastFailure = now

	b.failures++
	if b.state == BreakerHalfOpen {
		breakerTrips.WithLabelValues(b.segment, "half_open_failure").Inc()
		b.transition(BreakerOpen)
		return
	}
	if b.state == BreakerClosed && b.failures >= b.threshold {
		breakerTrips.WithLabelValues(b.segment, "threshold_exceeded").Inc()
		b.transition(BreakerOpen)
	}
}

func (b *segmentBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != BreakerClosed {
		b.transition(BreakerClosed)
	}
}

// transition must be called with the lock held.
func (b *segmentBreaker) transition(next BreakerState) {
	if b.state == next {
		return
	}
	b.state = next
	if next == BreakerOpen {
		b.openedAt = b.clock.Now()
		breakerStateGauge.WithLabelValues(b.segment).Set(1)
	} else {
		breakerStateGauge.WithLabelValues(b.segment).Set(0)
	}
}

func (b *segmentBreaker) currentState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerConfig configures the breaker group. MinRTT debounces failure
// counting: failures landing closer together than one upstream round trip
// count once.
type BreakerConfig struct {
	FailureThreshold int
	HalfOpenAfter    time.Duration
	MinRTT           time.Duration
}

// Tuner resolves per-segment overrides. Zero fields in the returned config
// fall back to the group defaults.
type Tuner func(segment string) (BreakerConfig, bool)

// BreakerGroup maintains one breaker per upstream segment.
type BreakerGroup struct {
	mu       sync.Mutex
	breakers map[string]*segmentBreaker
	cfg      BreakerConfig
	tuner    Tuner
	clock    clock
}

// NewBreakerGroup builds a group with sane floors applied.
func NewBreakerGroup(cfg BreakerConfig) *BreakerGroup {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenAfter <= 0 {
		cfg.HalfOpenAfter = 15 * time.Second
	}
	return &BreakerGroup{
		breakers: make(map[string]*segmentBreaker),
		cfg:      cfg,
		clock:    realClock{},
	}
}

// SetTuner installs a per-segment override source, typically backed by the
// registry mirror. Tuning is captured when a segment's breaker is first
// created.
func (g *BreakerGroup) SetTuner(t Tuner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tuner = t
}

func (g *BreakerGroup) breakerFor(segment string) *segmentBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[segment]
	if !ok {
		cfg := g.cfg
		if g.tuner != nil {
			if over, ok := g.tuner(segment); ok {
				if over.FailureThreshold > 0 {
					cfg.FailureThreshold = over.FailureThreshold
				}
				if over.HalfOpenAfter > 0 {
					cfg.HalfOpenAfter = over.HalfOpenAfter
				}
				if over.MinRTT > 0 {
					cfg.MinRTT = over.MinRTT
				}
			}
		}
		b = &segmentBreaker{
			segment:   segment,
			state:     BreakerClosed,
			threshold: cfg.FailureThreshold,
			halfOpen:  cfg.HalfOpenAfter,
			minRTT:    cfg.MinRTT,
			clock:     g.clock,
		}
		g.breakers[segment] = b
	}
	return b
}

// State exposes one segment's state for diagnostics and tests.
func (g *BreakerGroup) State(segment string) BreakerState {
	return g.breakerFor(segment).currentState()
}

// SegmentFor derives the breaker key from a request path: the first
// meaningful segment, skipping the "/api" mount.
func SegmentFor(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(trimmed, "/", 3)
	if len(parts) == 0 || parts[0] == "" {
		return "/"
	}
	if parts[0] == "api" && len(parts) > 1 && parts[1] != "" {
		// Strip the version label so act.V1 and act.V2 share a breaker.
		seg := parts[1]
		if idx := strings.IndexByte(seg, '.'); idx > 0 {
			seg = seg[:idx]
		}
		return seg
	}
	return parts[0]
}

// upstreamFault reports whether the request's server error was attributed
// to the upstream. Without a failure recorder in the context there is no
// attribution channel and every 5xx counts.
func upstreamFault(ctx context.Context) bool {
	ff := FailureFromContext(ctx)
	if ff == nil {
		return true
	}
	component, _, ok := ff.Get()
	return ok && strings.HasPrefix(component, "upstream:")
}

// Middleware fast-fails requests to open segments with 503 and records the
// outcome of every allowed request. A 5xx attributed to the upstream
// counts as a failure.
func (g *BreakerGroup) Middleware(sec *seclog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			segment := SegmentFor(r.URL.Path)
			b := g.breakerFor(segment)

			if !b.allow() {
				if ff := FailureFromContext(r.Context()); ff != nil {
					ff.Record("breaker:"+segment, http.StatusServiceUnavailable)
				}
				sec.EmitRequest(r, seclog.KindBreaker, seclog.RuleCircuitOpen, map[string]string{
					"segment": segment,
				})
				problem.ServiceUnavailable(w, r,
					"Upstream segment temporarily unavailable.")
				return
			}

			sw, ok := w.(ResponseState)
			if !ok {
				safe := NewSafeWriter(w)
				sw = safe
				w = safe
			}

			next.ServeHTTP(w, r)

			status := sw.Status()
			switch {
			case status >= 500:
				// Only upstream faults count. A gateway-originated 5xx
				// (read-only 503, sealed SLO 504, auth outage) says
				// nothing about the segment's health.
				if upstreamFault(r.Context()) {
					b.recordFailure()
				}
			case status > 0:
				b.recordSuccess()
			}
		})
	}
}
