// SPDX-License-Identifier: MIT

package wal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/nvplatform/gateway/internal/forward"
	"github.com/nvplatform/gateway/internal/log"
	"github.com/nvplatform/gateway/internal/mirror"
	"github.com/nvplatform/gateway/internal/token"
)

// Result classifies one dispatch attempt.
type Result int

const (
	ResultOK Result = iota
	ResultNonRetriable
	ResultRetriable
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultNonRetriable:
		return "non_retriable"
	default:
		return "retriable"
	}
}

// DispatchFunc ships one batch to the sink.
type DispatchFunc func(ctx context.Context, events []Event) Result

// SinkResolver is the mirror capability the dispatcher needs.
type SinkResolver interface {
	Lookup(slug string) (mirror.ServiceConfig, bool)
}

// BearerSource mints S2S bearers for sink calls.
type BearerSource interface {
	Mint(opts token.MintOptions) (string, error)
}

// DispatcherConfig configures sink resolution. When URL is set the slug
// is ignored and Path is appended to it.
type DispatcherConfig struct {
	Resolver    SinkResolver
	Minter      BearerSource
	CallerSlug  string
	SinkSlug    string
	SinkVersion int
	SinkURL     string
	SinkPath    string
	Timeout     time.Duration
	Client      *http.Client
}

// Dispatcher PUTs event batches to the audit sink with a fresh S2S bearer.
type Dispatcher struct {
	cfg DispatcherConfig
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Client == nil {
		cfg.Client = &http.Client{
			// A redirecting sink is a misconfiguration, not a destination.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Dispatcher{cfg: cfg}
}

// Dispatch sends one batch as a JSON array. Empty batches are a no-op
// success. 2xx is ok, 4xx is non-retriable, everything else (3xx, 5xx,
// transport errors) is retriable.
func (d *Dispatcher) Dispatch(ctx context.Context, events []Event) Result {
	if len(events) == 0 {
		return ResultOK
	}
	logger := log.WithComponent("wal")

	endpoint, err := d.endpoint()
	if err != nil {
		logger.Warn().Err(err).Msg("audit sink unresolved")
		return ResultRetriable
	}
	bearer, err := d.cfg.Minter.Mint(token.MintOptions{CallerSlug: d.cfg.CallerSlug})
	if err != nil {
		logger.Error().Err(err).Msg("sink bearer mint failed")
		return ResultRetriable
	}

	payload, err := json.Marshal(events)
	if err != nil {
		// Events came out of json decoding or struct literals; a marshal
		// failure means the batch can never be sent.
		logger.Error().Err(err).Msg("audit batch marshal failed")
		return ResultNonRetriable
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return ResultNonRetriable
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := d.cfg.Client.Do(req)
	if err != nil {
		return ResultRetriable
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return ResultOK
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ResultNonRetriable
	default:
		return ResultRetriable
	}
}

func (d *Dispatcher) endpoint() (string, error) {
	if d.cfg.SinkURL != "" {
		return forward.JoinURL(d.cfg.SinkURL, "", d.cfg.SinkPath), nil
	}
	svc, ok := d.cfg.Resolver.Lookup(d.cfg.SinkSlug)
	if !ok || !svc.Enabled || svc.Version != d.cfg.SinkVersion {
		return "", fmt.Errorf("sink service %q v%d not available in mirror", d.cfg.SinkSlug, d.cfg.SinkVersion)
	}
	return forward.JoinURL(svc.BaseURL, svc.OutboundAPIPrefix, d.cfg.SinkPath), nil
}

// nextBackoff is exponential from 100ms, capped at max, with
// multiplicative jitter in [0.25, 0.75).
func nextBackoff(attempt int, max time.Duration) time.Duration {
	base := 100 * time.Millisecond
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return time.Duration(float64(d) * (0.25 + rand.Float64()*0.5))
}
