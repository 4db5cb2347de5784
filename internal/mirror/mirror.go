// SPDX-License-Identifier: MIT

// Package mirror maintains an eventually consistent local replica of the
// fleet's service registry. The replica is refreshed by pubsub hints and a
// polling safety net, with a last-known-good on-disk fallback for cold
// starts during registry outages.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nvplatform/gateway/internal/log"
	"github.com/nvplatform/gateway/internal/token"
)

// Source classifies where the current snapshot came from.
type Source string

const (
	SourceRegistry Source = "cache" // live registry refresh held in memory
	SourceLKG      Source = "lkg"      // loaded from disk
	SourceEmpty    Source = "empty"    // nothing loaded yet
)

// minPoll is the floor for the polling safety net, enforced even when a
// shorter interval is configured.
const minPoll = 10 * time.Second

const lkgFormatVersion = 1

// lkgFile is the on-disk last-known-good envelope.
type lkgFile struct {
	V        int      `json:"v"`
	Snapshot Snapshot `json:"snapshot"`
}

// BearerSource mints a fresh S2S bearer for registry calls.
type BearerSource interface {
	Mint(opts token.MintOptions) (string, error)
}

// Readiness is the mirror's contribution to the gateway readiness probe.
type Readiness struct {
	OK       bool     `json:"ok"`
	Source   Source   `json:"source"`
	Version  string   `json:"version,omitempty"`
	AgeMS    int64    `json:"ageMs"`
	Services []string `json:"services,omitempty"`
}

// Config configures a Mirror.
type Config struct {
	RegistryBaseURL string
	RegistryPath    string
	LKGPath         string
	PollInterval    time.Duration
	PubSubChannel   string // empty disables pubsub hints
	CallerSlug      string

	Minter BearerSource
	Client *http.Client  // defaults to a 10s-timeout client
	Redis  *redis.Client // optional; only used when PubSubChannel is set
}

// Mirror holds the replica. Readers get lock-free snapshot access; the
// refresher is the only writer and publishes via atomic pointer swap.
type Mirror struct {
	cfg    Config
	snap   atomic.Pointer[Snapshot]
	source atomic.Value // Source
	// lastRefresh is the wall-clock time of the last successful refresh or
	// 304; it drives staleness reporting, not snapshot identity.
	lastRefresh atomic.Int64 // epoch millis
	etag        atomic.Value // string
	logger      zerolog.Logger

	refreshCh chan struct{}
}

// New builds a Mirror; Start must be called to populate and maintain it.
func New(cfg Config) *Mirror {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.PollInterval < minPoll {
		cfg.PollInterval = minPoll
	}
	m := &Mirror{
		cfg:       cfg,
		logger:    log.WithComponent("mirror"),
		refreshCh: make(chan struct{}, 1),
	}
	m.source.Store(SourceEmpty)
	m.etag.Store("")
	return m
}

// Start loads an initial snapshot and launches the background refreshers.
// It never blocks startup on registry availability: a failed network
// refresh falls back to the LKG file, and an empty mirror is tolerated.
func (m *Mirror) Start(ctx context.Context) {
	if err := m.Refresh(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("initial registry refresh failed, trying last-known-good")
		if err := m.loadLKG(); err != nil {
			m.logger.Warn().Err(err).Msg("no last-known-good snapshot, starting empty")
		}
	}

	go m.pollLoop(ctx)
	if m.cfg.PubSubChannel != "" && m.cfg.Redis != nil {
		go m.subscribeLoop(ctx)
	}
}

// Snapshot returns the current view, or nil when the mirror is empty.
func (m *Mirror) Snapshot() *Snapshot {
	return m.snap.Load()
}

// Lookup resolves a service config by slug.
func (m *Mirror) Lookup(slug string) (ServiceConfig, bool) {
	snap := m.snap.Load()
	if snap == nil {
		return ServiceConfig{}, false
	}
	svc, ok := snap.Services[slug]
	return svc, ok
}

// Readiness reports the mirror's health for the /readyz probe.
func (m *Mirror) Readiness() Readiness {
	snap := m.snap.Load()
	src, _ := m.source.Load().(Source)
	r := Readiness{Source: src}
	if snap == nil {
		return r
	}
	r.OK = true
	r.Version = snap.Version
	if last := m.lastRefresh.Load(); last > 0 {
		r.AgeMS = time.Now().UnixMilli() - last
	}
	r.Services = make([]string, 0, len(snap.Services))
	for slug := range snap.Services {
		r.Services = append(r.Services, slug)
	}
	return r
}

// Hint requests an extra refresh without blocking. Coalesced when one is
// already pending.
func (m *Mirror) Hint() {
	select {
	case m.refreshCh <- struct{}{}:
	default:
	}
}

// Refresh performs one registry fetch. Failures leave the current snapshot
// untouched.
func (m *Mirror) Refresh(ctx context.Context) error {
	url := m.cfg.RegistryBaseURL + m.cfg.RegistryPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build registry request: %w", err)
	}

	bearer, err := m.cfg.Minter.Mint(token.MintOptions{CallerSlug: m.cfg.CallerSlug})
	if err != nil {
		return fmt.Errorf("mint registry bearer: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if etag, _ := m.etag.Load().(string); etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := m.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("registry fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		// Snapshot unchanged; only the staleness clock moves.
		m.lastRefresh.Store(time.Now().UnixMilli())
		return nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read registry body: %w", err)
	}

	var payload registryPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode registry payload: %w", err)
	}
	services, err := payload.normalize()
	if err != nil {
		return fmt.Errorf("invalid registry payload: %w", err)
	}

	snap := &Snapshot{
		Version:   payload.Version,
		UpdatedAt: payload.UpdatedAt,
		Services:  services,
		ETag:      etagFor(payload.Version),
	}
	m.publish(snap, SourceRegistry)

	if err := m.saveLKG(snap); err != nil {
		// Best effort; the live snapshot is already published.
		m.logger.Warn().Err(err).Str("path", m.cfg.LKGPath).Msg("failed to persist last-known-good snapshot")
	}

	m.logger.Info().
		Str(log.FieldSnapshot, snap.Version).
		Int("services", len(snap.Services)).
		Msg("registry snapshot refreshed")
	return nil
}

func (m *Mirror) publish(snap *Snapshot, src Source) {
	m.snap.Store(snap)
	m.source.Store(src)
	m.etag.Store(snap.ETag)
	m.lastRefresh.Store(time.Now().UnixMilli())
}

func (m *Mirror) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.refreshCh:
		}
		if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn().Err(err).Msg("registry refresh failed, keeping current snapshot")
		}
	}
}

// subscribeLoop listens for registry change hints. Any message triggers an
// extra refresh; the poll ticker remains the safety net.
func (m *Mirror) subscribeLoop(ctx context.Context) {
	for ctx.Err() == nil {
		m.consumeHints(ctx)
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn().Msg("pubsub subscription lost, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// consumeHints holds one subscription until it drops or ctx is cancelled.
func (m *Mirror) consumeHints(ctx context.Context) {
	sub := m.cfg.Redis.Subscribe(ctx, m.cfg.PubSubChannel)
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	m.logger.Info().Str("channel", m.cfg.PubSubChannel).Msg("subscribed to registry change hints")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.logger.Debug().Str("payload", msg.Payload).Msg("registry change hint received")
			m.Hint()
		}
	}
}

// saveLKG writes the snapshot atomically so a crash mid-write never leaves
// a torn file behind.
func (m *Mirror) saveLKG(snap *Snapshot) error {
	if m.cfg.LKGPath == "" {
		return nil
	}
	data, err := json.Marshal(lkgFile{V: lkgFormatVersion, Snapshot: *snap})
	if err != nil {
		return fmt.Errorf("encode lkg: %w", err)
	}
	if err := renameio.WriteFile(m.cfg.LKGPath, data, 0o600); err != nil {
		return fmt.Errorf("write lkg: %w", err)
	}
	return nil
}

func (m *Mirror) loadLKG() error {
	if m.cfg.LKGPath == "" {
		return errors.New("no lkg path configured")
	}
	data, err := os.ReadFile(m.cfg.LKGPath)
	if err != nil {
		return fmt.Errorf("read lkg: %w", err)
	}
	var f lkgFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode lkg: %w", err)
	}
	if f.V != lkgFormatVersion {
		return fmt.Errorf("unsupported lkg format version %d", f.V)
	}
	if f.Snapshot.Services == nil {
		return errors.New("lkg snapshot missing services")
	}
	snap := f.Snapshot
	m.publish(&snap, SourceLKG)
	m.logger.Info().
		Str(log.FieldSnapshot, snap.Version).
		Int("services", len(snap.Services)).
		Msg("loaded last-known-good snapshot")
	return nil
}
