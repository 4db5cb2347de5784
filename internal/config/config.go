// SPDX-License-Identifier: MIT

// Package config loads and validates the gateway's boot configuration from
// the environment. Precedence is ENV > default; required settings without a
// usable value fail the boot (exit code 1 in main).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the complete, validated gateway configuration.
type Config struct {
	// Identity
	ServiceName string
	Env         string
	ListenAddr  string
	LogLevel    string

	// Registry mirror
	RegistryBaseURL string
	RegistryPath    string
	LKGPath         string
	PollInterval    time.Duration // floor 10s
	PubSubChannel   string        // optional; empty disables pubsub hints

	// Redis (pubsub hints + sensitive limiter counters)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// S2S token minting / verification
	S2SSecret         string
	S2SIssuer         string
	S2SAudience       string
	S2STTL            time.Duration
	S2SMaxTTL         time.Duration
	S2SAllowedIssuers []string
	S2SAllowedCallers []string

	// Guardrails
	HTTPSOnly         bool
	RateLimitWindow   time.Duration // >= 250ms
	RateLimitPoints   int           // >= 1
	GatewayTimeout    time.Duration
	DownstreamTimeout time.Duration // strictly < GatewayTimeout
	BreakerThreshold  int
	BreakerHalfOpen   time.Duration
	BreakerMinRTT     time.Duration

	// Client auth
	JWKSURL              string
	AuthIssuers          []string
	AuthAudience         string
	AuthClockSkew        time.Duration
	AuthRequired         bool
	AuthBypass           bool
	ReadOnly             bool
	ReadOnlyExemptPaths  []string
	AuthPublicPrefixes   []string
	ProtectedGetPrefixes []string

	// Sensitive-path limiter
	SensitivePrefixes []string
	SensitiveWindow   time.Duration
	SensitiveMax      int

	// Audit WAL
	WALDir           string
	WALFileMaxMB     int
	WALRetentionDays int
	WALRingMax       int
	WALBatchSize     int
	WALFlushInterval time.Duration
	WALMaxRetry      time.Duration

	// Audit sink
	SinkSlug    string
	SinkVersion int
	SinkURL     string // explicit override; when set the slug is ignored
	SinkPath    string
	SinkTimeout time.Duration

	// Readiness probing
	ReadinessSlugs []string
	ProbeTimeout   time.Duration

	// CORS
	CORSOrigins []string
}

const minPollInterval = 10 * time.Second

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: ParseString("NVGW_SERVICE_NAME", "nv-gateway"),
		Env:         ParseString("NVGW_ENV", "development"),
		ListenAddr:  ParseString("NVGW_LISTEN_ADDR", ":8080"),
		LogLevel:    ParseString("NVGW_LOG_LEVEL", "info"),

		RegistryBaseURL: ParseString("NVGW_REGISTRY_BASE_URL", ""),
		RegistryPath:    ParseString("NVGW_REGISTRY_INTERNAL_PATH", "/internal/services"),
		LKGPath:         ParseString("NVGW_MIRROR_LKG_PATH", "/var/lib/nv-gateway/mirror-lkg.json"),
		PollInterval:    ParseMillis("NVGW_MIRROR_POLL_MS", 30*time.Second),
		PubSubChannel:   ParseString("NVGW_MIRROR_PUBSUB_CHANNEL", ""),

		RedisAddr:     ParseString("NVGW_REDIS_ADDR", ""),
		RedisPassword: ParseString("NVGW_REDIS_PASSWORD", ""),
		RedisDB:       ParseInt("NVGW_REDIS_DB", 0),

		S2SSecret:         ParseString("NVGW_S2S_SECRET", ""),
		S2SIssuer:         ParseString("NVGW_S2S_ISSUER", "nv-gateway"),
		S2SAudience:       ParseString("NVGW_S2S_AUDIENCE", "nv-internal"),
		S2STTL:            time.Duration(ParseInt("NVGW_S2S_TTL_SEC", 300)) * time.Second,
		S2SMaxTTL:         time.Duration(ParseInt("NVGW_S2S_MAX_TTL_SEC", 900)) * time.Second,
		S2SAllowedIssuers: ParseList("NVGW_S2S_ALLOWED_ISSUERS", nil),
		S2SAllowedCallers: ParseList("NVGW_S2S_ALLOWED_CALLERS", nil),

		HTTPSOnly:         ParseBool("NVGW_HTTPS_ONLY", false),
		RateLimitWindow:   ParseMillis("NVGW_RATE_LIMIT_WINDOW_MS", time.Second),
		RateLimitPoints:   ParseInt("NVGW_RATE_LIMIT_POINTS", 100),
		GatewayTimeout:    ParseMillis("NVGW_TIMEOUT_GATEWAY_MS", 25*time.Second),
		DownstreamTimeout: ParseMillis("NVGW_TIMEOUT_DOWNSTREAM_MS", 20*time.Second),
		BreakerThreshold:  ParseInt("NVGW_BREAKER_FAILURE_THRESHOLD", 5),
		BreakerHalfOpen:   ParseMillis("NVGW_BREAKER_HALFOPEN_AFTER_MS", 15*time.Second),
		// Debounce off by default: consecutive 5xx bursts must trip the
		// breaker at exactly the configured threshold.
		BreakerMinRTT: ParseMillis("NVGW_BREAKER_MIN_RTT_MS", 0),

		JWKSURL:              ParseString("NVGW_AUTH_JWKS_URL", ""),
		AuthIssuers:          ParseList("NVGW_AUTH_ISSUERS", nil),
		AuthAudience:         ParseString("NVGW_AUTH_AUDIENCE", ""),
		AuthClockSkew:        ParseMillis("NVGW_AUTH_CLOCK_SKEW_MS", 30*time.Second),
		AuthRequired:         ParseBool("NVGW_AUTH_REQUIRED", true),
		AuthBypass:           ParseBool("NVGW_AUTH_BYPASS", false),
		ReadOnly:             ParseBool("NVGW_READ_ONLY", false),
		ReadOnlyExemptPaths:  ParseList("NVGW_READ_ONLY_EXEMPT_PATHS", nil),
		AuthPublicPrefixes:   ParseList("NVGW_AUTH_PUBLIC_PREFIXES", nil),
		ProtectedGetPrefixes: ParseList("NVGW_AUTH_PROTECTED_GET_PREFIXES", nil),

		SensitivePrefixes: ParseList("NVGW_SENSITIVE_PREFIXES", nil),
		SensitiveWindow:   ParseMillis("NVGW_SENSITIVE_WINDOW_MS", time.Minute),
		SensitiveMax:      ParseInt("NVGW_SENSITIVE_MAX", 30),

		WALDir:           ParseString("NVGW_WAL_DIR", ""),
		WALFileMaxMB:     ParseInt("NVGW_WAL_FILE_MAX_MB", 128),
		WALRetentionDays: ParseInt("NVGW_WAL_RETENTION_DAYS", 14),
		WALRingMax:       ParseInt("NVGW_WAL_RING_MAX_EVENTS", 50000),
		WALBatchSize:     ParseInt("NVGW_WAL_BATCH_SIZE", 200),
		WALFlushInterval: ParseMillis("NVGW_WAL_FLUSH_MS", 2000),
		WALMaxRetry:      ParseMillis("NVGW_WAL_MAX_RETRY_MS", 30000),

		SinkSlug:    ParseString("NVGW_SINK_SLUG", ""),
		SinkVersion: ParseInt("NVGW_SINK_VERSION", 1),
		SinkURL:     ParseString("NVGW_SINK_URL", ""),
		SinkPath:    ParseString("NVGW_SINK_PATH", "/events"),
		SinkTimeout: ParseMillis("NVGW_SINK_TIMEOUT_MS", 5000),

		ReadinessSlugs: ParseList("NVGW_READINESS_SLUGS", nil),
		ProbeTimeout:   ParseMillis("NVGW_PROBE_TIMEOUT_MS", 2000),

		CORSOrigins: ParseList("NVGW_CORS_ORIGINS", nil),
	}

	if cfg.PollInterval < minPollInterval {
		cfg.PollInterval = minPollInterval
	}
	if len(cfg.S2SAllowedIssuers) == 0 {
		cfg.S2SAllowedIssuers = []string{cfg.S2SIssuer}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces boot-time invariants. A violation must abort startup.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.RegistryBaseURL) == "" {
		errs = append(errs, errors.New("NVGW_REGISTRY_BASE_URL is required"))
	} else if _, err := url.Parse(c.RegistryBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("NVGW_REGISTRY_BASE_URL invalid: %w", err))
	}
	if strings.TrimSpace(c.S2SSecret) == "" {
		errs = append(errs, errors.New("NVGW_S2S_SECRET is required"))
	}
	if strings.TrimSpace(c.WALDir) == "" {
		errs = append(errs, errors.New("NVGW_WAL_DIR is required"))
	}
	if c.RateLimitWindow < 250*time.Millisecond {
		errs = append(errs, fmt.Errorf("NVGW_RATE_LIMIT_WINDOW_MS must be >= 250, got %d", c.RateLimitWindow.Milliseconds()))
	}
	if c.RateLimitPoints < 1 {
		errs = append(errs, fmt.Errorf("NVGW_RATE_LIMIT_POINTS must be >= 1, got %d", c.RateLimitPoints))
	}
	if c.DownstreamTimeout >= c.GatewayTimeout {
		errs = append(errs, fmt.Errorf(
			"NVGW_TIMEOUT_DOWNSTREAM_MS (%d) must be strictly less than NVGW_TIMEOUT_GATEWAY_MS (%d)",
			c.DownstreamTimeout.Milliseconds(), c.GatewayTimeout.Milliseconds()))
	}
	if c.BreakerThreshold < 1 {
		errs = append(errs, fmt.Errorf("NVGW_BREAKER_FAILURE_THRESHOLD must be >= 1, got %d", c.BreakerThreshold))
	}
	if c.S2STTL > c.S2SMaxTTL {
		errs = append(errs, fmt.Errorf("NVGW_S2S_TTL_SEC exceeds NVGW_S2S_MAX_TTL_SEC"))
	}
	if c.WALBatchSize < 1 {
		errs = append(errs, fmt.Errorf("NVGW_WAL_BATCH_SIZE must be >= 1, got %d", c.WALBatchSize))
	}
	if c.WALRingMax < c.WALBatchSize {
		errs = append(errs, fmt.Errorf("NVGW_WAL_RING_MAX_EVENTS must be >= batch size"))
	}
	if c.SinkURL == "" && c.SinkSlug == "" {
		errs = append(errs, errors.New("one of NVGW_SINK_URL or NVGW_SINK_SLUG is required"))
	}
	if c.AuthRequired && !c.AuthBypass && strings.TrimSpace(c.JWKSURL) == "" {
		errs = append(errs, errors.New("NVGW_AUTH_JWKS_URL is required unless auth is bypassed"))
	}
	if len(c.SensitivePrefixes) > 0 && c.RedisAddr == "" {
		errs = append(errs, errors.New("NVGW_REDIS_ADDR is required when sensitive prefixes are configured"))
	}

	return errors.Join(errs...)
}
