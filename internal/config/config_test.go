// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setValidEnv sets the minimum environment for a loadable config.
func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("NVGW_REGISTRY_BASE_URL", "http://registry:4000")
	t.Setenv("NVGW_S2S_SECRET", "test-secret")
	t.Setenv("NVGW_WAL_DIR", t.TempDir())
	t.Setenv("NVGW_SINK_SLUG", "billing")
	t.Setenv("NVGW_AUTH_JWKS_URL", "http://kms:4100/jwks")
}

func TestLoadDefaults(t *testing.T) {
	setValidEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "nv-gateway", cfg.ServiceName)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "/internal/services", cfg.RegistryPath)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 100, cfg.RateLimitPoints)
	assert.Equal(t, 25*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 20*time.Second, cfg.DownstreamTimeout)
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Equal(t, time.Duration(0), cfg.BreakerMinRTT,
		"failure debounce is opt-in; the threshold invariant holds by default")
	assert.Equal(t, 200, cfg.WALBatchSize)
	assert.Equal(t, 50000, cfg.WALRingMax)
	assert.Equal(t, "/events", cfg.SinkPath)
	assert.True(t, cfg.AuthRequired)
	assert.False(t, cfg.AuthBypass)
	assert.Equal(t, []string{"nv-gateway"}, cfg.S2SAllowedIssuers,
		"allowed issuers default to the gateway's own issuer")
}

func TestLoadOverrides(t *testing.T) {
	setValidEnv(t)
	t.Setenv("NVGW_LISTEN_ADDR", ":9999")
	t.Setenv("NVGW_RATE_LIMIT_POINTS", "7")
	t.Setenv("NVGW_RATE_LIMIT_WINDOW_MS", "500")
	t.Setenv("NVGW_TIMEOUT_GATEWAY_MS", "10000")
	t.Setenv("NVGW_TIMEOUT_DOWNSTREAM_MS", "8000")
	t.Setenv("NVGW_SENSITIVE_PREFIXES", "/api/auth, /api/token")
	t.Setenv("NVGW_REDIS_ADDR", "localhost:6379")
	t.Setenv("NVGW_HTTPS_ONLY", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 7, cfg.RateLimitPoints)
	assert.Equal(t, 500*time.Millisecond, cfg.RateLimitWindow)
	assert.Equal(t, 10*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 8*time.Second, cfg.DownstreamTimeout)
	assert.Equal(t, []string{"/api/auth", "/api/token"}, cfg.SensitivePrefixes)
	assert.True(t, cfg.HTTPSOnly)
}

func TestLoadEnforcesPollFloor(t *testing.T) {
	setValidEnv(t)
	t.Setenv("NVGW_MIRROR_POLL_MS", "500")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing registry", map[string]string{"NVGW_REGISTRY_BASE_URL": ""}, "NVGW_REGISTRY_BASE_URL"},
		{"missing secret", map[string]string{"NVGW_S2S_SECRET": ""}, "NVGW_S2S_SECRET"},
		{"missing wal dir", map[string]string{"NVGW_WAL_DIR": ""}, "NVGW_WAL_DIR"},
		{"window too small", map[string]string{"NVGW_RATE_LIMIT_WINDOW_MS": "100"}, "NVGW_RATE_LIMIT_WINDOW_MS"},
		{"zero points", map[string]string{"NVGW_RATE_LIMIT_POINTS": "0"}, "NVGW_RATE_LIMIT_POINTS"},
		{"downstream not below gateway", map[string]string{
			"NVGW_TIMEOUT_GATEWAY_MS":    "5000",
			"NVGW_TIMEOUT_DOWNSTREAM_MS": "5000",
		}, "NVGW_TIMEOUT_DOWNSTREAM_MS"},
		{"breaker threshold", map[string]string{"NVGW_BREAKER_FAILURE_THRESHOLD": "0"}, "NVGW_BREAKER_FAILURE_THRESHOLD"},
		{"ttl above cap", map[string]string{"NVGW_S2S_TTL_SEC": "1000", "NVGW_S2S_MAX_TTL_SEC": "900"}, "NVGW_S2S_TTL_SEC"},
		{"ring below batch", map[string]string{"NVGW_WAL_RING_MAX_EVENTS": "10", "NVGW_WAL_BATCH_SIZE": "100"}, "NVGW_WAL_RING_MAX_EVENTS"},
		{"no sink", map[string]string{"NVGW_SINK_SLUG": "", "NVGW_SINK_URL": ""}, "NVGW_SINK"},
		{"jwks required", map[string]string{"NVGW_AUTH_JWKS_URL": ""}, "NVGW_AUTH_JWKS_URL"},
		{"sensitive without redis", map[string]string{"NVGW_SENSITIVE_PREFIXES": "/api/auth"}, "NVGW_REDIS_ADDR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setValidEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	setValidEnv(t)
	t.Setenv("NVGW_S2S_SECRET", "")
	t.Setenv("NVGW_RATE_LIMIT_POINTS", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NVGW_S2S_SECRET")
	assert.Contains(t, err.Error(), "NVGW_RATE_LIMIT_POINTS")
}

func TestParseHelpers(t *testing.T) {
	t.Setenv("NVGW_TEST_INT", "42")
	assert.Equal(t, 42, ParseInt("NVGW_TEST_INT", 1))
	assert.Equal(t, 7, ParseInt("NVGW_TEST_INT_MISSING", 7))

	t.Setenv("NVGW_TEST_INT_BAD", "nope")
	assert.Equal(t, 9, ParseInt("NVGW_TEST_INT_BAD", 9), "parse errors fall back to the default")

	t.Setenv("NVGW_TEST_BOOL", "true")
	assert.True(t, ParseBool("NVGW_TEST_BOOL", false))

	t.Setenv("NVGW_TEST_MS", "1500")
	assert.Equal(t, 1500*time.Millisecond, ParseMillis("NVGW_TEST_MS", time.Second))

	t.Setenv("NVGW_TEST_LIST", "a, b ,, c")
	assert.Equal(t, []string{"a", "b", "c"}, ParseList("NVGW_TEST_LIST", nil))
	assert.Nil(t, ParseList("NVGW_TEST_LIST_MISSING", nil))
}
