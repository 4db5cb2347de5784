// SPDX-License-Identifier: MIT

package mirror

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvplatform/gateway/internal/token"
)

type staticMinter struct{}

func (staticMinter) Mint(token.MintOptions) (string, error) { return "test-bearer", nil }

func registryJSON(version string, slugs ...string) string {
	services := map[string]any{}
	for _, slug := range slugs {
		services[slug] = map[string]any{
			"slug":       slug,
			"version":    1,
			"enabled":    true,
			"allowProxy": true,
			"baseUrl":    "http://" + slug + ":4000/",
		}
	}
	b, _ := json.Marshal(map[string]any{
		"version":   version,
		"updatedAt": time.Now().UnixMilli(),
		"services":  services,
	})
	return string(b)
}

func newTestMirror(t *testing.T, registryURL string) *Mirror {
	t.Helper()
	return New(Config{
		RegistryBaseURL: registryURL,
		RegistryPath:    "/internal/services",
		LKGPath:         filepath.Join(t.TempDir(), "lkg.json"),
		CallerSlug:      "gateway",
		Minter:          staticMinter{},
	})
}

func TestRefreshPublishesSnapshot(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("ETag", `"v:7"`)
		_, _ = w.Write([]byte(registryJSON("7", "act", "billing")))
	}))
	defer srv.Close()

	m := newTestMirror(t, srv.URL)
	require.NoError(t, m.Refresh(context.Background()))

	assert.Equal(t, "Bearer test-bearer", gotAuth.Load())

	snap := m.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "7", snap.Version)
	assert.Len(t, snap.Services, 2)

	svc, ok := m.Lookup("act")
	require.True(t, ok)
	assert.Equal(t, "http://act:4000", svc.BaseURL, "trailing slash must be trimmed")
	assert.Equal(t, "/api", svc.OutboundAPIPrefix, "default outbound prefix")
	assert.Equal(t, "/health", svc.HealthPath, "default health path")
	assert.True(t, svc.HealthExposed())
}

func TestRefreshSendsIfNoneMatchAndHonors304(t *testing.T) {
	var calls atomic.Int32
	var lastINM atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastINM.Store(r.Header.Get("If-None-Match"))
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(registryJSON("3", "act")))
			return
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	m := newTestMirror(t, srv.URL)
	require.NoError(t, m.Refresh(context.Background()))
	first := m.Snapshot()

	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, `"v:3"`, lastINM.Load())
	assert.Same(t, first, m.Snapshot(), "304 must keep the snapshot")
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(registryJSON("1", "act")))
	}))
	defer srv.Close()

	m := newTestMirror(t, srv.URL)
	require.NoError(t, m.Refresh(context.Background()))

	fail.Store(true)
	err := m.Refresh(context.Background())
	require.Error(t, err)
	require.NotNil(t, m.Snapshot(), "failed refresh must not wipe the replica")
	assert.Equal(t, "1", m.Snapshot().Version)
}

func TestRefreshRejectsMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version":"9"}`))
	}))
	defer srv.Close()

	m := newTestMirror(t, srv.URL)
	err := m.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "services")
	assert.Nil(t, m.Snapshot())
}

func TestLKGRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(registryJSON("42", "act", "billing")))
	}))

	lkgPath := filepath.Join(t.TempDir(), "lkg.json")
	m := New(Config{
		RegistryBaseURL: srv.URL,
		RegistryPath:    "/internal/services",
		LKGPath:         lkgPath,
		CallerSlug:      "gateway",
		Minter:          staticMinter{},
	})
	require.NoError(t, m.Refresh(context.Background()))
	want := m.Snapshot()
	srv.Close()

	// A fresh mirror pointed at a dead registry recovers from disk.
	m2 := New(Config{
		RegistryBaseURL: srv.URL,
		RegistryPath:    "/internal/services",
		LKGPath:         lkgPath,
		CallerSlug:      "gateway",
		Minter:          staticMinter{},
	})
	require.Error(t, m2.Refresh(context.Background()))
	require.NoError(t, m2.loadLKG())

	got := m2.Snapshot()
	require.NotNil(t, got)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.UpdatedAt, got.UpdatedAt)
	assert.Equal(t, want.Services, got.Services)
	assert.Equal(t, want.ETag, got.ETag)

	r := m2.Readiness()
	assert.True(t, r.OK)
	assert.Equal(t, SourceLKG, r.Source)
}

func TestLKGFileShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(registryJSON("5", "act")))
	}))
	defer srv.Close()

	lkgPath := filepath.Join(t.TempDir(), "lkg.json")
	m := New(Config{
		RegistryBaseURL: srv.URL,
		RegistryPath:    "/internal/services",
		LKGPath:         lkgPath,
		CallerSlug:      "gateway",
		Minter:          staticMinter{},
	})
	require.NoError(t, m.Refresh(context.Background()))

	raw, err := os.ReadFile(lkgPath)
	require.NoError(t, err)
	var f map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, "1", string(f["v"]))
	assert.True(t, strings.Contains(string(f["snapshot"]), `"services"`))
}

func TestEmptyMirrorReadiness(t *testing.T) {
	m := newTestMirror(t, "http://127.0.0.1:0")
	r := m.Readiness()
	assert.False(t, r.OK)
	assert.Equal(t, SourceEmpty, r.Source)
	_, ok := m.Lookup("anything")
	assert.False(t, ok)
}

func TestPubSubHintTriggersRefresh(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(registryJSON("1", "act")))
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	m := New(Config{
		RegistryBaseURL: srv.URL,
		RegistryPath:    "/internal/services",
		LKGPath:         filepath.Join(t.TempDir(), "lkg.json"),
		PubSubChannel:   "registry-changed",
		CallerSlug:      "gateway",
		Minter:          staticMinter{},
		Redis:           rdb,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	before := calls.Load()

	mr.Publish("registry-changed", "changed")

	require.Eventually(t, func() bool { return calls.Load() > before }, 2*time.Second, 10*time.Millisecond,
		"a pubsub hint must trigger an extra refresh before the poll ticker fires")
}

func TestEtagFor(t *testing.T) {
	assert.Equal(t, `"v:12"`, etagFor("12"))
}
