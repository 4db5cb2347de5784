// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nvplatform/gateway/internal/log"
	"github.com/nvplatform/gateway/internal/problem"
)

const jwksMaxDoc = 1 << 20

// jwksCache republishes the remote JWKS document so client-token
// verifiers can fetch keys from the gateway itself.
type jwksCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu      sync.Mutex
	doc     []byte
	fetched time.Time
}

func newJWKSCache(url string, client *http.Client) *jwksCache {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &jwksCache{url: url, ttl: 5 * time.Minute, client: client}
}

func (c *jwksCache) handler(w http.ResponseWriter, r *http.Request) {
	if c.url == "" {
		problem.ServiceUnavailable(w, r, "No JWKS source configured.")
		return
	}
	doc, err := c.get(r.Context())
	if err != nil {
		logger := log.WithComponentFromContext(r.Context(), "jwks")
		logger.Warn().Err(err).Msg("jwks fetch failed")
		problem.ServiceUnavailable(w, r, "JWKS source unavailable.")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(doc)
}

// get returns the cached document, refreshing past the TTL. A stale copy
// beats an error while the source is down.
func (c *jwksCache) get(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc != nil && time.Since(c.fetched) < c.ttl {
		return c.doc, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if c.doc != nil {
			return c.doc, nil
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, jwksMaxDoc))
	if err != nil || resp.StatusCode != http.StatusOK || !json.Valid(body) {
		if c.doc != nil {
			return c.doc, nil
		}
		if err == nil {
			err = errBadJWKS
		}
		return nil, err
	}
	c.doc = body
	c.fetched = time.Now()
	return c.doc, nil
}

var errBadJWKS = errors.New("jwks source returned an unusable document")
