// SPDX-License-Identifier: MIT

// Package token mints and verifies the short-lived HS256 bearer tokens the
// gateway uses for service-to-service calls. Client tokens are never
// forwarded upstream; every outbound request carries a freshly minted S2S
// bearer instead.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is applied when MintOptions.TTL is zero.
const DefaultTTL = 5 * time.Minute

// MaxTTL is the hard cap; requests above it are clamped.
const MaxTTL = 15 * time.Minute

var (
	ErrNoSecret        = errors.New("token: signing secret is empty")
	ErrInvalidToken    = errors.New("token: invalid token")
	ErrIssuerNotListed = errors.New("token: issuer not in allowlist")
	ErrCallerNotListed = errors.New("token: caller not in allowlist")
)

// Claims is the S2S token payload.
type Claims struct {
	Service string `json:"svc"`
	jwt.RegisteredClaims
}

// MinterConfig configures a Minter.
type MinterConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	TTL      time.Duration // default applied when zero
	MaxTTL   time.Duration // cap applied when zero uses MaxTTL
}

// Minter issues S2S bearer tokens.
type Minter struct {
	cfg MinterConfig
	now func() time.Time
}

// MintOptions adjust a single mint call.
type MintOptions struct {
	TTL        time.Duration // clamped to the configured cap
	CallerSlug string        // the service identity the token asserts
}

// NewMinter builds a Minter. The secret must be non-empty.
func NewMinter(cfg MinterConfig) (*Minter, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrNoSecret
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = MaxTTL
	}
	if cfg.TTL > cfg.MaxTTL {
		cfg.TTL = cfg.MaxTTL
	}
	return &Minter{cfg: cfg, now: time.Now}, nil
}

// Mint produces a signed bearer string.
func (m *Minter) Mint(opts MintOptions) (string, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.cfg.TTL
	}
	if ttl > m.cfg.MaxTTL {
		ttl = m.cfg.MaxTTL
	}

	now := m.now()
	claims := Claims{
		Service: opts.CallerSlug,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "s2s",
			Issuer:    m.cfg.Issuer,
			Audience:  jwt.ClaimStrings{m.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(m.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign s2s token: %w", err)
	}
	return signed, nil
}

// VerifierConfig configures symmetric S2S verification.
type VerifierConfig struct {
	Secret         []byte
	Audience       string
	AllowedIssuers []string
	AllowedCallers []string // empty allows any caller
}

// Verifier checks inbound S2S bearers.
type Verifier struct {
	cfg     VerifierConfig
	issuers map[string]struct{}
	callers map[string]struct{}
}

// NewVerifier builds a Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrNoSecret
	}
	v := &Verifier{
		cfg:     cfg,
		issuers: make(map[string]struct{}, len(cfg.AllowedIssuers)),
		callers: make(map[string]struct{}, len(cfg.AllowedCallers)),
	}
	for _, iss := range cfg.AllowedIssuers {
		v.issuers[iss] = struct{}{}
	}
	for _, c := range cfg.AllowedCallers {
		v.callers[c] = struct{}{}
	}
	return v, nil
}

// Verify parses and validates a bearer string, returning its claims.
func (v *Verifier) Verify(bearer string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(bearer, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return v.cfg.Secret, nil
		},
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	if len(v.issuers) > 0 {
		if _, ok := v.issuers[claims.Issuer]; !ok {
			return nil, ErrIssuerNotListed
		}
	}
	if len(v.callers) > 0 {
		if _, ok := v.callers[claims.Service]; !ok {
			return nil, ErrCallerNotListed
		}
	}
	return claims, nil
}
