// SPDX-License-Identifier: MIT

package mirror

import (
	"fmt"
	"strings"
)

// RouteRule is a per-route policy entry. Matching order: exact segments
// outrank ":param" segments, both outrank a trailing "*".
type RouteRule struct {
	Method        string `json:"method"`
	Path          string `json:"path"`
	Public        bool   `json:"public"`
	UserAssertion string `json:"userAssertion"` // required | optional | forbidden
	OpID          string `json:"opId,omitempty"`
}

// Policy groups the route rules of a service.
type Policy struct {
	Rules []RouteRule `json:"rules"`
}

// BreakerOverrides tune the circuit breaker for one service.
type BreakerOverrides struct {
	FailureThreshold int   `json:"failureThreshold,omitempty"`
	HalfOpenAfterMS  int64 `json:"halfOpenAfterMs,omitempty"`
	MinRTTMS         int64 `json:"minRttMs,omitempty"`
}

// Overrides carry optional per-service tuning.
type Overrides struct {
	TimeoutMS    int64             `json:"timeoutMs,omitempty"`
	Breaker      *BreakerOverrides `json:"breaker,omitempty"`
	RouteAliases map[string]string `json:"routeAliases,omitempty"`
}

// ServiceConfig is one registry record. Exactly one record exists per
// (slug, version) pair.
type ServiceConfig struct {
	Slug              string    `json:"slug"`
	Version           int       `json:"version"`
	Enabled           bool      `json:"enabled"`
	AllowProxy        bool      `json:"allowProxy"`
	BaseURL           string    `json:"baseUrl"`
	OutboundAPIPrefix string    `json:"outboundApiPrefix"`
	HealthPath        string    `json:"healthPath"`
	ExposeHealth      *bool     `json:"exposeHealth,omitempty"` // nil means true
	Policy            *Policy   `json:"policy,omitempty"`
	Overrides         Overrides `json:"overrides,omitempty"`
}

// HealthExposed reports whether the per-service health proxy may reach this
// service. Absent in the registry means exposed.
func (s ServiceConfig) HealthExposed() bool {
	return s.ExposeHealth == nil || *s.ExposeHealth
}

// Snapshot is an immutable view of the registry. It is replaced atomically;
// readers never see a partially applied update.
type Snapshot struct {
	Version   string                   `json:"version"`
	UpdatedAt int64                    `json:"updatedAt"` // epoch millis
	Services  map[string]ServiceConfig `json:"services"`
	ETag      string                   `json:"etag"`
}

// registryPayload is the wire shape of a registry refresh response.
type registryPayload struct {
	Version   string                   `json:"version"`
	UpdatedAt int64                    `json:"updatedAt"`
	Services  map[string]ServiceConfig `json:"services"`
}

// etagFor derives the entity tag for a registry version.
func etagFor(version string) string {
	return fmt.Sprintf("%q", "v:"+version)
}

// normalize applies slug lowercasing, base URL trimming and defaults.
// It rejects structurally unusable records.
func (p *registryPayload) normalize() (map[string]ServiceConfig, error) {
	if p.Services == nil {
		return nil, fmt.Errorf("registry payload missing services field")
	}
	out := make(map[string]ServiceConfig, len(p.Services))
	for key, svc := range p.Services {
		slug := strings.ToLower(strings.TrimSpace(svc.Slug))
		if slug == "" {
			slug = strings.ToLower(strings.TrimSpace(key))
		}
		if slug == "" {
			return nil, fmt.Errorf("registry record %q has no slug", key)
		}
		if svc.Version < 0 {
			return nil, fmt.Errorf("registry record %q has negative version", key)
		}
		svc.Slug = slug
		svc.BaseURL = strings.TrimRight(strings.TrimSpace(svc.BaseURL), "/")
		if svc.OutboundAPIPrefix == "" {
			svc.OutboundAPIPrefix = "/api"
		}
		if svc.HealthPath == "" {
			svc.HealthPath = "/health"
		}
		out[slug] = svc
	}
	return out, nil
}
