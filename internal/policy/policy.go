// SPDX-License-Identifier: MIT

// Package policy evaluates per-route auth requirements declared in the
// service registry. It runs after the coarse client-auth gate and before
// the forwarder.
package policy

import (
	"net/http"
	"strings"

	"github.com/nvplatform/gateway/internal/clientauth"
	"github.com/nvplatform/gateway/internal/mirror"
)

// Assertion values a RouteRule may carry.
const (
	AssertionRequired  = "required"
	AssertionOptional  = "optional"
	AssertionForbidden = "forbidden"
)

// Outcome is the result of evaluating a route against policy.
type Outcome int

const (
	Allow Outcome = iota
	Unauthorized
	Forbidden
)

// Match finds the best rule for (method, path). Exact segments outrank
// ":param" segments, both outrank a trailing "*"; among equally shaped
// candidates the higher exact-segment count wins, then declaration order.
func Match(p *mirror.Policy, method, path string) (mirror.RouteRule, bool) {
	if p == nil {
		return mirror.RouteRule{}, false
	}

	segments := splitPath(path)
	best := -1
	bestScore := -1

	for i, rule := range p.Rules {
		if !methodMatches(rule.Method, method) {
			continue
		}
		score, ok := scoreRule(rule.Path, segments)
		if !ok {
			continue
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return mirror.RouteRule{}, false
	}
	return p.Rules[best], true
}

func methodMatches(ruleMethod, method string) bool {
	return ruleMethod == "*" || ruleMethod == "" || strings.EqualFold(ruleMethod, method)
}

// scoreRule matches a rule pattern against the request segments and returns
// a comparable specificity score. Patterns without a wildcard always score
// above patterns with one.
func scoreRule(pattern string, segments []string) (int, bool) {
	pat := splitPath(pattern)

	wildcard := len(pat) > 0 && pat[len(pat)-1] == "*"
	if wildcard {
		pat = pat[:len(pat)-1]
		if len(segments) < len(pat) {
			return 0, false
		}
	} else if len(segments) != len(pat) {
		return 0, false
	}

	exact := 0
	for i, ps := range pat {
		switch {
		case strings.HasPrefix(ps, ":"):
			// param segment matches anything non-empty
			if segments[i] == "" {
				return 0, false
			}
		case ps == segments[i]:
			exact++
		default:
			return 0, false
		}
	}

	score := exact
	if !wildcard {
		score += 1 << 16
	}
	return score, true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// Enforcer applies the matched rule's user assertion.
type Enforcer struct {
	verifier clientauth.TokenVerifier
}

// NewEnforcer builds an Enforcer. A nil verifier treats every required
// assertion as unauthorized, never as a server fault.
func NewEnforcer(verifier clientauth.TokenVerifier) *Enforcer {
	return &Enforcer{verifier: verifier}
}

// Evaluate applies the service policy for the parsed route. Absent rules
// default to a required user assertion.
func (e *Enforcer) Evaluate(r *http.Request, pol *mirror.Policy, restPath string) Outcome {
	assertion := AssertionRequired
	if rule, ok := Match(pol, r.Method, restPath); ok {
		if rule.Public && rule.UserAssertion == "" {
			return Allow
		}
		if rule.UserAssertion != "" {
			assertion = rule.UserAssertion
		}
	}

	bearer := clientauth.BearerFromRequest(r)
	identity := clientauth.IdentityFromContext(r.Context())

	switch assertion {
	case AssertionForbidden:
		if bearer != "" || identity != nil {
			return Forbidden
		}
		return Allow
	case AssertionOptional:
		if bearer == "" || identity != nil {
			return Allow
		}
		return e.verifyBearer(bearer)
	default: // required
		if identity != nil {
			return Allow
		}
		if bearer == "" {
			return Unauthorized
		}
		return e.verifyBearer(bearer)
	}
}

func (e *Enforcer) verifyBearer(bearer string) Outcome {
	if e.verifier == nil {
		return Unauthorized
	}
	if _, err := e.verifier.Verify(bearer); err != nil {
		return Unauthorized
	}
	return Allow
}
