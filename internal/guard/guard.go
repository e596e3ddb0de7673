// Package guard is the single authorization decision point for protected
// routes. It composes session validation, rate limiting and permission
// checks and yields exactly one outcome per request.
package guard

import (
	"context"
	"errors"
	"strings"
	"time"

	"go-estate-market/internal/config"
	"go-estate-market/internal/metrics"
	"go-estate-market/internal/model"
	"go-estate-market/internal/permission"
	"go-estate-market/internal/ratelimit"
	"go-estate-market/internal/token"
)

type Outcome int

const (
	Proceed Outcome = iota
	Unauthorized
	Forbidden
	RateLimited
	Unavailable
)

func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case RateLimited:
		return "rate_limited"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

type SessionValidator interface {
	Validate(ctx context.Context, access token.AccessToken) (model.Identity, error)
}

type RateChecker interface {
	Check(ctx context.Context, identity string, p ratelimit.Policy) ratelimit.Result
}

// Rule describes what a route requires. Roles and Permissions are optional;
// with AnyPermission set one matching permission is enough.
type Rule struct {
	Authenticated bool
	Roles         []string
	Permissions   []string
	AnyPermission bool
	Policy        ratelimit.Policy
}

type Request struct {
	Token    token.AccessToken
	ClientIP string
	Rule     Rule
}

type Decision struct {
	Outcome   Outcome
	Identity  model.Identity
	RateLimit ratelimit.Result
	// Err is the underlying cause for logging. It is never shown to clients.
	Err error
}

func (d Decision) RetryAfter() time.Duration {
	return d.RateLimit.RetryAfter
}

type Guard struct {
	sessions     SessionValidator
	resolver     *permission.Resolver
	limiter      RateChecker
	storeFailure Outcome
}

// New builds a guard. storeFailurePolicy decides what a session store
// outage looks like to clients: config.StoreFailureUnauthorized maps it to
// Unauthorized, anything else to Unavailable.
func New(sessions SessionValidator, resolver *permission.Resolver, limiter RateChecker, storeFailurePolicy string) *Guard {
	storeFailure := Unavailable
	if storeFailurePolicy == config.StoreFailureUnauthorized {
		storeFailure = Unauthorized
	}
	return &Guard{sessions: sessions, resolver: resolver, limiter: limiter, storeFailure: storeFailure}
}

func (g *Guard) Authorize(ctx context.Context, req Request) Decision {
	d := g.authorize(ctx, req)
	metrics.GuardOutcomes.WithLabelValues(d.Outcome.String()).Inc()
	return d
}

func (g *Guard) authorize(ctx context.Context, req Request) Decision {
	rule := req.Rule

	// Anonymous traffic is limited before any token work is done.
	if !rule.Authenticated {
		rl := g.limiter.Check(ctx, "ip:"+req.ClientIP, rule.Policy)
		if !rl.Allowed {
			return Decision{Outcome: RateLimited, RateLimit: rl}
		}
		return Decision{Outcome: Proceed, RateLimit: rl}
	}

	if strings.TrimSpace(string(req.Token)) == "" {
		return Decision{Outcome: Unauthorized, Err: model.ErrUnauthorized}
	}

	identity, err := g.sessions.Validate(ctx, req.Token)
	if err != nil {
		if errors.Is(err, model.ErrStoreUnavailable) {
			return Decision{Outcome: g.storeFailure, Err: err}
		}
		return Decision{Outcome: Unauthorized, Err: err}
	}

	rl := g.limiter.Check(ctx, "principal:"+identity.PrincipalID, rule.Policy)
	if !rl.Allowed {
		return Decision{Outcome: RateLimited, Identity: identity, RateLimit: rl}
	}

	if !g.hasRole(identity.Role, rule.Roles) || !g.hasPermissions(identity.Role, rule) {
		return Decision{Outcome: Forbidden, Identity: identity, RateLimit: rl, Err: model.ErrForbidden}
	}

	return Decision{Outcome: Proceed, Identity: identity, RateLimit: rl}
}

func (g *Guard) hasRole(role string, allowed []string) bool {
	if len(allowed) == 0 || g.resolver.IsSuperuser(role) {
		return true
	}
	for _, r := range allowed {
		if strings.EqualFold(strings.TrimSpace(r), strings.TrimSpace(role)) {
			return true
		}
	}
	return false
}

func (g *Guard) hasPermissions(role string, rule Rule) bool {
	if len(rule.Permissions) == 0 {
		return true
	}
	if rule.AnyPermission {
		return g.resolver.HasAnyPermission(role, rule.Permissions...)
	}
	return g.resolver.HasAllPermissions(role, rule.Permissions...)
}
