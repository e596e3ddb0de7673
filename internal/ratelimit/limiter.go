// Package ratelimit bounds request volume per caller with fixed windows
// counted in the shared cache.
package ratelimit

import (
	"context"
	"time"

	"go-estate-market/internal/cache"
	"go-estate-market/internal/config"
	"go-estate-market/internal/metrics"
)

type Policy struct {
	Name        string
	Window      time.Duration
	MaxRequests int
}

// Enabled reports whether the policy limits anything at all.
func (p Policy) Enabled() bool {
	return p.MaxRequests > 0 && p.Window > 0
}

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Policies are the preconfigured caller classes.
type Policies struct {
	Public        Policy
	Authenticated Policy
	Login         Policy
}

func PoliciesFromConfig(cfg *config.Config) Policies {
	return Policies{
		Public:        Policy{Name: "public", Window: cfg.RateLimitPublicWindow, MaxRequests: cfg.RateLimitPublic},
		Authenticated: Policy{Name: "authenticated", Window: cfg.RateLimitAuthenticatedWindow, MaxRequests: cfg.RateLimitAuthenticated},
		Login:         Policy{Name: "login", Window: cfg.RateLimitLoginWindow, MaxRequests: cfg.RateLimitLogin},
	}
}

type Counter interface {
	CountWindow(ctx context.Context, key string, limit int, window time.Duration) (cache.Window, bool)
}

type Limiter struct {
	counter Counter
	now     func() time.Time
}

func New(counter Counter) *Limiter {
	return &Limiter{counter: counter, now: time.Now}
}

// Check admits one request for identity under p. When the cache cannot
// count, the request is allowed.
func (l *Limiter) Check(ctx context.Context, identity string, p Policy) Result {
	now := l.now()
	if !p.Enabled() {
		return Result{Allowed: true}
	}

	w, ok := l.counter.CountWindow(ctx, key(p, identity), p.MaxRequests, p.Window)
	if !ok {
		metrics.RateLimitDecisions.WithLabelValues(p.Name, "fail_open").Inc()
		return Result{Allowed: true, Limit: p.MaxRequests, Remaining: p.MaxRequests, ResetAt: now.Add(p.Window)}
	}

	res := Result{
		Allowed:   w.Allowed,
		Limit:     p.MaxRequests,
		Remaining: max(p.MaxRequests-int(w.Count), 0),
		ResetAt:   now.Add(w.ResetIn),
	}
	if !w.Allowed {
		res.RetryAfter = retryAfter(w.ResetIn)
		metrics.RateLimitDecisions.WithLabelValues(p.Name, "rejected").Inc()
		return res
	}

	metrics.RateLimitDecisions.WithLabelValues(p.Name, "allowed").Inc()
	return res
}

func key(p Policy, identity string) string {
	return "rl:" + p.Name + ":" + identity
}

// retryAfter rounds up to whole seconds, the unit of the Retry-After header.
func retryAfter(resetIn time.Duration) time.Duration {
	if resetIn <= 0 {
		return time.Second
	}
	secs := (resetIn + time.Second - 1) / time.Second
	return secs * time.Second
}
