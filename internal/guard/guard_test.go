package guard

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-estate-market/internal/config"
	"go-estate-market/internal/model"
	"go-estate-market/internal/permission"
	"go-estate-market/internal/ratelimit"
	"go-estate-market/internal/token"
)

type stubSessions struct {
	identities map[token.AccessToken]model.Identity
	err        error
	calls      int
}

func (s *stubSessions) Validate(_ context.Context, access token.AccessToken) (model.Identity, error) {
	s.calls++
	if s.err != nil {
		return model.Identity{}, s.err
	}
	id, ok := s.identities[access]
	if !ok {
		return model.Identity{}, model.ErrSessionRevoked
	}
	return id, nil
}

type stubLimiter struct {
	deny    map[string]bool
	checked []string
}

func (l *stubLimiter) Check(_ context.Context, identity string, p ratelimit.Policy) ratelimit.Result {
	l.checked = append(l.checked, identity)
	if l.deny[identity] {
		return ratelimit.Result{Allowed: false, Limit: p.MaxRequests, RetryAfter: 42 * time.Second}
	}
	return ratelimit.Result{Allowed: true, Limit: p.MaxRequests, Remaining: p.MaxRequests - 1}
}

func newTestGuard(policy string) (*Guard, *stubSessions, *stubLimiter) {
	sessions := &stubSessions{identities: map[token.AccessToken]model.Identity{
		"agent-token": {PrincipalID: "p-agent", Role: "agent", SessionID: "s-1"},
		"user-token":  {PrincipalID: "p-user", Role: "user", SessionID: "s-2"},
		"admin-token": {PrincipalID: "p-admin", Role: "admin", SessionID: "s-3"},
	}}
	limiter := &stubLimiter{deny: map[string]bool{}}
	g := New(sessions, permission.NewResolver("admin", permission.DefaultTable()), limiter, policy)
	return g, sessions, limiter
}

var publicPolicy = ratelimit.Policy{Name: "public", Window: time.Minute, MaxRequests: 60}

func TestAnonymousRouteLimitsByIPBeforeTokenWork(t *testing.T) {
	g, sessions, limiter := newTestGuard(config.StoreFailureUnavailable)
	limiter.deny["ip:10.0.0.9"] = true

	d := g.Authorize(context.Background(), Request{Token: "agent-token", ClientIP: "10.0.0.9", Rule: Rule{Policy: publicPolicy}})
	require.Equal(t, RateLimited, d.Outcome)
	require.Equal(t, 42*time.Second, d.RetryAfter())
	require.Zero(t, sessions.calls)

	d = g.Authorize(context.Background(), Request{ClientIP: "10.0.0.10", Rule: Rule{Policy: publicPolicy}})
	require.Equal(t, Proceed, d.Outcome)
}

func TestAuthenticatedRouteValidatesThenLimitsByPrincipal(t *testing.T) {
	g, _, limiter := newTestGuard(config.StoreFailureUnavailable)

	d := g.Authorize(context.Background(), Request{Token: "agent-token", ClientIP: "10.0.0.1", Rule: Rule{Authenticated: true, Policy: publicPolicy}})
	require.Equal(t, Proceed, d.Outcome)
	require.Equal(t, "p-agent", d.Identity.PrincipalID)
	require.Equal(t, []string{"principal:p-agent"}, limiter.checked)

	limiter.deny["principal:p-agent"] = true
	d = g.Authorize(context.Background(), Request{Token: "agent-token", Rule: Rule{Authenticated: true, Policy: publicPolicy}})
	require.Equal(t, RateLimited, d.Outcome)
}

func TestUnauthorizedOutcomes(t *testing.T) {
	g, sessions, limiter := newTestGuard(config.StoreFailureUnavailable)
	rule := Rule{Authenticated: true, Policy: publicPolicy}

	d := g.Authorize(context.Background(), Request{Rule: rule})
	require.Equal(t, Unauthorized, d.Outcome)
	require.Zero(t, sessions.calls)

	d = g.Authorize(context.Background(), Request{Token: "revoked", Rule: rule})
	require.Equal(t, Unauthorized, d.Outcome)
	require.ErrorIs(t, d.Err, model.ErrSessionRevoked)
	require.Empty(t, limiter.checked, "invalid tokens never reach the limiter")
}

func TestStoreFailurePolicy(t *testing.T) {
	storeDown := fmt.Errorf("find session: %w: %w", model.ErrStoreUnavailable, errors.New("connection refused"))
	rule := Rule{Authenticated: true, Policy: publicPolicy}

	g, sessions, _ := newTestGuard(config.StoreFailureUnavailable)
	sessions.err = storeDown
	require.Equal(t, Unavailable, g.Authorize(context.Background(), Request{Token: "agent-token", Rule: rule}).Outcome)

	g, sessions, _ = newTestGuard(config.StoreFailureUnauthorized)
	sessions.err = storeDown
	require.Equal(t, Unauthorized, g.Authorize(context.Background(), Request{Token: "agent-token", Rule: rule}).Outcome)
}

func TestRolesAndPermissions(t *testing.T) {
	g, _, _ := newTestGuard(config.StoreFailureUnavailable)
	ctx := context.Background()

	cases := []struct {
		name  string
		token token.AccessToken
		rule  Rule
		want  Outcome
	}{
		{"role match", "agent-token", Rule{Authenticated: true, Roles: []string{"Agent"}}, Proceed},
		{"role mismatch", "user-token", Rule{Authenticated: true, Roles: []string{"agent", "moderator"}}, Forbidden},
		{"superuser passes role list", "admin-token", Rule{Authenticated: true, Roles: []string{"agent"}}, Proceed},
		{"resource wildcard", "agent-token", Rule{Authenticated: true, Permissions: []string{"properties:delete"}}, Proceed},
		{"all permissions required", "agent-token", Rule{Authenticated: true, Permissions: []string{"properties:delete", "users:manage"}}, Forbidden},
		{"any permission suffices", "agent-token", Rule{Authenticated: true, Permissions: []string{"properties:delete", "users:manage"}, AnyPermission: true}, Proceed},
		{"superuser holds everything", "admin-token", Rule{Authenticated: true, Permissions: []string{"users:manage"}}, Proceed},
		{"user lacks manage", "user-token", Rule{Authenticated: true, Permissions: []string{"users:manage"}}, Forbidden},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := g.Authorize(ctx, Request{Token: tc.token, Rule: tc.rule})
			require.Equal(t, tc.want, d.Outcome)
			if tc.want == Forbidden {
				require.NotEmpty(t, d.Identity.PrincipalID, "forbidden still knows who asked")
			}
		})
	}
}
