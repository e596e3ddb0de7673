package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"go-estate-market/internal/cache"
	"go-estate-market/internal/model"
	"go-estate-market/internal/permission"
	"go-estate-market/internal/token"
	"go-estate-market/pkg/apierror"
)

const testPassword = "secret123"

type authFixture struct {
	svc        *AuthService
	principals *fakePrincipals
	sessions   *fakeSessions
	redis      *miniredis.Miniredis
	agent      model.Principal
}

func newAuthFixture(t *testing.T, extra ...model.Principal) *authFixture {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	agent := model.Principal{
		ID:           "7d3c9a52-6f1e-4b8a-9c0d-2e4f6a8b0c1d",
		Email:        "agent@estate.test",
		PasswordHash: string(hash),
		Role:         "agent",
		IsActive:     true,
	}
	for i := range extra {
		if extra[i].PasswordHash == "" {
			extra[i].PasswordHash = string(hash)
		}
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	c := cache.NewWithRedis(rdb, cache.Config{OpTimeout: 500 * time.Millisecond}, nil)

	issuer, err := token.NewIssuer(token.Config{
		AccessSecret:  []byte("access-secret-for-tests"),
		RefreshSecret: []byte("refresh-secret-for-tests"),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
		Issuer:        "estate-market",
		Leeway:        5 * time.Second,
	})
	require.NoError(t, err)

	principals := newFakePrincipals(append(extra, agent)...)
	sessions := newFakeSessions()

	svc, err := NewAuthService(principals, sessions, c, issuer, permission.NewResolver("admin", permission.DefaultTable()), AuthConfig{
		SessionCacheTTL: 5 * time.Minute,
		StoreTimeout:    100 * time.Millisecond,
		BcryptCost:      bcrypt.MinCost,
	})
	require.NoError(t, err)

	return &authFixture{svc: svc, principals: principals, sessions: sessions, redis: mr, agent: agent}
}

func (f *authFixture) login(t *testing.T) model.LoginResult {
	t.Helper()
	res, err := f.svc.Login(context.Background(), LoginInput{Email: f.agent.Email, Password: testPassword})
	require.NoError(t, err)
	return res
}

func TestLoginThenValidate(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	res := f.login(t)
	require.NotEmpty(t, res.AccessToken)
	require.NotEmpty(t, res.RefreshToken)
	require.Equal(t, "Bearer", res.TokenType)
	require.Equal(t, int64(900), res.ExpiresIn)
	require.Equal(t, f.agent.ID, res.Principal.ID)
	require.Contains(t, res.Principal.Permissions, "properties:*")
	require.Equal(t, 1, f.sessions.count())

	identity, err := f.svc.Validate(ctx, token.AccessToken(res.AccessToken))
	require.NoError(t, err)
	require.Equal(t, f.agent.ID, identity.PrincipalID)
	require.Equal(t, "agent", identity.Role)

	t.Run("cold cache falls through to the store and repopulates", func(t *testing.T) {
		f.redis.FlushAll()

		identity, err := f.svc.Validate(ctx, token.AccessToken(res.AccessToken))
		require.NoError(t, err)
		require.Equal(t, f.agent.ID, identity.PrincipalID)
		require.NotEmpty(t, identity.SessionID)

		key := sessionCacheKey(token.Fingerprint(token.AccessToken(res.AccessToken)))
		require.True(t, f.redis.Exists(key))
		ttl := f.redis.TTL(key)
		require.Greater(t, ttl, time.Duration(0))
		require.LessOrEqual(t, ttl, 5*time.Minute)
	})
}

func TestLoginCredentialFailures(t *testing.T) {
	deletedAt := time.Now().Add(-time.Hour)
	f := newAuthFixture(t,
		model.Principal{ID: "inactive-id", Email: "inactive@estate.test", Role: "user", IsActive: false},
		model.Principal{ID: "deleted-id", Email: "deleted@estate.test", Role: "user", IsActive: true, DeletedAt: &deletedAt},
	)
	ctx := context.Background()

	t.Run("unknown email is generic invalid credentials", func(t *testing.T) {
		_, err := f.svc.Login(ctx, LoginInput{Email: "a@x.com", Password: testPassword})
		require.ErrorIs(t, err, model.ErrInvalidCredentials)
		require.NotErrorIs(t, err, model.ErrPrincipalNotFound)
	})

	t.Run("wrong password is generic invalid credentials", func(t *testing.T) {
		_, err := f.svc.Login(ctx, LoginInput{Email: f.agent.Email, Password: "nope-nope"})
		require.ErrorIs(t, err, model.ErrInvalidCredentials)
	})

	t.Run("email match ignores case", func(t *testing.T) {
		_, err := f.svc.Login(ctx, LoginInput{Email: "  AGENT@estate.test ", Password: testPassword})
		require.NoError(t, err)
	})

	t.Run("inactive account", func(t *testing.T) {
		_, err := f.svc.Login(ctx, LoginInput{Email: "inactive@estate.test", Password: testPassword})
		require.ErrorIs(t, err, model.ErrAccountInactive)
	})

	t.Run("deleted account", func(t *testing.T) {
		_, err := f.svc.Login(ctx, LoginInput{Email: "deleted@estate.test", Password: testPassword})
		require.ErrorIs(t, err, model.ErrAccountDeleted)
	})

	t.Run("deleted account with wrong password stays generic", func(t *testing.T) {
		_, err := f.svc.Login(ctx, LoginInput{Email: "deleted@estate.test", Password: "wrong-password"})
		require.ErrorIs(t, err, model.ErrInvalidCredentials)
	})

	t.Run("principal store down is unavailable not invalid", func(t *testing.T) {
		f.principals.mu.Lock()
		f.principals.failErr = errors.New("connection refused")
		f.principals.mu.Unlock()
		defer func() {
			f.principals.mu.Lock()
			f.principals.failErr = nil
			f.principals.mu.Unlock()
		}()

		_, err := f.svc.Login(ctx, LoginInput{Email: f.agent.Email, Password: testPassword})
		require.ErrorIs(t, err, model.ErrStoreUnavailable)
	})
}

func TestLoginSucceedsWhenSessionWriteFails(t *testing.T) {
	f := newAuthFixture(t)
	f.sessions.mu.Lock()
	f.sessions.createErr = errors.New("disk full")
	f.sessions.mu.Unlock()

	res := f.login(t)
	require.NotEmpty(t, res.AccessToken)
	require.Equal(t, 0, f.sessions.count())

	identity, err := f.svc.Validate(context.Background(), token.AccessToken(res.AccessToken))
	require.NoError(t, err, "cache entry carries the session while the row is missing")
	require.Equal(t, f.agent.ID, identity.PrincipalID)
	require.Empty(t, identity.SessionID)

	f.redis.FastForward(6 * time.Minute)
	_, err = f.svc.Validate(context.Background(), token.AccessToken(res.AccessToken))
	require.ErrorIs(t, err, model.ErrSessionRevoked, "without a row the token dies with its cache entry")
}

func TestLogoutRevokes(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	res := f.login(t)
	access := token.AccessToken(res.AccessToken)

	require.NoError(t, f.svc.Logout(ctx, access))

	_, err := f.svc.Validate(ctx, access)
	require.ErrorIs(t, err, model.ErrSessionRevoked)

	require.NoError(t, f.svc.Logout(ctx, access), "logout is idempotent")

	_, err = f.svc.Refresh(ctx, token.RefreshToken(res.RefreshToken))
	require.ErrorIs(t, err, model.ErrInvalidRefreshToken)
}

func TestLogoutWithCacheDownStillRevokes(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	res := f.login(t)
	access := token.AccessToken(res.AccessToken)

	f.redis.Close()

	require.NoError(t, f.svc.Logout(ctx, access))
	_, err := f.svc.Validate(ctx, access)
	require.ErrorIs(t, err, model.ErrSessionRevoked)
}

func TestValidateRejectsBadTokens(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	_, err := f.svc.Validate(ctx, "")
	require.ErrorIs(t, err, model.ErrTokenInvalid)

	_, err = f.svc.Validate(ctx, "not.a.token")
	require.ErrorIs(t, err, model.ErrTokenInvalid)

	res := f.login(t)
	_, err = f.svc.Validate(ctx, token.AccessToken(res.RefreshToken))
	require.ErrorIs(t, err, model.ErrTokenInvalid, "a refresh token is never an access token")
}

func TestValidateFailsClosedWhenStoreIsDown(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	res := f.login(t)
	f.redis.FlushAll()

	t.Run("store error", func(t *testing.T) {
		f.sessions.setFailure(errors.New("connection reset"), false)
		defer f.sessions.setFailure(nil, false)

		_, err := f.svc.Validate(ctx, token.AccessToken(res.AccessToken))
		require.ErrorIs(t, err, model.ErrStoreUnavailable)

		var apiErr *apierror.APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, 503, apiErr.HTTPStatus)
	})

	t.Run("store hangs past its timeout", func(t *testing.T) {
		f.sessions.setFailure(nil, true)
		defer f.sessions.setFailure(nil, false)

		start := time.Now()
		_, err := f.svc.Validate(ctx, token.AccessToken(res.AccessToken))
		require.ErrorIs(t, err, model.ErrStoreUnavailable)
		require.Less(t, time.Since(start), 2*time.Second)
	})
}

func TestRefreshRotatesAccessToken(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	res := f.login(t)
	oldAccess := token.AccessToken(res.AccessToken)

	refreshed, err := f.svc.Refresh(ctx, token.RefreshToken(res.RefreshToken))
	require.NoError(t, err)
	require.NotEqual(t, res.AccessToken, refreshed.AccessToken)
	require.Equal(t, int64(900), refreshed.ExpiresIn)

	identity, err := f.svc.Validate(ctx, token.AccessToken(refreshed.AccessToken))
	require.NoError(t, err)
	require.Equal(t, f.agent.ID, identity.PrincipalID)

	_, err = f.sessions.FindActiveByAccessFingerprint(ctx, token.Fingerprint(oldAccess))
	require.ErrorIs(t, err, model.ErrSessionNotFound)

	_, err = f.svc.Validate(ctx, oldAccess)
	require.ErrorIs(t, err, model.ErrSessionRevoked, "old access token dies on rotation")

	again, err := f.svc.Refresh(ctx, token.RefreshToken(res.RefreshToken))
	require.NoError(t, err, "refresh token stays usable")
	require.NotEqual(t, refreshed.AccessToken, again.AccessToken)
}

func TestRefreshRejections(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	res := f.login(t)

	_, err := f.svc.Refresh(ctx, token.RefreshToken(res.AccessToken))
	require.ErrorIs(t, err, model.ErrInvalidRefreshToken)

	_, err = f.svc.Refresh(ctx, "garbage")
	require.ErrorIs(t, err, model.ErrInvalidRefreshToken)

	f.sessions.setFailure(errors.New("connection reset"), false)
	_, err = f.svc.Refresh(ctx, token.RefreshToken(res.RefreshToken))
	require.ErrorIs(t, err, model.ErrStoreUnavailable)
	f.sessions.setFailure(nil, false)

	f.principals.mu.Lock()
	p := f.principals.byID[f.agent.ID]
	p.IsActive = false
	f.principals.byID[f.agent.ID] = p
	f.principals.mu.Unlock()

	_, err = f.svc.Refresh(ctx, token.RefreshToken(res.RefreshToken))
	require.ErrorIs(t, err, model.ErrAccountInactive)
	require.Equal(t, 0, f.sessions.count(), "an inactive principal's session is ended")

	_, err = f.svc.Validate(ctx, token.AccessToken(res.AccessToken))
	require.ErrorIs(t, err, model.ErrSessionRevoked)
}

func TestRevocationSticksAgainstInFlightValidate(t *testing.T) {
	ctx := context.Background()

	// Each case ends the session after a cold-cache Validate has read the
	// row and before it writes the cache entry back.
	cases := []struct {
		name string
		end  func(t *testing.T, f *authFixture, res model.LoginResult)
	}{
		{
			name: "logout",
			end: func(t *testing.T, f *authFixture, res model.LoginResult) {
				require.NoError(t, f.svc.Logout(ctx, token.AccessToken(res.AccessToken)))
			},
		},
		{
			name: "refresh",
			end: func(t *testing.T, f *authFixture, res model.LoginResult) {
				_, err := f.svc.Refresh(ctx, token.RefreshToken(res.RefreshToken))
				require.NoError(t, err)
			},
		},
		{
			name: "revoke all",
			end: func(t *testing.T, f *authFixture, res model.LoginResult) {
				n, err := f.svc.RevokeAllSessions(ctx, f.agent.ID)
				require.NoError(t, err)
				require.Equal(t, 1, n)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newAuthFixture(t)
			res := f.login(t)
			access := token.AccessToken(res.AccessToken)
			f.redis.FlushAll()

			var once sync.Once
			f.sessions.setAfterAccessLookup(func() {
				once.Do(func() { tc.end(t, f, res) })
			})

			_, err := f.svc.Validate(ctx, access)
			require.NoError(t, err, "the in-flight request read the row before it ended")
			f.sessions.setAfterAccessLookup(nil)

			require.False(t, f.redis.Exists(sessionCacheKey(token.Fingerprint(access))))

			_, err = f.svc.Validate(ctx, access)
			require.ErrorIs(t, err, model.ErrSessionRevoked)
		})
	}
}

func TestCleanupExpiredIsBounded(t *testing.T) {
	f := newAuthFixture(t)
	f.sessions.setFailure(nil, true)
	defer f.sessions.setFailure(nil, false)

	start := time.Now()
	f.svc.CleanupExpired(context.Background())
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestConcurrentRefreshFirstRotationWins(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	res := f.login(t)

	var barrier sync.WaitGroup
	barrier.Add(2)
	f.sessions.mu.Lock()
	f.sessions.refreshBarrier = &barrier
	f.sessions.mu.Unlock()

	type outcome struct {
		res model.RefreshResult
		err error
	}
	results := make(chan outcome, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.svc.Refresh(ctx, token.RefreshToken(res.RefreshToken))
			results <- outcome{res: r, err: err}
		}()
	}
	wg.Wait()
	close(results)

	f.sessions.mu.Lock()
	f.sessions.refreshBarrier = nil
	f.sessions.mu.Unlock()

	var winners, conflicts int
	var winner string
	for o := range results {
		switch {
		case o.err == nil:
			winners++
			winner = o.res.AccessToken
		case errors.Is(o.err, model.ErrSessionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected refresh error: %v", o.err)
		}
	}
	require.Equal(t, 1, winners)
	require.Equal(t, 1, conflicts)

	_, err := f.svc.Validate(ctx, token.AccessToken(winner))
	require.NoError(t, err)

	retried, err := f.svc.Refresh(ctx, token.RefreshToken(res.RefreshToken))
	require.NoError(t, err, "the losing client can retry")
	require.NotEmpty(t, retried.AccessToken)
}

func TestRegister(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	res, err := f.svc.Register(ctx, LoginInput{Email: " New.Buyer@Estate.test ", Password: "long-enough"})
	require.NoError(t, err)
	require.Equal(t, "new.buyer@estate.test", res.Principal.Email)
	require.Equal(t, "user", res.Principal.Role)

	identity, err := f.svc.Validate(ctx, token.AccessToken(res.AccessToken))
	require.NoError(t, err)
	require.Equal(t, res.Principal.ID, identity.PrincipalID)

	_, err = f.svc.Register(ctx, LoginInput{Email: "new.buyer@estate.test", Password: "long-enough"})
	require.ErrorIs(t, err, model.ErrEmailTaken)

	_, err = f.svc.Register(ctx, LoginInput{Email: "short@estate.test", Password: "short"})
	var apiErr *apierror.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "BAD_REQUEST", apiErr.Code)

	_, err = f.svc.Register(ctx, LoginInput{Email: "not-an-email", Password: "long-enough"})
	require.ErrorAs(t, err, &apiErr)
}

func TestSessionAdministration(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	first := f.login(t)
	second := f.login(t)

	list, err := f.svc.ListSessions(ctx, f.agent.ID)
	require.NoError(t, err)
	require.Len(t, list.Sessions, 2)

	identity, err := f.svc.Validate(ctx, token.AccessToken(first.AccessToken))
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.RevokeSession(ctx, "someone-else", identity.SessionID), model.ErrSessionNotFound)
	require.NoError(t, f.svc.RevokeSession(ctx, f.agent.ID, identity.SessionID))

	_, err = f.svc.Validate(ctx, token.AccessToken(first.AccessToken))
	require.ErrorIs(t, err, model.ErrSessionRevoked)

	third := f.login(t)
	n, err := f.svc.RevokeAllSessions(ctx, f.agent.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, access := range []string{second.AccessToken, third.AccessToken} {
		_, err := f.svc.Validate(ctx, token.AccessToken(access))
		require.ErrorIs(t, err, model.ErrSessionRevoked)
	}
}

func TestPrincipalView(t *testing.T) {
	f := newAuthFixture(t)

	view, err := f.svc.Principal(context.Background(), f.agent.ID)
	require.NoError(t, err)
	require.Equal(t, f.agent.Email, view.Email)
	require.Equal(t, []string{"inquiries:read", "inquiries:reply", "leads:*", "properties:*"}, view.Permissions)

	_, err = f.svc.Principal(context.Background(), "missing")
	require.ErrorIs(t, err, model.ErrPrincipalNotFound)
}

func TestStartCleanupTickerStopsOnCancel(t *testing.T) {
	f := newAuthFixture(t)
	f.sessions.mu.Lock()
	f.sessions.rows["expired"] = model.Session{ID: "expired", PrincipalID: f.agent.ID, ExpiresAt: time.Now().Add(-time.Minute)}
	f.sessions.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.StartCleanupTicker(ctx, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool { return f.sessions.count() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
