//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-estate-market/internal/cache"
	"go-estate-market/internal/config"
	"go-estate-market/internal/database"
	"go-estate-market/internal/guard"
	"go-estate-market/internal/handler"
	"go-estate-market/internal/middleware"
	"go-estate-market/internal/permission"
	"go-estate-market/internal/ratelimit"
	"go-estate-market/internal/repository"
	"go-estate-market/internal/router"
	"go-estate-market/internal/service"
	"go-estate-market/internal/token"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

type testServer struct {
	*httptest.Server
	db *database.DB
}

// newServer wires the full stack against TEST_DATABASE_URL and
// TEST_REDIS_ADDR. Tables are truncated before each test.
func newServer(t *testing.T) *testServer {
	t.Helper()

	databaseURL := os.Getenv("TEST_DATABASE_URL")
	redisAddr := os.Getenv("TEST_REDIS_ADDR")
	if databaseURL == "" || redisAddr == "" {
		t.Skip("TEST_DATABASE_URL and TEST_REDIS_ADDR are required")
	}

	ctx := context.Background()
	require.NoError(t, database.RunMigrations(databaseURL, database.DirectionUp))

	db, err := database.New(ctx, databaseURL, 5, 1)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	_, err = db.Pool.Exec(ctx, "TRUNCATE sessions, users CASCADE")
	require.NoError(t, err)

	cacheClient := cache.New(cache.Config{Addr: redisAddr, OpTimeout: 200 * time.Millisecond}, nil)
	t.Cleanup(func() { _ = cacheClient.Close() })

	issuer, err := token.NewIssuer(token.Config{
		AccessSecret:  []byte("integration-access-secret"),
		RefreshSecret: []byte("integration-refresh-secret"),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
		Issuer:        "go-estate-market-test",
	})
	require.NoError(t, err)

	resolver := permission.NewResolver("admin", permission.DefaultTable())
	authService, err := service.NewAuthService(
		repository.NewPrincipalRepository(db.Pool),
		repository.NewSessionRepository(db.Pool),
		cacheClient, issuer, resolver,
		service.AuthConfig{BcryptCost: 4, StoreTimeout: 2 * time.Second},
	)
	require.NoError(t, err)

	cfg := &config.Config{CORSOrigins: []string{"*"}, RequestTimeout: 10 * time.Second}
	policies := ratelimit.Policies{
		Public:        ratelimit.Policy{Name: "it-public-" + t.Name(), Window: time.Minute, MaxRequests: 1000},
		Authenticated: ratelimit.Policy{Name: "it-authenticated-" + t.Name(), Window: time.Minute, MaxRequests: 1000},
		Login:         ratelimit.Policy{Name: "it-login-" + t.Name(), Window: time.Minute, MaxRequests: 1000},
	}
	g := guard.New(authService, resolver, ratelimit.New(cacheClient), config.StoreFailureUnavailable)

	health := handler.NewHealthHandler(time.Second)
	health.Register("database", db.Health, true)
	health.Register("cache", cacheClient.Ping, false)

	srv := httptest.NewServer(router.New(cfg, middleware.NewGuardMiddleware(g, false), policies, router.Handlers{
		Auth:       handler.NewAuthHandler(authService, false),
		Session:    handler.NewSessionHandler(authService),
		Permission: handler.NewPermissionHandler(resolver),
		Health:     health,
	}))
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, db: db}
}

func (s *testServer) do(t *testing.T, method string, path string, body any, accessToken string) (int, envelope) {
	t.Helper()

	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}

	req, err := http.NewRequest(method, s.URL+path, &payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

type tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (s *testServer) register(t *testing.T, email string, password string) tokens {
	t.Helper()

	status, env := s.do(t, http.MethodPost, "/api/v1/auth/register", map[string]string{"email": email, "password": password}, "")
	require.Equal(t, http.StatusCreated, status)

	var out tokens
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.NotEmpty(t, out.AccessToken)
	return out
}
