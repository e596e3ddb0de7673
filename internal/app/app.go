package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

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
	"go-estate-market/internal/tracing"
)

type App struct {
	server       *http.Server
	cleanupFuncs []func()
}

func New(cfg *config.Config) (*App, error) {
	tracerShutdown, err := tracing.Init(context.Background(), tracing.Config{
		ServiceName:  "estate-market-auth",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   cfg.TracingSampleRate,
		Enabled:      cfg.TracingEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	slog.Info("connecting to PostgreSQL")
	db, err := database.New(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.DBAutoMigrate {
		if err := database.RunMigrations(cfg.DatabaseURL, database.DirectionUp); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	principalRepo := repository.NewPrincipalRepository(db.Pool)
	sessionRepo := repository.NewSessionRepository(db.Pool)
	slog.Info("database ready")

	cacheClient := cache.New(cache.Config{
		Addr:           cfg.RedisAddr,
		Password:       cfg.RedisPassword,
		DB:             cfg.RedisDB,
		OpTimeout:      cfg.CacheOpTimeout,
		BreakerTimeout: cfg.CacheBreakerTimeout,
		ProbeInterval:  cfg.CacheProbeInterval,
	}, slog.Default())

	issuer, err := token.NewIssuer(token.Config{
		AccessSecret:  []byte(cfg.JWTAccessSecret),
		RefreshSecret: []byte(cfg.JWTRefreshSecret),
		AccessTTL:     cfg.JWTAccessTTL,
		RefreshTTL:    cfg.JWTRefreshTTL,
		Issuer:        cfg.JWTIssuer,
		Leeway:        cfg.TokenLeeway,
	})
	if err != nil {
		_ = cacheClient.Close()
		db.Close()
		return nil, fmt.Errorf("failed to initialize token issuer: %w", err)
	}

	resolver := permission.NewResolver(cfg.SuperuserRole, permission.DefaultTable())

	authService, err := service.NewAuthService(principalRepo, sessionRepo, cacheClient, issuer, resolver, service.AuthConfig{
		SessionCacheTTL: cfg.SessionCacheTTL,
		StoreTimeout:    cfg.StoreTimeout,
		BcryptCost:      cfg.BcryptCost,
	})
	if err != nil {
		_ = cacheClient.Close()
		db.Close()
		return nil, fmt.Errorf("failed to initialize auth service: %w", err)
	}

	policies := ratelimit.PoliciesFromConfig(cfg)
	limiter := ratelimit.New(cacheClient)
	requestGuard := guard.New(authService, resolver, limiter, cfg.StoreFailurePolicy)

	health := handler.NewHealthHandler(3 * time.Second)
	health.Register("database", db.Health, true)
	health.Register("cache", cacheClient.Ping, false)

	appRouter := router.New(cfg, middleware.NewGuardMiddleware(requestGuard, cfg.TrustProxyHeaders), policies, router.Handlers{
		Auth:       handler.NewAuthHandler(authService, cfg.TrustProxyHeaders),
		Session:    handler.NewSessionHandler(authService),
		Permission: handler.NewPermissionHandler(resolver),
		Health:     health,
	})

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	go cacheClient.Run(backgroundCtx)
	go authService.StartCleanupTicker(backgroundCtx, cfg.SessionCleanupInterval)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           appRouter,
		ReadHeaderTimeout: cfg.ServerReadHeaderTimeout,
		WriteTimeout:      cfg.ServerWriteTimeout,
		IdleTimeout:       cfg.ServerIdleTimeout,
	}

	return &App{
		server: server,
		cleanupFuncs: []func(){
			backgroundCancel,
			func() {
				if err := cacheClient.Close(); err != nil {
					slog.Warn("cache close failed", "error", err)
				}
			},
			db.Close,
			func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tracerShutdown(ctx); err != nil {
					slog.Warn("tracer shutdown failed", "error", err)
				}
			},
		},
	}, nil
}

func (a *App) Run() error {
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		a.cleanup()
		return fmt.Errorf("server failed: %w", err)
	case <-stop:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// In-flight requests finish before the stores they use are closed.
	shutdownErr := a.server.Shutdown(ctx)
	a.cleanup()
	if shutdownErr != nil {
		return fmt.Errorf("graceful shutdown failed: %w", shutdownErr)
	}

	slog.Info("server stopped")
	return nil
}

func (a *App) cleanup() {
	for _, fn := range a.cleanupFuncs {
		fn()
	}
}
