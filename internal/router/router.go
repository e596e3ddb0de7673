package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go-estate-market/internal/config"
	"go-estate-market/internal/guard"
	"go-estate-market/internal/handler"
	"go-estate-market/internal/middleware"
	"go-estate-market/internal/ratelimit"
)

type Handlers struct {
	Auth       *handler.AuthHandler
	Session    *handler.SessionHandler
	Permission *handler.PermissionHandler
	Health     *handler.HealthHandler
}

func New(cfg *config.Config, guardMiddleware *middleware.GuardMiddleware, policies ratelimit.Policies, h Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery)
	r.Use(middleware.Tracing)
	r.Use(middleware.Logging)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.SecurityHeaders)

	r.Get("/health", h.Health.Live)
	r.Get("/ready", h.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	login := guardMiddleware.Protect(guard.Rule{Policy: policies.Login})
	public := guardMiddleware.Protect(guard.Rule{Policy: policies.Public})
	authenticated := guardMiddleware.Protect(guard.Rule{Authenticated: true, Policy: policies.Authenticated})
	manageUsers := guardMiddleware.Protect(guard.Rule{
		Authenticated: true,
		Permissions:   []string{"users:manage"},
		Policy:        policies.Authenticated,
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(middleware.Timeout(cfg.RequestTimeout))

		api.Route("/auth", func(auth chi.Router) {
			auth.With(login).Post("/login", h.Auth.Login)
			auth.With(login).Post("/register", h.Auth.Register)
			auth.With(public).Post("/refresh", h.Auth.Refresh)
			auth.With(authenticated).Post("/logout", h.Auth.Logout)
			auth.With(authenticated).Get("/me", h.Auth.Me)
		})

		api.With(authenticated).Get("/sessions", h.Session.List)
		api.With(authenticated).Delete("/sessions/{id}", h.Session.Revoke)
		api.With(manageUsers).Delete("/admin/users/{id}/sessions", h.Session.RevokeAll)

		api.With(authenticated).Get("/permissions/check", h.Permission.Check)
	})

	return r
}
