package routes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/hosterizer/portal-gateway/app"
	"github.com/hosterizer/portal-gateway/guard"
	"github.com/hosterizer/portal-gateway/handlers"
	"github.com/hosterizer/portal-gateway/middleware"
	"github.com/hosterizer/portal-gateway/utils"
)

var (
	errNoSigningKeys  = errors.New("no signing keys cached")
	errAuditStopped   = errors.New("audit workers not running")
	errAuditQueueFull = errors.New("audit queue full")
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(deps.Metrics.Middleware)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := newHealthHandler(deps)
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	cookie := handlers.CookieConfig{
		Name:   deps.Config.Session.CookieName,
		Secure: deps.Config.Session.CookieSecure,
	}

	// Session endpoints
	if deps.Sessions != nil {
		authHandler := handlers.NewAuthHandler(deps.Sessions, cookie, deps.Logger)
		r.Route("/auth", func(r chi.Router) {
			if deps.LoginEnabled() {
				r.Post("/login", authHandler.HandleLogin)
				r.Post("/refresh", authHandler.HandleRefresh)
			}
			r.With(deps.AuthMiddleware.RequireAPI()).Post("/logout", authHandler.HandleLogout)
		})
	}

	access := handlers.NewAccessHandler(deps.AuthMiddleware, deps.Portals, deps.Logger)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/portals", access.HandleListPortals)
		r.Post("/decisions", access.HandleDecision)
		r.With(deps.AuthMiddleware.RequireAPI()).Get("/me", access.HandleMe)

		// Tenant administration (require the admin portal)
		if deps.Sessions != nil && deps.AccessAudit != nil {
			admin := handlers.NewAdminHandler(deps.Sessions, deps.AccessAudit, deps.Logger)
			r.Route("/admin", func(r chi.Router) {
				r.Use(deps.AuthMiddleware.RequireAPI(guard.PortalAdmin))
				r.Get("/users", admin.HandleListUsers)
				r.Post("/users", admin.HandleCreateUser)
				r.Post("/users/{id}/unlock", admin.HandleUnlockUser)
				r.Get("/audit", admin.HandleListAuditLogs)
			})
		}
	})

	// Portal pages
	for _, portal := range deps.Portals.All() {
		shell := access.PortalShell(portal.Name)
		r.Route(portal.BasePath, func(r chi.Router) {
			r.Use(deps.AuthMiddleware.Protect(portal.Name))
			r.Get("/", shell)
			r.Get("/*", shell)
		})
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}

func newHealthHandler(deps *app.Dependencies) *handlers.HealthHandler {
	var checks []handlers.DependencyCheck
	if deps.Redis != nil {
		checks = append(checks, handlers.DependencyCheck{
			Name:  "revocation_store",
			Check: func(ctx context.Context) error { return deps.Redis.Ping(ctx).Err() },
		})
	}
	if deps.JWKS != nil {
		checks = append(checks, handlers.DependencyCheck{
			Name: "jwks",
			Check: func(context.Context) error {
				if deps.JWKS.KeyCount() == 0 {
					return errNoSigningKeys
				}
				return nil
			},
		})
	}
	if deps.Audit != nil {
		checks = append(checks, handlers.DependencyCheck{
			Name: "audit",
			Check: func(context.Context) error {
				stats := deps.Audit.GetStats()
				switch {
				case !stats.Started:
					return errAuditStopped
				case stats.PendingEvents >= stats.BufferSize:
					return errAuditQueueFull
				}
				return nil
			},
		})
	}

	if deps.DB == nil {
		return handlers.NewHealthHandler(nil, deps.Logger, checks...)
	}
	return handlers.NewHealthHandler(deps.DB.DB, deps.Logger, checks...)
}
