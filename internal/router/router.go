package router

import (
	"net/http"

	"nft-marketplace-api/internal/handler"
	"nft-marketplace-api/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// Config holds the configuration for creating a router.
type Config struct {
	Handler            *handler.Handler
	MarketplaceHandler *handler.MarketplaceHandler
	EventsHandler      *handler.EventsHandler
	AuthHandler        *handler.AuthHandler
	AdminHandler       *handler.AdminHandler
	Metrics            http.Handler

	AccountMiddleware func(http.Handler) http.Handler
	AdminMiddleware   func(http.Handler) http.Handler
	Logger            logrus.FieldLogger
}

// New creates and configures the HTTP router.
func New(cfg Config) *chi.Mux {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	withAccount := cfg.AccountMiddleware
	if withAccount == nil {
		withAccount = func(next http.Handler) http.Handler { return next }
	}

	r := chi.NewRouter()

	// Global middleware stack (applies to ALL routes)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-API-Key", "X-Token", "X-Account", "X-Login-Key"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.Handler != nil {
		r.Get("/api/status", cfg.Handler.Status)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Handler != nil {
			r.Get("/health", cfg.Handler.Health)
			r.Get("/ready", cfg.Handler.Ready)
		}

		if h := cfg.MarketplaceHandler; h != nil {
			r.Route("/listings/{asset}/{token_id}", func(r chi.Router) {
				r.Get("/", h.GetListing)
				r.With(withAccount).Post("/", h.ListItem)
				r.With(withAccount).Put("/", h.UpdateListing)
				r.With(withAccount).Delete("/", h.CancelListing)
				r.With(withAccount).Post("/buy", h.BuyItem)
			})
			r.With(withAccount).Post("/proceeds/withdraw", h.WithdrawProceeds)
			r.Get("/proceeds/{account}", h.GetProceeds)
		}

		if h := cfg.EventsHandler; h != nil {
			r.Get("/events", h.List)
			r.Get("/events/stream", h.Stream)
		}

		if h := cfg.AuthHandler; h != nil {
			r.Route("/auth", func(r chi.Router) {
				r.Post("/challenge", h.Challenge)
				r.Post("/token", h.GenerateToken)
				r.Post("/revoke", h.RevokeToken)
				r.Post("/refresh", h.RefreshToken)
			})
		}

		if h := cfg.AdminHandler; h != nil && cfg.AdminMiddleware != nil {
			r.Route("/admin", func(r chi.Router) {
				r.Use(cfg.AdminMiddleware)
				r.Get("/stats", h.GetStats)
				r.Post("/login", h.VerifyLogin)
			})
		}
	})

	return r
}
