package router

import (
	"context"
	"net/http"
	"time"

	"discount-engine/internal/handler"
	"discount-engine/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options carries everything the router mounts.
type Options struct {
	Products    *handler.ProductHandler
	Codes       *handler.CodeHandler
	Redemptions *handler.RedemptionHandler

	// Metrics serves the scrape endpoint; Observer records every request.
	Metrics  http.Handler
	Observer middleware.RequestObserver

	// Health is pinged by /health when set.
	Health Pinger
	APIKey string
}

// New creates a new HTTP router with all routes and middleware configured.
func New(opts Options, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	// Recovery -> RequestID -> Logging -> CORS -> Tracing -> Metrics -> Identity -> APIKeyAuth
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS)
	r.Use(middleware.Tracing)
	if opts.Observer != nil {
		r.Use(middleware.Metrics(opts.Observer))
	}
	r.Use(middleware.Identity)
	r.Use(middleware.APIKeyAuth(opts.APIKey, logger))

	r.Get("/health", healthHandler(opts.Health))
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/products", func(r chi.Router) {
			r.Get("/", opts.Products.GetAll)
			r.Route("/{productID}", func(r chi.Router) {
				r.Get("/", opts.Products.GetByID)
				r.Get("/codes", opts.Codes.List)
				r.Post("/codes", opts.Codes.Create)
				r.Get("/preview", opts.Redemptions.Preview)
			})
		})

		r.Route("/codes/{codeID}", func(r chi.Router) {
			r.Get("/", opts.Codes.Get)
			r.Delete("/", opts.Codes.Delete)
			r.Post("/toggle", opts.Codes.Toggle)
		})

		r.Post("/redemptions", opts.Redemptions.Redeem)
		r.Post("/redemptions/{reservationID}/finalize", opts.Redemptions.Finalize)
	})

	return r
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status": "unavailable"}`))
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	}
}
