/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (zap)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend
  5. Timeout:    Request context deadline on /api; engine calls honour it

ROUTE GROUPS:
  /api/consolidations/*  Consolidations, bookings, lifecycle
  /api/bookings/*        Booking lookups and closing
  /api/subscriptions/*   Seeker tiers (request quota)
  /api/scenarios/*       Demo scenarios
  /ws                    Live change events

SECURITY NOTE:
  No authentication middleware. The identity provider in front of this
  service sets X-User-ID.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions tunes the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserHeader},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		if opts.RequestTimeout > 0 {
			r.Use(middleware.Timeout(opts.RequestTimeout))
		}

		r.Route("/consolidations", func(r chi.Router) {
			r.Get("/", h.ListConsolidations)
			r.Post("/", h.CreateConsolidation)
			r.Get("/{id}", h.GetConsolidation)
			r.Delete("/{id}", h.DeleteConsolidation)
			r.Put("/{id}/capacity", h.EditCapacity)
			r.Post("/{id}/quote", h.Quote)
			r.Get("/{id}/bookings", h.ListBookings)
			r.Post("/{id}/bookings", h.Book)
			r.Post("/{id}/cancel", h.CancelConsolidation)
			r.Post("/{id}/depart", h.Depart)
			r.Post("/{id}/complete", h.Complete)
		})

		r.Route("/bookings", func(r chi.Router) {
			r.Get("/{id}", h.GetBooking)
			r.Post("/{id}/cancel", h.CancelBooking)
			r.Post("/{id}/settle", h.SettleBooking)
		})

		r.Put("/subscriptions/{seekerID}", h.SetTier)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	if h.Hub != nil {
		r.Get("/ws", h.Hub.ServeWS)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// requestLogger logs one line per request with zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
