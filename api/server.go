/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging with the request ID
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontends

  Statement routes add auth.Middleware (bearer token), the account logger,
  and the optional Idempotency response cache.

ROUTE GROUPS:
  /api/v1/users, /api/v1/sessions    Public
  /api/v1/profile                    Authenticated
  /api/v1/statements/*               Authenticated
  /healthz, /metrics                 Ops

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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/warp/balance-ledger/logger"
	"github.com/warp/balance-ledger/metrics"
)

// Authenticator verifies bearer tokens. *auth.Issuer implements it.
type Authenticator interface {
	Middleware(next http.Handler) http.Handler
}

type RouterOptions struct {
	Auth           Authenticator
	Logger         *logger.Logger
	CORSOrigins    []string
	Gatherer       prometheus.Gatherer // nil hides /metrics
	Idempotency    IdempotencyStore    // nil disables the response cache
	IdempotencyTTL time.Duration
	RequestTimeout time.Duration // bounds lock waits and store calls
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	ttl := opts.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", IdempotencyHeader},
		ExposedHeaders: []string{"Idempotent-Replayed", "Retry-After"},
	}))

	r.Get("/healthz", h.Healthz)
	if opts.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(opts.Gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/users", h.CreateUser)
		r.Post("/sessions", h.CreateSession)

		r.Group(func(r chi.Router) {
			r.Use(opts.Auth.Middleware)
			r.Use(accountLogger(log))

			r.Get("/profile", h.Profile)

			r.Route("/statements", func(r chi.Router) {
				r.Use(Idempotency(opts.Idempotency, ttl, log))

				r.Get("/balance", h.GetBalance)
				r.Post("/deposit", h.Deposit)
				r.Post("/withdraw", h.Withdraw)
				r.Post("/transfers/{account_id}", h.Transfer)
				r.Get("/{statement_id}", h.GetStatement)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", nil)
	})

	return r
}
