/**
 * @description
 * This file sets up the HTTP router for the entitlement service using the
 * go-chi/chi router. It defines the route groups (public webhook ingress,
 * operator endpoints, authenticated user endpoints), applies middleware for
 * logging, CORS, and authentication, and maps routes to handler functions.
 */
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Pinger reports datastore liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter creates a new Chi router and registers the entitlement-service routes.
func NewRouter(h *Handler, pinger Pinger, jwtSecret, operatorToken string) *chi.Mux {
	r := chi.NewRouter()

	// Setup middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "Stripe-Signature"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			respondWithError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Webhook ingress. Unauthenticated at the HTTP layer; the handler
	// verifies the provider signature over the raw payload.
	r.Post("/v1/webhooks/stripe", h.handleStripeWebhook)

	// Operator endpoints, guarded by the shared operator token.
	r.Group(func(r chi.Router) {
		r.Use(OperatorAuthMiddleware(operatorToken))

		r.Post("/v1/admin/sweep", h.handleSweep)
		r.Get("/v1/admin/subscription-health", h.handleHealthReport)
	})

	// Authenticated user endpoints.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret))

		r.Get("/v1/entitlements/me", h.handleGetEntitlement)
		r.Post("/v1/generations/batch/check", h.handleCheckBatch)
		r.Post("/v1/generations/commit", h.handleCommit)
		r.Post("/v1/billing/checkout", h.handleCheckout)
		r.Post("/v1/billing/portal", h.handlePortal)
		r.Post("/v1/subscriptions/current/cancel", h.handleCancel)
		r.Post("/v1/subscriptions/current/reactivate", h.handleReactivate)
	})

	return r
}
