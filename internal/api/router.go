/**
 * @description
 * This file sets up the HTTP router for the escrow-service: public bearer-token
 * routes for payers and payees, the signed payment webhook, and internal routes
 * guarded by the shared API key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Router and standard middleware.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the escrow-service router.
func NewRouter(h *EscrowHandlers, jwksURL string, internalKey string) *chi.Mux {
	return newRouter(h, ClerkAuthMiddleware(jwksURL), internalKey)
}

func newRouter(h *EscrowHandlers, auth func(http.Handler) http.Handler, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Client-Info", "Apikey"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Post("/webhooks/payments", h.PaymentWebhookHandler)

	r.Route("/internal/escrows", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/expiry/run", h.RunExpirySweepHandler)
		r.Post("/{id}/cancel", h.AdminCancelEscrowHandler)
		r.Get("/{id}/audit", h.AuditTrailHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Post("/escrows", h.CreateEscrowHandler)
		r.Get("/escrows", h.ListEscrowsHandler)
		r.Get("/escrows/{id}", h.GetEscrowHandler)
		r.Post("/escrows/{id}/release", h.ReleaseEscrowHandler)
		r.Post("/escrows/{id}/cancel", h.CancelEscrowHandler)
	})

	return r
}
