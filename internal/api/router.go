/**
 * @description
 * This file sets up the HTTP router for the affiliate-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies the authentication middleware appropriate to each surface: public
 * redirect links, JWT-protected affiliate and admin routes, the provider
 * webhook, and internal service-to-service calls.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig carries the secrets the per-surface middlewares need.
type RouterConfig struct {
	JWKSURL        string
	CallbackToken  string
	InternalAPIKey string
	AdminRole      string
}

// AffiliateRoutes creates and returns the router for the affiliate service.
func AffiliateRoutes(h *AffiliateHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Public attribution links. No auth: these are clicked from anywhere.
	r.Get("/aff/{affiliateCode}/{linkCode}", h.ClickRedirectHandler)
	r.Get("/aff/{affiliateCode}/{linkCode}/{variant}", h.ClickRedirectHandler)

	// Provider settlement callbacks, authenticated by shared token.
	r.Group(func(r chi.Router) {
		r.Use(CallbackTokenMiddleware(cfg.CallbackToken))
		r.Post("/webhooks/payout", h.PayoutWebhookHandler)
	})

	// Internal service-to-service surface (checkout flow, cron sweeps).
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(cfg.InternalAPIKey))
		r.Post("/internal/conversions", h.RecordConversionHandler)
		r.Post("/internal/reconcile/counters", h.ReconcileCountersHandler)
		r.Post("/internal/reconcile/payouts", h.ReconcilePayoutsHandler)
	})

	// Group routes that require platform JWT authentication.
	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(cfg.JWKSURL))

		// Affiliate self-service endpoints.
		r.Get("/conversions", h.ListConversionsHandler)
		r.Get("/conversions/{id}", h.GetConversionHandler)
		r.Get("/wallet", h.GetWalletHandler)
		r.Get("/wallet/transactions", h.ListWalletTransactionsHandler)
		r.Post("/payouts", h.RequestPayoutHandler)
		r.Get("/payouts", h.ListPayoutsHandler)
		r.Get("/payouts/{id}", h.GetPayoutHandler)

		// Admin review endpoints.
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(cfg.AdminRole))
			r.Post("/admin/conversions/{id}/approve", h.ApproveConversionHandler)
			r.Post("/admin/conversions/{id}/adjust", h.AdjustConversionHandler)
			r.Post("/admin/conversions/{id}/reject", h.RejectConversionHandler)
			r.Post("/admin/revenues/{id}/approve", h.ApprovePendingRevenueHandler)
			r.Post("/admin/revenues/{id}/adjust", h.AdjustPendingRevenueHandler)
			r.Post("/admin/revenues/{id}/reject", h.RejectPendingRevenueHandler)
		})
	})

	return r
}
