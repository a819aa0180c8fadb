package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vaultline/escrow/internal/auth"
	"github.com/vaultline/escrow/internal/engine"
	"github.com/vaultline/escrow/internal/payment"
)

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(svc *engine.Service, gateway payment.Gateway, gate auth.Gate) http.Handler {
	h := &Handlers{
		svc:     svc,
		gateway: gateway,
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// The payment gateway callback authenticates by signature, not
		// by bearer token.
		r.Post("/webhooks/payment", h.PaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth(gate))

			r.Post("/transactions", h.CreateTransaction)
			r.Get("/transactions/buyer-data", h.BuyerData)
			r.Get("/transactions/seller-data", h.SellerData)
			r.Get("/transactions/{id}", h.GetTransaction)
			r.Post("/transactions/{id}/pay", h.Pay)
			r.Post("/transactions/{id}/upload", h.Upload)
			r.Get("/transactions/{id}/download", h.Download)
			r.Post("/transactions/{id}/cancel", h.Cancel)
			r.Post("/transactions/{id}/refund", h.Refund)
			r.Get("/transactions/{id}/timeline", h.Timeline)

			r.Get("/admin/transactions", h.AdminTransactions)
		})
	})

	return r
}
