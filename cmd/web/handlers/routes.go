package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func Routes(checkoutH *Checkout, walletH *Wallet, healthH *Health, metricsH *Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/checkouts", checkoutH.Create)
	r.Get("/checkouts/{checkoutID}", checkoutH.Get)
	r.Get("/wallets/{merchantID}", walletH.Balance)
	r.Get("/health", healthH.Handler)
	r.Get("/metrics", metricsH.Handler)
	return r
}
