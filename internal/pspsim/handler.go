// Package pspsim is a local stand-in for the payment service provider. Its
// failures are driven by the simulate section of each request.
package pspsim

import (
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"payflow/internal/simulate"
)

var ErrorCodes = []string{"INSUFFICIENT_FUNDS", "CARD_DECLINED", "EXPIRED_CARD", "INVALID_CARD", "FRAUD_SUSPECTED"}

type Options struct {
	MinLatency time.Duration
	MaxLatency time.Duration
	// Pick chooses an error code when a failure has none; defaults to random.
	Pick func(codes []string) string
}

type Handler struct {
	opts Options
}

func NewHandler(opts Options) *Handler {
	if opts.MaxLatency < opts.MinLatency {
		opts.MaxLatency = opts.MinLatency
	}
	if opts.Pick == nil {
		opts.Pick = func(codes []string) string { return codes[rand.IntN(len(codes))] }
	}
	return &Handler{opts: opts}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/process", h.Process)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

type processRequest struct {
	PaymentID string           `json:"payment_id"`
	Amount    *decimal.Decimal `json:"amount"`
	Currency  string           `json:"currency"`
	Simulate  simulate.Config  `json:"simulate"`
}

type processResponse struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
}

func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		slog.Error("invalid json in request body", "layer", "handler", "component", "pspsim", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON in request body"})
		return
	}
	if req.PaymentID == "" || req.Amount == nil || req.Currency == "" {
		slog.Error("missing required fields", "layer", "handler", "component", "pspsim",
			"has_payment_id", req.PaymentID != "", "has_amount", req.Amount != nil, "has_currency", req.Currency != "")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required fields: payment_id, amount, currency"})
		return
	}

	log := slog.With("layer", "handler", "component", "pspsim", "payment_id", req.PaymentID)
	log.Info("psp processing payment", "amount", req.Amount.String(), "currency", req.Currency)

	if d := h.latency(); d > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(d):
		}
	}

	cfg := req.Simulate.PSP
	if cfg != nil && cfg.ServerError && cfg.Fails() {
		log.Error("simulating server error", "attempt", cfg.Attempt)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "PSP service temporarily unavailable"})
		return
	}

	resp := processResponse{PaymentID: req.PaymentID, Status: "success"}
	if cfg != nil && cfg.Error && cfg.Fails() {
		resp.Status = "failed"
		resp.ErrorCode = cfg.ErrorCode
		if resp.ErrorCode == "" {
			resp.ErrorCode = h.opts.Pick(ErrorCodes)
		}
		log.Warn("simulating payment failure", "error_code", resp.ErrorCode)
	}

	log.Info("payment processed", "status", resp.Status)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) latency() time.Duration {
	span := h.opts.MaxLatency - h.opts.MinLatency
	if span <= 0 {
		return h.opts.MinLatency
	}
	return h.opts.MinLatency + time.Duration(rand.Int64N(int64(span)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
