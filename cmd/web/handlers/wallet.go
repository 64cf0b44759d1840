package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"payflow/internal/ledger"
	"payflow/kit/db"
)

type WalletReadContract interface {
	GetWallet(ctx context.Context, merchantID string) (*ledger.Wallet, error)
}

type Wallet struct {
	reads WalletReadContract
}

func NewWallet(reads WalletReadContract) *Wallet {
	return &Wallet{reads: reads}
}

func (h *Wallet) Balance(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantID")
	wallet, err := h.reads.GetWallet(r.Context(), merchantID)
	if err != nil {
		slog.Error("get wallet failed", "layer", "handler", "component", "wallet", "method", "Balance", "merchant_id", merchantID, "error", err)
		if db.IsNotFound(err) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}
