package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"

	"github.com/go-chi/chi/v5"

	"payflow/cmd/web/validator"
	"payflow/internal/checkout"
	"payflow/internal/health"
	"payflow/internal/ledger"
	"payflow/kit/db"
)

type CheckoutServiceContract = checkout.ServiceContract

type CheckoutReadContract interface {
	GetCheckout(ctx context.Context, checkoutID string) (*ledger.CheckoutEvent, error)
	OrdersByCheckout(ctx context.Context, checkoutID string) ([]*ledger.PaymentOrder, error)
}

type HealthContract interface {
	Check(ctx context.Context) health.Result
}

type Checkout struct {
	json     *validator.JSON
	checkout CheckoutServiceContract
	reads    CheckoutReadContract
	health   HealthContract
}

func NewCheckout(jsonV *validator.JSON, checkoutSvc CheckoutServiceContract, reads CheckoutReadContract, healthSvc HealthContract) *Checkout {
	return &Checkout{json: jsonV, checkout: checkoutSvc, reads: reads, health: healthSvc}
}

func (h *Checkout) Create(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := h.json.Decode(w, r, &req); err != nil {
		slog.Error("decode failed", "layer", "handler", "component", "checkout", "method", "Create", "error", err)
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Validation failed", "details": []checkout.FieldError{typeDetail(typeErr)}})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON"})
		return
	}
	h.checkout.Received(r.Context(), req)

	if h.health != nil {
		res := h.health.Check(r.Context())
		if !res.OK {
			slog.Error("service unavailable", "layer", "handler", "component", "checkout", "method", "Create", "checks", res.Checks)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down", "checks": res.Checks})
			return
		}
	}

	accepted, err := h.checkout.Initialize(r.Context(), req, req.Simulate)
	if err != nil {
		slog.Error("initialize failed", "layer", "handler", "component", "checkout", "method", "Create", "checkout_id", req.CheckoutID, "error", err)
		var verr *checkout.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Validation failed", "details": verr.Details})
			return
		}
		if db.IsConflict(err) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "Conflict", "message": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Service unavailable", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

type checkoutView struct {
	*ledger.CheckoutEvent
	PaymentOrders []*ledger.PaymentOrder `json:"payment_orders"`
}

func (h *Checkout) Get(w http.ResponseWriter, r *http.Request) {
	checkoutID := chi.URLParam(r, "checkoutID")
	c, err := h.reads.GetCheckout(r.Context(), checkoutID)
	if err != nil {
		slog.Error("get checkout failed", "layer", "handler", "component", "checkout", "method", "Get", "checkout_id", checkoutID, "error", err)
		if db.IsNotFound(err) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	orders, err := h.reads.OrdersByCheckout(r.Context(), checkoutID)
	if err != nil {
		slog.Error("get orders failed", "layer", "handler", "component", "checkout", "method", "Get", "checkout_id", checkoutID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, checkoutView{CheckoutEvent: c, PaymentOrders: orders})
}

// typeDetail reports a well-formed body whose field has the wrong JSON type.
func typeDetail(e *json.UnmarshalTypeError) checkout.FieldError {
	field := e.Field
	if field == "" {
		field = "body"
	}
	return checkout.FieldError{Field: field, Message: "Input should be a valid " + jsonKind(e.Type), Value: e.Value}
}

func jsonKind(t reflect.Type) string {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "value"
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "number"
	default:
		return "value"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "layer", "handler", "error", err)
	}
}
