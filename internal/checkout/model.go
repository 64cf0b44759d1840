package checkout

import (
	"fmt"
	"strings"

	"payflow/internal/simulate"
	"payflow/kit/db"
)

// Request is a checkout as submitted at ingress. Amount is left untyped so
// the validator can report what the caller actually sent.
type Request struct {
	CheckoutID     string          `json:"checkout_id"`
	BuyerInfo      *BuyerInfo      `json:"buyer_info"`
	CreditCardInfo map[string]any  `json:"credit_card_info"`
	PaymentOrders  []OrderRequest  `json:"payment_orders"`
	Simulate       simulate.Config `json:"simulate"`
}

type BuyerInfo struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type OrderRequest struct {
	PaymentOrderID string `json:"payment_order_id,omitempty"`
	SellerAccount  string `json:"seller_account"`
	Amount         any    `json:"amount"`
	Currency       string `json:"currency"`
}

// PaymentEvent is the normalised checkout echoed back on accept.
type PaymentEvent struct {
	CheckoutID     string         `json:"checkout_id"`
	BuyerInfo      BuyerInfo      `json:"buyer_info"`
	CreditCardInfo map[string]any `json:"credit_card_info"`
	PaymentOrders  []PaymentOrder `json:"payment_orders"`
}

type PaymentOrder struct {
	PaymentOrderID string `json:"payment_order_id"`
	SellerAccount  string `json:"seller_account"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
}

type Accepted struct {
	PaymentEvent PaymentEvent `json:"payment_event"`
	Message      string       `json:"message"`
}

const acceptedMessage = "Payment event initiated"

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value"`
}

// ValidationError lists every field problem of a rejected request.
type ValidationError struct {
	Details []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, fmt.Sprintf("%s: %s", d.Field, d.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == db.ErrInvalid }

// Summary is the first three messages, as reported on rejection events.
func (e *ValidationError) Summary() string {
	n := len(e.Details)
	if n > 3 {
		n = 3
	}
	parts := make([]string, 0, n)
	for _, d := range e.Details[:n] {
		parts = append(parts, d.Field+": "+d.Message)
	}
	return strings.Join(parts, "; ")
}
