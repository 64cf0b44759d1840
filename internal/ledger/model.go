package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/shopspring/decimal"

	"payflow/kit/db"
)

// ErrTerminalState is returned when an order already reached the opposite
// terminal status.
var ErrTerminalState = errors.New("ledger: order already in a terminal state")

func checkoutConflict(checkoutID string) error {
	return errors.Join(db.ErrConflict, fmt.Errorf("checkout %s already stored with a different payload", checkoutID))
}

func orderConflict(orderID, storedCheckoutID string) error {
	return errors.Join(db.ErrConflict, fmt.Errorf("payment order %s already stored for checkout %s with different fields", orderID, storedCheckoutID))
}

type OrderStatus string

const (
	StatusNotStarted OrderStatus = "NOT_STARTED"
	StatusSuccess    OrderStatus = "SUCCESS"
	StatusFailed     OrderStatus = "FAILED"
)

func (s OrderStatus) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

type BuyerInfo struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// CheckoutEvent is the checkout header. SellerInfo maps payment_order_id to
// the seller account credited on success.
type CheckoutEvent struct {
	CheckoutID     string            `json:"checkout_id"`
	BuyerInfo      BuyerInfo         `json:"buyer_info"`
	SellerInfo     map[string]string `json:"seller_info"`
	CreditCardInfo map[string]any    `json:"credit_card_info"`
	IsPaymentDone  bool              `json:"is_payment_done"`
	CreatedAt      time.Time         `json:"created_at"`
}

type PaymentOrder struct {
	PaymentOrderID string          `json:"payment_order_id"`
	CheckoutID     string          `json:"checkout_id"`
	BuyerAccount   string          `json:"buyer_account"`
	SellerAccount  string          `json:"seller_account"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         OrderStatus     `json:"payment_order_status"`
	WalletUpdated  bool            `json:"wallet_updated"`
	ErrorCode      string          `json:"error_code,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Wallet struct {
	MerchantID string          `json:"merchant_id"`
	Balance    decimal.Decimal `json:"balance"`
	Currency   string          `json:"currency"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// TotalAmount sums order amounts exactly.
func TotalAmount(orders []*PaymentOrder) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.Amount)
	}
	return total
}

// sameCheckout reports whether c carries the header already stored as
// stored. Status and timestamps are not compared.
func sameCheckout(stored, c *CheckoutEvent) bool {
	if stored.BuyerInfo != c.BuyerInfo || !maps.Equal(nonNilSellers(stored.SellerInfo), nonNilSellers(c.SellerInfo)) {
		return false
	}
	a, errA := json.Marshal(nonNilCard(stored.CreditCardInfo))
	b, errB := json.Marshal(nonNilCard(c.CreditCardInfo))
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// sameOrder reports whether o describes the order already stored as stored.
func sameOrder(stored, o *PaymentOrder) bool {
	return stored.CheckoutID == o.CheckoutID &&
		stored.BuyerAccount == o.BuyerAccount &&
		stored.SellerAccount == o.SellerAccount &&
		stored.Currency == o.Currency &&
		stored.Amount.Equal(o.Amount)
}

func nonNilSellers(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilCard(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
