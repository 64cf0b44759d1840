package checkout

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	currencyRegex = regexp.MustCompile(`^[A-Za-z]{3}$`)
)

const msgRequired = "Field required"

// Validate collects every field problem of r. An empty result means r can
// be initialized.
func Validate(r Request) []FieldError {
	var errs []FieldError
	add := func(field, msg string, value any) {
		errs = append(errs, FieldError{Field: field, Message: msg, Value: value})
	}

	if strings.TrimSpace(r.CheckoutID) == "" {
		add("checkout_id", msgRequired, r.CheckoutID)
	}

	if r.BuyerInfo == nil {
		add("buyer_info", msgRequired, nil)
	} else {
		if strings.TrimSpace(r.BuyerInfo.UserID) == "" {
			add("buyer_info.user_id", msgRequired, r.BuyerInfo.UserID)
		}
		switch email := strings.TrimSpace(r.BuyerInfo.Email); {
		case email == "":
			add("buyer_info.email", msgRequired, r.BuyerInfo.Email)
		case !emailRegex.MatchString(email):
			add("buyer_info.email", "value is not a valid email address", r.BuyerInfo.Email)
		}
	}

	if r.CreditCardInfo == nil {
		add("credit_card_info", msgRequired, nil)
	}

	if len(r.PaymentOrders) == 0 {
		add("payment_orders", "At least one payment order is required", r.PaymentOrders)
	}
	seen := make(map[string]int, len(r.PaymentOrders))
	for i, o := range r.PaymentOrders {
		prefix := fmt.Sprintf("payment_orders.%d.", i)
		if o.PaymentOrderID != "" {
			if first, dup := seen[o.PaymentOrderID]; dup {
				add(prefix+"payment_order_id", fmt.Sprintf("Duplicate payment_order_id, first used by payment_orders.%d", first), o.PaymentOrderID)
			} else {
				seen[o.PaymentOrderID] = i
			}
		}
		if strings.TrimSpace(o.SellerAccount) == "" {
			add(prefix+"seller_account", msgRequired, o.SellerAccount)
		}
		if _, err := parseAmount(o.Amount); err != nil {
			add(prefix+"amount", err.Error(), o.Amount)
		}
		switch {
		case strings.TrimSpace(o.Currency) == "":
			add(prefix+"currency", msgRequired, o.Currency)
		case !currencyRegex.MatchString(o.Currency):
			add(prefix+"currency", "Currency must be a 3 letter code", o.Currency)
		}
	}
	return errs
}

type amountError string

func (e amountError) Error() string { return string(e) }

// parseAmount accepts a non-negative decimal string.
func parseAmount(v any) (decimal.Decimal, error) {
	s, ok := v.(string)
	if v == nil {
		return decimal.Zero, amountError(msgRequired)
	}
	if !ok {
		return decimal.Zero, amountError("Amount must be a decimal string")
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, amountError("Invalid amount format: " + s)
	}
	if d.IsNegative() {
		return decimal.Zero, amountError("Amount must be non-negative")
	}
	return d, nil
}
