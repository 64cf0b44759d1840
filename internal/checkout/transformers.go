package checkout

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payflow/internal/events"
	"payflow/internal/ledger"
	"payflow/internal/simulate"
)

// orderNamespace seeds derived payment order ids.
var orderNamespace = uuid.MustParse("6f1c2b7e-3d4a-5b8c-9e0f-a1b2c3d4e5f6")

// OrderID returns the id of the index-th order of a checkout when the caller
// did not supply one. The same inputs always give the same id.
func OrderID(checkoutID string, index int) string {
	return "po-" + uuid.NewSHA1(orderNamespace, []byte(checkoutID+":"+strconv.Itoa(index))).String()
}

// normalized is a validated request with typed amounts and resolved ids.
type normalized struct {
	req     Request
	orders  []PaymentOrder
	amounts []decimal.Decimal
}

func normalize(r Request) normalized {
	n := normalized{req: r}
	for i, o := range r.PaymentOrders {
		id := o.PaymentOrderID
		if id == "" {
			id = OrderID(r.CheckoutID, i)
		}
		amount, _ := parseAmount(o.Amount)
		n.orders = append(n.orders, PaymentOrder{
			PaymentOrderID: id,
			SellerAccount:  o.SellerAccount,
			Amount:         o.Amount.(string),
			Currency:       o.Currency,
		})
		n.amounts = append(n.amounts, amount)
	}
	return n
}

func (n normalized) total() decimal.Decimal {
	total := decimal.Zero
	for _, a := range n.amounts {
		total = total.Add(a)
	}
	return total
}

func (n normalized) currency() string {
	if len(n.orders) == 0 {
		return "USD"
	}
	return n.orders[0].Currency
}

func (n normalized) mixedCurrencies() bool {
	for _, o := range n.orders {
		if o.Currency != n.currency() {
			return true
		}
	}
	return false
}

func toCheckoutEvent(n normalized, now time.Time) *ledger.CheckoutEvent {
	sellers := make(map[string]string, len(n.orders))
	for _, o := range n.orders {
		sellers[o.PaymentOrderID] = o.SellerAccount
	}
	return &ledger.CheckoutEvent{
		CheckoutID:     n.req.CheckoutID,
		BuyerInfo:      ledger.BuyerInfo{UserID: n.req.BuyerInfo.UserID, Email: n.req.BuyerInfo.Email},
		SellerInfo:     sellers,
		CreditCardInfo: n.req.CreditCardInfo,
		CreatedAt:      now,
	}
}

func toPaymentOrders(n normalized) []*ledger.PaymentOrder {
	out := make([]*ledger.PaymentOrder, 0, len(n.orders))
	for i, o := range n.orders {
		out = append(out, &ledger.PaymentOrder{
			PaymentOrderID: o.PaymentOrderID,
			CheckoutID:     n.req.CheckoutID,
			BuyerAccount:   n.req.BuyerInfo.UserID,
			SellerAccount:  o.SellerAccount,
			Amount:         n.amounts[i],
			Currency:       o.Currency,
			Status:         ledger.StatusNotStarted,
		})
	}
	return out
}

func toExecutionMessage(n normalized, sim simulate.Config) events.ExecutionMessage {
	return events.ExecutionMessage{
		CheckoutID:     n.req.CheckoutID,
		TotalAmount:    n.total(),
		Currency:       n.currency(),
		CreditCardInfo: n.req.CreditCardInfo,
		Simulate:       sim,
	}
}

func toPaymentEvent(n normalized) PaymentEvent {
	return PaymentEvent{
		CheckoutID:     n.req.CheckoutID,
		BuyerInfo:      *n.req.BuyerInfo,
		CreditCardInfo: n.req.CreditCardInfo,
		PaymentOrders:  n.orders,
	}
}
