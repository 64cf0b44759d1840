package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"payflow/kit/db"
)

// InMemoryRepository keeps the ledger in process memory with the same
// conditional semantics as SQLRepository.
type InMemoryRepository struct {
	mu        sync.Mutex
	checkouts map[string]*CheckoutEvent
	orders    map[string]*PaymentOrder
	wallets   map[string]*Wallet
	now       func() time.Time
}

var _ RepositoryContract = (*InMemoryRepository)(nil)

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		checkouts: make(map[string]*CheckoutEvent),
		orders:    make(map[string]*PaymentOrder),
		wallets:   make(map[string]*Wallet),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *InMemoryRepository) PutCheckoutIfAbsent(ctx context.Context, c *CheckoutEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stored, ok := r.checkouts[c.CheckoutID]; ok {
		if !sameCheckout(stored, c) {
			slog.Warn("checkout conflict", "layer", "repo", "component", "ledger", "repo", "InMemoryRepository", "method", "PutCheckoutIfAbsent", "checkout_id", c.CheckoutID)
			return false, checkoutConflict(c.CheckoutID)
		}
		return false, nil
	}
	cpy := copyCheckout(c)
	cpy.IsPaymentDone = false
	if cpy.CreatedAt.IsZero() {
		cpy.CreatedAt = r.now()
	}
	r.checkouts[c.CheckoutID] = cpy
	return true, nil
}

func (r *InMemoryRepository) PutOrdersIfAbsent(ctx context.Context, orders []*PaymentOrder) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range orders {
		if _, ok := r.checkouts[o.CheckoutID]; !ok {
			slog.Error("repo error", "layer", "repo", "component", "ledger", "repo", "InMemoryRepository", "method", "PutOrdersIfAbsent", "payment_order_id", o.PaymentOrderID, "checkout_id", o.CheckoutID, "error", "unknown checkout")
			return 0, errors.Join(db.ErrInvalid, errors.New("order references unknown checkout "+o.CheckoutID))
		}
		if stored, ok := r.orders[o.PaymentOrderID]; ok && !sameOrder(stored, o) {
			err := orderConflict(o.PaymentOrderID, stored.CheckoutID)
			slog.Warn("payment order conflict", "layer", "repo", "component", "ledger", "repo", "InMemoryRepository", "method", "PutOrdersIfAbsent", "error", err)
			return 0, err
		}
	}
	now := r.now()
	created := 0
	for _, o := range orders {
		if _, ok := r.orders[o.PaymentOrderID]; ok {
			continue
		}
		cpy := *o
		if cpy.Status == "" {
			cpy.Status = StatusNotStarted
		}
		cpy.WalletUpdated = false
		cpy.ErrorCode = ""
		cpy.UpdatedAt = now
		r.orders[o.PaymentOrderID] = &cpy
		created++
	}
	return created, nil
}

func (r *InMemoryRepository) GetCheckout(ctx context.Context, checkoutID string) (*CheckoutEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.checkouts[checkoutID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return copyCheckout(c), nil
}

func (r *InMemoryRepository) OrdersByCheckout(ctx context.Context, checkoutID string) ([]*PaymentOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*PaymentOrder
	for _, o := range r.orders {
		if o.CheckoutID == checkoutID {
			cpy := *o
			out = append(out, &cpy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentOrderID < out[j].PaymentOrderID })
	return out, nil
}

func (r *InMemoryRepository) SettleOrderSuccess(ctx context.Context, orderID, merchantID string, amount decimal.Decimal, currency string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return false, db.ErrNotFound
	}
	if o.Status == StatusFailed {
		return false, ErrTerminalState
	}
	if o.WalletUpdated {
		return false, nil
	}

	now := r.now()
	o.Status = StatusSuccess
	o.WalletUpdated = true
	o.ErrorCode = ""
	o.UpdatedAt = now

	w, ok := r.wallets[merchantID]
	if !ok {
		w = &Wallet{MerchantID: merchantID, Balance: decimal.Zero}
		r.wallets[merchantID] = w
	}
	w.Balance = w.Balance.Add(amount)
	w.Currency = currency
	w.UpdatedAt = now
	return true, nil
}

func (r *InMemoryRepository) MarkOrderFailed(ctx context.Context, orderID, errorCode string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return false, db.ErrNotFound
	}
	switch o.Status {
	case StatusFailed:
		return false, nil
	case StatusSuccess:
		return false, ErrTerminalState
	}
	o.Status = StatusFailed
	o.ErrorCode = errorCode
	o.UpdatedAt = r.now()
	return true, nil
}

func (r *InMemoryRepository) MarkCheckoutDone(ctx context.Context, checkoutID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.checkouts[checkoutID]
	if !ok {
		return db.ErrNotFound
	}
	c.IsPaymentDone = true
	return nil
}

func (r *InMemoryRepository) GetWallet(ctx context.Context, merchantID string) (*Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[merchantID]
	if !ok {
		return nil, db.ErrNotFound
	}
	cpy := *w
	return &cpy, nil
}

func copyCheckout(c *CheckoutEvent) *CheckoutEvent {
	cpy := *c
	cpy.SellerInfo = make(map[string]string, len(c.SellerInfo))
	for k, v := range c.SellerInfo {
		cpy.SellerInfo[k] = v
	}
	cpy.CreditCardInfo = make(map[string]any, len(c.CreditCardInfo))
	for k, v := range c.CreditCardInfo {
		cpy.CreditCardInfo[k] = v
	}
	return &cpy
}
