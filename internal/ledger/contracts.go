package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// RepositoryContract define ledger store responsibility. Every mutation is a
// per-key conditional or additive update so stage retries are safe.
type RepositoryContract interface {
	PutCheckoutIfAbsent(ctx context.Context, c *CheckoutEvent) (bool, error)
	PutOrdersIfAbsent(ctx context.Context, orders []*PaymentOrder) (int, error)
	GetCheckout(ctx context.Context, checkoutID string) (*CheckoutEvent, error)
	OrdersByCheckout(ctx context.Context, checkoutID string) ([]*PaymentOrder, error)
	SettleOrderSuccess(ctx context.Context, orderID, merchantID string, amount decimal.Decimal, currency string) (bool, error)
	MarkOrderFailed(ctx context.Context, orderID, errorCode string) (bool, error)
	MarkCheckoutDone(ctx context.Context, checkoutID string) error
	GetWallet(ctx context.Context, merchantID string) (*Wallet, error)
}
