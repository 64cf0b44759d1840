package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"payflow/kit/db"
)

// Schema creates the ledger tables.
const Schema = `
CREATE TABLE IF NOT EXISTS checkout_events (
    checkout_id TEXT PRIMARY KEY,
    buyer_user_id TEXT NOT NULL,
    buyer_email TEXT NOT NULL,
    seller_info TEXT NOT NULL,
    credit_card_info TEXT NOT NULL,
    is_payment_done INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_orders (
    payment_order_id TEXT PRIMARY KEY,
    checkout_id TEXT NOT NULL REFERENCES checkout_events(checkout_id),
    buyer_account TEXT NOT NULL,
    seller_account TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    payment_order_status TEXT NOT NULL,
    wallet_updated INTEGER NOT NULL DEFAULT 0,
    error_code TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payment_orders_checkout_id ON payment_orders(checkout_id);

CREATE TABLE IF NOT EXISTS wallets (
    merchant_id TEXT PRIMARY KEY,
    balance TEXT NOT NULL,
    currency TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

const (
	qCheckoutInsert = "INSERT INTO checkout_events (checkout_id, buyer_user_id, buyer_email, seller_info, credit_card_info, is_payment_done, created_at) VALUES (?, ?, ?, ?, ?, 0, ?) ON CONFLICT(checkout_id) DO NOTHING"
	qCheckoutGet    = "SELECT checkout_id, buyer_user_id, buyer_email, seller_info, credit_card_info, is_payment_done, created_at FROM checkout_events WHERE checkout_id = ?"
	qCheckoutDone   = "UPDATE checkout_events SET is_payment_done = 1 WHERE checkout_id = ?"
	qOrderInsert    = "INSERT INTO payment_orders (payment_order_id, checkout_id, buyer_account, seller_account, amount, currency, payment_order_status, wallet_updated, error_code, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?) ON CONFLICT(payment_order_id) DO NOTHING"
	qOrderGet       = "SELECT checkout_id, buyer_account, seller_account, amount, currency FROM payment_orders WHERE payment_order_id = ?"
	qOrdersByCheck  = "SELECT payment_order_id, checkout_id, buyer_account, seller_account, amount, currency, payment_order_status, wallet_updated, error_code, updated_at FROM payment_orders WHERE checkout_id = ? ORDER BY payment_order_id"
	qOrderState     = "SELECT payment_order_status, wallet_updated FROM payment_orders WHERE payment_order_id = ?"
	qOrderSettle    = "UPDATE payment_orders SET payment_order_status = 'SUCCESS', wallet_updated = 1, error_code = '', updated_at = ? WHERE payment_order_id = ? AND wallet_updated = 0 AND payment_order_status != 'FAILED'"
	qOrderFail      = "UPDATE payment_orders SET payment_order_status = 'FAILED', error_code = ?, updated_at = ? WHERE payment_order_id = ? AND payment_order_status = 'NOT_STARTED'"
	qWalletGet      = "SELECT merchant_id, balance, currency, updated_at FROM wallets WHERE merchant_id = ?"
	qWalletUpsert   = "INSERT INTO wallets (merchant_id, balance, currency, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT(merchant_id) DO UPDATE SET balance = excluded.balance, currency = excluded.currency, updated_at = excluded.updated_at"
)

type SQLRepository struct {
	db  db.Client
	now func() time.Time
}

var _ RepositoryContract = (*SQLRepository)(nil)

func NewSQLRepository(dbClient db.Client) *SQLRepository {
	return &SQLRepository{db: dbClient, now: func() time.Time { return time.Now().UTC() }}
}

func (r *SQLRepository) PutCheckoutIfAbsent(ctx context.Context, c *CheckoutEvent) (bool, error) {
	sellers, err := json.Marshal(nonNilSellers(c.SellerInfo))
	if err != nil {
		return false, errors.Join(db.ErrInvalid, err)
	}
	card, err := json.Marshal(nonNilCard(c.CreditCardInfo))
	if err != nil {
		return false, errors.Join(db.ErrInvalid, err)
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}

	n, err := r.db.Exec(ctx, qCheckoutInsert, c.CheckoutID, c.BuyerInfo.UserID, c.BuyerInfo.Email, string(sellers), string(card), formatTime(createdAt))
	if err != nil {
		slog.Error("repo error", "layer", "repo", "component", "ledger", "repo", "SQLRepository", "method", "PutCheckoutIfAbsent", "checkout_id", c.CheckoutID, "error", err)
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	stored, err := r.GetCheckout(ctx, c.CheckoutID)
	if err != nil {
		return false, err
	}
	if !sameCheckout(stored, c) {
		slog.Warn("checkout conflict", "layer", "repo", "component", "ledger", "repo", "SQLRepository", "method", "PutCheckoutIfAbsent", "checkout_id", c.CheckoutID)
		return false, checkoutConflict(c.CheckoutID)
	}
	return false, nil
}

func (r *SQLRepository) PutOrdersIfAbsent(ctx context.Context, orders []*PaymentOrder) (int, error) {
	created := 0
	err := r.db.InTx(ctx, func(tx db.Client) error {
		created = 0
		now := formatTime(r.now())
		for _, o := range orders {
			status := o.Status
			if status == "" {
				status = StatusNotStarted
			}
			n, err := tx.Exec(ctx, qOrderInsert, o.PaymentOrderID, o.CheckoutID, o.BuyerAccount, o.SellerAccount, o.Amount.String(), o.Currency, string(status), now)
			if err != nil {
				return err
			}
			if n == 1 {
				created++
				continue
			}
			stored, err := storedOrder(ctx, tx, o.PaymentOrderID)
			if err != nil {
				return err
			}
			if !sameOrder(stored, o) {
				return orderConflict(o.PaymentOrderID, stored.CheckoutID)
			}
		}
		return nil
	})
	if db.IsConflict(err) {
		slog.Warn("payment order conflict", "layer", "repo", "component", "ledger", "repo", "SQLRepository", "method", "PutOrdersIfAbsent", "error", err)
		return 0, err
	}
	if err != nil {
		slog.Error("repo error", "layer", "repo", "component", "ledger", "repo", "SQLRepository", "method", "PutOrdersIfAbsent", "orders", len(orders), "error", err)
		return 0, err
	}
	return created, nil
}

func (r *SQLRepository) GetCheckout(ctx context.Context, checkoutID string) (*CheckoutEvent, error) {
	row, err := r.db.QueryRow(ctx, qCheckoutGet, checkoutID)
	if err != nil {
		slog.Error("repo error", "layer", "repo", "component", "ledger", "repo", "SQLRepository", "method", "GetCheckout", "checkout_id", checkoutID, "error", err)
		return nil, err
	}
	var (
		c                 CheckoutEvent
		sellers, card, at string
	)
	if err := row.Scan(&c.CheckoutID, &c.BuyerInfo.UserID, &c.BuyerInfo.Email, &sellers, &card, &c.IsPaymentDone, &at); err != nil {
		if !db.IsNotFound(err) {
			slog.Error("repo error", "layer", "repo", "component", "ledger", "repo", "SQLRepository", "method", "GetCheckout", "checkout_id", checkoutID, "error", err)
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(sellers), &c.SellerInfo); err != nil {
		return nil, errors.Join(db.ErrInternal, fmt.Errorf("seller_info: %w", err))
	}
	if err := json.Unmarshal([]byte(card), &c.CreditCardInfo); err != nil {
		return nil, errors.Join(db.ErrInternal, fmt.Errorf("credit_card_info: %w", err))
	}
	c.CreatedAt = parseTime(at)
	return &c, nil
}

func (r *SQLRepository) OrdersByCheckout(ctx context.Context, checkoutID string) ([]*PaymentOrder, error) {
	rows, err := r.db.Query(ctx, qOrdersByCheck, checkoutID)
	if err != nil {
		slog.Error("repo error", "layer", "repo", "component", "ledger", "repo", "SQLRepository", "method", "OrdersByCheckout", "checkout_id", checkoutID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []*PaymentOrder
	for rows.Next() {
		var (
			o                  PaymentOrder
			amount, status, at string
		)
		if err := rows.Scan(&o.PaymentOrderID, &o.CheckoutID, &o.BuyerAccount, &o.SellerAccount, &amount, &o.Currency, &status, &o.WalletUpdated, &o.ErrorCode, &at); err != nil {
			slog.Error("repo error", "layer", "repo", "component", "ledger", "repo", "SQLRepository", "method", "OrdersByCheckout", "checkout_id", checkoutID, "error", err)
			return nil, errors.Join(db.ErrInternal, err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, errors.Join(db.ErrInternal, fmt.Errorf("order %s amount: %w", o.PaymentOrderID, err))
		}
		o.Amount = d
		o.Status = OrderStatus(status)
		o.UpdatedAt = parseTime(at)
		out = append(out, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(db.ErrInternal, err)
	}
	return out, nil
}

func (r *SQLRepository) SettleOrderSuccess(ctx context.Context, orderID, merchantID string, amount decimal.Decimal, currency string) (bool, error) {
	applied := false
	err := r.db.InTx(ctx, func(tx db.Client) error {
		applied = false
		now := formatTime(r.now())
		n, err := tx.Exec(ctx, qOrderSettle, now, orderID)
		if err != nil {
			return err
		}
		if n == 0 {
			status, _, err := orderState(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if status == StatusFailed {
				return ErrTerminalState
			}
			return nil
		}

		balance := decimal.Zero
		row, err := tx.QueryRow(ctx, qWalletGet, merchantID)
		if err != nil {
			return err
		}
		var w walletRow
		switch err := row.Scan(&w.merchantID, &w.balance, &w.currency, &w.updatedAt); {
		case err == nil:
			if balance, err = decimal.NewFromString(w.balance); err != nil {
				return errors.Join(db.ErrInternal, fmt.Errorf("wallet %s balance: %w", merchantID, err))
			}
		case db.IsNotFound(err):
		default:
			return err
		}

		if _, err := tx.Exec(ctx, qWalletUpsert, merchantID, balance.Add(amount).String(), currency, now); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrTerminalState) {
			slog.Error("repo error", "layer", "repo", "component", "ledger", "repo", "SQLRepository", "method", "SettleOrderSuccess", "payment_order_id", orderID, "merchant_id", merchantID, "error", err)
		}
		return false, err
	}
	return applied, nil
}

func (r *SQLRepository) MarkOrderFailed(ctx context.Context, orderID, errorCode string) (bool, error) {
	applied := false
	err := r.db.InTx(ctx, func(tx db.Client) error {
		applied = false
		n, err := tx.Exec(ctx, qOrderFail, errorCode, formatTime(r.now()), orderID)
		if err != nil {
			return err
		}
		if n == 1 {
			applied = true
			return nil
		}
		status, _, err := orderState(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if status == StatusSuccess {
			return ErrTerminalState
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrTerminalState) {
			slog.Error("repo error", "layer", "repo", "component", "ledger", "repo", "SQLRepository", "method", "MarkOrderFailed", "payment_order_id", orderID, "error", err)
		}
		return false, err
	}
	return applied, nil
}

func (r *SQLRepository) MarkCheckoutDone(ctx context.Context, checkoutID string) error {
	n, err := r.db.Exec(ctx, qCheckoutDone, checkoutID)
	if err != nil {
		slog.Error("repo error", "layer", "repo", "component", "ledger", "repo", "SQLRepository", "method", "MarkCheckoutDone", "checkout_id", checkoutID, "error", err)
		return err
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (r *SQLRepository) GetWallet(ctx context.Context, merchantID string) (*Wallet, error) {
	row, err := r.db.QueryRow(ctx, qWalletGet, merchantID)
	if err != nil {
		slog.Error("repo error", "layer", "repo", "component", "ledger", "repo", "SQLRepository", "method", "GetWallet", "merchant_id", merchantID, "error", err)
		return nil, err
	}
	var w walletRow
	if err := row.Scan(&w.merchantID, &w.balance, &w.currency, &w.updatedAt); err != nil {
		return nil, err
	}
	balance, err := decimal.NewFromString(w.balance)
	if err != nil {
		return nil, errors.Join(db.ErrInternal, fmt.Errorf("wallet %s balance: %w", merchantID, err))
	}
	return &Wallet{MerchantID: w.merchantID, Balance: balance, Currency: w.currency, UpdatedAt: parseTime(w.updatedAt)}, nil
}

type walletRow struct {
	merchantID, balance, currency, updatedAt string
}

func storedOrder(ctx context.Context, tx db.Client, orderID string) (*PaymentOrder, error) {
	row, err := tx.QueryRow(ctx, qOrderGet, orderID)
	if err != nil {
		return nil, err
	}
	o := &PaymentOrder{PaymentOrderID: orderID}
	var amount string
	if err := row.Scan(&o.CheckoutID, &o.BuyerAccount, &o.SellerAccount, &amount, &o.Currency); err != nil {
		return nil, err
	}
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, errors.Join(db.ErrInternal, fmt.Errorf("order %s amount: %w", orderID, err))
	}
	return o, nil
}

func orderState(ctx context.Context, tx db.Client, orderID string) (OrderStatus, bool, error) {
	row, err := tx.QueryRow(ctx, qOrderState, orderID)
	if err != nil {
		return "", false, err
	}
	var (
		status  string
		updated bool
	)
	if err := row.Scan(&status, &updated); err != nil {
		return "", false, err
	}
	return OrderStatus(status), updated, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
