package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"payflow/internal/audit"
	"payflow/internal/events"
	"payflow/internal/ledger"
	"payflow/internal/simulate"
	"payflow/kit/db"
	"payflow/kit/observability"
)

// ErrDataIntegrity marks a result that cannot be applied until the stored
// checkout is repaired.
var ErrDataIntegrity = errors.New("settlement: data integrity fault")

const (
	defaultFailureCode = "PSP_ERROR"
	unknownMerchant    = "UNKNOWN"
)

type Policy string

const (
	// PolicyUniform applies the aggregate status to every order.
	PolicyUniform Policy = "uniform"
	// PolicyPerOrder lets order_outcomes override the aggregate per order.
	PolicyPerOrder Policy = "per_order"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyUniform:
		return PolicyUniform, nil
	case PolicyPerOrder:
		return PolicyPerOrder, nil
	}
	return "", errors.Join(db.ErrInvalid, fmt.Errorf("unknown settlement policy %q", s))
}

type Outcome struct {
	ProcessedOrders int `json:"processed_orders"`
}

type ServiceContract interface {
	Settle(ctx context.Context, msg events.ResultMessage) (Outcome, error)
}

type Service struct {
	repo    ledger.RepositoryContract
	emitter audit.EmitterContract
	hook    *simulate.Hook
	metrics *observability.Metrics
	policy  Policy
}

var _ ServiceContract = (*Service)(nil)

// A nil metrics gets a private registry.
func NewService(repo ledger.RepositoryContract, emitter audit.EmitterContract, metrics *observability.Metrics) *Service {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Service{repo: repo, emitter: emitter, hook: simulate.NewHook(), metrics: metrics, policy: PolicyUniform}
}

func (s *Service) WithHook(h *simulate.Hook) *Service {
	s.hook = h
	return s
}

func (s *Service) WithPolicy(p Policy) *Service {
	if p != "" {
		s.policy = p
	}
	return s
}

// decision is the status one order settles to.
type decision struct {
	order  *ledger.PaymentOrder
	status string
	code   string
	seller string
}

// Settle applies a PSP result to the orders of a checkout. Every write is
// conditional, so redelivering the same result changes nothing.
func (s *Service) Settle(ctx context.Context, msg events.ResultMessage) (Outcome, error) {
	log := slog.With("layer", "service", "component", "settlement", "method", "Settle", "checkout_id", msg.CheckoutID)

	if err := s.hook.Apply(ctx, msg.Simulate, simulate.Wallet); err != nil {
		return Outcome{}, err
	}

	orders, err := s.repo.OrdersByCheckout(ctx, msg.CheckoutID)
	if err != nil {
		log.Error("load orders failed", "error", err)
		return Outcome{}, err
	}
	if len(orders) == 0 {
		log.Warn("no payment orders for checkout")
		return Outcome{}, nil
	}

	decisions := s.decide(msg, orders)
	if err := s.resolveSellers(ctx, msg.CheckoutID, decisions); err != nil {
		log.Error("resolve sellers failed", "error", err)
		return Outcome{}, err
	}

	allSucceeded := true
	for _, d := range decisions {
		var ok bool
		var err error
		if d.status == events.StatusSuccess {
			ok, err = s.settleSuccess(ctx, msg.CheckoutID, d)
		} else {
			ok, err = s.settleFailure(ctx, msg.CheckoutID, d)
		}
		if err != nil {
			return Outcome{}, err
		}
		if !ok || d.status != events.StatusSuccess {
			allSucceeded = false
		}
	}

	if allSucceeded {
		if err := s.repo.MarkCheckoutDone(ctx, msg.CheckoutID); err != nil {
			log.Error("mark checkout done failed", "error", err)
			if db.IsNotFound(err) {
				return Outcome{}, errors.Join(ErrDataIntegrity, err)
			}
			return Outcome{}, err
		}
		total := ledger.TotalAmount(orders)
		s.emitter.Emit(ctx, "Checkout settled", audit.Event{
			Type:       audit.CheckoutSettled,
			CheckoutID: msg.CheckoutID,
			Outcome:    audit.OutcomeSuccess,
			Stage:      audit.StageSettlement,
			Fields: map[string]any{
				"amount.total":    total.String(),
				"amount.currency": orders[0].Currency,
				"order.count":     len(orders),
			},
		})
	}

	log.Info("result settled", "status", msg.Status, "processed_orders", len(decisions))
	return Outcome{ProcessedOrders: len(decisions)}, nil
}

func (s *Service) decide(msg events.ResultMessage, orders []*ledger.PaymentOrder) []decision {
	out := make([]decision, 0, len(orders))
	for _, o := range orders {
		d := decision{order: o, status: msg.Status, code: msg.Code()}
		if s.policy == PolicyPerOrder {
			if oo, ok := msg.OrderOutcomes[o.PaymentOrderID]; ok {
				d.status = oo.Status
				d.code = ""
				if oo.ErrorCode != nil {
					d.code = *oo.ErrorCode
				}
			}
		}
		out = append(out, d)
	}
	return out
}

// resolveSellers maps every successful order to the seller recorded on the
// checkout. It runs before any write so a broken checkout mutates nothing.
func (s *Service) resolveSellers(ctx context.Context, checkoutID string, decisions []decision) error {
	needed := false
	for _, d := range decisions {
		if d.status == events.StatusSuccess {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}

	c, err := s.repo.GetCheckout(ctx, checkoutID)
	if err != nil {
		if db.IsNotFound(err) {
			return errors.Join(ErrDataIntegrity, fmt.Errorf("checkout %s not found", checkoutID))
		}
		return err
	}
	for i := range decisions {
		if decisions[i].status != events.StatusSuccess {
			continue
		}
		id := decisions[i].order.PaymentOrderID
		seller, ok := c.SellerInfo[id]
		if !ok || seller == "" {
			return errors.Join(ErrDataIntegrity, fmt.Errorf("no seller mapped for payment order %s", id))
		}
		decisions[i].seller = seller
	}
	return nil
}

// settleSuccess reports false when the order was already FAILED.
func (s *Service) settleSuccess(ctx context.Context, checkoutID string, d decision) (bool, error) {
	o := d.order
	applied, err := s.repo.SettleOrderSuccess(ctx, o.PaymentOrderID, d.seller, o.Amount, o.Currency)
	if errors.Is(err, ledger.ErrTerminalState) {
		slog.Warn("order already failed, skipping credit", "layer", "service", "component", "settlement",
			"checkout_id", checkoutID, "payment_order_id", o.PaymentOrderID)
		return false, nil
	}
	if err != nil {
		slog.Error("settle order failed", "layer", "service", "component", "settlement", "method", "settleSuccess",
			"checkout_id", checkoutID, "payment_order_id", o.PaymentOrderID, "error", err)
		return false, err
	}

	if applied {
		s.metrics.OrdersSettled.Inc()
		s.metrics.WalletCredits.WithLabelValues(o.Currency).Inc()
	} else {
		s.metrics.IdempotentReplays.Inc()
	}
	fields := orderFields(o, d.seller)
	if !applied {
		fields["idempotent_replay"] = true
	}
	s.emitter.Emit(ctx, "Payment order settled", audit.Event{
		Type:       audit.OrderSettled,
		CheckoutID: checkoutID,
		Outcome:    audit.OutcomeSuccess,
		Stage:      audit.StageSettlement,
		Fields:     fields,
	})
	return true, nil
}

func (s *Service) settleFailure(ctx context.Context, checkoutID string, d decision) (bool, error) {
	o := d.order
	code := d.code
	if code == "" {
		code = defaultFailureCode
	}
	applied, err := s.repo.MarkOrderFailed(ctx, o.PaymentOrderID, code)
	if errors.Is(err, ledger.ErrTerminalState) {
		slog.Warn("order already settled, ignoring failure", "layer", "service", "component", "settlement",
			"checkout_id", checkoutID, "payment_order_id", o.PaymentOrderID)
		return false, nil
	}
	if err != nil {
		slog.Error("mark order failed failed", "layer", "service", "component", "settlement", "method", "settleFailure",
			"checkout_id", checkoutID, "payment_order_id", o.PaymentOrderID, "error", err)
		return false, err
	}
	if applied {
		s.metrics.OrdersFailed.Inc()
	} else {
		s.metrics.IdempotentReplays.Inc()
	}

	merchant := o.SellerAccount
	if merchant == "" {
		merchant = unknownMerchant
	}
	fields := orderFields(o, merchant)
	fields["error.code"] = code
	fields["error.category"] = "PSP"
	s.emitter.Emit(ctx, "Payment order failed", audit.Event{
		Type:       audit.OrderFailed,
		CheckoutID: checkoutID,
		Outcome:    audit.OutcomeFailure,
		Stage:      audit.StageSettlement,
		Fields:     fields,
	})
	return true, nil
}

func orderFields(o *ledger.PaymentOrder, merchant string) map[string]any {
	return map[string]any{
		"payment_order.id": o.PaymentOrderID,
		"amount.total":     o.Amount.String(),
		"amount.currency":  o.Currency,
		"merchant.id":      merchant,
	}
}
