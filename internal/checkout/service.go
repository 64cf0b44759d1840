package checkout

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"payflow/internal/audit"
	"payflow/internal/ledger"
	"payflow/internal/simulate"
	"payflow/kit/broker"
	"payflow/kit/db"
	"payflow/kit/observability"
)

// Service is the initializer stage: it validates a checkout, persists it and
// queues it for execution.
type Service struct {
	repository ledger.RepositoryContract
	queue      broker.Sender
	emitter    audit.EmitterContract
	hook       *simulate.Hook
	metrics    *observability.Metrics
	now        func() time.Time
}

var _ ServiceContract = (*Service)(nil)

func NewService(repo ledger.RepositoryContract, queue broker.Sender, emitter audit.EmitterContract, metrics *observability.Metrics) *Service {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Service{
		repository: repo,
		queue:      queue,
		emitter:    emitter,
		hook:       simulate.NewHook(),
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithHook swaps the simulate hook, mostly to skip real sleeps in tests.
func (s *Service) WithHook(h *simulate.Hook) *Service {
	s.hook = h
	return s
}

// Received emits the request audit event with whatever totals can be read
// from the raw request.
func (s *Service) Received(ctx context.Context, req Request) {
	checkoutID := req.CheckoutID
	if checkoutID == "" {
		checkoutID = "UNKNOWN"
	}
	total, currency := "0", "UNKNOWN"
	if len(req.PaymentOrders) > 0 {
		sum := decimal.Zero
		ok := true
		for _, o := range req.PaymentOrders {
			d, err := parseAmount(o.Amount)
			if err != nil {
				ok = false
				break
			}
			sum = sum.Add(d)
		}
		if ok {
			total = sum.String()
			currency = req.PaymentOrders[0].Currency
			if currency == "" {
				currency = "UNKNOWN"
			}
		}
	}
	s.emitter.Emit(ctx, "Payment request received", audit.Event{
		Type:       audit.RequestReceived,
		CheckoutID: checkoutID,
		Outcome:    audit.OutcomeReceived,
		Stage:      audit.StageRequest,
		Fields: map[string]any{
			"amount.total":    total,
			"amount.currency": currency,
			"order.count":     len(req.PaymentOrders),
		},
	})
}

func (s *Service) Initialize(ctx context.Context, req Request, sim simulate.Config) (*Accepted, error) {
	if fieldErrs := Validate(req); len(fieldErrs) > 0 {
		verr := &ValidationError{Details: fieldErrs}
		slog.Warn("validation failed", "layer", "service", "component", "checkout", "method", "Initialize", "checkout_id", req.CheckoutID, "errors", len(fieldErrs))
		checkoutID := req.CheckoutID
		if checkoutID == "" {
			checkoutID = "UNKNOWN"
		}
		s.emitter.Emit(ctx, "Payment validation failed", audit.Event{
			Type:       audit.CheckoutRejected,
			CheckoutID: checkoutID,
			Outcome:    audit.OutcomeRejected,
			Stage:      audit.StageValidation,
			Fields: map[string]any{
				"error.code":    "VALIDATION_ERROR",
				"error.message": verr.Summary(),
				"order.count":   len(req.PaymentOrders),
			},
		})
		s.metrics.CheckoutsRejected.Inc()
		return nil, verr
	}

	n := normalize(req)
	total := n.total()
	amountFields := func() map[string]any {
		return map[string]any{
			"amount.total":    total.String(),
			"amount.currency": n.currency(),
			"order.count":     len(n.orders),
		}
	}
	if n.mixedCurrencies() {
		slog.Warn("checkout mixes currencies, charging in the first order currency", "layer", "service", "component", "checkout", "method", "Initialize", "checkout_id", req.CheckoutID, "currency", n.currency())
	}

	s.emitter.Emit(ctx, "Payment checkout initiated", audit.Event{
		Type:       audit.CheckoutInitiated,
		CheckoutID: req.CheckoutID,
		Outcome:    audit.OutcomeValidated,
		Stage:      audit.StageInitialization,
		Fields:     amountFields(),
	})

	createdCheckout, err := s.repository.PutCheckoutIfAbsent(ctx, toCheckoutEvent(n, s.now()))
	if err != nil {
		if db.IsConflict(err) {
			return nil, s.conflict(ctx, req.CheckoutID, len(n.orders), err)
		}
		slog.Error("persist checkout failed", "layer", "service", "component", "checkout", "method", "Initialize", "checkout_id", req.CheckoutID, "error", err)
		return nil, err
	}
	createdOrders, err := s.repository.PutOrdersIfAbsent(ctx, toPaymentOrders(n))
	if err != nil {
		if db.IsConflict(err) {
			return nil, s.conflict(ctx, req.CheckoutID, len(n.orders), err)
		}
		slog.Error("persist payment orders failed", "layer", "service", "component", "checkout", "method", "Initialize", "checkout_id", req.CheckoutID, "error", err)
		return nil, err
	}
	if !createdCheckout || createdOrders < len(n.orders) {
		s.metrics.IdempotentReplays.Inc()
		slog.Info("checkout already persisted", "layer", "service", "component", "checkout", "method", "Initialize", "checkout_id", req.CheckoutID, "new_orders", createdOrders)
	}

	if err := s.hook.Apply(ctx, sim, simulate.Initializer); err != nil {
		return nil, err
	}

	msg := toExecutionMessage(n, sim)
	if _, err := broker.SendJSON(ctx, s.queue, msg.Name(), msg); err != nil {
		slog.Error("enqueue execution failed", "layer", "service", "component", "checkout", "method", "Initialize", "checkout_id", req.CheckoutID, "error", err)
		return nil, err
	}

	s.emitter.Emit(ctx, "Payment sent to execution queue", audit.Event{
		Type:       audit.CheckoutQueued,
		CheckoutID: req.CheckoutID,
		Outcome:    audit.OutcomeQueued,
		Stage:      audit.StageInitialization,
		Fields:     amountFields(),
	})
	s.metrics.CheckoutsAccepted.Inc()

	return &Accepted{PaymentEvent: toPaymentEvent(n), Message: acceptedMessage}, nil
}

// conflict rejects a checkout whose id or order ids are already stored with
// a different payload. Nothing is queued, so the stored total stays the one
// charged.
func (s *Service) conflict(ctx context.Context, checkoutID string, orders int, err error) error {
	slog.Warn("checkout conflicts with stored data", "layer", "service", "component", "checkout", "method", "Initialize", "checkout_id", checkoutID, "error", err)
	s.emitter.Emit(ctx, "Payment checkout conflict", audit.Event{
		Type:       audit.CheckoutRejected,
		CheckoutID: checkoutID,
		Outcome:    audit.OutcomeRejected,
		Stage:      audit.StageInitialization,
		Fields: map[string]any{
			"error.code":    "CHECKOUT_CONFLICT",
			"error.message": err.Error(),
			"order.count":   orders,
		},
	})
	s.metrics.CheckoutsRejected.Inc()
	return err
}
