package execution

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"payflow/internal/audit"
	"payflow/internal/events"
	"payflow/internal/simulate"
	"payflow/kit/broker"
	"payflow/kit/observability"
	"payflow/kit/psp"
)

// ServiceContract define payment execution responsibility.
type ServiceContract interface {
	Execute(ctx context.Context, msg events.ExecutionMessage, attempt int) (*events.ResultMessage, error)
}

// Service is the executor stage. It charges the checkout total at the PSP
// and forwards the decision to settlement.
type Service struct {
	gateway psp.Gateway
	queue   broker.Sender
	emitter audit.EmitterContract
	hook    *simulate.Hook
	metrics *observability.Metrics
	timeout time.Duration
	now     func() time.Time
}

var _ ServiceContract = (*Service)(nil)

func NewService(gateway psp.Gateway, queue broker.Sender, emitter audit.EmitterContract, metrics *observability.Metrics) *Service {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Service{
		gateway: gateway,
		queue:   queue,
		emitter: emitter,
		hook:    simulate.NewHook(),
		metrics: metrics,
		timeout: psp.DefaultTimeout,
		now:     time.Now,
	}
}

func (s *Service) WithHook(h *simulate.Hook) *Service {
	s.hook = h
	return s
}

// WithTimeout bounds every PSP call.
func (s *Service) WithTimeout(d time.Duration) *Service {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Execute runs one delivery of msg. attempt is the delivery count of the
// queue message, starting at 1. A returned error means no decision was
// reached and the message must be redelivered.
func (s *Service) Execute(ctx context.Context, msg events.ExecutionMessage, attempt int) (*events.ResultMessage, error) {
	if err := s.hook.Apply(ctx, msg.Simulate, simulate.Executor); err != nil {
		return nil, err
	}

	req := psp.Request{PaymentID: msg.CheckoutID, Amount: msg.TotalAmount, Currency: msg.Currency}
	if !msg.Simulate.IsZero() {
		raw, err := json.Marshal(msg.Simulate.WithAttempt(attempt))
		if err != nil {
			return nil, errors.Join(events.ErrMalformed, err)
		}
		req.Simulate = raw
		slog.Info("passing simulate config to psp", "layer", "service", "component", "execution", "checkout_id", msg.CheckoutID, "attempt", attempt)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	start := s.now()
	resp, err := s.gateway.Process(callCtx, req)
	latency := s.now().Sub(start)
	cancel()
	s.metrics.PSPLatency.Observe(latency.Seconds())

	amountTotal := msg.TotalAmount.String()
	if err != nil {
		code := psp.FailureCode(err)
		s.metrics.PSPOutcomes.WithLabelValues(outcomeLabel(err)).Inc()
		slog.Warn("psp call failed", "layer", "service", "component", "execution", "method", "Execute", "checkout_id", msg.CheckoutID, "attempt", attempt, "error", err)
		message := "PSP connection error"
		if code == psp.CodeServerError {
			message = "PSP server error"
		}
		s.emitter.Emit(ctx, message, audit.Event{
			Type:       audit.PSPResponse,
			CheckoutID: msg.CheckoutID,
			Outcome:    audit.OutcomeFailure,
			Stage:      audit.StagePSPIntegration,
			Fields: map[string]any{
				"amount.total":            amountTotal,
				"amount.currency":         msg.Currency,
				"psp.response.status":     psp.StatusFailed,
				"psp.response.error_code": code,
				"psp.latency.ms":          latency.Milliseconds(),
				"error.category":          "PSP",
			},
		})
		return nil, err
	}

	status := events.StatusFailed
	outcome := audit.OutcomeFailure
	if resp.Succeeded() {
		status = events.StatusSuccess
		outcome = audit.OutcomeSuccess
	}
	s.metrics.PSPOutcomes.WithLabelValues(status).Inc()
	s.emitter.Emit(ctx, "PSP response received", audit.Event{
		Type:       audit.PSPResponse,
		CheckoutID: msg.CheckoutID,
		Outcome:    outcome,
		Stage:      audit.StagePSPIntegration,
		Fields: map[string]any{
			"amount.total":            amountTotal,
			"amount.currency":         msg.Currency,
			"psp.response.status":     status,
			"psp.response.error_code": nullable(resp.ErrorCode),
			"psp.latency.ms":          latency.Milliseconds(),
		},
	})

	result := &events.ResultMessage{
		CheckoutID: msg.CheckoutID,
		Status:     status,
		ErrorCode:  events.StringPtr(resp.ErrorCode),
		Simulate:   msg.Simulate,
	}
	if status == events.StatusSuccess {
		result.ErrorCode = nil
	}
	if _, err := broker.SendJSON(ctx, s.queue, result.Name(), result); err != nil {
		slog.Error("enqueue result failed", "layer", "service", "component", "execution", "method", "Execute", "checkout_id", msg.CheckoutID, "error", err)
		return nil, err
	}

	s.emitter.Emit(ctx, "Payment sent to wallet queue", audit.Event{
		Type:       audit.WalletQueued,
		CheckoutID: msg.CheckoutID,
		Outcome:    outcome,
		Stage:      audit.StageExecution,
		Fields: map[string]any{
			"amount.total":    amountTotal,
			"amount.currency": msg.Currency,
			"payment.status":  status,
			"error.code":      nullable(result.Code()),
		},
	})
	return result, nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, psp.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, psp.ErrServer):
		return "server_error"
	default:
		return "transport_error"
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
