package consumers

import (
	"context"

	"payflow/internal/events"
	"payflow/kit/broker"
	"payflow/kit/observability"
)

type ExecutionEvent struct {
	logger   *observability.Logger
	executor ExecutorContract
}

func NewExecutionEvent(logger *observability.Logger, executor ExecutorContract) *ExecutionEvent {
	return &ExecutionEvent{logger: logger, executor: executor}
}

// Handle processes one payment-execution delivery. The receive count is
// forwarded as the attempt number.
func (h *ExecutionEvent) Handle(ctx context.Context, m broker.Message) error {
	msg, err := events.DecodeExecution(m.Body)
	if err != nil {
		h.logger.Error("execution message rejected", "message_id", m.ID, "error", err.Error())
		return err
	}
	result, err := h.executor.Execute(ctx, msg, m.ReceiveCount)
	if err != nil {
		h.logger.Error("execution failed", "checkout_id", msg.CheckoutID, "message_id", m.ID, "attempt", m.ReceiveCount, "error", err.Error())
		return err
	}
	h.logger.Info("execution complete", "checkout_id", msg.CheckoutID, "status", result.Status, "attempt", m.ReceiveCount)
	return nil
}
