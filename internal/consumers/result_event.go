package consumers

import (
	"context"

	"payflow/internal/events"
	"payflow/kit/broker"
	"payflow/kit/observability"
)

type ResultEvent struct {
	logger  *observability.Logger
	settler SettlerContract
}

func NewResultEvent(logger *observability.Logger, settler SettlerContract) *ResultEvent {
	return &ResultEvent{logger: logger, settler: settler}
}

func (h *ResultEvent) Handle(ctx context.Context, m broker.Message) error {
	msg, err := events.DecodeResult(m.Body)
	if err != nil {
		h.logger.Error("result message rejected", "message_id", m.ID, "error", err.Error())
		return err
	}
	out, err := h.settler.Settle(ctx, msg)
	if err != nil {
		h.logger.Error("settlement failed", "checkout_id", msg.CheckoutID, "message_id", m.ID, "receive_count", m.ReceiveCount, "error", err.Error())
		return err
	}
	h.logger.Info("settlement complete", "checkout_id", msg.CheckoutID, "status", msg.Status, "processed_orders", out.ProcessedOrders)
	return nil
}
