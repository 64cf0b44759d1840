package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"payflow/kit/broker"
	"payflow/kit/db"
	"payflow/kit/observability"
)

const reasonRedriven = "redriven"

// DeadLetter is a message that exhausted its deliveries.
type DeadLetter struct {
	CheckoutID   string    `json:"checkout_id"`
	Queue        string    `json:"queue"`
	MessageID    string    `json:"message_id"`
	ReceiveCount int       `json:"receive_count"`
	Reason       string    `json:"reason"`
	Body         []byte    `json:"body"`
	At           time.Time `json:"at"`
}

type payload struct {
	MessageID    string `json:"message_id"`
	ReceiveCount int    `json:"receive_count"`
	Body         []byte `json:"body"`
}

// Service archives dead letters in a record store and sends them back on
// demand.
type Service struct {
	logger  *observability.Logger
	store   *db.Store
	metrics *observability.Metrics
}

func NewService(logger *observability.Logger, store *db.Store, metrics *observability.Metrics) *Service {
	if store == nil {
		store = db.NewStore()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Service{logger: logger, store: store, metrics: metrics}
}

// SendToDLQ has the broker.DeadLetterFunc signature.
func (s *Service) SendToDLQ(ctx context.Context, msg broker.Message, reason string) {
	key := checkoutID(msg.Body)
	if key == "" {
		key = msg.ID
	}
	s.logger.Error("dlq", "queue", msg.Queue, "checkout_id", key, "message_id", msg.ID, "receive_count", msg.ReceiveCount, "reason", reason)
	s.metrics.DeadLetters.WithLabelValues(msg.Queue).Inc()

	p, err := json.Marshal(payload{MessageID: msg.ID, ReceiveCount: msg.ReceiveCount, Body: msg.Body})
	if err != nil {
		s.logger.Error("dlq encode failed", "message_id", msg.ID, "error", err.Error())
		return
	}
	if err := s.store.Append(ctx, db.Record{Key: key, Kind: msg.Queue, Reason: reason, Payload: p}); err != nil {
		s.logger.Error("dlq append failed", "message_id", msg.ID, "error", err.Error())
	}
}

// List returns the dead letters not yet redriven, oldest first. An empty
// queue matches every queue.
func (s *Service) List(ctx context.Context, queue string) []DeadLetter {
	var out []DeadLetter
	var redriven = map[string]bool{}
	records := s.store.All(ctx)
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if queue != "" && rec.Kind != queue {
			continue
		}
		if rec.Reason == reasonRedriven {
			var p payload
			if err := json.Unmarshal(rec.Payload, &p); err == nil {
				redriven[p.MessageID] = true
			}
			continue
		}
		var p payload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			s.logger.Warn("dlq record unreadable", "key", rec.Key, "error", err.Error())
			continue
		}
		if redriven[p.MessageID] {
			continue
		}
		out = append(out, DeadLetter{
			CheckoutID:   rec.Key,
			Queue:        rec.Kind,
			MessageID:    p.MessageID,
			ReceiveCount: p.ReceiveCount,
			Reason:       rec.Reason,
			Body:         p.Body,
			At:           rec.OccurredAt,
		})
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Redrive sends every pending dead letter of queue back to it and returns
// how many were sent. A letter that fails to send stays pending.
func (s *Service) Redrive(ctx context.Context, sender broker.Sender, queue string) (int, error) {
	var errs []error
	sent := 0
	for _, dl := range s.List(ctx, queue) {
		if _, err := sender.Send(ctx, dl.Queue, dl.Body); err != nil {
			s.logger.Error("redrive failed", "queue", dl.Queue, "checkout_id", dl.CheckoutID, "message_id", dl.MessageID, "error", err.Error())
			errs = append(errs, err)
			continue
		}
		p, _ := json.Marshal(payload{MessageID: dl.MessageID})
		if err := s.store.Append(ctx, db.Record{Key: dl.CheckoutID, Kind: dl.Queue, Reason: reasonRedriven, Payload: p}); err != nil {
			errs = append(errs, err)
		}
		s.logger.Info("redriven", "queue", dl.Queue, "checkout_id", dl.CheckoutID, "message_id", dl.MessageID)
		sent++
	}
	return sent, errors.Join(errs...)
}

func checkoutID(body []byte) string {
	var v struct {
		CheckoutID string `json:"checkout_id"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return ""
	}
	return v.CheckoutID
}
