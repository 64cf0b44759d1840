// Package batch drives queue deliveries through a stage handler and reports
// per-message failures.
package batch

import (
	"context"
	"fmt"

	"payflow/kit/broker"
	"payflow/kit/observability"
)

// RecordHandler processes one message. A non nil error fails only that
// message.
type RecordHandler func(ctx context.Context, msg broker.Message) error

type ItemFailure struct {
	ItemIdentifier string `json:"itemIdentifier"`
}

// Response lists only the failed messages of a batch.
type Response struct {
	BatchItemFailures []ItemFailure `json:"batchItemFailures"`
	Processed         int           `json:"-"`
}

func (r Response) Failed(id string) bool {
	for _, f := range r.BatchItemFailures {
		if f.ItemIdentifier == id {
			return true
		}
	}
	return false
}

type Runner struct {
	queue   string
	logger  *observability.Logger
	metrics *observability.Metrics
}

func NewRunner(queue string, logger *observability.Logger, metrics *observability.Metrics) *Runner {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Runner{queue: queue, logger: logger, metrics: metrics}
}

// Process runs fn for every message in order. Messages are independent: a
// failure or panic in one never stops the rest.
func (r *Runner) Process(ctx context.Context, msgs []broker.Message, fn RecordHandler) Response {
	resp := Response{BatchItemFailures: []ItemFailure{}}
	for _, m := range msgs {
		if err := r.run(ctx, m, fn); err != nil {
			r.logger.Error("record failed", "queue", r.queue, "message_id", m.ID, "receive_count", m.ReceiveCount, "error", err.Error())
			r.metrics.BatchItemFailures.WithLabelValues(r.queue).Inc()
			resp.BatchItemFailures = append(resp.BatchItemFailures, ItemFailure{ItemIdentifier: m.ID})
			continue
		}
		resp.Processed++
	}
	return resp
}

func (r *Runner) run(ctx context.Context, m broker.Message, fn RecordHandler) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, m)
}
