package batch

import (
	"context"
	"errors"
	"time"

	"payflow/kit/broker"
	"payflow/kit/observability"
)

const (
	DefaultBatchSize    = 10
	DefaultPollInterval = 500 * time.Millisecond
)

type PollerOptions struct {
	BatchSize    int
	PollInterval time.Duration
}

// Poller repeatedly receives a batch, processes it and settles each
// delivery: successes are acked, failures released for redelivery.
type Poller struct {
	queue   string
	source  broker.Receiver
	runner  *Runner
	handler RecordHandler
	logger  *observability.Logger
	opts    PollerOptions
}

func NewPoller(queue string, source broker.Receiver, runner *Runner, handler RecordHandler, logger *observability.Logger, opts PollerOptions) *Poller {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Poller{queue: queue, source: source, runner: runner, handler: handler, logger: logger, opts: opts}
}

// Run polls until ctx is cancelled. It returns nil on cancellation.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", "queue", p.queue, "batch_size", p.opts.BatchSize)
	defer p.logger.Info("poller stopped", "queue", p.queue)

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		_, err := p.Poll(ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case broker.IsUnavailable(err):
			p.logger.Warn("queue unavailable", "queue", p.queue, "error", err.Error())
		default:
			p.logger.Error("poll failed", "queue", p.queue, "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll handles one batch and returns the number of messages received.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	msgs, err := p.source.Receive(ctx, p.queue, p.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	resp := p.runner.Process(ctx, msgs, p.handler)
	var ack, release []string
	for _, m := range msgs {
		if resp.Failed(m.ID) {
			release = append(release, m.Receipt)
		} else {
			ack = append(ack, m.Receipt)
		}
	}

	// settle on a fresh context so a shutdown mid batch does not strand
	// messages until their visibility timeout
	settleCtx := context.WithoutCancel(ctx)
	var errs []error
	if len(ack) > 0 {
		errs = append(errs, p.source.Ack(settleCtx, p.queue, ack...))
	}
	if len(release) > 0 {
		errs = append(errs, p.source.Release(settleCtx, p.queue, release...))
	}
	return len(msgs), errors.Join(errs...)
}
