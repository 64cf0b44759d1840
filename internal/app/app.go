// Package app assembles the stages from configuration. Both binaries build
// the same graph so embedded and standalone consumers behave alike.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"payflow/internal/audit"
	"payflow/internal/batch"
	"payflow/internal/checkout"
	"payflow/internal/config"
	"payflow/internal/consumers"
	"payflow/internal/events"
	"payflow/internal/execution"
	"payflow/internal/health"
	"payflow/internal/ledger"
	"payflow/internal/recovery"
	"payflow/internal/settlement"
	"payflow/kit/broker"
	"payflow/kit/db"
	"payflow/kit/observability"
	"payflow/kit/psp"
)

const (
	StageExecutor   = "executor"
	StageSettlement = "settlement"
	StageAll        = "all"
)

type App struct {
	Config  *config.Config
	Logger  *observability.Logger
	Metrics *observability.Metrics

	Repo       ledger.RepositoryContract
	Queue      broker.Queue
	Breaker    *psp.CircuitBreakerGateway
	Audit      *audit.Service
	Recovery   *recovery.Service
	Checkout   *checkout.Service
	Execution  *execution.Service
	Settlement *settlement.Service
	// Health covers every dependency and backs GET /health. Readiness only
	// covers what accepting a checkout needs, so a PSP outage does not
	// block ingress.
	Health    *health.Service
	Readiness *health.Service

	sqlite   *db.SQLiteClient
	dlqStore *db.Store
}

// New opens the store, queue and archives named by cfg.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := observability.NewLoggerWithOptions(observability.LoggerOptions{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.Install()
	a := &App{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}

	policy, err := settlement.ParsePolicy(cfg.Settlement.Policy)
	if err != nil {
		return nil, err
	}

	a.dlqStore = db.NewStore()
	if cfg.DLQ.File != "" {
		if a.dlqStore, err = db.NewStoreWithFile(cfg.DLQ.File); err != nil {
			return nil, err
		}
	}
	a.Recovery = recovery.NewService(logger.With("component", "recovery"), a.dlqStore, a.Metrics)

	if cfg.Audit.File != "" {
		if a.Audit, err = audit.NewServiceWithFile(logger, cfg.Audit.File); err != nil {
			_ = a.Close()
			return nil, err
		}
	} else {
		a.Audit = audit.NewService(logger)
	}

	checks := map[string]health.CheckFunc{}
	if cfg.Store.Driver == "sqlite" {
		if a.sqlite, err = db.OpenSQLite(ctx, cfg.Store.DSN, ledger.Schema, broker.Schema); err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Repo = ledger.NewSQLRepository(a.sqlite)
		checks["store"] = health.PingCheck(a.sqlite, 2*time.Second)
	} else {
		a.Repo = ledger.NewInMemoryRepository()
	}

	qopts := broker.Options{
		MaxReceives:       cfg.Queue.MaxReceives,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		OnDeadLetter:      a.Recovery.SendToDLQ,
	}
	if cfg.Queue.Driver == "sql" {
		a.Queue = broker.NewSQL(a.sqlite, qopts)
	} else {
		a.Queue = broker.NewMemory(qopts)
	}

	a.Breaker = psp.NewCircuitBreakerGateway(psp.NewHTTPClient(cfg.PSP.URL, cfg.PSP.Timeout), psp.CircuitBreakerConfig{
		FailureThreshold: cfg.PSP.Breaker.FailureThreshold,
		SuccessThreshold: cfg.PSP.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.PSP.Breaker.OpenTimeout,
	})
	ingress := make(map[string]health.CheckFunc, len(checks))
	for name, check := range checks {
		ingress[name] = check
	}
	checks["psp"] = health.BreakerCheck(a.Breaker)

	a.Checkout = checkout.NewService(a.Repo, a.Queue, a.Audit, a.Metrics)
	a.Execution = execution.NewService(a.Breaker, a.Queue, a.Audit, a.Metrics).WithTimeout(cfg.PSP.Timeout)
	a.Settlement = settlement.NewService(a.Repo, a.Audit, a.Metrics).WithPolicy(policy)
	a.Health = health.NewService(2*time.Second, checks)
	a.Readiness = health.NewService(2*time.Second, ingress)
	return a, nil
}

// Pollers builds cfg.Consumers.Workers pollers per selected stage.
func (a *App) Pollers(stage string) ([]*batch.Poller, error) {
	opts := batch.PollerOptions{BatchSize: a.Config.Queue.BatchSize, PollInterval: a.Config.Queue.PollInterval}
	var out []*batch.Poller
	add := func(queue string, handler batch.RecordHandler) {
		logger := a.Logger.With("component", "poller", "queue", queue)
		runner := batch.NewRunner(queue, logger, a.Metrics)
		for i := 0; i < a.Config.Consumers.Workers; i++ {
			out = append(out, batch.NewPoller(queue, a.Queue, runner, handler, logger.With("worker", i), opts))
		}
	}

	switch stage {
	case StageExecutor, StageSettlement, StageAll, "":
	default:
		return nil, errors.Join(db.ErrInvalid, fmt.Errorf("unknown stage %q", stage))
	}
	if stage == StageExecutor || stage == StageAll || stage == "" {
		add(events.ExecutionQueue, consumers.NewExecutionEvent(a.Logger.With("component", "executor"), a.Execution).Handle)
	}
	if stage == StageSettlement || stage == StageAll || stage == "" {
		add(events.ResultsQueue, consumers.NewResultEvent(a.Logger.With("component", "settlement"), a.Settlement).Handle)
	}
	return out, nil
}

// RunConsumers blocks until ctx is cancelled or a poller fails.
func (a *App) RunConsumers(ctx context.Context, stage string) error {
	pollers, err := a.Pollers(stage)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range pollers {
		p := p
		g.Go(func() error { return p.Run(ctx) })
	}
	return g.Wait()
}

func (a *App) Close() error {
	var errs []error
	if a.Audit != nil {
		errs = append(errs, a.Audit.Close())
	}
	if a.dlqStore != nil {
		errs = append(errs, a.dlqStore.Close())
	}
	if a.sqlite != nil {
		errs = append(errs, a.sqlite.Close())
	}
	return errors.Join(errs...)
}
