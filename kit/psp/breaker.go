package psp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	IsFailure        func(error) bool
	Now              func() time.Time
}

// CircuitBreakerGateway stops calling next after FailureThreshold
// consecutive retryable failures and lets a single trial call through
// once OpenTimeout has elapsed. PSP declines count as successes.
type CircuitBreakerGateway struct {
	next Gateway
	cfg  CircuitBreakerConfig

	mu           sync.Mutex
	state        int
	failures     int
	successes    int
	openedAt     time.Time
	halfInFlight bool
}

var _ Gateway = (*CircuitBreakerGateway)(nil)

const (
	cbClosed = iota
	cbOpen
	cbHalfOpen
)

func NewCircuitBreakerGateway(next Gateway, cfg CircuitBreakerConfig) *CircuitBreakerGateway {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 2 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = IsRetryable
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &CircuitBreakerGateway{next: next, cfg: cfg, state: cbClosed}
}

func (g *CircuitBreakerGateway) Process(ctx context.Context, req Request) (*Response, error) {
	if err := g.beforeCall(); err != nil {
		return nil, err
	}
	resp, err := g.next.Process(ctx, req)
	g.afterCall(err)
	return resp, err
}

// State reports "closed", "open" or "half_open"; used by health checks.
func (g *CircuitBreakerGateway) State() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (g *CircuitBreakerGateway) beforeCall() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case cbClosed:
		return nil
	case cbOpen:
		if g.cfg.Now().Sub(g.openedAt) < g.cfg.OpenTimeout {
			return ErrCircuitOpen
		}
		g.state = cbHalfOpen
		g.successes = 0
		g.halfInFlight = false
		fallthrough
	case cbHalfOpen:
		if g.halfInFlight {
			return ErrCircuitOpen
		}
		g.halfInFlight = true
		return nil
	default:
		return ErrCircuitOpen
	}
}

func (g *CircuitBreakerGateway) afterCall(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == cbHalfOpen {
		g.halfInFlight = false
	}

	if err == nil || !g.cfg.IsFailure(err) {
		switch g.state {
		case cbClosed:
			g.failures = 0
		case cbHalfOpen:
			g.successes++
			if g.successes >= g.cfg.SuccessThreshold {
				g.state = cbClosed
				g.failures = 0
				g.successes = 0
				slog.Info("psp circuit closed", "layer", "gateway", "component", "psp_breaker")
			}
		}
		return
	}

	switch g.state {
	case cbClosed:
		g.failures++
		if g.failures >= g.cfg.FailureThreshold {
			g.trip()
		}
	case cbHalfOpen:
		g.trip()
	}
}

func (g *CircuitBreakerGateway) trip() {
	g.state = cbOpen
	g.openedAt = g.cfg.Now()
	g.failures = g.cfg.FailureThreshold
	g.successes = 0
	g.halfInFlight = false
	slog.Warn("psp circuit opened", "layer", "gateway", "component", "psp_breaker", "open_timeout", g.cfg.OpenTimeout)
}
