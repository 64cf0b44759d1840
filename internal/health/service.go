package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var ErrCircuitOpen = errors.New("circuit open")

type CheckFunc func(ctx context.Context) error

type Service struct {
	mu sync.Mutex

	checks map[string]CheckFunc
	ttl    time.Duration

	nextCheckAt time.Time
	lastResult  Result
}

type Result struct {
	At     time.Time         `json:"at"`
	OK     bool              `json:"ok"`
	Checks map[string]string `json:"checks"`
}

func NewService(ttl time.Duration, checks map[string]CheckFunc) *Service {
	return &Service{ttl: ttl, checks: checks, lastResult: Result{Checks: map[string]string{}}}
}

// Check runs every check concurrently and caches the result for ttl.
func (s *Service) Check(ctx context.Context) Result {
	s.mu.Lock()
	if time.Now().Before(s.nextCheckAt) {
		res := s.lastResult
		s.mu.Unlock()
		return res
	}
	s.mu.Unlock()

	res := Result{At: time.Now().UTC(), OK: true, Checks: make(map[string]string, len(s.checks))}
	var resMu sync.Mutex
	set := func(name, status string, ok bool) {
		resMu.Lock()
		res.Checks[name] = status
		if !ok {
			res.OK = false
		}
		resMu.Unlock()
	}

	var g errgroup.Group
	for name, fn := range s.checks {
		name, fn := name, fn
		if fn == nil {
			set(name, "invalid check", false)
			continue
		}
		g.Go(func() error {
			if err := fn(ctx); err != nil {
				set(name, err.Error(), false)
				return nil
			}
			set(name, "ok", true)
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	s.lastResult = res
	s.nextCheckAt = time.Now().Add(s.ttl)
	s.mu.Unlock()

	return res
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck bounds p.Ping by timeout.
func PingCheck(p Pinger, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return p.Ping(ctx)
	}
}

type StateReporter interface {
	State() string
}

// BreakerCheck fails while the circuit is open.
func BreakerCheck(b StateReporter) CheckFunc {
	return func(ctx context.Context) error {
		if b.State() == "open" {
			return ErrCircuitOpen
		}
		return nil
	}
}
