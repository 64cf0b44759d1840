// Package simulate carries the per-request fault injection settings that
// travel with a checkout through every stage.
package simulate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"
)

var ErrInjected = errors.New("simulate: injected failure")

type StageName string

const (
	Initializer StageName = "initializer"
	Executor    StageName = "executor"
	Wallet      StageName = "wallet"
)

// Stage configures a stage hook. Latency is in seconds.
type Stage struct {
	Latency Seconds `json:"latency,omitempty"`
	Error   bool    `json:"error,omitempty"`
	Message string  `json:"message,omitempty"`
}

// PSP configures the simulator. A flagged failure applies to delivery
// attempts up to FailAttempts (1 when unset, negative means always).
// Attempt is set by the executor before the call.
type PSP struct {
	ServerError  bool   `json:"server_error,omitempty"`
	Error        bool   `json:"error,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	FailAttempts int    `json:"fail_attempts,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
}

// Fails reports whether a flagged PSP failure applies to the current attempt.
func (p *PSP) Fails() bool {
	if p == nil {
		return false
	}
	limit := p.FailAttempts
	if limit == 0 {
		limit = 1
	}
	if limit < 0 {
		return true
	}
	attempt := p.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	return attempt <= limit
}

type Config struct {
	Initializer *Stage `json:"initializer,omitempty"`
	Executor    *Stage `json:"executor,omitempty"`
	Wallet      *Stage `json:"wallet,omitempty"`
	PSP         *PSP   `json:"psp,omitempty"`
}

func (c Config) IsZero() bool {
	return c.Initializer == nil && c.Executor == nil && c.Wallet == nil && c.PSP == nil
}

func (c Config) stage(name StageName) *Stage {
	switch name {
	case Initializer:
		return c.Initializer
	case Executor:
		return c.Executor
	case Wallet:
		return c.Wallet
	}
	return nil
}

// WithAttempt returns a copy whose PSP section carries attempt.
func (c Config) WithAttempt(attempt int) Config {
	if c.PSP == nil {
		return c
	}
	p := *c.PSP
	p.Attempt = attempt
	c.PSP = &p
	return c
}

// Hook applies latency and error injection for stages.
type Hook struct {
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewHook() *Hook { return &Hook{Sleep: sleepCtx} }

// Apply runs the named stage hook of c. The injected error wraps ErrInjected.
func (h *Hook) Apply(ctx context.Context, c Config, name StageName) error {
	s := c.stage(name)
	if s == nil {
		return nil
	}
	if d := s.Latency.Duration(); d > 0 {
		slog.Info("simulating latency", "component", "simulate", "stage", string(name), "latency_seconds", float64(s.Latency))
		sleep := sleepCtx
		if h != nil && h.Sleep != nil {
			sleep = h.Sleep
		}
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
	if s.Error {
		msg := s.Message
		if msg == "" {
			msg = "Simulated " + string(name) + " error"
		}
		slog.Error("simulating error", "component", "simulate", "stage", string(name), "error", msg)
		return errors.Join(ErrInjected, errors.New(msg))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Seconds accepts both JSON numbers and numeric strings.
type Seconds float64

func (s *Seconds) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*s = Seconds(f)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return err
	}
	*s = Seconds(f)
	return nil
}

func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}
