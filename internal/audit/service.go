package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"payflow/kit/observability"
)

const (
	Provider = "payment-service"
	Version  = "1.0"
)

// Business event types.
const (
	RequestReceived   = "payment.request.received"
	CheckoutInitiated = "payment.checkout.initiated"
	CheckoutRejected  = "payment.checkout.rejected"
	CheckoutQueued    = "payment.checkout.queued"
	PSPResponse       = "payment.psp.response"
	WalletQueued      = "payment.wallet.queued"
	OrderSettled      = "payment.order.settled"
	OrderFailed       = "payment.order.failed"
	CheckoutSettled   = "payment.checkout.settled"
)

const (
	OutcomeReceived  = "RECEIVED"
	OutcomeValidated = "VALIDATED"
	OutcomeRejected  = "REJECTED"
	OutcomeQueued    = "QUEUED"
	OutcomeSuccess   = "SUCCESS"
	OutcomeFailure   = "FAILURE"
)

const (
	StageRequest        = "REQUEST"
	StageValidation     = "VALIDATION"
	StageInitialization = "INITIALIZATION"
	StagePSPIntegration = "PSP_INTEGRATION"
	StageExecution      = "EXECUTION"
	StageSettlement     = "SETTLEMENT"
)

// Event is one business audit record. Fields holds the dotted attributes
// (amount.total, error.code, ...).
type Event struct {
	Type       string         `json:"event_type"`
	Provider   string         `json:"event_provider"`
	Version    string         `json:"event_version"`
	CheckoutID string         `json:"checkout_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Outcome    string         `json:"outcome"`
	Stage      string         `json:"stage"`
	Message    string         `json:"message,omitempty"`
	Fields     map[string]any `json:"-"`
}

// MarshalJSON flattens Fields next to the envelope keys.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+8)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["event_type"] = e.Type
	out["event_provider"] = e.Provider
	out["event_version"] = e.Version
	out["checkout_id"] = e.CheckoutID
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	out["outcome"] = e.Outcome
	out["stage"] = e.Stage
	if e.Message != "" {
		out["message"] = e.Message
	}
	return json.Marshal(out)
}

// EmitterContract define business event responsibility. Emitting never fails
// the caller.
type EmitterContract interface {
	Emit(ctx context.Context, msg string, evt Event)
}

type Service struct {
	logger *observability.Logger
	now    func() time.Time
	fileMu sync.Mutex
	f      *os.File
}

var _ EmitterContract = (*Service)(nil)

func NewService(logger *observability.Logger) *Service {
	return &Service{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func NewServiceWithFile(logger *observability.Logger, path string) (*Service, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Error("audit error", "layer", "service", "component", "audit", "method", "NewServiceWithFile", "path", path, "error", err.Error())
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Error("audit error", "layer", "service", "component", "audit", "method", "NewServiceWithFile", "path", path, "error", err.Error())
		return nil, err
	}
	s := NewService(logger)
	s.f = f
	return s, nil
}

func (s *Service) Close() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	if err != nil {
		s.logger.Error("audit error", "layer", "service", "component", "audit", "method", "Close", "error", err.Error())
	}
	s.f = nil
	return err
}

// Emit stamps evt with the provider envelope, logs it and appends it to the
// audit file when one is configured.
func (s *Service) Emit(ctx context.Context, msg string, evt Event) {
	evt = stamp(evt, s.now)
	evt.Message = msg

	if s.logger != nil {
		s.logger.Info(msg, logAttrs(evt)...)
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.f == nil {
		return
	}
	b, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("audit error", "layer", "service", "component", "audit", "method", "Emit", "event", evt.Type, "error", err.Error())
		return
	}
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		s.logger.Error("audit error", "layer", "service", "component", "audit", "method", "Emit", "event", evt.Type, "error", err.Error())
	}
}

func stamp(evt Event, now func() time.Time) Event {
	evt.Provider = Provider
	evt.Version = Version
	if evt.Timestamp.IsZero() {
		evt.Timestamp = now()
	}
	return evt
}

func logAttrs(evt Event) []any {
	kv := []any{
		"event_type", evt.Type,
		"event_provider", evt.Provider,
		"event_version", evt.Version,
		"checkout_id", evt.CheckoutID,
		"timestamp", evt.Timestamp.Format(time.RFC3339Nano),
		"outcome", evt.Outcome,
		"stage", evt.Stage,
	}
	keys := make([]string, 0, len(evt.Fields))
	for k := range evt.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv = append(kv, k, evt.Fields[k])
	}
	return kv
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ EmitterContract = (*Recorder)(nil)

func (r *Recorder) Emit(ctx context.Context, msg string, evt Event) {
	evt = stamp(evt, func() time.Time { return time.Now().UTC() })
	evt.Message = msg
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type, in emit order.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
