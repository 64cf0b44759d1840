package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"payflow/kit/observability"

	"github.com/stretchr/testify/require"
)

func TestService_Close(t *testing.T) {
	var tests = []struct {
		name string
		svc  func(t *testing.T) *Service
	}{
		{
			name: "close nil file",
			svc: func(t *testing.T) *Service {
				return NewService(observability.NewLogger())
			},
		},
		{
			name: "close with file",
			svc: func(t *testing.T) *Service {
				svc, err := NewServiceWithFile(observability.NewLogger(), filepath.Join(t.TempDir(), "audit.jsonl"))
				require.NoError(t, err)
				return svc
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := tt.svc(t)
			require.NotPanics(t, func() { _ = svc.Close() })
			require.NoError(t, svc.Close())
		})
	}
}

func TestService_EmitWritesFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")

	svc, err := NewServiceWithFile(observability.NewLogger(), path)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }

	svc.Emit(ctx, "Payment checkout initiated", Event{
		Type:       CheckoutInitiated,
		CheckoutID: "chk-1",
		Outcome:    OutcomeValidated,
		Stage:      StageInitialization,
		Fields:     map[string]any{"amount.total": "150", "amount.currency": "USD", "order.count": 2},
	})
	svc.Emit(ctx, "Payment checkout queued", Event{Type: CheckoutQueued, CheckoutID: "chk-1", Outcome: OutcomeQueued, Stage: StageInitialization})
	require.NoError(t, svc.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	require.Equal(t, map[string]any{
		"event_type":      "payment.checkout.initiated",
		"event_provider":  "payment-service",
		"event_version":   "1.0",
		"checkout_id":     "chk-1",
		"timestamp":       "2024-01-01T12:00:00Z",
		"outcome":         "VALIDATED",
		"stage":           "INITIALIZATION",
		"message":         "Payment checkout initiated",
		"amount.total":    "150",
		"amount.currency": "USD",
		"order.count":     float64(2),
	}, lines[0])
	require.Equal(t, "payment.checkout.queued", lines[1]["event_type"])
}

func TestService_EmitLogsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerWithOptions(observability.LoggerOptions{Format: "json", Writer: &buf})
	svc := NewService(logger)

	svc.Emit(context.Background(), "PSP server error", Event{
		Type:       PSPResponse,
		CheckoutID: "chk-1",
		Outcome:    OutcomeFailure,
		Stage:      StagePSPIntegration,
		Fields:     map[string]any{"psp.response.error_code": "PSP_SERVER_ERROR", "error.category": "PSP"},
	})

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "PSP server error", m["msg"])
	require.Equal(t, "payment.psp.response", m["event_type"])
	require.Equal(t, "payment-service", m["event_provider"])
	require.Equal(t, "PSP_SERVER_ERROR", m["psp.response.error_code"])
	require.Equal(t, "PSP", m["error.category"])
}

func TestService_NilLoggerDoesNotPanic(t *testing.T) {
	svc := NewService(nil)
	require.NotPanics(t, func() {
		svc.Emit(context.Background(), "x", Event{Type: RequestReceived})
	})
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.Emit(context.Background(), "a", Event{Type: OrderSettled, CheckoutID: "chk-1"})
	r.Emit(context.Background(), "b", Event{Type: OrderFailed, CheckoutID: "chk-1"})
	r.Emit(context.Background(), "c", Event{Type: OrderSettled, CheckoutID: "chk-2"})

	require.Len(t, r.Events(), 3)
	settled := r.OfType(OrderSettled)
	require.Len(t, settled, 2)
	require.Equal(t, "chk-2", settled[1].CheckoutID)
	require.Equal(t, Provider, settled[0].Provider)
	require.Equal(t, Version, settled[0].Version)
	require.False(t, settled[0].Timestamp.IsZero())
}
