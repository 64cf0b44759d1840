package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"payflow/internal/events"
	"payflow/kit/broker"
	"payflow/kit/observability"
)

func messages(bodies ...string) []broker.Message {
	out := make([]broker.Message, 0, len(bodies))
	for i, b := range bodies {
		out = append(out, broker.Message{ID: fmt.Sprintf("m%d", i+1), Queue: events.ResultsQueue, Body: []byte(b), ReceiveCount: 1})
	}
	return out
}

func TestRunner_Process(t *testing.T) {
	ctx := context.Background()
	valid := `{"checkout_id":"chk-1","status":"SUCCESS","error_code":null}`

	var tests = []struct {
		name              string
		msgs              []broker.Message
		handler           RecordHandler
		expectedFailures  []string
		expectedProcessed int
	}{
		{
			name: "all succeed",
			msgs: messages(valid, valid, valid),
			handler: func(ctx context.Context, m broker.Message) error {
				_, err := events.DecodeResult(m.Body)
				return err
			},
			expectedFailures:  []string{},
			expectedProcessed: 3,
		},
		{
			name: "malformed bodies fail alone",
			msgs: messages(valid, `{"status":"SUCCESS"}`, valid, `not json`),
			handler: func(ctx context.Context, m broker.Message) error {
				_, err := events.DecodeResult(m.Body)
				return err
			},
			expectedFailures:  []string{"m2", "m4"},
			expectedProcessed: 2,
		},
		{
			name: "panic is contained",
			msgs: messages(valid, valid),
			handler: func(ctx context.Context, m broker.Message) error {
				if m.ID == "m1" {
					panic("boom")
				}
				return nil
			},
			expectedFailures:  []string{"m1"},
			expectedProcessed: 1,
		},
		{
			name:              "empty batch",
			handler:           func(ctx context.Context, m broker.Message) error { return errors.New("unused") },
			expectedFailures:  []string{},
			expectedProcessed: 0,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewRunner(events.ResultsQueue, nil, observability.NewMetrics())
			resp := r.Process(ctx, tt.msgs, tt.handler)

			ids := []string{}
			for _, f := range resp.BatchItemFailures {
				ids = append(ids, f.ItemIdentifier)
			}
			require.Equal(t, tt.expectedFailures, ids)
			require.Equal(t, tt.expectedProcessed, resp.Processed)
		})
	}
}

func TestRunner_ProcessWithoutMetrics(t *testing.T) {
	t.Parallel()
	r := NewRunner(events.ExecutionQueue, nil, nil)
	handler := func(ctx context.Context, m broker.Message) error {
		if m.ID == "m2" {
			panic("boom")
		}
		return errors.New("failed")
	}

	var resp Response
	require.NotPanics(t, func() { resp = r.Process(context.Background(), messages("a", "b"), handler) })
	require.Len(t, resp.BatchItemFailures, 2)
	require.Zero(t, resp.Processed)
}

func TestPoller_AcksSuccessAndReleasesFailures(t *testing.T) {
	ctx := context.Background()
	var dead []broker.Message
	queue := broker.NewMemory(broker.Options{
		MaxReceives:  2,
		OnDeadLetter: func(ctx context.Context, msg broker.Message, reason string) { dead = append(dead, msg) },
	})
	_, err := queue.Send(ctx, events.ResultsQueue, []byte("good"))
	require.NoError(t, err)
	_, err = queue.Send(ctx, events.ResultsQueue, []byte("bad"))
	require.NoError(t, err)

	calls := map[string]int{}
	handler := func(ctx context.Context, m broker.Message) error {
		calls[string(m.Body)]++
		if string(m.Body) == "bad" {
			return errors.New("poison")
		}
		return nil
	}
	p := NewPoller(events.ResultsQueue, queue, NewRunner(events.ResultsQueue, nil, observability.NewMetrics()), handler, nil, PollerOptions{BatchSize: 10})

	n, err := p.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 1, queue.Len(events.ResultsQueue))

	n, err = p.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = p.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.Equal(t, 1, calls["good"])
	require.Equal(t, 2, calls["bad"])
	require.Len(t, dead, 1)
	require.Equal(t, "bad", string(dead[0].Body))
	require.Equal(t, 0, queue.Len(events.ResultsQueue))
}

// flakyReceiver fails the first outages receives with broker.ErrUnavailable.
type flakyReceiver struct {
	*broker.MemoryBroker
	mu      sync.Mutex
	outages int
}

func (f *flakyReceiver) Receive(ctx context.Context, queue string, max int) ([]broker.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outages > 0 {
		f.outages--
		return nil, errors.Join(broker.ErrUnavailable, errors.New("database is locked"))
	}
	return f.MemoryBroker.Receive(ctx, queue, max)
}

func TestPoller_RunSurvivesUnavailableQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := &flakyReceiver{MemoryBroker: broker.NewMemory(broker.Options{}), outages: 3}
	processed := make(chan string, 1)
	handler := func(ctx context.Context, m broker.Message) error {
		processed <- string(m.Body)
		return nil
	}
	p := NewPoller(events.ExecutionQueue, source, NewRunner(events.ExecutionQueue, nil, nil), handler, observability.NewLoggerWithOptions(observability.LoggerOptions{Writer: io.Discard}), PollerOptions{PollInterval: 5 * time.Millisecond})

	_, err := source.Send(context.Background(), events.ExecutionQueue, []byte("hello"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case body := <-processed:
		require.Equal(t, "hello", body)
	case <-time.After(2 * time.Second):
		t.Fatal("message not processed after outage")
	}
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, 0, source.Len(events.ExecutionQueue))
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	queue := broker.NewMemory(broker.Options{})
	processed := make(chan string, 1)
	handler := func(ctx context.Context, m broker.Message) error {
		processed <- string(m.Body)
		return nil
	}
	p := NewPoller(events.ExecutionQueue, queue, NewRunner(events.ExecutionQueue, nil, observability.NewMetrics()), handler, nil, PollerOptions{PollInterval: 5 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	_, err := queue.Send(context.Background(), events.ExecutionQueue, []byte("hello"))
	require.NoError(t, err)
	select {
	case body := <-processed:
		require.Equal(t, "hello", body)
	case <-time.After(2 * time.Second):
		t.Fatal("message not processed")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}
