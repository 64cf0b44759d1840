package broker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"payflow/kit/db"

	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type deadLetters struct {
	mu   sync.Mutex
	msgs []Message
}

func (d *deadLetters) record(ctx context.Context, msg Message, reason string) {
	d.mu.Lock()
	d.msgs = append(d.msgs, msg)
	d.mu.Unlock()
}

func (d *deadLetters) all() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Message(nil), d.msgs...)
}

func newSQLQueue(t *testing.T, opts Options) *SQLQueue {
	t.Helper()
	client, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"), Schema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewSQL(client, opts)
}

// queues builds both implementations around the same options so every
// behaviour test runs against each.
func queues(t *testing.T, c *clock, dl *deadLetters) map[string]Queue {
	opts := Options{MaxReceives: 3, VisibilityTimeout: 30 * time.Second, Now: c.Now, OnDeadLetter: dl.record}
	return map[string]Queue{
		"memory": NewMemory(opts),
		"sql":    newSQLQueue(t, opts),
	}
}

func TestQueue_SendReceiveAck(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	for name, q := range queues(t, c, &deadLetters{}) {
		q := q
		t.Run(name, func(t *testing.T) {
			id1, err := q.Send(ctx, "payment-execution", []byte(`{"n":1}`))
			require.NoError(t, err)
			id2, err := q.Send(ctx, "payment-execution", []byte(`{"n":2}`))
			require.NoError(t, err)

			msgs, err := q.Receive(ctx, "payment-execution", 10)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			require.Equal(t, id1, msgs[0].ID)
			require.Equal(t, id2, msgs[1].ID)
			require.Equal(t, 1, msgs[0].ReceiveCount)
			require.Equal(t, "payment-execution", msgs[0].Queue)
			require.JSONEq(t, `{"n":1}`, string(msgs[0].Body))

			// leased messages stay invisible
			again, err := q.Receive(ctx, "payment-execution", 10)
			require.NoError(t, err)
			require.Empty(t, again)

			require.NotEqual(t, msgs[0].Receipt, msgs[1].Receipt)
			require.NoError(t, q.Ack(ctx, "payment-execution", msgs[0].Receipt, msgs[1].Receipt))

			c.Advance(31 * time.Second)
			gone, err := q.Receive(ctx, "payment-execution", 10)
			require.NoError(t, err)
			require.Empty(t, gone)
		})
	}
}

func TestQueue_ReceiveHonoursMax(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t, newClock(), &deadLetters{}) {
		q := q
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				_, err := q.Send(ctx, "payment-results", []byte("{}"))
				require.NoError(t, err)
			}
			msgs, err := q.Receive(ctx, "payment-results", 2)
			require.NoError(t, err)
			require.Len(t, msgs, 2)

			rest, err := q.Receive(ctx, "payment-results", 10)
			require.NoError(t, err)
			require.Len(t, rest, 3)
		})
	}
}

func TestQueue_QueuesAreIsolated(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t, newClock(), &deadLetters{}) {
		q := q
		t.Run(name, func(t *testing.T) {
			_, err := q.Send(ctx, "payment-execution", []byte("{}"))
			require.NoError(t, err)

			msgs, err := q.Receive(ctx, "payment-results", 10)
			require.NoError(t, err)
			require.Empty(t, msgs)
		})
	}
}

func TestQueue_ReleaseRedelivers(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t, newClock(), &deadLetters{}) {
		q := q
		t.Run(name, func(t *testing.T) {
			id, err := q.Send(ctx, "payment-results", []byte("{}"))
			require.NoError(t, err)

			msgs, err := q.Receive(ctx, "payment-results", 10)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			require.NoError(t, q.Release(ctx, "payment-results", msgs[0].Receipt))

			msgs, err = q.Receive(ctx, "payment-results", 10)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			require.Equal(t, id, msgs[0].ID)
			require.Equal(t, 2, msgs[0].ReceiveCount)
		})
	}
}

func TestQueue_VisibilityTimeoutRedelivers(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	for name, q := range queues(t, c, &deadLetters{}) {
		q := q
		t.Run(name, func(t *testing.T) {
			_, err := q.Send(ctx, "payment-execution", []byte("{}"))
			require.NoError(t, err)

			msgs, err := q.Receive(ctx, "payment-execution", 10)
			require.NoError(t, err)
			require.Len(t, msgs, 1)

			c.Advance(31 * time.Second)
			msgs, err = q.Receive(ctx, "payment-execution", 10)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			require.Equal(t, 2, msgs[0].ReceiveCount)
			require.NoError(t, q.Ack(ctx, "payment-execution", msgs[0].Receipt))
		})
	}
}

func TestQueue_StaleReceiptIsIgnored(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	for name, q := range queues(t, c, &deadLetters{}) {
		q := q
		t.Run(name, func(t *testing.T) {
			_, err := q.Send(ctx, "payment-execution", []byte("{}"))
			require.NoError(t, err)

			first, err := q.Receive(ctx, "payment-execution", 10)
			require.NoError(t, err)
			require.Len(t, first, 1)

			// the lease lapses and a second worker takes the message
			c.Advance(31 * time.Second)
			second, err := q.Receive(ctx, "payment-execution", 10)
			require.NoError(t, err)
			require.Len(t, second, 1)
			require.NotEqual(t, first[0].Receipt, second[0].Receipt)

			require.NoError(t, q.Ack(ctx, "payment-execution", first[0].Receipt))
			require.NoError(t, q.Release(ctx, "payment-execution", first[0].Receipt))

			// still leased by the second worker
			none, err := q.Receive(ctx, "payment-execution", 10)
			require.NoError(t, err)
			require.Empty(t, none)

			require.NoError(t, q.Release(ctx, "payment-execution", second[0].Receipt))
			again, err := q.Receive(ctx, "payment-execution", 10)
			require.NoError(t, err)
			require.Len(t, again, 1)
			require.Equal(t, 3, again[0].ReceiveCount)
		})
	}
}

func TestQueue_MalformedReceipt(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t, newClock(), &deadLetters{}) {
		q := q
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, q.Ack(ctx, "payment-execution", "no-count"), ErrInvalid)
			require.ErrorIs(t, q.Release(ctx, "payment-execution", "m1#x"), ErrInvalid)
		})
	}
}

func TestQueue_DeadLettersAfterMaxReceives(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{"memory", "sql"} {
		name := name
		t.Run(name, func(t *testing.T) {
			dl := &deadLetters{}
			q := queues(t, newClock(), dl)[name]

			id, err := q.Send(ctx, "payment-results", []byte(`{"checkout_id":"chk-1"}`))
			require.NoError(t, err)

			for i := 1; i <= 3; i++ {
				msgs, err := q.Receive(ctx, "payment-results", 10)
				require.NoError(t, err)
				require.Len(t, msgs, 1)
				require.Equal(t, i, msgs[0].ReceiveCount)
				require.NoError(t, q.Release(ctx, "payment-results", msgs[0].Receipt))
			}

			msgs, err := q.Receive(ctx, "payment-results", 10)
			require.NoError(t, err)
			require.Empty(t, msgs)

			dead := dl.all()
			require.Len(t, dead, 1)
			require.Equal(t, id, dead[0].ID)
			require.Equal(t, 3, dead[0].ReceiveCount)
			require.JSONEq(t, `{"checkout_id":"chk-1"}`, string(dead[0].Body))
		})
	}
}

func TestQueue_SendRejectsEmptyQueue(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t, newClock(), &deadLetters{}) {
		q := q
		t.Run(name, func(t *testing.T) {
			_, err := q.Send(ctx, "", []byte("{}"))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestSQLQueue_ClientErrors(t *testing.T) {
	ctx := context.Background()

	c := new(db.ClientMock)
	c.On("InTx", ctx).Return(db.ErrInternal)
	q := NewSQL(c, Options{})

	_, err := q.Receive(ctx, "payment-execution", 10)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, db.ErrInternal)

	err = q.Release(ctx, "payment-execution", "m1#1")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestSendJSON(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(Options{})

	_, err := SendJSON(ctx, b, "payment-execution", map[string]string{"checkout_id": "chk-1"})
	require.NoError(t, err)

	msgs := b.Peek("payment-execution")
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"checkout_id":"chk-1"}`, string(msgs[0].Body))
	require.Equal(t, 1, b.Len("payment-execution"))

	_, err = SendJSON(ctx, b, "payment-execution", func() {})
	require.ErrorIs(t, err, ErrInvalid)
}
