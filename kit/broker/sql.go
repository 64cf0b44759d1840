package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"payflow/kit/db"
)

// Schema creates the queue table used by SQLQueue.
const Schema = `
CREATE TABLE IF NOT EXISTS queue_messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    queue TEXT NOT NULL,
    body BLOB NOT NULL,
    receive_count INTEGER NOT NULL DEFAULT 0,
    visible_at INTEGER NOT NULL,
    sent_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queue_messages_queue_visible ON queue_messages(queue, visible_at);
`

const (
	qQueueInsert  = "INSERT INTO queue_messages (id, queue, body, receive_count, visible_at, sent_at) VALUES (?, ?, ?, 0, ?, ?)"
	qQueueDue     = "SELECT id, body, receive_count, sent_at FROM queue_messages WHERE queue = ? AND visible_at <= ? ORDER BY seq LIMIT ?"
	qQueueLease   = "UPDATE queue_messages SET receive_count = receive_count + 1, visible_at = ? WHERE id = ? AND queue = ?"
	qQueueDelete  = "DELETE FROM queue_messages WHERE id = ? AND queue = ? AND receive_count = ?"
	qQueueGet     = "SELECT id, body, receive_count, sent_at FROM queue_messages WHERE id = ? AND queue = ? AND receive_count = ?"
	qQueueRelease = "UPDATE queue_messages SET visible_at = ? WHERE id = ? AND queue = ? AND receive_count = ?"
)

// SQLQueue is a durable Queue stored in a SQL table. Several processes may
// share it through the same database file.
type SQLQueue struct {
	db   db.Client
	opts Options
}

var _ Queue = (*SQLQueue)(nil)

func NewSQL(client db.Client, opts Options) *SQLQueue {
	return &SQLQueue{db: client, opts: opts.withDefaults()}
}

func (q *SQLQueue) Send(ctx context.Context, queue string, body []byte) (string, error) {
	if queue == "" {
		return "", errors.Join(ErrInvalid, errors.New("empty queue name"))
	}
	id := uuid.NewString()
	now := q.opts.Now().UnixNano()
	if _, err := q.db.Exec(ctx, qQueueInsert, id, queue, body, now, now); err != nil {
		slog.Error("queue send error", "layer", "broker", "component", "sql_queue", "method", "Send", "queue", queue, "error", err)
		return "", errors.Join(ErrUnavailable, err)
	}
	return id, nil
}

func (q *SQLQueue) Receive(ctx context.Context, queue string, max int) ([]Message, error) {
	if max <= 0 {
		max = 10
	}
	now := q.opts.Now()

	var out, dead []Message
	err := q.db.InTx(ctx, func(tx db.Client) error {
		out, dead = nil, nil
		rows, err := tx.Query(ctx, qQueueDue, queue, now.UnixNano(), max)
		if err != nil {
			return err
		}
		var due []Message
		for rows.Next() {
			var (
				m      Message
				sentAt int64
			)
			if err := rows.Scan(&m.ID, &m.Body, &m.ReceiveCount, &sentAt); err != nil {
				_ = rows.Close()
				return errors.Join(db.ErrInternal, err)
			}
			m.Queue = queue
			m.SentAt = time.Unix(0, sentAt).UTC()
			due = append(due, m)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return errors.Join(db.ErrInternal, err)
		}
		_ = rows.Close()

		visibleAt := now.Add(q.opts.VisibilityTimeout).UnixNano()
		for _, m := range due {
			if m.ReceiveCount >= q.opts.MaxReceives {
				if _, err := tx.Exec(ctx, qQueueDelete, m.ID, queue, m.ReceiveCount); err != nil {
					return err
				}
				dead = append(dead, m)
				continue
			}
			if _, err := tx.Exec(ctx, qQueueLease, visibleAt, m.ID, queue); err != nil {
				return err
			}
			m.ReceiveCount++
			m.Receipt = receiptFor(m.ID, m.ReceiveCount)
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		slog.Error("queue receive error", "layer", "broker", "component", "sql_queue", "method", "Receive", "queue", queue, "error", err)
		return nil, errors.Join(ErrUnavailable, err)
	}

	for _, m := range dead {
		q.opts.deadLetter(ctx, m, reasonMaxReceives)
	}
	return out, nil
}

func (q *SQLQueue) Ack(ctx context.Context, queue string, receipts ...string) error {
	for _, r := range receipts {
		id, count, err := parseReceipt(r)
		if err != nil {
			return err
		}
		if _, err := q.db.Exec(ctx, qQueueDelete, id, queue, count); err != nil {
			slog.Error("queue ack error", "layer", "broker", "component", "sql_queue", "method", "Ack", "queue", queue, "message_id", id, "error", err)
			return errors.Join(ErrUnavailable, err)
		}
	}
	return nil
}

func (q *SQLQueue) Release(ctx context.Context, queue string, receipts ...string) error {
	type lease struct {
		id    string
		count int
	}
	leases := make([]lease, 0, len(receipts))
	for _, r := range receipts {
		id, count, err := parseReceipt(r)
		if err != nil {
			return err
		}
		leases = append(leases, lease{id: id, count: count})
	}

	now := q.opts.Now().UnixNano()
	var dead []Message
	err := q.db.InTx(ctx, func(tx db.Client) error {
		dead = nil
		for _, l := range leases {
			row, err := tx.QueryRow(ctx, qQueueGet, l.id, queue, l.count)
			if err != nil {
				return err
			}
			var (
				m      Message
				sentAt int64
			)
			if err := row.Scan(&m.ID, &m.Body, &m.ReceiveCount, &sentAt); err != nil {
				if db.IsNotFound(err) {
					continue
				}
				return err
			}
			m.Queue = queue
			m.SentAt = time.Unix(0, sentAt).UTC()
			if m.ReceiveCount >= q.opts.MaxReceives {
				if _, err := tx.Exec(ctx, qQueueDelete, l.id, queue, l.count); err != nil {
					return err
				}
				dead = append(dead, m)
				continue
			}
			if _, err := tx.Exec(ctx, qQueueRelease, now, l.id, queue, l.count); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("queue release error", "layer", "broker", "component", "sql_queue", "method", "Release", "queue", queue, "error", err)
		return errors.Join(ErrUnavailable, err)
	}
	for _, m := range dead {
		q.opts.deadLetter(ctx, m, reasonMaxReceives)
	}
	return nil
}
