package broker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	msg       Message
	seq       uint64
	visibleAt time.Time
}

// MemoryBroker is an in-process Queue with the same delivery semantics as
// the SQL queue. It is used by tests and single-process runs.
type MemoryBroker struct {
	mu     sync.Mutex
	opts   Options
	seq    uint64
	queues map[string]map[string]*memoryEntry
}

var _ Queue = (*MemoryBroker)(nil)

func NewMemory(opts Options) *MemoryBroker {
	return &MemoryBroker{opts: opts.withDefaults(), queues: make(map[string]map[string]*memoryEntry)}
}

func (b *MemoryBroker) Send(ctx context.Context, queue string, body []byte) (string, error) {
	if queue == "" {
		return "", errors.Join(ErrInvalid, errors.New("empty queue name"))
	}
	now := b.opts.Now()
	msg := Message{ID: uuid.NewString(), Queue: queue, Body: append([]byte(nil), body...), SentAt: now}

	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		q = make(map[string]*memoryEntry)
		b.queues[queue] = q
	}
	b.seq++
	q[msg.ID] = &memoryEntry{msg: msg, seq: b.seq, visibleAt: now}
	return msg.ID, nil
}

func (b *MemoryBroker) Receive(ctx context.Context, queue string, max int) ([]Message, error) {
	if max <= 0 {
		max = 10
	}
	now := b.opts.Now()

	b.mu.Lock()
	var due []*memoryEntry
	for _, e := range b.queues[queue] {
		if !e.visibleAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })

	var out, dead []Message
	for _, e := range due {
		if len(out) == max {
			break
		}
		if e.msg.ReceiveCount >= b.opts.MaxReceives {
			delete(b.queues[queue], e.msg.ID)
			dead = append(dead, e.msg)
			continue
		}
		e.msg.ReceiveCount++
		e.msg.Receipt = receiptFor(e.msg.ID, e.msg.ReceiveCount)
		e.visibleAt = now.Add(b.opts.VisibilityTimeout)
		out = append(out, copyMessage(e.msg))
	}
	b.mu.Unlock()

	for _, m := range dead {
		b.opts.deadLetter(ctx, m, reasonMaxReceives)
	}
	return out, nil
}

func (b *MemoryBroker) Ack(ctx context.Context, queue string, receipts ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range receipts {
		e, err := b.held(queue, r)
		if err != nil {
			return err
		}
		if e != nil {
			delete(b.queues[queue], e.msg.ID)
		}
	}
	return nil
}

func (b *MemoryBroker) Release(ctx context.Context, queue string, receipts ...string) error {
	now := b.opts.Now()

	b.mu.Lock()
	var dead []Message
	for _, r := range receipts {
		e, err := b.held(queue, r)
		if err != nil {
			b.mu.Unlock()
			return err
		}
		if e == nil {
			continue
		}
		if e.msg.ReceiveCount >= b.opts.MaxReceives {
			delete(b.queues[queue], e.msg.ID)
			dead = append(dead, e.msg)
			continue
		}
		e.visibleAt = now
	}
	b.mu.Unlock()

	for _, m := range dead {
		b.opts.deadLetter(ctx, m, reasonMaxReceives)
	}
	return nil
}

// held returns the entry still leased under receipt, or nil when the
// message is gone or was received again since. Callers hold b.mu.
func (b *MemoryBroker) held(queue, receipt string) (*memoryEntry, error) {
	id, count, err := parseReceipt(receipt)
	if err != nil {
		return nil, err
	}
	e, ok := b.queues[queue][id]
	if !ok || e.msg.ReceiveCount != count {
		return nil, nil
	}
	return e, nil
}

// Len reports the messages still held for queue, visible or not.
func (b *MemoryBroker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// Peek returns a copy of every message held for queue, oldest first,
// without changing visibility.
func (b *MemoryBroker) Peek(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := make([]*memoryEntry, 0, len(b.queues[queue]))
	for _, e := range b.queues[queue] {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, copyMessage(e.msg))
	}
	return out
}

func copyMessage(m Message) Message {
	m.Body = append([]byte(nil), m.Body...)
	return m
}
