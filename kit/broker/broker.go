package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnavailable = errors.New("broker: unavailable")
	ErrInvalid     = errors.New("broker: invalid")
)

const (
	DefaultMaxReceives       = 5
	DefaultVisibilityTimeout = 60 * time.Second
)

// Message is one delivery of a queued body. ReceiveCount starts at 1 on the
// first delivery and grows with every redelivery. Receipt names this
// delivery only; Ack and Release take receipts, not IDs.
type Message struct {
	ID           string
	Queue        string
	Body         []byte
	ReceiveCount int
	Receipt      string
	SentAt       time.Time
}

type Sender interface {
	Send(ctx context.Context, queue string, body []byte) (string, error)
}

// Receiver hands out batches with at-least-once semantics. A received
// message stays invisible until it is acked (deleted), released (visible
// again at once) or its visibility timeout lapses. A receipt from a delivery
// that was superseded by a later receive is ignored.
type Receiver interface {
	Receive(ctx context.Context, queue string, max int) ([]Message, error)
	Ack(ctx context.Context, queue string, receipts ...string) error
	Release(ctx context.Context, queue string, receipts ...string) error
}

type Queue interface {
	Sender
	Receiver
}

// DeadLetterFunc is called once for a message that exhausted MaxReceives.
type DeadLetterFunc func(ctx context.Context, msg Message, reason string)

type Options struct {
	MaxReceives       int
	VisibilityTimeout time.Duration
	OnDeadLetter      DeadLetterFunc
	Now               func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxReceives <= 0 {
		o.MaxReceives = DefaultMaxReceives
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

func (o Options) deadLetter(ctx context.Context, msg Message, reason string) {
	if o.OnDeadLetter != nil {
		o.OnDeadLetter(ctx, msg, reason)
	}
}

// SendJSON marshals v and sends it to queue.
func SendJSON(ctx context.Context, s Sender, queue string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Join(ErrInvalid, err)
	}
	return s.Send(ctx, queue, b)
}

func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

func receiptFor(id string, receiveCount int) string {
	return id + "#" + strconv.Itoa(receiveCount)
}

func parseReceipt(receipt string) (string, int, error) {
	i := strings.LastIndexByte(receipt, '#')
	if i <= 0 {
		return "", 0, errors.Join(ErrInvalid, fmt.Errorf("malformed receipt %q", receipt))
	}
	n, err := strconv.Atoi(receipt[i+1:])
	if err != nil {
		return "", 0, errors.Join(ErrInvalid, fmt.Errorf("malformed receipt %q", receipt))
	}
	return receipt[:i], n, nil
}

const reasonMaxReceives = "max receives exceeded"
