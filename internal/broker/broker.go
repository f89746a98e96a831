// Package broker defines the message transport used between pipeline stages.
package broker

import (
	"context"
	"errors"
	"time"
)

// Header names carried on every message.
const (
	HeaderKey     = "Key"
	HeaderTraceID = "trace_id"
)

// ErrClosed is returned by operations on a closed consumer or producer.
var ErrClosed = errors.New("broker closed")

// Message is one record on a subject. Key is the partitioning key (the ticket id).
type Message struct {
	Subject string
	Key     string
	Data    []byte
	Headers map[string]string
}

// Header returns the named header or "".
func (m *Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// Acker settles a delivery with the transport.
type Acker interface {
	Ack(ctx context.Context) error
	Nak(ctx context.Context, delay time.Duration) error
	Term(ctx context.Context) error
}

// Delivery is a received message awaiting settlement. Exactly one of Ack,
// Nak or Term should be called.
type Delivery struct {
	Message
	Sequence uint64
	Attempt  int
	acker    Acker
}

// NewDelivery wraps a message with the transport's acker.
func NewDelivery(msg Message, seq uint64, attempt int, acker Acker) *Delivery {
	return &Delivery{Message: msg, Sequence: seq, Attempt: attempt, acker: acker}
}

// Ack marks the delivery processed.
func (d *Delivery) Ack(ctx context.Context) error { return d.acker.Ack(ctx) }

// Nak asks for redelivery after delay.
func (d *Delivery) Nak(ctx context.Context, delay time.Duration) error {
	return d.acker.Nak(ctx, delay)
}

// Term drops the delivery without redelivery.
func (d *Delivery) Term(ctx context.Context) error { return d.acker.Term(ctx) }

// Consumer pulls deliveries for one stage.
type Consumer interface {
	// Poll waits up to timeout for the next delivery. It returns (nil, nil)
	// when nothing arrived in time.
	Poll(ctx context.Context, timeout time.Duration) (*Delivery, error)
	Close() error
}

// Producer publishes messages and waits for the transport to accept them.
type Producer interface {
	Publish(ctx context.Context, msg *Message) error
}
