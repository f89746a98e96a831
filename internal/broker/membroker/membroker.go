// Package membroker is an in-process broker with durable-consumer semantics.
// Used by tests and -broker=memory.
package membroker

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/linnemanlabs/switchboard/internal/broker"
)

// Outcome records how a delivery was settled.
type Outcome string

const (
	OutcomeAck  Outcome = "ack"
	OutcomeNak  Outcome = "nak"
	OutcomeTerm Outcome = "term"
)

// Settlement is one recorded Ack, Nak or Term.
type Settlement struct {
	Consumer string
	Subject  string
	Key      string
	Sequence uint64
	Attempt  int
	Outcome  Outcome
}

// Broker holds every published message and per-consumer progress.
type Broker struct {
	mu          sync.Mutex
	changed     chan struct{}
	log         []broker.Message
	consumers   map[string]*Consumer
	settlements []Settlement
	publishErr  error
	maxDeliver  int
}

// New creates an empty Broker. maxDeliver bounds redeliveries per message;
// zero means unlimited.
func New(maxDeliver int) *Broker {
	return &Broker{
		changed:    make(chan struct{}),
		consumers:  make(map[string]*Consumer),
		maxDeliver: maxDeliver,
	}
}

type pending struct {
	seq     uint64
	msg     broker.Message
	attempt int
	readyAt time.Time
}

// Consumer is a durable consumer on one subject. At most one delivery is
// in flight at a time.
type Consumer struct {
	b        *Broker
	name     string
	subject  string
	queue    []*pending
	inFlight *pending
	closed   bool
}

// broadcast wakes pollers. Caller holds b.mu.
func (b *Broker) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Publish appends msg to the log and to every consumer on its subject.
func (b *Broker) Publish(ctx context.Context, msg *broker.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}

	m := cloneMessage(msg)
	b.log = append(b.log, m)
	seq := uint64(len(b.log))
	for _, c := range b.consumers {
		if c.subject == m.Subject {
			c.queue = append(c.queue, &pending{seq: seq, msg: m})
		}
	}
	b.broadcast()
	return nil
}

// Consumer returns the durable consumer name on subject, creating it on first
// use or reopening it after Close. A new consumer starts from the beginning
// of the subject.
func (b *Broker) Consumer(name, subject string) *Consumer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.consumers[name]; ok {
		c.closed = false
		return c
	}
	c := &Consumer{b: b, name: name, subject: subject}
	for i, m := range b.log {
		if m.Subject == subject {
			c.queue = append(c.queue, &pending{seq: uint64(i + 1), msg: m})
		}
	}
	b.consumers[name] = c
	return c
}

// FailPublish makes every subsequent Publish return err. nil restores normal operation.
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Messages returns copies of every message published to subject, in order.
func (b *Broker) Messages(subject string) []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broker.Message
	for _, m := range b.log {
		if m.Subject == subject {
			out = append(out, cloneMessage(&m))
		}
	}
	return out
}

// Settlements returns the settlement history.
func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Settlement(nil), b.settlements...)
}

// Poll implements broker.Consumer.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) (*broker.Delivery, error) {
	deadline := time.Now().Add(timeout)
	b := c.b

	for {
		b.mu.Lock()
		if c.closed {
			b.mu.Unlock()
			return nil, broker.ErrClosed
		}
		now := time.Now()
		var wake time.Time
		if c.inFlight == nil {
			for i, p := range c.queue {
				if !p.readyAt.After(now) {
					c.queue = append(c.queue[:i], c.queue[i+1:]...)
					p.attempt++
					c.inFlight = p
					d := broker.NewDelivery(cloneMessage(&p.msg), p.seq, p.attempt, &acker{c: c, p: p})
					b.mu.Unlock()
					return d, nil
				}
				if wake.IsZero() || p.readyAt.Before(wake) {
					wake = p.readyAt
				}
			}
		}
		changed := b.changed
		b.mu.Unlock()

		if !now.Before(deadline) {
			return nil, nil
		}
		if wake.IsZero() || wake.After(deadline) {
			wake = deadline
		}
		timer := time.NewTimer(time.Until(wake))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Close stops the consumer. An unsettled delivery goes back to the head of
// the queue, and reopening the consumer by name resumes where it stopped.
func (c *Consumer) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.closed = true
	if c.inFlight != nil {
		c.queue = append([]*pending{c.inFlight}, c.queue...)
		c.inFlight = nil
	}
	c.b.broadcast()
	return nil
}

type acker struct {
	c    *Consumer
	p    *pending
	done bool
}

func (a *acker) settle(o Outcome, requeueAfter time.Duration) error {
	b := a.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if a.done {
		return nil
	}
	a.done = true
	b.settlements = append(b.settlements, Settlement{
		Consumer: a.c.name,
		Subject:  a.p.msg.Subject,
		Key:      a.p.msg.Key,
		Sequence: a.p.seq,
		Attempt:  a.p.attempt,
		Outcome:  o,
	})
	// A delivery returned to the queue by Close is no longer ours to requeue.
	if a.c.inFlight != a.p {
		return nil
	}
	a.c.inFlight = nil
	if o == OutcomeNak && (b.maxDeliver <= 0 || a.p.attempt < b.maxDeliver) {
		a.p.readyAt = time.Now().Add(requeueAfter)
		a.c.queue = append([]*pending{a.p}, a.c.queue...)
	}
	b.broadcast()
	return nil
}

func (a *acker) Ack(context.Context) error { return a.settle(OutcomeAck, 0) }

func (a *acker) Nak(_ context.Context, delay time.Duration) error {
	return a.settle(OutcomeNak, delay)
}

func (a *acker) Term(context.Context) error { return a.settle(OutcomeTerm, 0) }

func cloneMessage(m *broker.Message) broker.Message {
	out := broker.Message{Subject: m.Subject, Key: m.Key, Headers: maps.Clone(m.Headers)}
	if m.Data != nil {
		out.Data = append([]byte(nil), m.Data...)
	}
	return out
}
