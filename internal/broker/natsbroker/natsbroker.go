// Package natsbroker implements the broker interfaces on NATS JetStream.
package natsbroker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/switchboard/internal/broker"
)

// Config holds connection, stream and consumer settings.
type Config struct {
	URL           string
	Name          string
	Stream        string
	Subjects      []string
	MaxAge        time.Duration
	AckWait       time.Duration
	MaxDeliver    int
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultConfig returns the stream layout used by every stage.
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		Name:          "switchboard",
		Stream:        "TICKETS",
		Subjects:      []string{"ticket.>"},
		MaxAge:        7 * 24 * time.Hour,
		AckWait:       2 * time.Minute,
		MaxDeliver:    5,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Client owns the NATS connection and the JetStream context.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	cfg    Config
	logger log.Logger
}

// Connect dials NATS and creates or updates the stream.
func Connect(ctx context.Context, cfg Config, logger log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Nop()
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", "url", c.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create/update stream %s: %w", cfg.Stream, err)
	}

	return &Client{conn: conn, js: js, cfg: cfg, logger: logger}, nil
}

// Close drains the connection.
func (c *Client) Close() error {
	return c.conn.Drain()
}

// IsConnected reports connection state for readiness checks.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Publish sends msg and waits for the stream to persist it.
func (c *Client) Publish(ctx context.Context, msg *broker.Message) error {
	if _, err := c.js.PublishMsg(ctx, toNATS(msg)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Consumer creates or updates the durable pull consumer name filtered to
// subject. MaxAckPending is 1 so each consumer group processes sequentially.
func (c *Client) Consumer(ctx context.Context, name, subject string) (*Consumer, error) {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
		MaxAckPending: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update consumer %s: %w", name, err)
	}
	return &Consumer{cons: cons}, nil
}

// Consumer pulls one message at a time from a durable consumer.
type Consumer struct {
	cons jetstream.Consumer
}

// Poll implements broker.Consumer.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) (*broker.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, err := c.cons.Fetch(1, jetstream.FetchMaxWait(timeout))
	if err != nil {
		if isBenign(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch: %w", err)
	}

	for m := range batch.Messages() {
		return fromNATS(m), nil
	}
	if err := batch.Error(); err != nil && !isBenign(err) {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return nil, nil
}

// Close is a no-op; the durable consumer outlives the process.
func (c *Consumer) Close() error { return nil }

func isBenign(err error) bool {
	return errors.Is(err, jetstream.ErrNoMessages) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

func toNATS(msg *broker.Message) *nats.Msg {
	m := nats.NewMsg(msg.Subject)
	m.Data = msg.Data
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	if msg.Key != "" {
		m.Header.Set(broker.HeaderKey, msg.Key)
	}
	return m
}

func fromNATS(m jetstream.Msg) *broker.Delivery {
	msg := broker.Message{
		Subject: m.Subject(),
		Data:    m.Data(),
	}
	if h := m.Headers(); len(h) > 0 {
		msg.Headers = make(map[string]string, len(h))
		for k := range h {
			msg.Headers[k] = h.Get(k)
		}
		msg.Key = h.Get(broker.HeaderKey)
	}

	var seq uint64
	attempt := 1
	if md, err := m.Metadata(); err == nil {
		seq = md.Sequence.Stream
		attempt = int(md.NumDelivered)
	}
	return broker.NewDelivery(msg, seq, attempt, acker{m: m})
}

type acker struct {
	m jetstream.Msg
}

func (a acker) Ack(ctx context.Context) error { return a.m.DoubleAck(ctx) }

func (a acker) Nak(_ context.Context, delay time.Duration) error {
	if delay <= 0 {
		return a.m.Nak()
	}
	return a.m.NakWithDelay(delay)
}

func (a acker) Term(context.Context) error { return a.m.Term() }
