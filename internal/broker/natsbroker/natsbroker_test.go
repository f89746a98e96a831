package natsbroker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/switchboard/internal/broker"
)

func TestToNATS(t *testing.T) {
	t.Parallel()

	m := toNATS(&broker.Message{
		Subject: "ticket.triaged.billing",
		Key:     "T-1",
		Data:    []byte("{}"),
		Headers: map[string]string{broker.HeaderTraceID: "tr-1"},
	})
	if m.Subject != "ticket.triaged.billing" {
		t.Errorf("subject = %q", m.Subject)
	}
	if got := m.Header.Get(broker.HeaderKey); got != "T-1" {
		t.Errorf("key header = %q", got)
	}
	if got := m.Header.Get(broker.HeaderTraceID); got != "tr-1" {
		t.Errorf("trace header = %q", got)
	}
}

func TestToNATS_NoKey(t *testing.T) {
	t.Parallel()

	m := toNATS(&broker.Message{Subject: "s"})
	if m.Header.Get(broker.HeaderKey) != "" {
		t.Error("empty key should not set a header")
	}
}

func TestIsBenign(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{jetstream.ErrNoMessages, true},
		{nats.ErrTimeout, true},
		{context.DeadlineExceeded, true},
		{fmt.Errorf("wrapped: %w", nats.ErrTimeout), true},
		{nats.ErrConnectionClosed, false},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		if got := isBenign(tt.err); got != tt.want {
			t.Errorf("isBenign(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	c := DefaultConfig("nats://localhost:4222")
	if c.Stream != "TICKETS" || len(c.Subjects) != 1 || c.Subjects[0] != "ticket.>" {
		t.Errorf("stream layout = %s %v", c.Stream, c.Subjects)
	}
	if c.MaxDeliver <= 0 || c.AckWait <= 0 {
		t.Errorf("delivery bounds = %d / %v", c.MaxDeliver, c.AckWait)
	}
}

// Integration: requires a JetStream-enabled server.
func TestPublishPollRoundTrip(t *testing.T) {
	url := os.Getenv("SWITCHBOARD_TEST_NATS_URL")
	if url == "" {
		t.Skip("SWITCHBOARD_TEST_NATS_URL not set, skipping integration test")
	}
	ctx := context.Background()

	cfg := DefaultConfig(url)
	cfg.Stream = fmt.Sprintf("TEST_%d", time.Now().UnixNano())
	cfg.Subjects = []string{"test.>"}
	c, err := Connect(ctx, cfg, log.Nop())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	cons, err := c.Consumer(ctx, "roundtrip-agent", "test.events")
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}

	if err := c.Publish(ctx, &broker.Message{
		Subject: "test.events",
		Key:     "T-1",
		Data:    []byte(`{"ticket_id":"T-1"}`),
		Headers: map[string]string{broker.HeaderTraceID: "tr-1"},
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	d, err := cons.Poll(ctx, 2*time.Second)
	if err != nil || d == nil {
		t.Fatalf("Poll = %v, %v", d, err)
	}
	if d.Key != "T-1" || d.Header(broker.HeaderTraceID) != "tr-1" || d.Attempt != 1 {
		t.Errorf("delivery = %+v attempt %d", d.Message, d.Attempt)
	}
	if err := d.Nak(ctx, 0); err != nil {
		t.Fatalf("Nak: %v", err)
	}

	d, err = cons.Poll(ctx, 2*time.Second)
	if err != nil || d == nil {
		t.Fatalf("redelivery Poll = %v, %v", d, err)
	}
	if d.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", d.Attempt)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	d, err = cons.Poll(ctx, 200*time.Millisecond)
	if err != nil || d != nil {
		t.Errorf("Poll on empty = %v, %v", d, err)
	}
}
