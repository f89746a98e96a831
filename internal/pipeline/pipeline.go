// Package pipeline runs the triage and specialist stages: a sequential poll
// loop per stage that parses, processes, publishes and settles one message
// at a time.
//
// Settlement follows commit-after-processing. A message is acked only after
// its output was accepted by the broker. Inputs that can never succeed
// (malformed, invalid) are terminated. Engine, guard and publish failures are
// nak'd with a delay so the broker redelivers them, bounded by its max
// delivery setting.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/switchboard/internal/broker"
	"github.com/linnemanlabs/switchboard/internal/ticket"
)

var tracer = otel.Tracer("github.com/linnemanlabs/switchboard/internal/pipeline")

// Stage names used in logs and metric labels.
const (
	StageTriage = "triage"
)

// Reason classifies why a message was not processed.
type Reason string

const (
	ReasonConsumer       Reason = "consumer"
	ReasonMalformed      Reason = "malformed"
	ReasonValidation     Reason = "validation"
	ReasonClassification Reason = "classification"
	ReasonGeneration     Reason = "generation"
	ReasonGuard          Reason = "guard"
	ReasonPublish        Reason = "publish"
)

// Retryable reports whether a redelivery could succeed.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonClassification, ReasonGeneration, ReasonGuard, ReasonPublish:
		return true
	}
	return false
}

type failure struct {
	reason Reason
	err    error
}

func (f *failure) Error() string { return string(f.reason) + ": " + f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func fail(reason Reason, err error) error { return &failure{reason: reason, err: err} }

// errSkip marks a record of another event type. It is acked without counting.
var errSkip = errors.New("not handled by this stage")

// Hooks are optional callbacks fired by the stages.
type Hooks struct {
	OnTriaged     func(t *ticket.Triaged, topic string)
	OnResolved    func(r *ticket.Resolved)
	OnFailed      func(stage string, reason Reason)
	OnDone        func(stage string, d time.Duration)
	OnNotifyError func()
}

func (h Hooks) failed(stage string, r Reason) {
	if h.OnFailed != nil {
		h.OnFailed(stage, r)
	}
}

func (h Hooks) done(stage string, d time.Duration) {
	if h.OnDone != nil {
		h.OnDone(stage, d)
	}
}

// Options bounds the blocking calls made by a stage.
type Options struct {
	PollTimeout    time.Duration
	PublishTimeout time.Duration
	RedeliverDelay time.Duration
}

// Defaults for zero Options fields. A zero RedeliverDelay is valid and
// requests immediate redelivery.
const (
	DefaultPollTimeout    = time.Second
	DefaultPublishTimeout = 10 * time.Second
	DefaultRedeliverDelay = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = DefaultPublishTimeout
	}
	if o.RedeliverDelay < 0 {
		o.RedeliverDelay = 0
	}
	return o
}

// loop polls c until ctx is cancelled and hands each delivery to handle.
// handle runs on a context detached from ctx so shutdown lets the current
// message finish.
func loop(ctx context.Context, stage string, c broker.Consumer, pollTimeout time.Duration,
	L log.Logger, hooks Hooks, handle func(context.Context, *broker.Delivery)) error {
	L.Info(ctx, "stage started", "poll_timeout", pollTimeout)
	for {
		if ctx.Err() != nil {
			L.Info(context.Background(), "stage stopped")
			return nil
		}

		d, err := c.Poll(ctx, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, broker.ErrClosed) {
				return err
			}
			L.Error(ctx, err, "consumer error")
			hooks.failed(stage, ReasonConsumer)
			sleep(ctx, pollTimeout)
			continue
		}
		if d == nil {
			continue
		}

		handle(context.WithoutCancel(ctx), d)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// settle acks, naks or terminates d according to the processing error.
func settle(ctx context.Context, stage string, d *broker.Delivery, err error, redeliverDelay time.Duration,
	L log.Logger, hooks Hooks, span trace.Span) {
	var serr error
	var f *failure
	switch {
	case err == nil, errors.Is(err, errSkip):
		serr = d.Ack(ctx)
	case errors.As(err, &f):
		hooks.failed(stage, f.reason)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(f.reason))
		if f.reason.Retryable() {
			L.Error(ctx, err, "message failed, requesting redelivery",
				"reason", f.reason,
				"redeliver_in", redeliverDelay,
			)
			serr = d.Nak(ctx, redeliverDelay)
		} else {
			L.Error(ctx, err, "message dropped", "reason", f.reason)
			serr = d.Term(ctx)
		}
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "message failed, requesting redelivery")
		serr = d.Nak(ctx, redeliverDelay)
	}
	if serr != nil {
		L.Error(ctx, serr, "failed to settle message")
	}
}

// traceIDFor prefers the payload, then the transport header. Otherwise the id
// is derived from the message's stream position so every delivery attempt
// logs the same trace id. Deliveries without a sequence get a new ULID.
func traceIDFor(payload string, d *broker.Delivery) string {
	if payload != "" {
		return payload
	}
	if h := d.Header(broker.HeaderTraceID); h != "" {
		return h
	}
	if d.Sequence == 0 {
		return ulid.Make().String()
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s/%d/%s", d.Subject, d.Sequence, d.Key))
	var id ulid.ULID
	copy(id[:], sum[:len(id)])
	return id.String()
}

// publish marshals v and publishes it keyed by key, waiting up to timeout for the broker.
func publish(ctx context.Context, p broker.Producer, timeout time.Duration, topic, key, traceID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return p.Publish(ctx, &broker.Message{
		Subject: topic,
		Key:     key,
		Data:    data,
		Headers: map[string]string{broker.HeaderTraceID: traceID},
	})
}
