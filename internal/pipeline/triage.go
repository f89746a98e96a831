package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/switchboard/internal/broker"
	"github.com/linnemanlabs/switchboard/internal/classify"
	"github.com/linnemanlabs/switchboard/internal/postgres"
	"github.com/linnemanlabs/switchboard/internal/profile"
	"github.com/linnemanlabs/switchboard/internal/routing"
	"github.com/linnemanlabs/switchboard/internal/ticket"
)

// Notifier is told about tickets routed to the human review topic.
type Notifier interface {
	Notify(ctx context.Context, t *ticket.Triaged) error
}

// TriagerConfig wires a Triager. Consumer, Producer and Classifier are required.
type TriagerConfig struct {
	Consumer   broker.Consumer
	Producer   broker.Producer
	Classifier classify.Classifier
	Enricher   *profile.Enricher
	Policy     routing.Policy
	Notifier   Notifier
	Logger     log.Logger
	Hooks      Hooks
	Options    Options
}

// Triager consumes ticket.created records, classifies and routes them.
type Triager struct {
	consumer   broker.Consumer
	producer   broker.Producer
	classifier classify.Classifier
	enricher   *profile.Enricher
	policy     routing.Policy
	notifier   Notifier
	logger     log.Logger
	hooks      Hooks
	opts       Options
	now        func() time.Time
}

// NewTriager creates a Triager.
func NewTriager(c TriagerConfig) *Triager {
	if c.Consumer == nil || c.Producer == nil {
		panic(xerrors.New("triage consumer and producer are required"))
	}
	if c.Classifier == nil {
		panic(xerrors.New("triage classifier is required"))
	}
	if c.Logger == nil {
		c.Logger = log.Nop()
	}
	return &Triager{
		consumer:   c.Consumer,
		producer:   c.Producer,
		classifier: c.Classifier,
		enricher:   c.Enricher,
		policy:     c.Policy,
		notifier:   c.Notifier,
		logger:     c.Logger.With("stage", StageTriage),
		hooks:      c.Hooks,
		opts:       c.Options.withDefaults(),
		now:        time.Now,
	}
}

// Run polls until ctx is cancelled. It returns nil on cancellation and
// broker.ErrClosed if the consumer was closed underneath it.
func (t *Triager) Run(ctx context.Context) error {
	return loop(ctx, StageTriage, t.consumer, t.opts.PollTimeout, t.logger, t.hooks, t.handle)
}

func (t *Triager) handle(ctx context.Context, d *broker.Delivery) {
	start := time.Now()
	ctx = postgres.WithStage(postgres.NewQueryStatsContext(ctx), StageTriage)
	ctx, span := tracer.Start(ctx, "triage "+d.Subject,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", d.Subject),
			attribute.Int("messaging.delivery.attempt", d.Attempt),
		),
	)
	defer span.End()

	L := t.logger.With("subject", d.Subject, "sequence", d.Sequence, "attempt", d.Attempt)
	L, err := t.process(ctx, d, L, span)
	settle(ctx, StageTriage, d, err, t.opts.RedeliverDelay, L, t.hooks, span)
	if err == nil {
		t.hooks.done(StageTriage, time.Since(start))
	}
}

// process runs PARSE, ENRICH, CLASSIFY, DECIDE_ROUTE and PUBLISH for one
// delivery. It returns the logger scoped to the ticket.
func (t *Triager) process(ctx context.Context, d *broker.Delivery, L log.Logger, span trace.Span) (log.Logger, error) {
	var c ticket.Created
	if err := json.Unmarshal(d.Data, &c); err != nil {
		return L, fail(ReasonMalformed, err)
	}
	if c.EventType != ticket.EventCreated {
		return L, errSkip
	}

	traceID := traceIDFor(c.TraceID, d)
	L = L.With("trace_id", traceID, "ticket_id", c.TicketID)
	ctx = log.WithContext(ctx, L)
	span.SetAttributes(
		attribute.String("switchboard.trace_id", traceID),
		attribute.String("switchboard.ticket.id", c.TicketID),
	)

	if err := c.Validate(); err != nil {
		return L, fail(ReasonValidation, err)
	}

	// Customer profiles only come from the profile store.
	c.Customer = nil
	c = t.enricher.Enrich(ctx, c)

	cls, err := t.classifier.Classify(ctx, c.Subject, c.Body, c.Channel)
	if err != nil {
		return L, fail(ReasonClassification, err)
	}

	dec := t.policy.Decide(cls)
	tr := ticket.BuildTriaged(c, cls, traceID, dec.NeedsReview, t.now())
	span.SetAttributes(
		attribute.String("switchboard.ticket.type", string(tr.Type)),
		attribute.String("switchboard.ticket.priority", string(tr.Priority)),
		attribute.String("switchboard.route.topic", dec.Topic),
		attribute.Bool("switchboard.route.needs_review", dec.NeedsReview),
	)

	if err := publish(ctx, t.producer, t.opts.PublishTimeout, dec.Topic, tr.TicketID, traceID, &tr); err != nil {
		return L, fail(ReasonPublish, err)
	}

	if t.hooks.OnTriaged != nil {
		t.hooks.OnTriaged(&tr, dec.Topic)
	}
	kv := []any{
		"type", tr.Type,
		"priority", tr.Priority,
		"topic", dec.Topic,
		"needs_review", dec.NeedsReview,
		"enriched", tr.Customer != nil,
	}
	if cls.Confidence != nil {
		kv = append(kv, "confidence", *cls.Confidence)
	}
	if qs, ok := postgres.QueryStatsFromContext(ctx); ok && qs.QueryCount > 0 {
		kv = append(kv,
			"db_queries", qs.QueryCount,
			"db_errors", qs.ErrorCount,
			"db_duration", qs.TotalDuration,
		)
	}
	L.Info(ctx, "ticket triaged", kv...)

	if t.notifier != nil && dec.Topic == t.policy.Fallback() {
		if err := t.notifier.Notify(ctx, &tr); err != nil {
			L.Warn(ctx, "fallback notification failed", "err", err)
			if t.hooks.OnNotifyError != nil {
				t.hooks.OnNotifyError()
			}
		}
	}
	return L, nil
}
