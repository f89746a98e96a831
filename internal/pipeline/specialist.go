package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/switchboard/internal/broker"
	"github.com/linnemanlabs/switchboard/internal/guard"
	"github.com/linnemanlabs/switchboard/internal/routing"
	"github.com/linnemanlabs/switchboard/internal/specialist"
	"github.com/linnemanlabs/switchboard/internal/ticket"
)

// SpecialistConfig wires a Specialist. Name, Consumer, Producer and
// Generator are required.
type SpecialistConfig struct {
	Name      string
	Consumer  broker.Consumer
	Producer  broker.Producer
	Generator specialist.Generator

	// Policies applied to every draft; nil means guard.DefaultPolicies.
	Policies []guard.Policy

	// Topic for resolved records; empty means routing.TopicResolved.
	ResolvedTopic string

	Logger  log.Logger
	Hooks   Hooks
	Options Options
}

// Specialist consumes ticket.triaged records from one topic, drafts a
// response, guards it and publishes a ticket.resolved record.
type Specialist struct {
	name      string
	consumer  broker.Consumer
	producer  broker.Producer
	generator specialist.Generator
	policies  []guard.Policy
	topic     string
	logger    log.Logger
	hooks     Hooks
	opts      Options
	now       func() time.Time
}

// NewSpecialist creates a Specialist.
func NewSpecialist(c SpecialistConfig) *Specialist {
	if c.Name == "" {
		panic(xerrors.New("specialist name is required"))
	}
	if c.Consumer == nil || c.Producer == nil {
		panic(xerrors.New("specialist consumer and producer are required"))
	}
	if c.Generator == nil {
		panic(xerrors.New("specialist generator is required"))
	}
	if c.Logger == nil {
		c.Logger = log.Nop()
	}
	if c.Policies == nil {
		c.Policies = guard.DefaultPolicies
	}
	if c.ResolvedTopic == "" {
		c.ResolvedTopic = routing.TopicResolved
	}
	return &Specialist{
		name:      c.Name,
		consumer:  c.Consumer,
		producer:  c.Producer,
		generator: c.Generator,
		policies:  c.Policies,
		topic:     c.ResolvedTopic,
		logger:    c.Logger.With("stage", c.Name),
		hooks:     c.Hooks,
		opts:      c.Options.withDefaults(),
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled.
func (s *Specialist) Run(ctx context.Context) error {
	return loop(ctx, s.name, s.consumer, s.opts.PollTimeout, s.logger, s.hooks, s.handle)
}

func (s *Specialist) handle(ctx context.Context, d *broker.Delivery) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, s.name+" "+d.Subject,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", d.Subject),
			attribute.Int("messaging.delivery.attempt", d.Attempt),
			attribute.String("switchboard.specialist", s.name),
		),
	)
	defer span.End()

	L := s.logger.With("subject", d.Subject, "sequence", d.Sequence, "attempt", d.Attempt)
	L, err := s.process(ctx, d, L, span)
	settle(ctx, s.name, d, err, s.opts.RedeliverDelay, L, s.hooks, span)
	if err == nil {
		s.hooks.done(s.name, time.Since(start))
	}
}

func (s *Specialist) process(ctx context.Context, d *broker.Delivery, L log.Logger, span trace.Span) (log.Logger, error) {
	var t ticket.Triaged
	if err := json.Unmarshal(d.Data, &t); err != nil {
		return L, fail(ReasonMalformed, err)
	}
	if t.EventType != ticket.EventTriaged {
		return L, errSkip
	}

	traceID := traceIDFor(t.TraceID, d)
	L = L.With("trace_id", traceID, "ticket_id", t.TicketID)
	ctx = log.WithContext(ctx, L)
	span.SetAttributes(
		attribute.String("switchboard.trace_id", traceID),
		attribute.String("switchboard.ticket.id", t.TicketID),
	)

	if err := t.Validate(); err != nil {
		return L, fail(ReasonValidation, err)
	}

	draft, err := s.generator.Generate(ctx, specialist.Request{
		TicketID:  t.TicketID,
		Subject:   t.SubjectLine(),
		Body:      t.Body,
		Reasoning: t.Reasoning,
	})
	if err != nil {
		return L, fail(ReasonGeneration, err)
	}

	response, err := guard.Check(draft, s.policies...)
	if err != nil {
		return L, fail(ReasonGuard, err)
	}

	r := ticket.BuildResolved(t, s.name, traceID, response, s.now())
	if err := publish(ctx, s.producer, s.opts.PublishTimeout, s.topic, r.TicketID, traceID, &r); err != nil {
		return L, fail(ReasonPublish, err)
	}

	if s.hooks.OnResolved != nil {
		s.hooks.OnResolved(&r)
	}
	L.Info(ctx, "ticket resolved",
		"triage_type", r.TriageType,
		"response_len", len(r.Response),
		"truncated", wasTruncated(draft, response),
	)
	return L, nil
}

// wasTruncated reports whether the guard cut draft down to fit, ignoring
// the whitespace it trims.
func wasTruncated(draft, response string) bool {
	return response != strings.TrimSpace(draft)
}
