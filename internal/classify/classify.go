// Package classify turns ticket text into a normalized classification using
// an LLM provider.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/switchboard/internal/llm"
	"github.com/linnemanlabs/switchboard/internal/ticket"
)

// DefaultTimeout bounds a single engine call.
const DefaultTimeout = 30 * time.Second

// ErrEngine wraps provider failures. Callers treat it as retryable.
var ErrEngine = errors.New("classification engine failed")

// Classifier is implemented by Adapter and Static.
type Classifier interface {
	Classify(ctx context.Context, subject, body, channel string) (ticket.Classification, error)
}

// Hooks are optional callbacks fired around engine calls.
type Hooks struct {
	OnEngineCall func(provider string, duration time.Duration, err error)
}

// Adapter classifies tickets through an llm.Provider.
type Adapter struct {
	provider llm.Provider
	timeout  time.Duration
	logger   log.Logger
	hooks    Hooks
}

// New creates an Adapter. A non-positive timeout uses DefaultTimeout.
func New(provider llm.Provider, timeout time.Duration, logger log.Logger, hooks Hooks) *Adapter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Adapter{
		provider: provider,
		timeout:  timeout,
		logger:   logger,
		hooks:    hooks,
	}
}

var systemPrompt = buildSystemPrompt()

func buildSystemPrompt() string {
	types := make([]string, len(ticket.KnownTypes))
	for i, t := range ticket.KnownTypes {
		types[i] = fmt.Sprintf("%q", t)
	}
	prios := make([]string, len(ticket.Priorities))
	for i, p := range ticket.Priorities {
		prios[i] = fmt.Sprintf("%q", p)
	}

	var b strings.Builder
	b.WriteString("You are a support ticket triage agent. For each ticket, output:\n")
	fmt.Fprintf(&b, "1. type: one of [%s]. The category used to route the ticket to a specialist.\n", strings.Join(types, ", "))
	fmt.Fprintf(&b, "2. priority: one of [%s]. How urgent the ticket is.\n", strings.Join(prios, ", "))
	b.WriteString("3. reasoning: one short sentence explaining your classification.\n")
	b.WriteString("4. confidence: a number from 0.0 to 1.0 for how sure you are (1.0 = very sure, 0.5 = uncertain).\n\n")
	b.WriteString(`Respond with valid JSON only, no markdown: {"type": "<type>", "priority": "<priority>", "reasoning": "<reasoning>", "confidence": <number>}`)
	return b.String()
}

// SystemPrompt returns the fixed instruction sent with every request.
func SystemPrompt() string { return systemPrompt }

// UserMessage renders the per-ticket prompt.
func UserMessage(subject, body, channel string) string {
	return fmt.Sprintf("Subject: %s\nChannel: %s\nBody:\n%s", subject, channel, body)
}

// Classify calls the engine and normalizes its output. Only provider failures
// are returned as errors; malformed output is normalized to an unknown type.
func (a *Adapter) Classify(ctx context.Context, subject, body, channel string) (ticket.Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	resp, err := a.provider.Complete(ctx, &llm.Request{
		System:      systemPrompt,
		Prompt:      UserMessage(subject, body, channel),
		MaxTokens:   llm.DefaultMaxTokens,
		Temperature: llm.Temperature(0.2),
	})
	if a.hooks.OnEngineCall != nil {
		a.hooks.OnEngineCall(a.provider.Name(), time.Since(start), err)
	}
	if err != nil {
		return ticket.Classification{}, fmt.Errorf("%w: %w", ErrEngine, err)
	}

	cls, perr := Parse(resp.Text)
	if perr != nil {
		a.logger.Warn(ctx, "unparsable classifier output, routing to human queue",
			"provider", a.provider.Name(),
			"err", perr,
		)
	} else if cls.Type == ticket.TypeUnknown {
		a.logger.Warn(ctx, "classifier returned unknown type, routing to human queue",
			"provider", a.provider.Name(),
			"raw", resp.Text,
		)
	}
	return cls, nil
}

// Static returns a fixed classification without calling an engine.
type Static struct {
	Result ticket.Classification
}

// Mock returns the deterministic classification used for offline runs.
func Mock() *Static {
	conf := 1.0
	return &Static{Result: ticket.Classification{
		Type:       ticket.TypeBilling,
		Priority:   ticket.PriorityHigh,
		Reasoning:  "Mock classification for e2e/CI.",
		Confidence: &conf,
	}}
}

// Classify returns a copy of s.Result.
func (s *Static) Classify(context.Context, string, string, string) (ticket.Classification, error) {
	out := s.Result
	if s.Result.Confidence != nil {
		v := *s.Result.Confidence
		out.Confidence = &v
	}
	return out, nil
}
