// Package specialist holds the per-category response strategies used by the
// specialist stages.
package specialist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/switchboard/internal/llm"
	"github.com/linnemanlabs/switchboard/internal/ticket"
)

// DefaultTimeout bounds a single generation call.
const DefaultTimeout = 30 * time.Second

// MaxTokens caps a drafted response.
const MaxTokens = 512

var (
	// ErrEngine wraps provider failures.
	ErrEngine = errors.New("generation engine failed")

	// ErrEmptyResponse is returned when the engine produced no text.
	ErrEmptyResponse = errors.New("empty response")
)

// Profile describes one specialist stage.
type Profile struct {
	Name         string
	Type         ticket.Type
	SystemPrompt string
	MockResponse string
}

// Topic returns the triaged topic the specialist consumes by default.
func (p Profile) Topic() string { return "ticket.triaged." + string(p.Type) }

// ConsumerName is the durable consumer group for the specialist.
func (p Profile) ConsumerName() string { return p.Name + "-agent" }

var profiles = map[string]Profile{
	"billing": {
		Name: "billing",
		Type: ticket.TypeBilling,
		SystemPrompt: "You are a billing support specialist. Given a billing ticket, write a brief, " +
			"empathetic draft response (2-4 sentences). Acknowledge the concern, explain that the " +
			"billing team will review the account and any charges in question, and describe the next step. " +
			"Do not promise refunds or amounts. Output the response text only, no JSON.",
		MockResponse: "Thank you for contacting us about your billing concern. We have forwarded your " +
			"ticket to our billing team, who will review the charges on your account. " +
			"You will receive an update on this ticket once the review is complete.",
	},
	"technical": {
		Name: "technical",
		Type: ticket.TypeTechnical,
		SystemPrompt: "You are a technical support specialist. Given a technical ticket, write a brief, " +
			"empathetic draft response (2-4 sentences). Acknowledge the problem, suggest one or two safe " +
			"first troubleshooting steps if they are obvious, and say that an engineer will follow up. " +
			"Do not ask for passwords or payment details. Output the response text only, no JSON.",
		MockResponse: "Thank you for reporting this issue. Our technical team is looking into it. " +
			"In the meantime, please try signing out and back in, and let us know if the problem persists. " +
			"An engineer will follow up on this ticket.",
	},
	"feature": {
		Name: "feature",
		Type: ticket.TypeFeatureRequest,
		SystemPrompt: "You are a product feedback specialist. Given a feature request ticket, write a brief, " +
			"empathetic draft response (2-4 sentences). Thank the customer for the suggestion, acknowledge " +
			"its value, and mention that the product team will review it. Do not promise timelines. " +
			"Output the response text only, no JSON.",
		MockResponse: "Thank you for your feature request. We appreciate you taking the time to share this " +
			"with us. Our product team will review your suggestion and consider it for future releases. " +
			"We'll keep you updated via this ticket.",
	},
	"account": {
		Name: "account",
		Type: ticket.TypeAccount,
		SystemPrompt: "You are an account support specialist. Given an account ticket (access, profile, " +
			"plan or security settings), write a brief, empathetic draft response (2-4 sentences). " +
			"Acknowledge the request and explain that the account team will verify ownership before making " +
			"changes. Never ask for passwords. Output the response text only, no JSON.",
		MockResponse: "Thank you for reaching out about your account. For your security, our account team " +
			"will verify ownership before making any changes. We will follow up on this ticket shortly.",
	},
	"other": {
		Name: "other",
		Type: ticket.TypeOther,
		SystemPrompt: "You are a general customer support specialist. Given a support ticket that does not " +
			"fit billing, technical, feature or account categories, write a brief, empathetic draft response " +
			"(2-4 sentences) acknowledging the message and explaining that the right team will follow up. " +
			"Output the response text only, no JSON.",
		MockResponse: "Thank you for contacting support. We have received your message and will route it " +
			"to the right team. Someone will follow up on this ticket soon.",
	},
}

// Lookup returns the named specialist profile.
func Lookup(name string) (Profile, bool) {
	p, ok := profiles[name]
	return p, ok
}

// Names returns every specialist name, sorted.
func Names() []string {
	out := make([]string, 0, len(profiles))
	for name := range profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Request is the input to a Generator.
type Request struct {
	TicketID  string
	Subject   string
	Body      string
	Reasoning string
}

// Generator drafts a customer-facing response for one ticket.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// UserMessage renders the per-ticket prompt.
func UserMessage(req Request) string {
	return fmt.Sprintf("Ticket: %s\nSubject: %s\nTriage reasoning: %s\nBody:\n%s",
		req.TicketID, req.Subject, req.Reasoning, req.Body)
}

// Hooks are optional callbacks fired around engine calls.
type Hooks struct {
	OnEngineCall func(provider string, duration time.Duration, err error)
}

// LLMGenerator drafts responses through an llm.Provider using a profile's prompt.
type LLMGenerator struct {
	profile  Profile
	provider llm.Provider
	timeout  time.Duration
	logger   log.Logger
	hooks    Hooks
}

// NewLLM creates an LLMGenerator. A non-positive timeout uses DefaultTimeout.
func NewLLM(p Profile, provider llm.Provider, timeout time.Duration, logger log.Logger, hooks Hooks) *LLMGenerator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &LLMGenerator{
		profile:  p,
		provider: provider,
		timeout:  timeout,
		logger:   logger.With("specialist", p.Name),
		hooks:    hooks,
	}
}

// Generate implements Generator.
func (g *LLMGenerator) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.provider.Complete(ctx, &llm.Request{
		System:      g.profile.SystemPrompt,
		Prompt:      UserMessage(req),
		MaxTokens:   MaxTokens,
		Temperature: llm.Temperature(0.3),
	})
	if g.hooks.OnEngineCall != nil {
		g.hooks.OnEngineCall(g.provider.Name(), time.Since(start), err)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEngine, err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Static returns a fixed response without calling an engine.
type Static struct {
	Text string
}

// Mock returns the profile's deterministic offline response.
func Mock(p Profile) *Static {
	return &Static{Text: p.MockResponse}
}

// Generate implements Generator.
func (s *Static) Generate(context.Context, Request) (string, error) {
	if s.Text == "" {
		return "", ErrEmptyResponse
	}
	return s.Text, nil
}
