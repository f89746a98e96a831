// Package llm defines the single-turn completion interface shared by the
// classifier and the specialists.
package llm

import "context"

// Provider is the interface for any LLM backend.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
}

// Request is one system instruction plus one user message.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float64
}

// Response is the concatenated text output of a completion.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Temperature returns a pointer to v for use in Request.
func Temperature(v float64) *float64 { return &v }

// Provider names accepted by -llm-provider.
const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Default models and endpoints per provider.
const (
	DefaultClaudeModel   = "claude-3-5-haiku-20241022"
	DefaultOpenAIModel   = "gpt-4o-mini"
	DefaultOllamaModel   = "llama3.2"
	DefaultOllamaBaseURL = "http://localhost:11434/v1"
	DefaultMaxTokens     = 256
)
