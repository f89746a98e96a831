// Package openai implements llm.Provider on OpenAI-compatible chat
// completions. Ollama is served through its /v1 endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/linnemanlabs/switchboard/internal/llm"
)

// ErrNoChoices is returned when the completion carries no choices.
var ErrNoChoices = errors.New("completion returned no choices")

// Client wraps the openai-go chat completions service.
type Client struct {
	sdk       openai.Client
	name      string
	model     string
	maxTokens int
}

// Config selects the endpoint and model.
type Config struct {
	Name      string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// New creates a client. An empty BaseURL uses the public OpenAI endpoint.
func New(c Config, opts ...option.RequestOption) *Client {
	all := []option.RequestOption{option.WithAPIKey(c.APIKey)}
	if c.BaseURL != "" {
		all = append(all, option.WithBaseURL(c.BaseURL))
	}
	all = append(all, opts...)

	name := c.Name
	if name == "" {
		name = llm.ProviderOpenAI
	}
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	return &Client{
		sdk:       openai.NewClient(all...),
		name:      name,
		model:     c.Model,
		maxTokens: maxTokens,
	}
}

// NewOllama creates a client for a local Ollama server.
func NewOllama(baseURL, model string, maxTokens int) *Client {
	if baseURL == "" {
		baseURL = llm.DefaultOllamaBaseURL
	}
	// Ollama ignores the key but the SDK requires one.
	return New(Config{Name: llm.ProviderOllama, APIKey: "ollama", BaseURL: baseURL, Model: model, MaxTokens: maxTokens})
}

// Name returns the provider identifier.
func (c *Client) Name() string { return c.name }

// Complete sends a single-turn chat completion.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	resp, err := c.sdk.Chat.Completions.New(ctx, c.toSDKParams(req))
	if err != nil {
		return nil, fmt.Errorf("%s chat completion: %w", c.name, err)
	}
	return fromSDKResponse(resp)
}

func (c *Client) toSDKParams(req *llm.Request) openai.ChatCompletionNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(c.model),
		Messages:  msgs,
		MaxTokens: openai.Int(int64(maxTokens)),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	return params
}

func fromSDKResponse(resp *openai.ChatCompletion) (*llm.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}
	return &llm.Response{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}
