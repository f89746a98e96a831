package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/switchboard/internal/llm"
)

// Client implements llm.Provider on the Anthropic Messages API.
type Client struct {
	sdk       anthropic.Client
	model     string
	maxTokens int
}

// New creates a Claude client for the given API key and model. Extra request
// options are appended after the key, which lets tests point it at a local server.
func New(apiKey, model string, maxTokens int, opts ...option.RequestOption) *Client {
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		sdk:       anthropic.NewClient(all...),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return llm.ProviderClaude }

// Complete sends a single-turn request and returns the concatenated text blocks.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	msg, err := c.sdk.Messages.New(ctx, c.toSDKParams(req))
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}
	return fromSDKResponse(msg), nil
}

func (c *Client) toSDKParams(req *llm.Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}

func fromSDKResponse(msg *anthropic.Message) *llm.Response {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &llm.Response{
		Text:         sb.String(),
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
}
