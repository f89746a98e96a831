package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/linnemanlabs/switchboard/internal/llm"
)

func TestToSDKParams(t *testing.T) {
	t.Parallel()

	c := New(Config{APIKey: "k", Model: llm.DefaultOpenAIModel, MaxTokens: 256})
	params := c.toSDKParams(&llm.Request{System: "sys", Prompt: "hi", Temperature: llm.Temperature(0.3)})

	if string(params.Model) != llm.DefaultOpenAIModel {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("messages len = %d, want 2", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("first message should be system")
	}
	if params.Messages[1].OfUser == nil {
		t.Error("second message should be user")
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0.3 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens.Value != 256 {
		t.Errorf("max tokens = %d", params.MaxTokens.Value)
	}
}

func TestToSDKParams_NoSystem(t *testing.T) {
	t.Parallel()

	c := New(Config{APIKey: "k", Model: "m"})
	params := c.toSDKParams(&llm.Request{Prompt: "hi"})
	if len(params.Messages) != 1 {
		t.Errorf("messages len = %d, want 1", len(params.Messages))
	}
	if params.Temperature.Valid() {
		t.Error("temperature should be unset")
	}
}

func TestFromSDKResponse_NoChoices(t *testing.T) {
	t.Parallel()

	if _, err := fromSDKResponse(&openai.ChatCompletion{}); !errors.Is(err, ErrNoChoices) {
		t.Errorf("err = %v, want ErrNoChoices", err)
	}
}

func TestComplete_RoundTrip(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "llama3.2",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "draft reply"}}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 4, "total_tokens": 24}
		}`)
	}))
	defer srv.Close()

	c := NewOllama(srv.URL, llm.DefaultOllamaModel, 0)
	if c.Name() != llm.ProviderOllama {
		t.Errorf("Name() = %q", c.Name())
	}

	resp, err := c.Complete(context.Background(), &llm.Request{System: "sys", Prompt: "body"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "draft reply" || resp.Model != "llama3.2" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.InputTokens != 20 || resp.OutputTokens != 4 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if gotBody["model"] != llm.DefaultOllamaModel {
		t.Errorf("request model = %v", gotBody["model"])
	}
}

func TestComplete_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL, Model: "m"}, option.WithMaxRetries(0))
	if _, err := c.Complete(context.Background(), &llm.Request{Prompt: "x"}); err == nil {
		t.Fatal("expected error")
	}
}
