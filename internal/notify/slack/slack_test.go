package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/switchboard/internal/ticket"
)

func reviewTicket() *ticket.Triaged {
	conf := 0.42
	review := true
	return &ticket.Triaged{
		EventType:       ticket.EventTriaged,
		TicketID:        "TKT-9",
		CustomerID:      "C-9",
		TraceID:         "01JN123",
		Type:            ticket.TypeUnknown,
		Priority:        ticket.PriorityCritical,
		Reasoning:       "Unclear request.",
		TriagedAt:       "2026-02-26T14:23:00.123Z",
		OriginalSubject: "Something is off",
		Body:            "Not sure who to ask.",
		Channel:         "email",
		Confidence:      &conf,
		NeedsReview:     &review,
	}
}

func TestNotify_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	if err := n.Notify(context.Background(), reviewTicket()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, ticket, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Errorf("blocks count = %d, want 7", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "Something is off") {
		t.Errorf("header text = %q, want to contain subject", headerText)
	}
	if !strings.Contains(headerText, "\U0001f534") {
		t.Errorf("header should contain red circle for critical priority")
	}

	fields := blocks[2].(map[string]any)["fields"].([]any)
	var all []string
	for _, f := range fields {
		all = append(all, f.(map[string]any)["text"].(string))
	}
	joined := strings.Join(all, "|")
	for _, want := range []string{"*Ticket:* TKT-9", "*Type:* unknown", "*Confidence:* 0.42", "*Channel:* email"} {
		if !strings.Contains(joined, want) {
			t.Errorf("fields %q missing %q", joined, want)
		}
	}

	ctxText := blocks[6].(map[string]any)["elements"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(ctxText, "trace 01JN123") || !strings.Contains(ctxText, "2026-02-26 14:23 UTC") {
		t.Errorf("context = %q", ctxText)
	}
}

func TestNotify_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	if err := n.Notify(context.Background(), &ticket.Triaged{}); err != nil {
		t.Fatalf("Notify with empty URL should be no-op, got: %v", err)
	}
}

func TestNotify_TruncatesLongBody(t *testing.T) {
	t.Parallel()

	tr := reviewTicket()
	tr.Body = strings.Repeat("é", 4000)
	msg := buildMessage(tr)

	blocks := msg["blocks"].([]map[string]any)
	text := blocks[4]["text"].(map[string]any)["text"].(string)
	if !utf8.ValidString(text) {
		t.Fatal("truncation split a multibyte character")
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated body to end with ...")
	}
	if n := utf8.RuneCountInString(text); n > maxBodyLen+maxReasoningLen+64 {
		t.Errorf("text length = %d runes", n)
	}
}

func TestPriorityEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		priority ticket.Priority
		want     string
	}{
		{ticket.PriorityCritical, "\U0001f534"},
		{ticket.PriorityHigh, "\U0001f534"},
		{"HIGH", "\U0001f534"},
		{ticket.PriorityMedium, "\U0001f7e1"},
		{ticket.PriorityLow, "\U0001f7e2"},
		{"", "\U0001f7e2"},
	}

	for _, tt := range tests {
		t.Run(string(tt.priority), func(t *testing.T) {
			t.Parallel()
			if got := priorityEmoji(tt.priority); got != tt.want {
				t.Errorf("priorityEmoji(%q) = %q, want %q", tt.priority, got, tt.want)
			}
		})
	}
}

func TestNotify_NoConfidenceOrSubject(t *testing.T) {
	t.Parallel()

	tr := reviewTicket()
	tr.Confidence = nil
	tr.OriginalSubject = ""
	msg := buildMessage(tr)
	data, _ := json.Marshal(msg)
	if !strings.Contains(string(data), "n/a") || !strings.Contains(string(data), "(no subject)") {
		t.Errorf("message = %s", data)
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("Refund?", "critical", "Body text.", "reasoning")
	f.Add("", "", "", "")
	f.Add("<@U123> mention", "medium", "*bold* _italic_ ~strike~", "r")
	f.Add("subj\x00\x01\x02", "low\nline", "body\ttab", "re\x00son")
	f.Add(strings.Repeat("A", 5000), "high", strings.Repeat("x", 10000), strings.Repeat("y", 2000))
	f.Add("test", "low", "```code block``` and <http://example.com|link>", "r")

	f.Fuzz(func(t *testing.T, subject, priority, body, reasoning string) {
		tr := &ticket.Triaged{
			TicketID:        "fuzz-id",
			OriginalSubject: subject,
			Priority:        ticket.Priority(priority),
			Body:            body,
			Reasoning:       reasoning,
			TriagedAt:       "2026-01-01T00:00:00Z",
		}

		// Must not panic
		msg := buildMessage(tr)

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}

		blocks, ok := decoded["blocks"].([]any)
		if !ok {
			t.Fatal("expected blocks array")
		}
		if len(blocks) != 7 {
			t.Fatalf("blocks count = %d, want 7", len(blocks))
		}
	})
}

func TestNotify_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	err := n.Notify(context.Background(), reviewTicket())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}
