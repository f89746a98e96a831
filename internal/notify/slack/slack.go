// Package slack posts human review notices to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/switchboard/internal/ticket"
)

const (
	maxBodyLen      = 1500
	maxReasoningLen = 500
	httpTimeout     = 10 * time.Second
)

// Notifier sends triaged tickets that need review to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Notify posts the triaged ticket to the configured Slack webhook.
func (n *Notifier) Notify(ctx context.Context, t *ticket.Triaged) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(t))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "review notice sent", "ticket_id", t.TicketID)
	return nil
}

func buildMessage(t *ticket.Triaged) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(t),
			{"type": "divider"},
			fieldsBlock(t),
			{"type": "divider"},
			ticketBlock(t),
			{"type": "divider"},
			contextBlock(t),
		},
	}
}

func headerBlock(t *ticket.Triaged) map[string]any {
	subject := t.SubjectLine()
	if subject == "" {
		subject = "(no subject)"
	}
	text := fmt.Sprintf("%s Needs review: %s", priorityEmoji(t.Priority), truncate(subject, 120))

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(t *ticket.Triaged) map[string]any {
	confidence := "n/a"
	if t.Confidence != nil {
		confidence = fmt.Sprintf("%.2f", *t.Confidence)
	}

	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Ticket:* %s", t.TicketID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Customer:* %s", t.CustomerID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Type:* %s", t.Type),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Priority:* %s", t.Priority),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Confidence:* %s", confidence),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Channel:* %s", t.Channel),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func ticketBlock(t *ticket.Triaged) map[string]any {
	reasoning := truncate(t.Reasoning, maxReasoningLen)
	body := truncate(t.Body, maxBodyLen)
	if body == "" {
		body = "_No body._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Triage reasoning*\n%s\n\n*Body*\n%s", reasoning, body),
		},
	}
}

func contextBlock(t *ticket.Triaged) map[string]any {
	ts := t.TriagedAt
	if parsed, err := time.Parse(time.RFC3339Nano, t.TriagedAt); err == nil {
		ts = parsed.UTC().Format("2006-01-02 15:04 UTC")
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("switchboard • trace %s • %s", t.TraceID, ts),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func priorityEmoji(p ticket.Priority) string {
	switch ticket.Priority(strings.ToLower(string(p))) {
	case ticket.PriorityCritical, ticket.PriorityHigh:
		return "\U0001f534" // red circle
	case ticket.PriorityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// truncate cuts s to at most limit runes, marking the cut with "...".
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
