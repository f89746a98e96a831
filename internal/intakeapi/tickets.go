package intakeapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/switchboard/internal/broker"
	"github.com/linnemanlabs/switchboard/internal/routing"
	"github.com/linnemanlabs/switchboard/internal/ticket"
)

// DefaultChannel is assigned when a submission names none.
const DefaultChannel = "portal"

// CreateTicketRequest is the POST /api/v1/tickets body. Only customer_id is
// required; ticket_id, trace_id and created_at are generated when absent.
type CreateTicketRequest struct {
	TicketID   string `json:"ticket_id"`
	CustomerID string `json:"customer_id"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	Channel    string `json:"channel"`
	CreatedAt  string `json:"created_at"`
	TraceID    string `json:"trace_id"`
}

// CreateTicketResponse is returned with 202 Accepted.
type CreateTicketResponse struct {
	TicketID string `json:"ticket_id"`
	TraceID  string `json:"trace_id"`
}

var (
	errNoContent   = errors.New("subject or body is required")
	errBadCreateAt = errors.New("created_at must be RFC 3339")
)

// buildCreated fills defaults and validates a submission.
func buildCreated(req *CreateTicketRequest, traceID string, now time.Time) (ticket.Created, error) {
	c := ticket.Created{
		EventType:  ticket.EventCreated,
		TicketID:   strings.TrimSpace(req.TicketID),
		CustomerID: strings.TrimSpace(req.CustomerID),
		Subject:    strings.TrimSpace(req.Subject),
		Body:       req.Body,
		Channel:    strings.TrimSpace(req.Channel),
		CreatedAt:  req.CreatedAt,
		TraceID:    req.TraceID,
	}
	if c.TicketID == "" {
		c.TicketID = "TKT-" + ulid.Make().String()
	}
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.TraceID == "" {
		c.TraceID = traceID
	}
	if c.CreatedAt == "" {
		c.CreatedAt = ticket.Timestamp(now)
	} else if _, err := time.Parse(time.RFC3339Nano, c.CreatedAt); err != nil {
		return c, errBadCreateAt
	}

	if err := c.Validate(); err != nil {
		return c, err
	}
	if c.Subject == "" && strings.TrimSpace(c.Body) == "" {
		return c, errNoContent
	}
	return c, nil
}

func (a *API) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	var req CreateTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.submitted(ResultInvalid)
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	// Reuse the request's otel trace id so logs, spans and records line up.
	traceID := ulid.Make().String()
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	c, err := buildCreated(&req, traceID, a.now())
	if err != nil {
		a.submitted(ResultInvalid)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	span.SetAttributes(
		attribute.String("switchboard.ticket.id", c.TicketID),
		attribute.String("switchboard.trace_id", c.TraceID),
	)
	L := a.logger.With("ticket_id", c.TicketID, "trace_id", c.TraceID)

	data, err := json.Marshal(&c)
	if err != nil {
		L.Error(ctx, err, "failed to marshal ticket")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	pctx, cancel := context.WithTimeout(ctx, a.publishTimeout)
	defer cancel()
	if err := a.producer.Publish(pctx, &broker.Message{
		Subject: routing.TopicEvents,
		Key:     c.TicketID,
		Data:    data,
		Headers: map[string]string{broker.HeaderTraceID: c.TraceID},
	}); err != nil {
		a.submitted(ResultUnavailable)
		L.Error(ctx, err, "failed to publish ticket")
		writeError(w, http.StatusServiceUnavailable, "broker unavailable")
		return
	}

	a.submitted(ResultAccepted)
	L.Info(ctx, "ticket accepted", "customer_id", c.CustomerID, "channel", c.Channel)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(CreateTicketResponse{TicketID: c.TicketID, TraceID: c.TraceID})
}
