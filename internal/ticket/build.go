package ticket

import (
	"errors"
	"time"
)

var (
	// ErrMissingTicketID is returned when a record carries no ticket_id.
	ErrMissingTicketID = errors.New("missing ticket_id")

	// ErrMissingCustomerID is returned when a record carries no customer_id.
	ErrMissingCustomerID = errors.New("missing customer_id")
)

// Validate checks the identifiers triage requires.
func (c *Created) Validate() error {
	switch {
	case c.TicketID == "":
		return ErrMissingTicketID
	case c.CustomerID == "":
		return ErrMissingCustomerID
	}
	return nil
}

// Validate checks the identifiers a specialist requires. Only ticket_id is
// mandatory; customer_id is carried through when present.
func (t *Triaged) Validate() error {
	if t.TicketID == "" {
		return ErrMissingTicketID
	}
	return nil
}

// BuildTriaged derives a ticket.triaged record. needsReview is decided by the
// caller's routing policy; when false the field is omitted rather than set false.
func BuildTriaged(c Created, cls Classification, traceID string, needsReview bool, now time.Time) Triaged {
	t := Triaged{
		EventType:       EventTriaged,
		TicketID:        c.TicketID,
		CustomerID:      c.CustomerID,
		TraceID:         traceID,
		Type:            cls.Type,
		Priority:        cls.Priority,
		Reasoning:       cls.Reasoning,
		TriagedAt:       Timestamp(now),
		OriginalSubject: c.Subject,
		Body:            c.Body,
		Channel:         c.Channel,
		Customer:        c.Customer,
	}
	if cls.Confidence != nil {
		v := *cls.Confidence
		t.Confidence = &v
	}
	if needsReview {
		v := true
		t.NeedsReview = &v
	}
	return t
}

// SubjectLine returns original_subject, falling back to subject.
func (t *Triaged) SubjectLine() string {
	if t.OriginalSubject != "" {
		return t.OriginalSubject
	}
	return t.Subject
}

// BuildResolved derives a ticket.resolved record from a triaged record and the guarded response.
func BuildResolved(t Triaged, resolvedBy, traceID, response string, now time.Time) Resolved {
	return Resolved{
		EventType:  EventResolved,
		TicketID:   t.TicketID,
		CustomerID: t.CustomerID,
		TraceID:    traceID,
		TriageType: t.Type,
		ResolvedBy: resolvedBy,
		ResolvedAt: Timestamp(now),
		Response:   response,
		Customer:   t.Customer,
	}
}
