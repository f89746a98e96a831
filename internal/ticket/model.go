package ticket

import "time"

// Event types carried in the event_type field of every record.
const (
	EventCreated  = "ticket.created"
	EventTriaged  = "ticket.triaged"
	EventResolved = "ticket.resolved"
)

// Type is the routing category assigned by triage.
type Type string

const (
	TypeBilling        Type = "billing"
	TypeTechnical      Type = "technical"
	TypeFeatureRequest Type = "feature_request"
	TypeAccount        Type = "account"
	TypeOther          Type = "other"

	// TypeUnknown is assigned when the engine returns a category outside KnownTypes.
	TypeUnknown Type = "unknown"
)

// KnownTypes is the closed vocabulary the classifier may emit, in prompt order.
var KnownTypes = []Type{TypeBilling, TypeTechnical, TypeFeatureRequest, TypeAccount, TypeOther}

// Known reports whether t is a member of KnownTypes.
func (t Type) Known() bool {
	for _, k := range KnownTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Priority is the urgency assigned by triage.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Priorities is the closed priority vocabulary, lowest first.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// Known reports whether p is a member of Priorities.
func (p Priority) Known() bool {
	for _, k := range Priorities {
		if p == k {
			return true
		}
	}
	return false
}

// Profile is the customer metadata merged into a record by enrichment.
type Profile map[string]any

// Created is the ticket.created record produced upstream.
type Created struct {
	EventType  string  `json:"event_type"`
	TicketID   string  `json:"ticket_id"`
	CustomerID string  `json:"customer_id"`
	Subject    string  `json:"subject"`
	Body       string  `json:"body"`
	Channel    string  `json:"channel,omitempty"`
	CreatedAt  string  `json:"created_at,omitempty"`
	TraceID    string  `json:"trace_id,omitempty"`
	Customer   Profile `json:"customer,omitempty"`
}

// Classification is the normalized output of the classifier.
type Classification struct {
	Type       Type     `json:"type"`
	Priority   Priority `json:"priority"`
	Reasoning  string   `json:"reasoning"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Triaged is the ticket.triaged record published to a routing topic.
type Triaged struct {
	EventType       string   `json:"event_type"`
	TicketID        string   `json:"ticket_id"`
	CustomerID      string   `json:"customer_id"`
	TraceID         string   `json:"trace_id"`
	Type            Type     `json:"type"`
	Priority        Priority `json:"priority"`
	Reasoning       string   `json:"reasoning"`
	TriagedAt       string   `json:"triaged_at"`
	OriginalSubject string   `json:"original_subject"`
	Subject         string   `json:"subject,omitempty"`
	Body            string   `json:"body"`
	Channel         string   `json:"channel,omitempty"`
	Customer        Profile  `json:"customer,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
	NeedsReview     *bool    `json:"needs_review,omitempty"`
}

// Resolved is the ticket.resolved record published by a specialist.
type Resolved struct {
	EventType  string  `json:"event_type"`
	TicketID   string  `json:"ticket_id"`
	CustomerID string  `json:"customer_id"`
	TraceID    string  `json:"trace_id"`
	TriageType Type    `json:"triage_type"`
	ResolvedBy string  `json:"resolved_by"`
	ResolvedAt string  `json:"resolved_at"`
	Response   string  `json:"response"`
	Customer   Profile `json:"customer,omitempty"`
}

// Timestamp formats t as RFC 3339 UTC with a Z suffix and sub-second precision.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
