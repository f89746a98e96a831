// Package routing maps classifications to output topics.
package routing

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/switchboard/internal/ticket"
)

// Topic names used across the pipeline.
const (
	TopicEvents   = "ticket.events"
	TopicResolved = "ticket.resolved"
	TopicHuman    = "ticket.triaged.human"
)

// DefaultThreshold is the confidence below which a ticket goes to human review.
const DefaultThreshold = 0.8

// Table maps known ticket types to topics. Types without an entry, and
// TypeUnknown, go to Fallback.
type Table struct {
	Routes   map[ticket.Type]string `yaml:"routes" json:"routes"`
	Fallback string                 `yaml:"fallback" json:"fallback"`
}

// DefaultTable returns the built-in routing table.
func DefaultTable() *Table {
	routes := make(map[ticket.Type]string, len(ticket.KnownTypes))
	for _, t := range ticket.KnownTypes {
		routes[t] = "ticket.triaged." + string(t)
	}
	return &Table{Routes: routes, Fallback: TopicHuman}
}

// Route returns the topic for t. routeToHuman overrides the table.
func (tb *Table) Route(t ticket.Type, routeToHuman bool) string {
	if routeToHuman || t == ticket.TypeUnknown {
		return tb.Fallback
	}
	if topic, ok := tb.Routes[t]; ok && topic != "" {
		return topic
	}
	return tb.Fallback
}

// Topics returns every distinct topic the table can produce, sorted.
func (tb *Table) Topics() []string {
	seen := map[string]struct{}{tb.Fallback: {}}
	for _, topic := range tb.Routes {
		seen[topic] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for topic := range seen {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Validate checks that the table routes only known types and has a fallback.
func (tb *Table) Validate() error {
	var errs []error
	if tb.Fallback == "" {
		errs = append(errs, errors.New("routing table: fallback topic is required"))
	}
	for t, topic := range tb.Routes {
		if !t.Known() {
			errs = append(errs, fmt.Errorf("routing table: unknown ticket type %q", t))
		}
		if topic == "" {
			errs = append(errs, fmt.Errorf("routing table: empty topic for %q", t))
		}
	}
	return errors.Join(errs...)
}

// LoadTable reads a YAML routing table. Known types missing from the file
// keep their default topic.
func LoadTable(path string) (*Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing table: %w", err)
	}
	return ParseTable(b)
}

// ParseTable decodes a YAML routing table on top of DefaultTable.
func ParseTable(b []byte) (*Table, error) {
	var file Table
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("parse routing table: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}

	tb := DefaultTable()
	tb.Fallback = file.Fallback
	for t, topic := range file.Routes {
		tb.Routes[t] = topic
	}
	return tb, nil
}

// Policy gates routing on classifier confidence.
type Policy struct {
	Table     *Table
	Threshold float64
}

// Decision is the routing outcome for one classification.
type Decision struct {
	Topic       string
	NeedsReview bool
}

// NeedsReview reports whether c must be reviewed by a human: the type is
// unknown, or confidence is present and strictly below the threshold.
func (p *Policy) NeedsReview(c ticket.Classification) bool {
	if c.Type == ticket.TypeUnknown {
		return true
	}
	return c.Confidence != nil && *c.Confidence < p.Threshold
}

// Decide applies the confidence gate and the table.
func (p *Policy) Decide(c ticket.Classification) Decision {
	review := p.NeedsReview(c)
	return Decision{Topic: p.table().Route(c.Type, review), NeedsReview: review}
}

// Fallback returns the human review topic.
func (p *Policy) Fallback() string { return p.table().Fallback }

func (p *Policy) table() *Table {
	if p.Table == nil {
		return DefaultTable()
	}
	return p.Table
}
