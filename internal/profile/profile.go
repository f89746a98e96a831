// Package profile attaches customer metadata to tickets before routing.
// Enrichment is best-effort: every failure degrades to pass-through.
package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/switchboard/internal/ticket"
)

// DefaultTimeout bounds a single profile lookup.
const DefaultTimeout = 2 * time.Second

// Store looks up customer profiles by id. A missing customer is (nil, false, nil).
type Store interface {
	Get(ctx context.Context, customerID string) (ticket.Profile, bool, error)
}

// Hooks are optional callbacks fired by the Enricher.
type Hooks struct {
	OnEnriched func()
	OnLookup   func(outcome string, duration time.Duration)
}

// Lookup outcomes reported to Hooks.OnLookup.
const (
	OutcomeHit   = "hit"
	OutcomeMiss  = "miss"
	OutcomeError = "error"
)

// Enricher merges a customer profile into ticket.created records.
type Enricher struct {
	store   Store
	timeout time.Duration
	logger  log.Logger
	hooks   Hooks
}

// NewEnricher creates an Enricher. A nil store disables enrichment.
func NewEnricher(store Store, timeout time.Duration, logger log.Logger, hooks Hooks) *Enricher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Enricher{store: store, timeout: timeout, logger: logger, hooks: hooks}
}

// Enrich returns c with Customer set when a profile is found, otherwise c
// unchanged. It never fails and never panics.
func (e *Enricher) Enrich(ctx context.Context, c ticket.Created) ticket.Created {
	if e == nil || e.store == nil || c.CustomerID == "" {
		return c
	}

	start := time.Now()
	p, ok, err := e.lookup(ctx, c.CustomerID)
	dur := time.Since(start)

	switch {
	case err != nil:
		e.observe(OutcomeError, dur)
		e.logger.Warn(ctx, "profile lookup failed, continuing without enrichment",
			"customer_id", c.CustomerID,
			"err", err,
		)
		return c
	case !ok || len(p) == 0:
		e.observe(OutcomeMiss, dur)
		return c
	}

	e.observe(OutcomeHit, dur)
	out := c
	out.Customer = p
	if e.hooks.OnEnriched != nil {
		e.hooks.OnEnriched()
	}
	return out
}

func (e *Enricher) lookup(ctx context.Context, customerID string) (p ticket.Profile, ok bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p, ok, err = nil, false, fmt.Errorf("profile store panic: %v", r)
		}
	}()
	return e.store.Get(ctx, customerID)
}

func (e *Enricher) observe(outcome string, d time.Duration) {
	if e.hooks.OnLookup != nil {
		e.hooks.OnLookup(outcome, d)
	}
}
