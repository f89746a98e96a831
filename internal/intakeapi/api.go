// Package intakeapi accepts new tickets over HTTP and publishes them as
// ticket.created records for the triage stage.
package intakeapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/switchboard/internal/broker"
	"github.com/linnemanlabs/switchboard/internal/routing"
)

// DefaultPublishTimeout bounds the broker round trip for one submission.
const DefaultPublishTimeout = 10 * time.Second

// Submission outcomes reported to Hooks.OnSubmit.
const (
	ResultAccepted    = "accepted"
	ResultInvalid     = "invalid"
	ResultUnavailable = "unavailable"
)

// Hooks are optional callbacks fired by the API.
type Hooks struct {
	OnSubmit func(result string)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger         log.Logger
	producer       broker.Producer
	policy         routing.Policy
	publishTimeout time.Duration
	hooks          Hooks
	now            func() time.Time
}

// New creates a new API handler.
func New(logger log.Logger, producer broker.Producer, policy routing.Policy, publishTimeout time.Duration, hooks Hooks) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if producer == nil {
		panic(xerrors.New("ticket producer is required"))
	}
	if publishTimeout <= 0 {
		publishTimeout = DefaultPublishTimeout
	}
	return &API{
		logger:         logger,
		producer:       producer,
		policy:         policy,
		publishTimeout: publishTimeout,
		hooks:          hooks,
		now:            time.Now,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tickets", a.handleCreateTicket)
		r.Get("/routes", a.handleGetRoutes)
	})
}

type routesResponse struct {
	Routes    map[string]string `json:"routes"`
	Fallback  string            `json:"fallback"`
	Threshold float64           `json:"confidence_threshold"`
	Topics    []string          `json:"topics"`
}

func (a *API) handleGetRoutes(w http.ResponseWriter, _ *http.Request) {
	tb := a.policy.Table
	if tb == nil {
		tb = routing.DefaultTable()
	}
	routes := make(map[string]string, len(tb.Routes))
	for t, topic := range tb.Routes {
		routes[string(t)] = topic
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(routesResponse{
		Routes:    routes,
		Fallback:  tb.Fallback,
		Threshold: a.policy.Threshold,
		Topics:    tb.Topics(),
	})
}

func (a *API) submitted(result string) {
	if a.hooks.OnSubmit != nil {
		a.hooks.OnSubmit(result)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
