package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/switchboard/internal/classify"
	"github.com/linnemanlabs/switchboard/internal/profile"
	"github.com/linnemanlabs/switchboard/internal/specialist"
	"github.com/linnemanlabs/switchboard/internal/ticket"
)

// Metrics holds Prometheus metrics for the pipeline stages.
type Metrics struct {
	ProcessedTotal     *prometheus.CounterVec
	FailedTotal        *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	LLMDuration        *prometheus.HistogramVec
	EnrichedTotal      prometheus.Counter
	ProfileLookup      *prometheus.HistogramVec
	ResolvedTotal      *prometheus.CounterVec
	NeedsReviewTotal   prometheus.Counter
	NotifyFailedTotal  prometheus.Counter
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_tickets_processed_total",
			Help: "Tickets triaged and published, by type, priority and topic.",
		}, []string{"type", "priority", "topic"}),
		FailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_tickets_failed_total",
			Help: "Messages a stage could not process, by stage and reason.",
		}, []string{"stage", "reason"}),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchboard_processing_duration_seconds",
			Help:    "End-to-end handling time of one message in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"stage"}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchboard_llm_call_duration_seconds",
			Help:    "Duration of individual engine calls in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10},
		}, []string{"operation", "provider", "outcome"}),
		EnrichedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_tickets_enriched_total",
			Help: "Tickets merged with a customer profile.",
		}),
		ProfileLookup: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchboard_profile_lookup_duration_seconds",
			Help:    "Duration of customer profile lookups by outcome.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 7), // 1ms .. ~4s
		}, []string{"outcome"}),
		ResolvedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_tickets_resolved_total",
			Help: "Resolved records published, by specialist.",
		}, []string{"specialist"}),
		NeedsReviewTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_tickets_needs_review_total",
			Help: "Tickets routed to the fallback topic for human review.",
		}),
		NotifyFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_notify_failed_total",
			Help: "Fallback notifications that could not be delivered.",
		}),
	}

	reg.MustRegister(
		m.ProcessedTotal,
		m.FailedTotal,
		m.ProcessingDuration,
		m.LLMDuration,
		m.EnrichedTotal,
		m.ProfileLookup,
		m.ResolvedTotal,
		m.NeedsReviewTotal,
		m.NotifyFailedTotal,
	)

	return m
}

// Hooks returns stage hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnTriaged: func(t *ticket.Triaged, topic string) {
			m.ProcessedTotal.WithLabelValues(string(t.Type), string(t.Priority), topic).Inc()
			if t.NeedsReview != nil && *t.NeedsReview {
				m.NeedsReviewTotal.Inc()
			}
		},
		OnResolved: func(r *ticket.Resolved) {
			m.ResolvedTotal.WithLabelValues(r.ResolvedBy).Inc()
		},
		OnFailed: func(stage string, reason Reason) {
			m.FailedTotal.WithLabelValues(stage, string(reason)).Inc()
		},
		OnDone: func(stage string, d time.Duration) {
			m.ProcessingDuration.WithLabelValues(stage).Observe(d.Seconds())
		},
		OnNotifyError: func() {
			m.NotifyFailedTotal.Inc()
		},
	}
}

// ClassifyHooks feeds classifier engine latency.
func (m *Metrics) ClassifyHooks() classify.Hooks {
	return classify.Hooks{OnEngineCall: m.engineCall("classify")}
}

// GenerateHooks feeds specialist engine latency.
func (m *Metrics) GenerateHooks() specialist.Hooks {
	return specialist.Hooks{OnEngineCall: m.engineCall("generate")}
}

// ProfileHooks feeds the enriched counter and lookup latency.
func (m *Metrics) ProfileHooks() profile.Hooks {
	return profile.Hooks{
		OnEnriched: m.EnrichedTotal.Inc,
		OnLookup: func(outcome string, d time.Duration) {
			m.ProfileLookup.WithLabelValues(outcome).Observe(d.Seconds())
		},
	}
}

func (m *Metrics) engineCall(op string) func(string, time.Duration, error) {
	return func(provider string, d time.Duration, err error) {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		m.LLMDuration.WithLabelValues(op, provider, outcome).Observe(d.Seconds())
	}
}
