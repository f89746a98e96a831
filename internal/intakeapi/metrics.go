package intakeapi

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the intake API.
type Metrics struct {
	SubmissionsTotal  *prometheus.CounterVec
	AuthRejectedTotal *prometheus.CounterVec
}

// NewMetrics registers and returns intake metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_intake_submissions_total",
			Help: "Ticket submissions by result.",
		}, []string{"result"}),
		AuthRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_intake_auth_rejected_total",
			Help: "Requests rejected by bearer authentication, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.SubmissionsTotal, m.AuthRejectedTotal)
	return m
}

// Hooks returns API hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSubmit: func(result string) {
			m.SubmissionsTotal.WithLabelValues(result).Inc()
		},
	}
}

// OnAuthReject counts a rejected request. It matches authmw.Options.OnReject.
func (m *Metrics) OnAuthReject(reason string) {
	m.AuthRejectedTotal.WithLabelValues(reason).Inc()
}
