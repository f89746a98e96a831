package intakeapi

import (
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/switchboard/internal/broker/membroker"
	"github.com/linnemanlabs/switchboard/internal/routing"
)

func TestMetrics_CountsSubmissions(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	api := New(nil, membroker.New(0), routing.Policy{}, 0, m.Hooks())
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	postTicket(r, `{"customer_id":"C","subject":"x"}`)
	postTicket(r, `{"customer_id":"C","subject":"y"}`)
	if rec := postTicket(r, `{"subject":"no customer"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	if got := testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues(ResultAccepted)); got != 2 {
		t.Errorf("accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues(ResultInvalid)); got != 1 {
		t.Errorf("invalid = %v, want 1", got)
	}
}

func TestMetrics_AuthReject(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	m.OnAuthReject("invalid")
	m.OnAuthReject("invalid")
	if got := testutil.ToFloat64(m.AuthRejectedTotal.WithLabelValues("invalid")); got != 2 {
		t.Errorf("rejected = %v, want 2", got)
	}
}
