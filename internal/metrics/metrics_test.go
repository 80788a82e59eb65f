package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.Login()
	r.Callback(OutcomeSuccess)
	r.Callback(OutcomeFailure)
	r.Callback(OutcomeFailure)
	r.Handoff(OutcomeReplayed)
	r.Guard(true)
	r.Guard(false)

	if got := testutil.ToFloat64(r.logins); got != 1 {
		t.Errorf("logins = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.callbacks.WithLabelValues(OutcomeFailure)); got != 2 {
		t.Errorf("failed callbacks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.handoffs.WithLabelValues(OutcomeReplayed)); got != 1 {
		t.Errorf("replayed handoffs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.guard.WithLabelValues("redirected")); got != 1 {
		t.Errorf("guard redirects = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.Callback(OutcomeSuccess)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `authrim_gateway_callbacks_total{outcome="success"} 1`) {
		t.Errorf("callback counter missing from output")
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Login()
	r.Callback(OutcomeSuccess)
	r.Handoff(OutcomeFailure)
	r.Guard(false)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
