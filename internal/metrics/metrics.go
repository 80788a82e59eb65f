// Package metrics exposes Prometheus counters for authentication outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeReplayed = "replayed"
)

// Recorder counts auth events. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry  *prometheus.Registry
	logins    prometheus.Counter
	callbacks *prometheus.CounterVec
	handoffs  *prometheus.CounterVec
	guard     *prometheus.CounterVec
}

// New creates a recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		logins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authrim_gateway",
			Name:      "logins_started_total",
			Help:      "Authorization code flows started.",
		}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authrim_gateway",
			Name:      "callbacks_total",
			Help:      "Login callbacks by outcome.",
		}, []string{"outcome"}),
		handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authrim_gateway",
			Name:      "handoffs_total",
			Help:      "Session handoff attempts by outcome.",
		}, []string{"outcome"}),
		guard: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authrim_gateway",
			Name:      "guard_decisions_total",
			Help:      "Route guard decisions by result.",
		}, []string{"result"}),
	}
	r.registry.MustRegister(
		r.logins, r.callbacks, r.handoffs, r.guard,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Login counts a started authorization code flow.
func (r *Recorder) Login() {
	if r != nil {
		r.logins.Inc()
	}
}

// Callback counts a completed callback.
func (r *Recorder) Callback(outcome string) {
	if r != nil {
		r.callbacks.WithLabelValues(outcome).Inc()
	}
}

// Handoff counts a handoff attempt.
func (r *Recorder) Handoff(outcome string) {
	if r != nil {
		r.handoffs.WithLabelValues(outcome).Inc()
	}
}

// Guard counts a route guard decision.
func (r *Recorder) Guard(authenticated bool) {
	if r == nil {
		return
	}
	result := "redirected"
	if authenticated {
		result = "allowed"
	}
	r.guard.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
