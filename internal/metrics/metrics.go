// Package metrics exposes redemption, lifecycle, sweep and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"discount-engine/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "discount_engine"

// Recorder holds the service collectors on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	outcomes     *prometheus.CounterVec
	finalized    *prometheus.CounterVec
	lifecycle    *prometheus.CounterVec
	reclaimed    prometheus.Counter
	sweepErrors  prometheus.Counter
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewRecorder creates a Recorder with process and Go runtime collectors registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemption_attempts_total",
			Help:      "Redemption attempts by outcome.",
		}, []string{"outcome"}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemption_finalized_total",
			Help:      "Finalized reservations by result.",
		}, []string{"result"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_lifecycle_total",
			Help:      "Discount code lifecycle operations.",
		}, []string{"operation"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_reclaimed_total",
			Help:      "Lapsed reservations released by the sweeper.",
		}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Sweeper passes that failed.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.outcomes,
		r.finalized,
		r.lifecycle,
		r.reclaimed,
		r.sweepErrors,
		r.httpRequests,
		r.httpDuration,
	)

	return r
}

// Registry returns the registry the collectors live on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordOutcome counts a redemption attempt.
func (r *Recorder) RecordOutcome(status model.OutcomeStatus) {
	r.outcomes.WithLabelValues(string(status)).Inc()
}

// RecordFinalize counts a commit or release.
func (r *Recorder) RecordFinalize(result string) {
	r.finalized.WithLabelValues(result).Inc()
}

// RecordLifecycle counts a create, toggle or delete.
func (r *Recorder) RecordLifecycle(operation string) {
	r.lifecycle.WithLabelValues(operation).Inc()
}

// ObserveSweep records the result of one sweeper pass.
func (r *Recorder) ObserveSweep(reclaimed int, err error) {
	if reclaimed > 0 {
		r.reclaimed.Add(float64(reclaimed))
	}
	if err != nil {
		r.sweepErrors.Inc()
	}
}

// ObserveRequest records a served HTTP request.
func (r *Recorder) ObserveRequest(method, route string, status int, duration time.Duration) {
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
