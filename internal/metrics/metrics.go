// Package metrics exposes Prometheus instruments for the mission pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registered collectors.
type Metrics struct {
	registry       *prometheus.Registry
	outcomes       *prometheus.CounterVec
	judgeLatency   *prometheus.HistogramVec
	judgeFailures  *prometheus.CounterVec
	couponEvents   *prometheus.CounterVec
	sessionRejects *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mission_pipeline_outcomes_total",
			Help: "Finalized submissions by mission type and outcome.",
		}, []string{"mission_type", "outcome"}),
		judgeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mission_judge_latency_seconds",
			Help:    "Judge invocation latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"model"}),
		judgeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mission_judge_failures_total",
			Help: "Judge invocations that produced no vote.",
		}, []string{"model"}),
		couponEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mission_coupon_events_total",
			Help: "Coupon lifecycle events.",
		}, []string{"event"}),
		sessionRejects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mission_session_rejections_total",
			Help: "Submissions refused by the session store.",
		}, []string{"reason"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// PipelineOutcome counts one finalized submission.
func (m *Metrics) PipelineOutcome(missionType, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(missionType, outcome).Inc()
}

// JudgeObserved records one judge call.
func (m *Metrics) JudgeObserved(model string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.judgeLatency.WithLabelValues(model).Observe(d.Seconds())
	if err != nil {
		m.judgeFailures.WithLabelValues(model).Inc()
	}
}

// CouponEvent counts a coupon lifecycle event such as issued or redeemed.
func (m *Metrics) CouponEvent(event string) {
	if m == nil {
		return
	}
	m.couponEvents.WithLabelValues(event).Inc()
}

// SessionRejected counts a submission refused before judging.
func (m *Metrics) SessionRejected(reason string) {
	if m == nil {
		return
	}
	m.sessionRejects.WithLabelValues(reason).Inc()
}
