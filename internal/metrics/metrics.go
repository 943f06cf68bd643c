// Package metrics exposes Prometheus collectors for response resolution.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes recorded for a resolution
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics holds the collectors shared by every imposter. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	resolutionsTotal   *prometheus.CounterVec
	resolutionDuration *prometheus.HistogramVec
	stubMatchesTotal   *prometheus.CounterVec
	behaviorErrors     *prometheus.CounterVec
	proxyDuration      *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg, or with the
// default registerer when reg is nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mb_resolutions_total", Help: "Total resolved responses"},
			[]string{"imposter", "kind", "outcome"},
		),
		resolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mb_resolution_duration_seconds",
				Help:    "Time spent resolving a response, behaviors included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"imposter", "kind"},
		),
		stubMatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mb_stub_matches_total", Help: "Requests by whether a configured stub matched"},
			[]string{"imposter", "matched"},
		),
		behaviorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mb_behavior_errors_total", Help: "Failed behavior executions"},
			[]string{"behavior"},
		),
		proxyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mb_proxy_duration_seconds",
				Help:    "Round trip time of proxied requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"imposter"},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.resolutionsTotal,
		m.resolutionDuration,
		m.stubMatchesTotal,
		m.behaviorErrors,
		m.proxyDuration,
	)

	return m
}

// Handler serves the collected metrics
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveResolution records one resolved response of the given kind
func (m *Metrics) ObserveResolution(imposter, kind string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.resolutionsTotal.WithLabelValues(imposter, kind, outcome).Inc()
	m.resolutionDuration.WithLabelValues(imposter, kind).Observe(elapsed.Seconds())
}

// ObserveMatch records whether a request matched a configured stub
func (m *Metrics) ObserveMatch(imposter string, matched bool) {
	if m == nil {
		return
	}
	label := "false"
	if matched {
		label = "true"
	}
	m.stubMatchesTotal.WithLabelValues(imposter, label).Inc()
}

// BehaviorFailed counts a behavior that rejected
func (m *Metrics) BehaviorFailed(behavior string) {
	if m == nil {
		return
	}
	m.behaviorErrors.WithLabelValues(behavior).Inc()
}

// ObserveProxy records the round trip of a proxied request
func (m *Metrics) ObserveProxy(imposter string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.proxyDuration.WithLabelValues(imposter).Observe(elapsed.Seconds())
}
