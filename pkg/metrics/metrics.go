// Package metrics exposes Prometheus instruments for the submission
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bounty-zk/pkg/prover"
)

const namespace = "bountyzk"

// Metrics holds the service instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	submissions   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	indexRetries  prometheus.Gauge
	httpDuration  *prometheus.HistogramVec
}

// New creates the instruments and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Submission attempts by outcome",
			},
			[]string{"kind", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each submission stage",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		),
		indexRetries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "index_retries_pending",
				Help:      "Index writes waiting for retry",
			},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "code"},
		),
	}

	reg.MustRegister(m.submissions, m.stageDuration, m.indexRetries, m.httpDuration)
	return m
}

// RegisterProver exports prover counters. Values are read at scrape time.
func (m *Metrics) RegisterProver(reg prometheus.Registerer, stats func() prover.Stats) {
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "prover", Name: "proofs_generated_total",
			Help: "Proofs generated",
		}, func() float64 { return float64(stats().ProofsGenerated) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "prover", Name: "proofs_failed_total",
			Help: "Proof generation failures",
		}, func() float64 { return float64(stats().ProofsFailed) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "prover", Name: "proofs_timed_out_total",
			Help: "Proofs abandoned after the timeout",
		}, func() float64 { return float64(stats().ProofsTimedOut) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "prover", Name: "in_flight",
			Help: "Proofs currently running",
		}, func() float64 { return float64(stats().InFlight) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "prover", Name: "prove_seconds_total",
			Help: "Cumulative proving time",
		}, func() float64 { return stats().TotalProveTime.Seconds() }),
	)
}

// Submission counts one finished attempt.
func (m *Metrics) Submission(kind, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(kind, outcome).Inc()
}

// Stage records how long a stage took.
func (m *Metrics) Stage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// IndexRetries sets the retry backlog.
func (m *Metrics) IndexRetries(n int) {
	if m == nil {
		return
	}
	m.indexRetries.Set(float64(n))
}

// HTTP records a served request.
func (m *Metrics) HTTP(route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(route, code).Observe(d.Seconds())
}
