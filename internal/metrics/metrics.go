package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the poller's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
	fetchCycles         *prometheus.CounterVec
	rowsWritten         *prometheus.CounterVec
	credentialExchanges prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poller_http_requests_total",
			Help: "Outbound HTTP requests by source and status code.",
		}, []string{"source", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "poller_http_request_duration_seconds",
			Help:    "Duration of outbound HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"source"}),
		fetchCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poller_fetch_cycles_total",
			Help: "Scheduler fetch cycles by source and outcome.",
		}, []string{"source", "outcome"}),
		rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poller_rows_written_total",
			Help: "Rows newly stored by the sinks, by series.",
		}, []string{"series"}),
		credentialExchanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poller_credential_exchanges_total",
			Help: "Completed OAuth1 credential exchanges.",
		}),
	}

	reg.MustRegister(m.httpRequests, m.httpDuration, m.fetchCycles, m.rowsWritten, m.credentialExchanges)
	return m
}

// ObserveRequest records one HTTP round trip. code 0 means a transport error.
func (m *Metrics) ObserveRequest(source string, code int, d time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.httpRequests.WithLabelValues(source, label).Inc()
	m.httpDuration.WithLabelValues(source).Observe(d.Seconds())
}

// FetchCycle records the outcome ("success" or "failure") of a scheduler cycle.
func (m *Metrics) FetchCycle(source, outcome string) {
	if m == nil {
		return
	}
	m.fetchCycles.WithLabelValues(source, outcome).Inc()
}

// RowsWritten adds n rows newly stored for series.
func (m *Metrics) RowsWritten(series string, n int) {
	if m == nil {
		return
	}
	m.rowsWritten.WithLabelValues(series).Add(float64(n))
}

// CredentialExchange counts a completed credential exchange.
func (m *Metrics) CredentialExchange() {
	if m == nil {
		return
	}
	m.credentialExchanges.Inc()
}
