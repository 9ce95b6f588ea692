package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// Every Record method is safe to call on a nil *Metrics.
type Metrics struct {
	// RunsTotal counts finished collection runs by status and trigger
	RunsTotal *prometheus.CounterVec
	// RunDuration tracks wall time of collection runs
	RunDuration *prometheus.HistogramVec
	// AccountAttempts counts account attempts by platform, outcome and error kind
	AccountAttempts *prometheus.CounterVec
	// AttemptDuration tracks per-account attempt latency by platform
	AttemptDuration *prometheus.HistogramVec
	// RetriesTotal counts retried platform calls
	RetriesTotal *prometheus.CounterVec
	// CredentialRefreshes counts refresh attempts by platform and result
	CredentialRefreshes *prometheus.CounterVec
	// JobFirings counts scheduler firings by job and outcome
	JobFirings *prometheus.CounterVec
	// LastFollowers exposes the latest follower count per account
	LastFollowers *prometheus.GaugeVec
	// NotificationsTotal counts run notifications by channel and result
	NotificationsTotal *prometheus.CounterVec
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collection_runs_total",
				Help:      "Total number of finished collection runs",
			},
			[]string{"status", "trigger"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "collection_run_duration_seconds",
				Help:      "Collection run wall time in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),
		AccountAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "account_attempts_total",
				Help:      "Total number of account collection attempts",
			},
			[]string{"platform", "outcome", "kind"},
		),
		AttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "account_attempt_duration_seconds",
				Help:      "Per-account attempt latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"platform"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "platform_retries_total",
				Help:      "Total number of retried platform calls",
			},
			[]string{"platform", "kind"},
		),
		CredentialRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_refreshes_total",
				Help:      "Total number of credential refresh attempts",
			},
			[]string{"platform", "result"},
		),
		JobFirings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_job_firings_total",
				Help:      "Total number of scheduler firings",
			},
			[]string{"job", "outcome"},
		),
		LastFollowers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "account_followers",
				Help:      "Follower count from the latest snapshot",
			},
			[]string{"account_id", "platform"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of run notifications sent",
			},
			[]string{"channel", "result"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
	}

	registry.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.AccountAttempts,
		m.AttemptDuration,
		m.RetriesTotal,
		m.CredentialRefreshes,
		m.JobFirings,
		m.LastFollowers,
		m.NotificationsTotal,
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRun records a finished collection run
func (m *Metrics) RecordRun(status, trigger string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status, trigger).Inc()
	m.RunDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordAttempt records one account attempt
func (m *Metrics) RecordAttempt(platform, outcome, kind string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.AccountAttempts.WithLabelValues(platform, outcome, kind).Inc()
	m.AttemptDuration.WithLabelValues(platform).Observe(durationSeconds)
}

// RecordRetry records a retried platform call
func (m *Metrics) RecordRetry(platform, kind string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(platform, kind).Inc()
}

// RecordCredentialRefresh records a refresh attempt
func (m *Metrics) RecordCredentialRefresh(platform, result string) {
	if m == nil {
		return
	}
	m.CredentialRefreshes.WithLabelValues(platform, result).Inc()
}

// RecordJobFiring records a scheduler firing
func (m *Metrics) RecordJobFiring(job, outcome string) {
	if m == nil {
		return
	}
	m.JobFirings.WithLabelValues(job, outcome).Inc()
}

// SetFollowers sets the latest follower count for an account
func (m *Metrics) SetFollowers(accountID, platform string, followers int64) {
	if m == nil {
		return
	}
	m.LastFollowers.WithLabelValues(accountID, platform).Set(float64(followers))
}

// RecordNotification records a notification delivery
func (m *Metrics) RecordNotification(channel, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(channel, result).Inc()
}

// RecordRequestLatency records the latency of an HTTP request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.HTTPRequestsInFlight.Dec()
}
