package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// Metrics is an optional set of counters callers may register to
// observe rate-limiter behavior, the way ManuGH-xg2g exposes
// request-level Prometheus counters. A nil *Metrics disables
// collection entirely; every method is nil-safe.
type Metrics struct {
	rateLimited *prometheus.CounterVec
	serverError *prometheus.CounterVec
	retries     *prometheus.CounterVec
}

// NewMetrics builds the limiter's counters, registers them against reg
// when reg is non-nil, and returns a Metrics ready to pass to New.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mj_ratelimit_429_total",
			Help: "Count of HTTP 429 responses observed per endpoint.",
		}, []string{"endpoint"}),
		serverError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mj_ratelimit_5xx_total",
			Help: "Count of HTTP 5xx responses observed per endpoint.",
		}, []string{"endpoint"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mj_ratelimit_retries_total",
			Help: "Count of retry attempts per endpoint.",
		}, []string{"endpoint"}),
	}
	if reg != nil {
		reg.MustRegister(m.rateLimited, m.serverError, m.retries)
	}
	return m
}

func (m *Metrics) observeRateLimited(endpoint string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) observeServerError(endpoint string) {
	if m == nil {
		return
	}
	m.serverError.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) observeRetry(endpoint string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(endpoint).Inc()
}
