package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for AuthOperationsTotal.
const (
	OutcomeSuccess   = "success"
	OutcomeConflict  = "conflict"
	OutcomeDenied    = "denied"
	OutcomeForbidden = "forbidden"
	OutcomeError     = "error"
)

// Metrics holds the prometheus collectors of the service.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	AuthOperationsTotal  *prometheus.CounterVec
	ReuseDetectionsTotal *prometheus.CounterVec
	RefreshTokensRevoked *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exam_api_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exam_api_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		AuthOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exam_api_auth_operations_total",
				Help: "Authentication operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		ReuseDetectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exam_api_refresh_reuse_detections_total",
				Help: "Refresh token presentations treated as a breach",
			},
			[]string{"reason"},
		),
		RefreshTokensRevoked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exam_api_refresh_tokens_revoked_total",
				Help: "Refresh tokens revoked, by cause",
			},
			[]string{"cause"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthOperationsTotal,
		m.ReuseDetectionsTotal,
		m.RefreshTokensRevoked,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// AuthOperation counts one engine call. Safe on a nil receiver.
func (m *Metrics) AuthOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.AuthOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// ReuseDetected counts one breach signal. Safe on a nil receiver.
func (m *Metrics) ReuseDetected(reason string) {
	if m == nil {
		return
	}
	m.ReuseDetectionsTotal.WithLabelValues(reason).Inc()
}

// TokensRevoked adds n revocations. Safe on a nil receiver.
func (m *Metrics) TokensRevoked(cause string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RefreshTokensRevoked.WithLabelValues(cause).Add(float64(n))
}
