package http

import (
	"github.com/freightdesk/trustgate/internal/domain/auth"
	"github.com/freightdesk/trustgate/internal/domain/errsafe"
	"github.com/freightdesk/trustgate/internal/domain/ratelimit"
	"github.com/freightdesk/trustgate/internal/domain/session"
	"github.com/freightdesk/trustgate/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for trustgate.
// It implements service.Recorder so providers report their decisions here.
type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	SessionsActive       prometheus.Gauge
	SessionTransitions   *prometheus.CounterVec
	RateLimitDecisions   *prometheus.CounterVec
	ErrorClassifications *prometheus.CounterVec
	AuthorizeDecisions   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustgate",
				Name:      "requests_total",
				Help:      "Requests handled by surface, method and status class",
			},
			[]string{"surface", "method", "code"}, // surface=api/portal/gateway, code=2xx..5xx
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "trustgate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds by surface",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"surface"},
		),
		SessionsActive: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "trustgate",
				Name:      "active_sessions",
				Help:      "Number of registered browsing sessions",
			},
		),
		SessionTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustgate",
				Name:      "session_transitions_total",
				Help:      "Session monitor transitions by target state",
			},
			[]string{"state"},
		),
		RateLimitDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustgate",
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limit decisions by scope",
			},
			[]string{"scope", "result"}, // result=allowed/limited
		),
		ErrorClassifications: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustgate",
				Name:      "error_classifications_total",
				Help:      "Sanitized errors by kind",
			},
			[]string{"kind"},
		),
		AuthorizeDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trustgate",
				Name:      "authorize_decisions_total",
				Help:      "Access decisions by outcome and deny reason",
			},
			[]string{"outcome", "reason"},
		),
	}
}

// SessionTransition implements service.Recorder.
func (m *Metrics) SessionTransition(_, to session.State) {
	m.SessionTransitions.WithLabelValues(to.String()).Inc()
}

// RateLimitDecision implements service.Recorder.
func (m *Metrics) RateLimitDecision(scope ratelimit.Scope, allowed bool) {
	result := "limited"
	if allowed {
		result = "allowed"
	}
	m.RateLimitDecisions.WithLabelValues(string(scope), result).Inc()
}

// ErrorClassified implements service.Recorder.
func (m *Metrics) ErrorClassified(kind errsafe.Kind) {
	m.ErrorClassifications.WithLabelValues(kind.String()).Inc()
}

// AuthorizeDecision implements service.Recorder.
func (m *Metrics) AuthorizeDecision(d auth.Decision) {
	m.AuthorizeDecisions.WithLabelValues(d.Outcome.String(), d.Reason.String()).Inc()
}

// ActiveSessions implements service.Recorder.
func (m *Metrics) ActiveSessions(n int) {
	m.SessionsActive.Set(float64(n))
}

var _ service.Recorder = (*Metrics)(nil)
