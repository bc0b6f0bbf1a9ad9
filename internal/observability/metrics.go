package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/florianilch/tokenrelay/internal/transport"
)

const namespace = "tokenrelay"

// Metrics records refresh coordinator events as Prometheus series.
// It satisfies authclient.Observer.
type Metrics struct {
	registry *prometheus.Registry

	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	replays         *prometheus.CounterVec
	queued          prometheus.Counter
	sessionClears   prometheus.Counter
}

// NewMetrics creates the collectors on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Token refresh episodes by outcome.",
		}, []string{"outcome"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of token refresh calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_total",
			Help:      "Requests replayed after a refresh, by outcome.",
		}, []string{"outcome"}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queued_requests_total",
			Help:      "Requests that waited for an in-flight refresh.",
		}),
		sessionClears: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_clears_total",
			Help:      "Sessions cleared after a failed refresh.",
		}),
	}

	m.registry.MustRegister(m.refreshes, m.refreshDuration, m.replays, m.queued, m.sessionClears)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registerer allows other components to add collectors to the same registry.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

func (m *Metrics) RefreshFinished(err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.refreshes.WithLabelValues(result).Inc()
	m.refreshDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) Queued() {
	m.queued.Inc()
}

func (m *Metrics) Replayed(err error) {
	m.replays.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) SessionCleared() {
	m.sessionClears.Inc()
}

// outcome labels an error for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case transport.IsUnauthorized(err):
		return "unauthorized"
	case errors.Is(err, transport.ErrTimeout):
		return "timeout"
	case errors.Is(err, transport.ErrNetworkFailure):
		return "network_error"
	case transport.StatusCode(err) != 0:
		return "http_error"
	default:
		return "failure"
	}
}
