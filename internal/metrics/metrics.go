package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the runtime.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Upstream metrics
	ProxyRequestsTotal   *prometheus.CounterVec
	ProxyRequestDuration *prometheus.HistogramVec
	TokenRefreshes       *prometheus.CounterVec

	// Webhook metrics
	WebhookDeliveries *prometheus.CounterVec
	EventsEmitted     *prometheus.CounterVec
}

// New creates a Metrics instance registered with reg.
// Pass prometheus.NewRegistry() in tests to keep registrations private.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unified_http_requests_total",
				Help: "Total number of gateway HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unified_http_request_duration_seconds",
				Help:    "Gateway HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ProxyRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unified_proxy_requests_total",
				Help: "Total number of upstream connector requests",
			},
			[]string{"connector", "method", "status"}, // status: 2xx, 4xx, 5xx, error
		),
		ProxyRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unified_proxy_request_duration_seconds",
				Help:    "Upstream connector request latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"connector"},
		),
		TokenRefreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unified_token_refreshes_total",
				Help: "Total number of upstream OAuth token refreshes",
			},
			[]string{"connector", "result"}, // success, expired, revoked, error
		),

		WebhookDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unified_webhook_deliveries_total",
				Help: "Total number of inbound webhook deliveries",
			},
			[]string{"connector", "outcome"},
		),
		EventsEmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unified_events_emitted_total",
				Help: "Total number of canonical events emitted to the sink",
			},
			[]string{"connector", "model", "trigger"},
		),
	}
}

// Middleware creates an Echo middleware for gateway request metrics.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			path := c.Path() // route pattern, not the concrete path

			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			m.HTTPRequestsTotal.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// RecordProxy records one upstream request.
func (m *Metrics) RecordProxy(connector, method, statusClass string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProxyRequestsTotal.WithLabelValues(connector, method, statusClass).Inc()
	m.ProxyRequestDuration.WithLabelValues(connector).Observe(duration.Seconds())
}

// RecordRefresh increments the token refresh counter.
func (m *Metrics) RecordRefresh(connector, result string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(connector, result).Inc()
}

// RecordWebhook increments the webhook delivery counter.
func (m *Metrics) RecordWebhook(connector, outcome string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(connector, outcome).Inc()
}

// RecordEvent increments the emitted events counter.
func (m *Metrics) RecordEvent(connector, model, trigger string) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(connector, model, trigger).Inc()
}
