package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordProxy("aircall", "GET", "2xx", 10*time.Millisecond)
	m.RecordProxy("aircall", "GET", "2xx", 20*time.Millisecond)
	m.RecordRefresh("hubspot", "success")
	m.RecordWebhook("stripe", "emitted")
	m.RecordEvent("stripe", "invoice", "created")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProxyRequestsTotal.WithLabelValues("aircall", "GET", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenRefreshes.WithLabelValues("hubspot", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookDeliveries.WithLabelValues("stripe", "emitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsEmitted.WithLabelValues("stripe", "invoice", "created")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordProxy("x", "GET", "2xx", time.Second)
		m.RecordRefresh("x", "success")
		m.RecordWebhook("x", "emitted")
		m.RecordEvent("x", "call", "created")
	})
}

func TestMiddleware(t *testing.T) {
	m := New(prometheus.NewRegistry())
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/items/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/7", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/items/:id", "204")))
}
