// Package gateway is the HTTP surface of the runtime: connection lifecycle,
// the four operation verbs, field discovery, subscriptions and webhook
// ingress. Every failure renders as {"error":{"code","message"}}.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nucleus/unified-core/internal/authority"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/event"
	"github.com/nucleus/unified-core/internal/metrics"
	"github.com/nucleus/unified-core/internal/operation"
)

// Check reports whether a dependency is healthy.
type Check func(ctx context.Context) error

// Options wires the runtime into the gateway.
type Options struct {
	Authority *authority.Authority
	Runner    *operation.Runner
	Pipeline  *event.Pipeline

	// PublicURL is the externally reachable root. Webhook URLs registered
	// upstream and signature URIs are built from it.
	PublicURL string

	// MaxBodyBytes bounds request bodies (default 5 MiB).
	MaxBodyBytes int64

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Checks   map[string]Check
	Logger   *slog.Logger
}

// Server serves the gateway routes.
type Server struct {
	authority *authority.Authority
	runner    *operation.Runner
	pipeline  *event.Pipeline
	publicURL string
	maxBody   int64
	checks    map[string]Check
	logger    *slog.Logger

	echo *echo.Echo
}

// New builds the server and its routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		authority: opts.Authority,
		runner:    opts.Runner,
		pipeline:  opts.Pipeline,
		publicURL: strings.TrimSuffix(opts.PublicURL, "/"),
		maxBody:   opts.MaxBodyBytes,
		checks:    opts.Checks,
		logger:    logger.With("component", "gateway"),
	}
	if s.maxBody <= 0 {
		s.maxBody = 5 << 20
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			s.logger.Info("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(opts.Metrics.Middleware())

	e.GET("/healthz", s.health)
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := e.Group("/v1", middleware.BodyLimit(bodyLimit(s.maxBody)))
	v1.GET("/connectors", s.listConnectors)
	v1.GET("/oauth/callback", s.callback)

	conn := v1.Group("/connections/:connector/:owner")
	conn.GET("", s.getConnection)
	conn.DELETE("", s.deleteConnection)
	conn.POST("/authorize", s.authorize)
	conn.PUT("/settings", s.configure)

	conn.GET("/models/:model", s.list)
	conn.POST("/models/:model", s.create)
	conn.GET("/models/:model/:id", s.retrieve)
	conn.PATCH("/models/:model/:id", s.update)
	conn.GET("/fields/:model", s.fields)

	conn.POST("/subscriptions", s.subscribe)
	conn.DELETE("/subscriptions/:model/:trigger", s.unsubscribe)

	v1.POST("/webhooks/:connector", s.globalWebhook)
	v1.POST("/webhooks/:connector/:owner", s.connectionWebhook)

	s.echo = e
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("gateway listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("health check failed", "dependency", name, "error", err)
			deps[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "up"
	}
	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	return c.JSON(status, map[string]any{"status": state, "dependencies": deps})
}

// =============================================================================
// ERRORS
// =============================================================================

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Status and Upstream echo the connector's response when the failure
	// came from a proxy call.
	Status   int             `json:"status,omitempty"`
	Upstream json.RawMessage `json:"upstream,omitempty"`
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		err = fromHTTPError(he)
	}
	e := core.AsError(err)
	status := core.HTTPStatus(e.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "code", e.Code, "error", err)
	}

	body := errorBody{Error: errorDetail{Code: e.Code, Message: e.Message, Status: e.Status}}
	if len(e.Body) > 0 {
		if json.Valid(e.Body) {
			body.Error.Upstream = e.Body
		} else {
			quoted, _ := json.Marshal(string(e.Body))
			body.Error.Upstream = quoted
		}
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}

// fromHTTPError classifies router and middleware failures.
func fromHTTPError(he *echo.HTTPError) *core.Error {
	msg := http.StatusText(he.Code)
	if m, ok := he.Message.(string); ok {
		msg = m
	}
	switch he.Code {
	case http.StatusNotFound:
		return core.Errorf(core.CodeResourceNotFound, "%s", msg)
	case http.StatusMethodNotAllowed:
		return core.Errorf(core.CodeNotSupported, "%s", msg)
	case http.StatusUnauthorized:
		return core.Errorf(core.CodeUnauthorized, "%s", msg)
	default:
		if he.Code >= 400 && he.Code < 500 {
			return core.Errorf(core.CodeBadRequest, "%s", msg)
		}
		return core.Errorf(core.CodeUpstreamError, "%s", msg)
	}
}
