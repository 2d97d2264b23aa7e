package gateway

import (
	"io"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/event"
	"github.com/nucleus/unified-core/internal/operation"
)

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

type subscribeRequest struct {
	Model   cdm.Model `json:"model"`
	Trigger string    `json:"trigger"`

	// URL overrides the gateway's own webhook route.
	URL string `json:"url"`
}

// webhookURL is where the upstream should deliver for the connection.
func (s *Server) webhookURL(connectorID, owner string) (string, error) {
	connector, err := s.authority.Registry().Get(connectorID)
	if err != nil {
		return "", err
	}
	u := s.publicURL + "/v1/webhooks/" + url.PathEscape(connectorID)
	if connector.Events == nil || !connector.Events.Global {
		u += "/" + url.PathEscape(owner)
	}
	return u, nil
}

// subscribe handles POST /v1/connections/:connector/:owner/subscriptions
func (s *Server) subscribe(c echo.Context) error {
	var req subscribeRequest
	if err := c.Bind(&req); err != nil {
		return core.Errorf(core.CodeBadRequest, "invalid subscription body")
	}
	if !req.Model.Valid() {
		return core.Errorf(core.CodeBadRequest, "unknown model %q", req.Model)
	}
	trigger, err := cdm.ParseTrigger(req.Trigger)
	if err != nil {
		return core.Wrap(core.CodeBadRequest, err, "invalid trigger")
	}

	k := key(c)
	target := req.URL
	if target == "" {
		if target, err = s.webhookURL(k.ConnectorID, k.OwnerID); err != nil {
			return err
		}
	}
	sub, err := s.runner.Subscribe(c.Request().Context(), operation.SubscribeRequest{
		Key:     k,
		Model:   req.Model,
		Trigger: trigger,
		URL:     target,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, newSubscriptionView(*sub))
}

// unsubscribe handles DELETE /v1/connections/:connector/:owner/subscriptions/:model/:trigger
func (s *Server) unsubscribe(c echo.Context) error {
	m, err := model(c)
	if err != nil {
		return err
	}
	trigger, err := cdm.ParseTrigger(c.Param("trigger"))
	if err != nil {
		return core.Wrap(core.CodeBadRequest, err, "invalid trigger")
	}
	if err := s.runner.Unsubscribe(c.Request().Context(), key(c), m, trigger); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// =============================================================================
// INGRESS
// =============================================================================

// webhookRequest captures the delivery as the upstream signed it. The URL
// is rebuilt on the public root since proxies rewrite the host.
func (s *Server) webhookRequest(c echo.Context) (*endpoint.WebhookRequest, error) {
	r := c.Request()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, core.Wrap(core.CodeBadRequest, err, "read webhook body")
	}
	return &endpoint.WebhookRequest{
		Method:  r.Method,
		URL:     s.publicURL + r.URL.RequestURI(),
		Headers: r.Header.Clone(),
		Query:   r.URL.Query(),
		Body:    body,
	}, nil
}

type webhookResponse struct {
	Events  int  `json:"events"`
	Ignored bool `json:"ignored,omitempty"`
}

func ack(c echo.Context, res *event.Result) error {
	return c.JSON(http.StatusOK, webhookResponse{Events: len(res.Events), Ignored: res.Ignored})
}

// globalWebhook handles POST /v1/webhooks/:connector
func (s *Server) globalWebhook(c echo.Context) error {
	req, err := s.webhookRequest(c)
	if err != nil {
		return err
	}
	res, err := s.pipeline.HandleGlobal(c.Request().Context(), c.Param("connector"), req)
	if err != nil {
		return err
	}
	return ack(c, res)
}

// connectionWebhook handles POST /v1/webhooks/:connector/:owner
func (s *Server) connectionWebhook(c echo.Context) error {
	req, err := s.webhookRequest(c)
	if err != nil {
		return err
	}
	res, err := s.pipeline.HandleConnection(c.Request().Context(), key(c), req)
	if err != nil {
		return err
	}
	return ack(c, res)
}
