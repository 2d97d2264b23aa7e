package gateway

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nucleus/unified-core/internal/authority"
	"github.com/nucleus/unified-core/internal/connection"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
)

// maskedValue replaces sensitive settings in responses.
const maskedValue = "********"

func bodyLimit(n int64) string {
	return strconv.FormatInt(n, 10) + "B"
}

func key(c echo.Context) connection.Key {
	return connection.Key{ConnectorID: c.Param("connector"), OwnerID: c.Param("owner")}
}

// =============================================================================
// VIEWS
// =============================================================================

// connectorView describes a registered connector.
type connectorView struct {
	ID       string                      `json:"id"`
	Name     string                      `json:"name"`
	Auth     endpoint.AuthType           `json:"auth"`
	Settings []settingView               `json:"settings,omitempty"`
	Models   []cdm.Model                 `json:"models"`
	Webhooks map[cdm.Model][]cdm.Trigger `json:"webhooks,omitempty"`
	Global   bool                        `json:"globalWebhooks,omitempty"`
}

type settingView struct {
	Key       string `json:"key"`
	Label     string `json:"label,omitempty"`
	Required  bool   `json:"required,omitempty"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

func newConnectorView(c *endpoint.Connector) connectorView {
	v := connectorView{ID: c.ID, Name: c.Name, Auth: c.Auth.Type, Models: make([]cdm.Model, 0, len(c.Models))}
	for _, f := range c.Auth.Settings {
		v.Settings = append(v.Settings, settingView{Key: f.Key, Label: f.Label, Required: f.Required, Sensitive: f.Sensitive})
	}
	for m := range c.Models {
		v.Models = append(v.Models, m)
	}
	sort.Slice(v.Models, func(i, j int) bool { return v.Models[i] < v.Models[j] })
	if c.Events != nil {
		v.Webhooks = c.Events.Supported
		v.Global = c.Events.Global
	}
	return v
}

// connectionView is a connection without credentials. Sensitive settings
// are masked.
type connectionView struct {
	Key           connection.Key     `json:"key"`
	State         connection.State   `json:"state"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
	Settings      map[string]string  `json:"settings,omitempty"`
	IdentifierKey string             `json:"identifierKey,omitempty"`
	Subscriptions []subscriptionView `json:"subscriptions"`
	ExpiresAt     *time.Time         `json:"expiresAt,omitempty"`
	LastError     string             `json:"lastError,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// subscriptionView omits metadata, which may hold signing secrets.
type subscriptionView struct {
	ID        string      `json:"id"`
	Model     cdm.Model   `json:"model"`
	Trigger   cdm.Trigger `json:"trigger"`
	URL       string      `json:"url,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

func newSubscriptionView(sub connection.Subscription) subscriptionView {
	return subscriptionView{ID: sub.ID, Model: sub.Model, Trigger: sub.Trigger, URL: sub.URL, CreatedAt: sub.CreatedAt}
}

func (s *Server) connectionView(conn *connection.Connection) connectionView {
	v := connectionView{
		Key:           conn.Key,
		State:         conn.State,
		Metadata:      conn.Metadata,
		IdentifierKey: conn.IdentifierKey,
		Subscriptions: make([]subscriptionView, 0, len(conn.Subscriptions)),
		ExpiresAt:     conn.Credentials.ExpiresAt,
		LastError:     conn.LastError,
		CreatedAt:     conn.CreatedAt,
		UpdatedAt:     conn.UpdatedAt,
	}
	sensitive := map[string]bool{}
	if connector, err := s.authority.Registry().Get(conn.Key.ConnectorID); err == nil {
		for _, f := range connector.Auth.Settings {
			sensitive[f.Key] = f.Sensitive
		}
	}
	if len(conn.Settings) > 0 {
		v.Settings = make(map[string]string, len(conn.Settings))
		for k, val := range conn.Settings {
			// Undeclared settings are masked too.
			if hide, declared := sensitive[k]; hide || !declared {
				val = maskedValue
			}
			v.Settings[k] = val
		}
	}
	for _, sub := range conn.Subscriptions {
		v.Subscriptions = append(v.Subscriptions, newSubscriptionView(sub))
	}
	return v
}

// =============================================================================
// HANDLERS
// =============================================================================

// listConnectors handles GET /v1/connectors
func (s *Server) listConnectors(c echo.Context) error {
	registry := s.authority.Registry()
	out := []connectorView{}
	for _, id := range registry.List() {
		connector, err := registry.Get(id)
		if err != nil {
			continue
		}
		out = append(out, newConnectorView(connector))
	}
	return c.JSON(http.StatusOK, map[string]any{"data": out})
}

// getConnection handles GET /v1/connections/:connector/:owner
func (s *Server) getConnection(c echo.Context) error {
	conn, err := s.authority.Get(c.Request().Context(), key(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.connectionView(conn))
}

// deleteConnection handles DELETE /v1/connections/:connector/:owner
func (s *Server) deleteConnection(c echo.Context) error {
	if err := s.authority.Delete(c.Request().Context(), key(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type authorizeRequest struct {
	RedirectURL string   `json:"redirectUrl"`
	Scopes      []string `json:"scopes"`
}

// authorize handles POST /v1/connections/:connector/:owner/authorize
func (s *Server) authorize(c echo.Context) error {
	var req authorizeRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return core.Errorf(core.CodeBadRequest, "invalid authorize body")
		}
	}
	u, err := s.authority.Authorize(c.Request().Context(), key(c), authority.AuthorizeOptions{
		RedirectURL: req.RedirectURL,
		Scopes:      req.Scopes,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"url": u})
}

// callback handles GET /v1/oauth/callback
func (s *Server) callback(c echo.Context) error {
	if denied := c.QueryParam("error"); denied != "" {
		return core.Errorf(core.CodeAuthExchangeFailed, "authorization denied: %s %s", denied, c.QueryParam("error_description"))
	}
	state, code := c.QueryParam("state"), c.QueryParam("code")
	if state == "" || code == "" {
		return core.Errorf(core.CodeBadRequest, "state and code are required")
	}
	conn, err := s.authority.Callback(c.Request().Context(), state, code)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.connectionView(conn))
}

type settingsRequest struct {
	Settings map[string]string `json:"settings"`
}

// configure handles PUT /v1/connections/:connector/:owner/settings
func (s *Server) configure(c echo.Context) error {
	var req settingsRequest
	if err := c.Bind(&req); err != nil {
		return core.Errorf(core.CodeBadRequest, "invalid settings body")
	}
	conn, err := s.authority.Configure(c.Request().Context(), key(c), req.Settings)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.connectionView(conn))
}
