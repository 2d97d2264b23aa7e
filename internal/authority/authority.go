// Package authority owns the credential lifecycle of connections and builds
// signed upstream calls for them.
//
// Architecture:
//
//	Authorize  - PKCE + state, connection moves to authorizing
//	Callback   - code exchange, onTokenExchanged hook, authorized
//	Configure  - custom-auth settings, validated against the connector schema
//	Session    - request-scoped endpoint.Call; transparent refresh on expiry
//	Refresh    - single-flight per connection key
//	Delete     - best-effort upstream revoke, then purge
package authority

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nucleus/unified-core/internal/connection"
	httpclient "github.com/nucleus/unified-core/internal/connector/http"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/metrics"
)

const (
	// DefaultRefreshMargin treats tokens this close to expiry as expired.
	DefaultRefreshMargin = time.Minute

	// DefaultStateTTL bounds how long an authorization URL stays redeemable.
	DefaultStateTTL = 10 * time.Minute
)

// Options configures an Authority.
type Options struct {
	// Apps holds OAuth client registrations by connector id.
	Apps map[string]endpoint.OAuthApp

	// RedirectURL is used for apps that do not declare their own.
	RedirectURL string

	// HTTP is the template for per-connection upstream clients, so each
	// connection gets its own rate limit. BaseURL and Auth are ignored; they
	// come from the connector and connection.
	HTTP httpclient.ClientConfig

	RefreshMargin time.Duration
	StateTTL      time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now is the clock; tests pin it.
	Now func() time.Time
}

// Authority is the Credential & Proxy Authority.
type Authority struct {
	registry *endpoint.Registry
	adapter  connection.Adapter
	opts     Options
	logger   *slog.Logger

	refreshes singleflight.Group

	mu      sync.Mutex
	clients map[connection.Key]*httpclient.Client
}

// New creates an Authority over a registry and a connection store.
func New(registry *endpoint.Registry, adapter connection.Adapter, opts Options) *Authority {
	if opts.RefreshMargin == 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	if opts.StateTTL == 0 {
		opts.StateTTL = DefaultStateTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{
		registry: registry,
		adapter:  adapter,
		opts:     opts,
		logger:   logger.With("component", "authority"),
		clients:  make(map[connection.Key]*httpclient.Client),
	}
}

// Registry returns the connector registry the authority serves.
func (a *Authority) Registry() *endpoint.Registry {
	return a.registry
}

// App returns the OAuth registration for a connector.
func (a *Authority) App(connectorID string) (endpoint.OAuthApp, error) {
	app, ok := a.opts.Apps[connectorID]
	if !ok || app.ClientID == "" {
		return endpoint.OAuthApp{}, core.Errorf(core.CodeBadConfiguration, "no oauth app configured for %s", connectorID)
	}
	if app.RedirectURL == "" {
		app.RedirectURL = a.opts.RedirectURL
	}
	return app, nil
}

// Get returns the stored connection.
func (a *Authority) Get(ctx context.Context, key connection.Key) (*connection.Connection, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return a.adapter.RetrieveConnection(ctx, key)
}

// Update applies fn to the stored connection with compare-and-swap retries.
func (a *Authority) Update(ctx context.Context, key connection.Key, fn func(*connection.Connection) error) (*connection.Connection, error) {
	return connection.Mutate(ctx, a.adapter, key, fn)
}

// FindByIdentifier lists connections of a connector routed by identifierKey.
func (a *Authority) FindByIdentifier(ctx context.Context, connectorID, identifierKey string) ([]*connection.Connection, error) {
	return a.adapter.FindByIdentifier(ctx, connectorID, identifierKey)
}

// Delete revokes upstream credentials when the connector supports it, then
// purges the connection. Revocation is best effort.
func (a *Authority) Delete(ctx context.Context, key connection.Key) error {
	conn, err := a.Get(ctx, key)
	if err != nil {
		return err
	}
	connector, err := a.registry.Get(key.ConnectorID)
	if err != nil {
		return err
	}

	if connector.Revoke != nil && conn.State == connection.StateAuthorized {
		if sess, err := a.Session(ctx, key); err != nil {
			a.logger.Warn("revoke skipped", "connection", key.String(), "error", err)
		} else if err := connector.Revoke(ctx, sess); err != nil {
			a.logger.Warn("upstream revoke failed", "connection", key.String(), "error", err)
		}
	}

	view := conn.Clone()
	if err := view.Transition(connection.StateRevoked); err != nil {
		return err
	}
	if err := a.adapter.DeleteConnection(ctx, key); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.clients, key)
	a.mu.Unlock()
	a.logger.Info("connection deleted", "connection", key.String())
	return nil
}

// client returns the upstream client of one connection.
func (a *Authority) client(key connection.Key) *httpclient.Client {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.clients[key]; ok {
		return c
	}
	cfg := a.opts.HTTP
	cfg.BaseURL = ""
	cfg.Auth = nil
	if cfg.Headers != nil {
		headers := make(map[string]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			headers[k] = v
		}
		cfg.Headers = headers
	}
	c := httpclient.NewClient(&cfg)
	a.clients[key] = c
	return c
}

func (a *Authority) now() time.Time {
	return a.opts.Now()
}
