package authority

import (
	"context"
	"net/url"

	"github.com/nucleus/unified-core/internal/connection"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/endpoint"
)

// Refresh forces a token refresh for an OAuth2 connection.
func (a *Authority) Refresh(ctx context.Context, key connection.Key) (*connection.Connection, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	connector, err := a.registry.Get(key.ConnectorID)
	if err != nil {
		return nil, err
	}
	if connector.Auth.Type != endpoint.AuthOAuth2 {
		return nil, core.Errorf(core.CodeBadConfiguration, "%s does not use oauth2", connector.ID)
	}
	return a.refresh(ctx, connector, key, true)
}

// refresh serializes refreshes per connection key: concurrent callers share
// one upstream token request and receive the same credentials. The flight
// runs detached from any single caller's cancellation.
func (a *Authority) refresh(ctx context.Context, connector *endpoint.Connector, key connection.Key, force bool) (*connection.Connection, error) {
	ch := a.refreshes.DoChan(key.String(), func() (any, error) {
		return a.doRefresh(context.WithoutCancel(ctx), connector, key, force)
	})
	select {
	case <-ctx.Done():
		return nil, core.Wrap(core.CodeGatewayTimeout, ctx.Err(), "waiting for token refresh of %s", key)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*connection.Connection).Clone(), nil
	}
}

func (a *Authority) doRefresh(ctx context.Context, connector *endpoint.Connector, key connection.Key, force bool) (*connection.Connection, error) {
	// Reload: another flight, or another process, may have refreshed already.
	conn, err := a.adapter.RetrieveConnection(ctx, key)
	if err != nil {
		return nil, err
	}
	if !force && !conn.Credentials.Expired(a.now(), a.opts.RefreshMargin) {
		return conn, nil
	}

	if conn.Credentials.RefreshToken == "" {
		err := core.Errorf(core.CodeAuthExpired, "access token of %s expired and no refresh token is stored", key)
		a.fail(ctx, key, err)
		a.opts.Metrics.RecordRefresh(connector.ID, "expired")
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", conn.Credentials.RefreshToken)

	tok, err := a.tokenRequest(ctx, connector, conn, form)
	if err != nil {
		cause := core.AsError(err)
		if cause.Retryable {
			// Transient: the grant may still be valid, leave the connection as is.
			a.opts.Metrics.RecordRefresh(connector.ID, "error")
			a.logger.Warn("token refresh failed transiently", "connection", key.String(), "error", err)
			return nil, transient(cause, err, key)
		}
		wrapped := core.Wrap(core.CodeAuthExpired, err, "refresh token of %s", key)
		wrapped.Status, wrapped.Body = cause.Status, cause.Body
		a.fail(ctx, key, wrapped)
		a.opts.Metrics.RecordRefresh(connector.ID, "expired")
		a.logger.Warn("token refresh rejected", "connection", key.String(), "status", cause.Status)
		return nil, wrapped
	}

	updated, err := a.Update(ctx, key, func(c *connection.Connection) error {
		applyToken(c, tok, a.now())
		return nil
	})
	if err != nil {
		a.opts.Metrics.RecordRefresh(connector.ID, "error")
		return nil, err
	}
	a.opts.Metrics.RecordRefresh(connector.ID, "success")
	a.logger.Info("token refreshed", "connection", key.String())
	return updated, nil
}

// transient keeps a retryable token endpoint failure in the retryable
// taxonomy: rate limits and timeouts as such, anything else as
// UPSTREAM_ERROR.
func transient(cause *core.Error, err error, key connection.Key) *core.Error {
	code := cause.Code
	if code != core.CodeRateLimited && code != core.CodeGatewayTimeout {
		code = core.CodeUpstreamError
	}
	out := core.Wrap(code, err, "refresh token of %s", key)
	out.Status, out.Body = cause.Status, cause.Body
	return out
}
