package authority

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nucleus/unified-core/internal/connection"
	httpclient "github.com/nucleus/unified-core/internal/connector/http"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/endpoint"
)

// Session is the request-scoped, authorized handle on one connection. It
// implements endpoint.Call and is safe for concurrent use: a refresh swaps
// the whole view, and each request signs with the view it started from.
type Session struct {
	authority *Authority
	connector *endpoint.Connector

	// staged sessions wrap a connection that is not stored yet.
	staged bool

	mu   sync.RWMutex
	view view

	memoMu sync.Mutex
	memo   map[string]*memoEntry
}

// view is what one request is signed with.
type view struct {
	conn    *connection.Connection
	baseURL string
	auth    httpclient.AuthConfig
}

type memoEntry struct {
	mu   sync.Mutex
	done bool
	val  any
}

var _ endpoint.Call = (*Session)(nil)

// Session resolves a connection into a Call: the state must allow calls,
// required settings must be present, expired tokens are refreshed first and
// the base URL is resolved against the live connection.
func (a *Authority) Session(ctx context.Context, key connection.Key) (*Session, error) {
	conn, err := a.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	connector, err := a.registry.Get(key.ConnectorID)
	if err != nil {
		return nil, err
	}

	switch conn.State {
	case connection.StateAuthorized:
	case connection.StateRevoked:
		return nil, core.Errorf(core.CodeAuthRevoked, "connection %s was revoked", key)
	default:
		if connector.Auth.Type != endpoint.AuthNone {
			msg := "connection " + key.String() + " is " + string(conn.State)
			if conn.LastError != "" {
				msg += ": " + conn.LastError
			}
			return nil, core.Errorf(core.CodeAuthNotAuthorized, "%s", msg)
		}
	}

	if err := checkSettings(connector.Auth.Settings, conn.Settings, false); err != nil {
		return nil, err
	}

	if connector.Auth.Type == endpoint.AuthOAuth2 && conn.Credentials.Expired(a.now(), a.opts.RefreshMargin) {
		if conn, err = a.refresh(ctx, connector, key, false); err != nil {
			return nil, err
		}
	}

	v, err := resolve(ctx, connector, conn)
	if err != nil {
		return nil, err
	}
	return &Session{authority: a, connector: connector, view: v}, nil
}

// stagedSession wraps a freshly exchanged connection for OnTokenExchanged.
// It uses the static base URL and never refreshes.
func (a *Authority) stagedSession(connector *endpoint.Connector, conn *connection.Connection) *Session {
	return &Session{
		authority: a,
		connector: connector,
		staged:    true,
		view: view{
			conn:    conn,
			baseURL: connector.Proxy.BaseURL,
			auth:    httpclient.BearerToken{Token: conn.Credentials.AccessToken},
		},
	}
}

// Connection returns the request-scoped view of the connection.
func (s *Session) Connection() *connection.Connection {
	return s.current().conn
}

// Connector returns the connector declaration the session calls.
func (s *Session) Connector() *endpoint.Connector {
	return s.connector
}

func (s *Session) current() view {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Do executes one upstream request. A 401 on an OAuth2 connection with a
// refresh token triggers one refresh and one replay. Concurrent 401s share
// the refresh flight.
func (s *Session) Do(ctx context.Context, req *endpoint.ProxyRequest) (*endpoint.ProxyResponse, error) {
	v := s.current()
	resp, err := s.do(ctx, v, req)
	if !core.IsCode(err, core.CodeUnauthorized) || !s.canRefresh(v) {
		return resp, err
	}

	conn, rerr := s.authority.refresh(ctx, s.connector, v.conn.Key, true)
	if rerr != nil {
		return resp, rerr
	}
	next, rerr := resolve(ctx, s.connector, conn)
	if rerr != nil {
		return resp, rerr
	}
	s.mu.Lock()
	s.view = next
	s.mu.Unlock()
	return s.do(ctx, next, req)
}

func (s *Session) canRefresh(v view) bool {
	return !s.staged && s.connector.Auth.Type == endpoint.AuthOAuth2 && v.conn.Credentials.RefreshToken != ""
}

// Memo caches fn's result under key for the session's lifetime.
func (s *Session) Memo(key string, fn func() (any, error)) (any, error) {
	s.memoMu.Lock()
	if s.memo == nil {
		s.memo = map[string]*memoEntry{}
	}
	e, ok := s.memo[key]
	if !ok {
		e = &memoEntry{}
		s.memo[key] = e
	}
	s.memoMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return e.val, nil
	}
	v, err := fn()
	if err != nil {
		return nil, err
	}
	e.val, e.done = v, true
	return v, nil
}

// resolve computes the base URL and request auth of conn.
func resolve(ctx context.Context, connector *endpoint.Connector, conn *connection.Connection) (view, error) {
	v := view{conn: conn, baseURL: connector.Proxy.BaseURL}
	if fn := connector.Proxy.BaseURLFunc; fn != nil {
		var err error
		if v.baseURL, err = fn(ctx, conn); err != nil {
			if core.CodeOf(err) != "" {
				return view{}, err
			}
			return view{}, core.Wrap(core.CodeBadConfiguration, err, "resolve base URL of %s", conn.Key)
		}
	}
	if v.baseURL == "" {
		return view{}, core.Errorf(core.CodeBadConfiguration, "%s has no base URL", conn.Key)
	}

	switch {
	case connector.Auth.Apply != nil:
		auth, err := connector.Auth.Apply(conn)
		if err != nil {
			if core.CodeOf(err) != "" {
				return view{}, err
			}
			return view{}, core.Wrap(core.CodeBadConfiguration, err, "build auth for %s", conn.Key)
		}
		v.auth = auth
	case connector.Auth.Type == endpoint.AuthOAuth2:
		v.auth = httpclient.BearerToken{Token: conn.Credentials.AccessToken}
	default:
		v.auth = httpclient.NoAuth{}
	}
	return v, nil
}

func (s *Session) do(ctx context.Context, v view, req *endpoint.ProxyRequest) (*endpoint.ProxyResponse, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	headers := map[string]string{}
	if fn := s.connector.Proxy.Headers; fn != nil {
		for k, val := range fn(v.conn) {
			headers[k] = val
		}
	}

	var body []byte
	switch data := req.Data.(type) {
	case nil:
	case []byte:
		body = data
	case url.Values:
		body = []byte(data.Encode())
		headers["Content-Type"] = "application/x-www-form-urlencoded"
	default:
		var err error
		if body, err = json.Marshal(data); err != nil {
			return nil, core.Wrap(core.CodeBadRequest, err, "encode request body")
		}
		headers["Content-Type"] = "application/json"
	}
	for k, val := range req.Headers {
		headers[k] = val
	}

	start := time.Now()
	resp, err := s.authority.client(v.conn.Key).Do(ctx, &httpclient.Request{
		Method:  method,
		BaseURL: v.baseURL,
		Path:    req.Path,
		Query:   req.Query,
		Headers: headers,
		Body:    body,
		Auth:    v.auth,
	})
	s.authority.recordProxy(s.connector.ID, method, resp, start)
	s.authority.logger.Debug("proxy call",
		"connection", v.conn.Key.String(),
		"method", method,
		"path", req.Path,
		"duration", time.Since(start),
		"error", err,
	)

	if resp == nil {
		return nil, err
	}
	return &endpoint.ProxyResponse{
		Status:  resp.StatusCode,
		Headers: resp.Headers,
		Body:    resp.Body,
	}, err
}

func (a *Authority) recordProxy(connectorID, method string, resp *httpclient.Response, start time.Time) {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	a.opts.Metrics.RecordProxy(connectorID, method, httpclient.StatusClass(status), time.Since(start))
}
