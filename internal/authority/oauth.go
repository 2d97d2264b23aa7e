package authority

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nucleus/unified-core/internal/connection"
	httpclient "github.com/nucleus/unified-core/internal/connector/http"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/endpoint"
)

// =============================================================================
// AUTHORIZE
// =============================================================================

// AuthorizeOptions tune one authorization URL.
type AuthorizeOptions struct {
	// RedirectURL overrides the app's redirect URL.
	RedirectURL string

	// Scopes are requested in addition to the connector and app scopes.
	Scopes []string
}

// Authorize starts the OAuth2 authorization-code flow and returns the URL the
// end user must visit. The connection is created if missing and moves to
// authorizing.
func (a *Authority) Authorize(ctx context.Context, key connection.Key, opts AuthorizeOptions) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	connector, err := a.registry.Get(key.ConnectorID)
	if err != nil {
		return "", err
	}
	spec := connector.Auth.OAuth2
	if connector.Auth.Type != endpoint.AuthOAuth2 || spec == nil {
		return "", core.Errorf(core.CodeBadConfiguration, "%s does not use oauth2", connector.ID)
	}
	app, err := a.App(connector.ID)
	if err != nil {
		return "", err
	}
	redirect := opts.RedirectURL
	if redirect == "" {
		redirect = app.RedirectURL
	}
	if redirect == "" {
		return "", core.Errorf(core.CodeBadConfiguration, "no redirect URL configured for %s", connector.ID)
	}

	if _, err := connection.RetrieveOrCreate(ctx, a.adapter, key); err != nil {
		return "", err
	}

	pending := &connection.PendingAuth{
		State:       encodeState(key, uuid.NewString()),
		RedirectURL: redirect,
		ExpiresAt:   a.now().Add(a.opts.StateTTL),
	}
	var challenge string
	if spec.PKCE {
		pending.CodeVerifier, challenge = pkcePair()
	}

	_, err = a.Update(ctx, key, func(c *connection.Connection) error {
		if err := c.Transition(connection.StateAuthorizing); err != nil {
			return err
		}
		c.Pending = pending
		return nil
	})
	if err != nil {
		return "", err
	}

	u, err := url.Parse(spec.AuthorizeURL)
	if err != nil {
		return "", core.Wrap(core.CodeBadConfiguration, err, "authorize URL of %s", connector.ID)
	}
	q := u.Query()
	q.Set("client_id", app.ClientID)
	q.Set("redirect_uri", redirect)
	q.Set("response_type", "code")
	q.Set("state", pending.State)
	if scopes := mergeScopes(spec.Scopes, app.Scopes, opts.Scopes); len(scopes) > 0 {
		sep := spec.ScopeSeparator
		if sep == "" {
			sep = " "
		}
		q.Set("scope", strings.Join(scopes, sep))
	}
	if challenge != "" {
		q.Set("code_challenge", challenge)
		q.Set("code_challenge_method", "S256")
	}
	for k, v := range spec.AuthorizeParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	a.logger.Info("authorization started", "connection", key.String(), "pkce", spec.PKCE)
	return u.String(), nil
}

// =============================================================================
// CALLBACK
// =============================================================================

// Callback redeems an authorization code. The state must match the pending
// handshake of the connection it encodes and must not have expired.
func (a *Authority) Callback(ctx context.Context, state, code string) (*connection.Connection, error) {
	key, ok := decodeState(state)
	if !ok {
		return nil, core.Errorf(core.CodeAuthInvalidState, "malformed state")
	}
	if code == "" {
		return nil, core.Errorf(core.CodeBadRequest, "authorization code is required")
	}
	conn, err := a.Get(ctx, key)
	if err != nil {
		if core.IsCode(err, core.CodeConnectionNotFound) {
			return nil, core.Errorf(core.CodeAuthInvalidState, "unknown state")
		}
		return nil, err
	}
	if conn.Pending == nil || conn.Pending.State != state {
		return nil, core.Errorf(core.CodeAuthInvalidState, "state does not match a pending authorization")
	}
	if !a.now().Before(conn.Pending.ExpiresAt) {
		return nil, core.Errorf(core.CodeAuthInvalidState, "authorization state expired")
	}

	connector, err := a.registry.Get(key.ConnectorID)
	if err != nil {
		return nil, err
	}
	spec := connector.Auth.OAuth2
	if spec == nil {
		return nil, core.Errorf(core.CodeBadConfiguration, "%s does not use oauth2", connector.ID)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", conn.Pending.RedirectURL)
	if conn.Pending.CodeVerifier != "" {
		form.Set("code_verifier", conn.Pending.CodeVerifier)
	}

	tok, err := a.tokenRequest(ctx, connector, conn, form)
	if err != nil {
		a.fail(ctx, key, err)
		return nil, core.Wrap(core.CodeAuthExchangeFailed, err, "exchange code for %s", key)
	}

	staged := conn.Clone()
	applyToken(staged, tok, a.now())
	if spec.OnTokenExchanged != nil {
		if err := spec.OnTokenExchanged(ctx, a.stagedSession(connector, staged), tok); err != nil {
			a.fail(ctx, key, err)
			return nil, core.Wrap(core.CodeAuthExchangeFailed, err, "token exchange hook for %s", key)
		}
	}

	updated, err := a.Update(ctx, key, func(c *connection.Connection) error {
		if err := c.Transition(connection.StateAuthorized); err != nil {
			return err
		}
		c.Credentials = staged.Credentials
		for k, v := range staged.Metadata {
			c.SetMeta(k, v)
		}
		c.IdentifierKey = staged.IdentifierKey
		c.Pending = nil
		c.LastError = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("connection authorized", "connection", key.String())
	return updated, nil
}

// tokenRequest posts a grant to the connector's token endpoint.
func (a *Authority) tokenRequest(ctx context.Context, connector *endpoint.Connector, conn *connection.Connection, form url.Values) (*endpoint.TokenResponse, error) {
	spec := connector.Auth.OAuth2
	app, err := a.App(connector.ID)
	if err != nil {
		return nil, err
	}

	tokenURL := spec.TokenURL
	if spec.TokenURLFunc != nil {
		if tokenURL, err = spec.TokenURLFunc(conn); err != nil {
			return nil, core.Wrap(core.CodeBadConfiguration, err, "token URL of %s", connector.ID)
		}
	}

	var auth httpclient.AuthConfig = httpclient.NoAuth{}
	switch spec.ClientAuth {
	case endpoint.ClientAuthBasic:
		auth = httpclient.BasicAuth{Username: app.ClientID, Password: app.ClientSecret}
	default:
		form.Set("client_id", app.ClientID)
		form.Set("client_secret", app.ClientSecret)
	}

	start := time.Now()
	resp, err := a.client(conn.Key).PostForm(ctx, tokenURL, form, auth)
	a.recordProxy(connector.ID, "POST", resp, start)
	if err != nil {
		return nil, err
	}
	return parseToken(resp.Body)
}

// fail records an auth failure on the stored connection.
func (a *Authority) fail(ctx context.Context, key connection.Key, cause error) {
	_, err := a.Update(ctx, key, func(c *connection.Connection) error {
		c.Fail(cause)
		c.Pending = nil
		return nil
	})
	if err != nil {
		a.logger.Warn("record auth failure", "connection", key.String(), "error", err)
	}
}

// =============================================================================
// TOKENS
// =============================================================================

// parseToken decodes a token endpoint response. expires_in may arrive as a
// number or a numeric string.
func parseToken(body []byte) (*endpoint.TokenResponse, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, core.Wrap(core.CodeUpstreamError, err, "decode token response")
	}
	tok := &endpoint.TokenResponse{
		AccessToken:  str(raw["access_token"]),
		RefreshToken: str(raw["refresh_token"]),
		TokenType:    str(raw["token_type"]),
		Scope:        str(raw["scope"]),
		Raw:          raw,
	}
	switch v := raw["expires_in"].(type) {
	case float64:
		tok.ExpiresIn = int64(v)
	case string:
		tok.ExpiresIn, _ = strconv.ParseInt(v, 10, 64)
	}
	if tok.AccessToken == "" {
		return nil, core.Errorf(core.CodeUpstreamError, "token response has no access_token")
	}
	return tok, nil
}

// applyToken stores a token response, keeping the previous refresh token
// when the provider does not rotate it.
func applyToken(c *connection.Connection, tok *endpoint.TokenResponse, now time.Time) {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = c.Credentials.RefreshToken
	}
	creds := connection.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		TokenType:    tok.TokenType,
		Scope:        tok.Scope,
		Raw:          tok.Raw,
	}
	if tok.ExpiresIn > 0 {
		exp := now.Add(time.Duration(tok.ExpiresIn) * time.Second)
		creds.ExpiresAt = &exp
	}
	c.Credentials = creds
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// =============================================================================
// STATE AND PKCE
// =============================================================================

// encodeState binds a nonce to the connection key so the callback can find
// the pending handshake without a separate index.
func encodeState(key connection.Key, nonce string) string {
	enc := base64.RawURLEncoding
	return nonce + "." + enc.EncodeToString([]byte(key.ConnectorID)) + "." + enc.EncodeToString([]byte(key.OwnerID))
}

func decodeState(state string) (connection.Key, bool) {
	parts := strings.Split(state, ".")
	if len(parts) != 3 || parts[0] == "" {
		return connection.Key{}, false
	}
	connector, err1 := base64.RawURLEncoding.DecodeString(parts[1])
	owner, err2 := base64.RawURLEncoding.DecodeString(parts[2])
	if err1 != nil || err2 != nil || len(connector) == 0 || len(owner) == 0 {
		return connection.Key{}, false
	}
	return connection.Key{ConnectorID: string(connector), OwnerID: string(owner)}, true
}

// pkcePair creates a PKCE verifier and its S256 challenge.
func pkcePair() (verifier, challenge string) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

func mergeScopes(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range lists {
		for _, s := range list {
			if s != "" && !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
