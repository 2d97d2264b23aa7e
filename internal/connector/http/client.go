package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nucleus/unified-core/internal/core"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig configures the HTTP client behavior.
type ClientConfig struct {
	// BaseURL is used when a request does not carry its own.
	BaseURL string

	// Auth is applied when a request does not carry its own.
	Auth AuthConfig

	// Timeout for individual requests (default: 30s).
	Timeout time.Duration

	// MaxRetries for retryable failures. Zero disables retries; retry policy
	// belongs to the caller.
	MaxRetries int

	// RateLimit requests per second (default: 10). Negative disables limiting.
	RateLimit float64

	// RateBurst maximum burst size (default: 5).
	RateBurst int

	// Headers to add to all requests.
	Headers map[string]string

	// UserAgent string (default: "Unified-Core/1.0").
	UserAgent string

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper
}

// DefaultClientConfig returns a client config with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:   30 * time.Second,
		RateLimit: 10.0,
		RateBurst: 5,
		UserAgent: "Unified-Core/1.0",
		Headers:   make(map[string]string),
	}
}

// =============================================================================
// HTTP CLIENT
// =============================================================================

// Client is a rate-limited HTTP client that classifies failures into the
// runtime error taxonomy.
type Client struct {
	config      *ClientConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewClient creates a new HTTP client with the given configuration.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10.0
	}
	if config.RateBurst == 0 {
		config.RateBurst = 5
	}
	if config.UserAgent == "" {
		config.UserAgent = "Unified-Core/1.0"
	}
	if config.Auth == nil {
		config.Auth = NoAuth{}
	}

	limit := rate.Limit(config.RateLimit)
	if config.RateLimit < 0 {
		limit = rate.Inf
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		rateLimiter: rate.NewLimiter(limit, config.RateBurst),
	}
}

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// Request represents an HTTP request to be made.
type Request struct {
	Method string

	// BaseURL overrides the client's base URL, e.g. a tenant subdomain.
	BaseURL string

	// Path is joined to the base URL. An absolute URL is used as-is.
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    []byte

	// Auth overrides the client's auth for this request.
	Auth AuthConfig
}

// Response wraps an HTTP response with convenience methods.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals the response body into the given target.
func (r *Response) JSON(target any) error {
	return json.Unmarshal(r.Body, target)
}

// URL resolves the full request URL.
func (r *Request) URL(defaultBase string) (string, error) {
	full := r.Path
	if !strings.HasPrefix(r.Path, "http://") && !strings.HasPrefix(r.Path, "https://") {
		base := r.BaseURL
		if base == "" {
			base = defaultBase
		}
		if base == "" {
			return "", core.Errorf(core.CodeBadConfiguration, "no base URL for %s", r.Path)
		}
		full = strings.TrimSuffix(base, "/")
		if r.Path != "" {
			full += "/" + strings.TrimPrefix(r.Path, "/")
		}
	}
	if len(r.Query) > 0 {
		sep := "?"
		if strings.Contains(full, "?") {
			sep = "&"
		}
		full += sep + r.Query.Encode()
	}
	return full, nil
}

// =============================================================================
// CLIENT METHODS
// =============================================================================

// Do executes a request. Non-2xx responses return both the response and a
// *core.Error carrying the upstream status and body unchanged.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, core.Wrap(core.CodeGatewayTimeout, err, "rate limiter")
		}

		resp, err := c.doOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !core.AsError(err).Retryable || attempt == c.config.MaxRetries {
			return resp, err
		}

		// Exponential backoff
		backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, core.Wrap(core.CodeGatewayTimeout, ctx.Err(), "retry backoff")
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// doOnce executes a single request attempt.
func (c *Client) doOnce(ctx context.Context, req *Request) (*Response, error) {
	fullURL, err := req.URL(c.config.BaseURL)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if req.Body != nil {
		body = strings.NewReader(string(req.Body))
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, body)
	if err != nil {
		return nil, core.Wrap(core.CodeBadRequest, err, "create request")
	}

	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	auth := req.Auth
	if auth == nil {
		auth = c.config.Auth
	}
	auth.Apply(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if core.IsTimeout(err) {
			return nil, core.Wrap(core.CodeGatewayTimeout, err, "%s %s", req.Method, req.Path)
		}
		return nil, core.Wrap(core.CodeUpstreamError, err, "%s %s", req.Method, req.Path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if core.IsTimeout(err) {
			return nil, core.Wrap(core.CodeGatewayTimeout, err, "read body")
		}
		return nil, core.Wrap(core.CodeUpstreamError, err, "read body")
	}

	response := &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       data,
	}
	if resp.StatusCode >= 400 {
		return response, core.FromHTTPStatus(resp.StatusCode, data)
	}
	return response, nil
}

// PostForm performs a form-encoded POST, as OAuth token endpoints expect.
func (c *Client) PostForm(ctx context.Context, endpoint string, form url.Values, auth AuthConfig) (*Response, error) {
	return c.Do(ctx, &Request{
		Method:  http.MethodPost,
		Path:    endpoint,
		Body:    []byte(form.Encode()),
		Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Auth:    auth,
	})
}

// StatusClass buckets a status code for metrics labels.
func StatusClass(status int) string {
	if status == 0 {
		return "error"
	}
	return fmt.Sprintf("%dxx", status/100)
}
