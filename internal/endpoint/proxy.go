package endpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/nucleus/unified-core/internal/connection"
	"github.com/nucleus/unified-core/internal/core"
)

// ProxyRequest is one upstream call relative to the connector's base URL.
type ProxyRequest struct {
	Method  string
	Path    string
	Query   url.Values
	Data    any
	Headers map[string]string
}

// ProxyResponse is the raw upstream answer.
type ProxyResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// JSON decodes the body into target. A decode failure is MAPPER_FAILED.
func (r *ProxyResponse) JSON(target any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, target); err != nil {
		return core.Wrap(core.CodeMapperFailed, err, "decode upstream response")
	}
	return nil
}

// Object decodes the body as a JSON object.
func (r *ProxyResponse) Object() (map[string]any, error) {
	var out map[string]any
	if err := r.JSON(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Call is an authorized, request-scoped handle on one connection.
type Call interface {
	// Do executes one signed upstream request. Non-2xx answers are *core.Error
	// values carrying the upstream status and body unchanged.
	Do(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)

	// Connection is the request-scoped view of the connection.
	Connection() *connection.Connection
}

// Get is a GET shorthand returning the decoded object.
func Get(ctx context.Context, call Call, path string, query url.Values) (map[string]any, error) {
	resp, err := call.Do(ctx, &ProxyRequest{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return nil, err
	}
	return resp.Object()
}

// Send issues a request with a JSON body and returns the decoded object.
func Send(ctx context.Context, call Call, method, path string, data any) (map[string]any, error) {
	resp, err := call.Do(ctx, &ProxyRequest{Method: method, Path: path, Data: data})
	if err != nil {
		return nil, err
	}
	return resp.Object()
}

// Memoizer is implemented by calls that cache lookups for their lifetime.
type Memoizer interface {
	Memo(key string, fn func() (any, error)) (any, error)
}

// Memo runs fn at most once per call and key when call is a Memoizer, and on
// every invocation otherwise. Failures are not cached.
func Memo[T any](call Call, key string, fn func() (T, error)) (T, error) {
	m, ok := call.(Memoizer)
	if !ok {
		return fn()
	}
	v, err := m.Memo(key, func() (any, error) { return fn() })
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
