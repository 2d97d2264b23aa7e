// Package httpstub serves upstream APIs in-process for tests: no listeners,
// every request is routed to an http.Handler and counted.
package httpstub

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
)

// Recorded is one request seen by the stub.
type Recorded struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// Server routes requests to handlers registered by "METHOD /path" patterns.
type Server struct {
	mux   *http.ServeMux
	calls atomic.Int64

	mu       sync.Mutex
	requests []Recorded
}

// New creates an empty stub.
func New() *Server {
	return &Server{mux: http.NewServeMux()}
}

// Handle registers a handler using net/http pattern syntax ("GET /v1/calls").
func (s *Server) Handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, h)
}

// JSON registers a handler that always answers status with body encoded as JSON.
func (s *Server) JSON(pattern string, status int, body any) {
	s.Handle(pattern, func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, status, body)
	})
}

// Transport returns a RoundTripper serving requests in-process.
func (s *Server) Transport() http.RoundTripper {
	return roundTripper{s}
}

// Calls returns the number of requests served.
func (s *Server) Calls() int {
	return int(s.calls.Load())
}

// Requests returns a copy of every recorded request.
func (s *Server) Requests() []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Recorded(nil), s.requests...)
}

// Last returns the most recent request.
func (s *Server) Last() Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return Recorded{}
	}
	return s.requests[len(s.requests)-1]
}

type roundTripper struct{ s *Server }

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.s.calls.Add(1)

	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body = io.NopCloser(strings.NewReader(string(body)))
	}
	rt.s.mu.Lock()
	rt.s.requests = append(rt.s.requests, Recorded{
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.RawQuery,
		Header: req.Header.Clone(),
		Body:   body,
	})
	rt.s.mu.Unlock()

	rr := httptest.NewRecorder()
	rt.s.mux.ServeHTTP(rr, req)
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	res := rr.Result()
	res.Request = req
	return res, nil
}

// WriteJSON writes body as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
