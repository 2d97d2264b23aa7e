// Package connectortest wires one connector declaration into a full runtime
// over a stubbed upstream, for connector package tests.
package connectortest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/unified-core/internal/authority"
	"github.com/nucleus/unified-core/internal/connection"
	httpclient "github.com/nucleus/unified-core/internal/connector/http"
	"github.com/nucleus/unified-core/internal/connector/http/httpstub"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/event"
	"github.com/nucleus/unified-core/internal/metrics"
	"github.com/nucleus/unified-core/internal/objectstore"
	"github.com/nucleus/unified-core/internal/operation"
)

// Harness is a runtime serving a single connector.
type Harness struct {
	Connector  *endpoint.Connector
	Adapter    *connection.MemoryAdapter
	Authority  *authority.Authority
	Runner     *operation.Runner
	Pipeline   *event.Pipeline
	DeadLetter *event.DeadLetter
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	Stub       *httpstub.Server
	Sink       *Recorder
}

// Options tunes a Harness.
type Options struct {
	Apps map[string]endpoint.OAuthApp
	Now  func() time.Time
}

// New registers c in a private registry and builds the runtime around it.
func New(t testing.TB, c *endpoint.Connector, opts Options) *Harness {
	t.Helper()
	registry := endpoint.NewRegistry()
	registry.Register(c)
	reg := prometheus.NewRegistry()

	h := &Harness{
		Connector: c,
		Adapter:   connection.NewMemoryAdapter(),
		Metrics:   metrics.New(reg),
		Registry:  reg,
		Stub:      httpstub.New(),
		Sink:      &Recorder{},
	}
	h.Authority = authority.New(registry, h.Adapter, authority.Options{
		Apps:        opts.Apps,
		RedirectURL: "https://unified.test/callback",
		HTTP:        httpclient.ClientConfig{RateLimit: -1, MaxRetries: 0, Transport: h.Stub.Transport()},
		Metrics:     h.Metrics,
		Now:         opts.Now,
	})
	h.Runner = operation.NewRunner(h.Authority, nil)
	h.DeadLetter = event.NewDeadLetter(objectstore.NewLocalStore(t.TempDir()), "", "")
	h.Pipeline = event.NewPipeline(h.Authority, event.Options{
		Sink:       h.Sink,
		DeadLetter: h.DeadLetter,
		Metrics:    h.Metrics,
	})
	return h
}

// Configure stores a custom-auth connection for owner.
func (h *Harness) Configure(t testing.TB, owner string, settings map[string]string) connection.Key {
	t.Helper()
	key := connection.Key{ConnectorID: h.Connector.ID, OwnerID: owner}
	_, err := h.Authority.Configure(context.Background(), key, settings)
	require.NoError(t, err)
	return key
}

// Authorized stores an authorized oauth2 connection for owner. mutate may
// set metadata, identifier and subscriptions before it is stored.
func (h *Harness) Authorized(t testing.TB, owner string, mutate func(*connection.Connection)) connection.Key {
	t.Helper()
	key := connection.Key{ConnectorID: h.Connector.ID, OwnerID: owner}
	c := connection.New(key)
	c.State = connection.StateAuthorized
	c.Credentials.AccessToken = "access-" + owner
	c.Credentials.RefreshToken = "refresh-" + owner
	exp := time.Now().Add(time.Hour)
	c.Credentials.ExpiresAt = &exp
	if mutate != nil {
		mutate(c)
	}
	require.NoError(t, h.Adapter.CreateConnection(context.Background(), c))
	return key
}

// Connection reads the stored connection.
func (h *Harness) Connection(t testing.TB, key connection.Key) *connection.Connection {
	t.Helper()
	c, err := h.Authority.Get(context.Background(), key)
	require.NoError(t, err)
	return c
}

// Recorder is an event.Sink that keeps every delivered event.
type Recorder struct {
	mu     sync.Mutex
	events []*cdm.Event
}

// Deliver implements event.Sink.
func (r *Recorder) Deliver(_ context.Context, ev *cdm.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a snapshot of delivered events.
func (r *Recorder) Events() []*cdm.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*cdm.Event(nil), r.events...)
}
