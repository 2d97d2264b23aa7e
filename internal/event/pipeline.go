// Package event normalizes inbound webhook deliveries into canonical events.
//
// Architecture:
//
//	delivery ──► Identify ──► route ──► Validate ──► Project ──► Sink
//	                 │          │           │            │
//	                 └──────────┴───────────┴────────────┴──► DeadLetter
//
// Identify works on the payload alone. For global connectors the identifier
// key it yields is resolved to connections through the authority; for
// per-connection routes the connection is named by the URL. Validation and
// projection always run against one connection. Dropped deliveries are
// archived with their diagnostic when a DeadLetter is configured.
package event

import (
	"context"
	"log/slog"

	"github.com/nucleus/unified-core/internal/authority"
	"github.com/nucleus/unified-core/internal/connection"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/metrics"
)

// Delivery outcomes, used as metric labels.
const (
	OutcomeDelivered = "delivered"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Options configures a Pipeline.
type Options struct {
	Sink       Sink
	DeadLetter *DeadLetter
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Pipeline runs deliveries through a connector's event mapper.
type Pipeline struct {
	authority  *authority.Authority
	sink       Sink
	deadLetter *DeadLetter
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewPipeline creates a pipeline. Events go to a LogSink when no sink is set.
func NewPipeline(a *authority.Authority, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "event")
	sink := opts.Sink
	if sink == nil {
		sink = &LogSink{Logger: logger}
	}
	return &Pipeline{
		authority:  a,
		sink:       sink,
		deadLetter: opts.DeadLetter,
		metrics:    opts.Metrics,
		logger:     logger,
	}
}

// Result is the outcome of one delivery.
type Result struct {
	Events []*cdm.Event `json:"events"`

	// Ignored is set when the delivery was authentic but not routable to a
	// subscribed, supported model/trigger (pings, unsubscribed pairs).
	Ignored bool `json:"ignored,omitempty"`
}

// =============================================================================
// ENTRY POINTS
// =============================================================================

// HandleGlobal processes a delivery on a connector's shared endpoint. Every
// connection sharing the identifier key and subscribed to the pair receives
// its own copy of the events.
func (p *Pipeline) HandleGlobal(ctx context.Context, connectorID string, req *endpoint.WebhookRequest) (*Result, error) {
	connector, err := p.connector(connectorID, true)
	if err != nil {
		return nil, err
	}
	id, err := p.identify(connector, req)
	if err != nil {
		return nil, p.reject(ctx, connector.ID, "", req, err)
	}
	if id == nil || !connector.Events.Supports(id.Model, id.Trigger) {
		// Global validators check the app secret and need no connection.
		if err := p.validate(connector, nil, req); err != nil {
			return nil, p.reject(ctx, connector.ID, "", req, err)
		}
		return p.ignore(connector.ID), nil
	}
	if id.IdentifierKey == "" {
		return nil, p.reject(ctx, connector.ID, "", req, core.Errorf(core.CodeWebhookIdentificationFailed, "%s delivery carries no identifier", connector.ID))
	}

	conns, err := p.authority.FindByIdentifier(ctx, connector.ID, id.IdentifierKey)
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return nil, p.reject(ctx, connector.ID, "", req, core.Errorf(core.CodeWebhookIdentificationFailed, "no %s connection for identifier %q", connector.ID, id.IdentifierKey))
	}

	res := &Result{Events: []*cdm.Event{}}
	routed := 0
	for _, conn := range conns {
		if !routable(conn, id) {
			continue
		}
		routed++
		events, err := p.process(ctx, connector, conn, req, id)
		if err != nil {
			return nil, p.reject(ctx, connector.ID, conn.Key.OwnerID, req, err)
		}
		res.Events = append(res.Events, events...)
	}
	if routed == 0 {
		if err := p.validate(connector, conns[0], req); err != nil {
			return nil, p.reject(ctx, connector.ID, conns[0].Key.OwnerID, req, err)
		}
	}
	return p.deliver(ctx, connector.ID, res)
}

// HandleConnection processes a delivery on a per-connection endpoint.
func (p *Pipeline) HandleConnection(ctx context.Context, key connection.Key, req *endpoint.WebhookRequest) (*Result, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	connector, err := p.connector(key.ConnectorID, false)
	if err != nil {
		return nil, err
	}
	conn, err := p.authority.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	id, err := p.identify(connector, req)
	if err != nil {
		return nil, p.reject(ctx, connector.ID, key.OwnerID, req, err)
	}
	if id == nil || !connector.Events.Supports(id.Model, id.Trigger) || !routable(conn, id) {
		// Authenticity is still checked so unsigned requests cannot map routes.
		if err := p.validate(connector, conn, req); err != nil {
			return nil, p.reject(ctx, connector.ID, key.OwnerID, req, err)
		}
		return p.ignore(connector.ID), nil
	}

	events, err := p.process(ctx, connector, conn, req, id)
	if err != nil {
		return nil, p.reject(ctx, connector.ID, key.OwnerID, req, err)
	}
	return p.deliver(ctx, connector.ID, &Result{Events: events})
}

// =============================================================================
// STAGES
// =============================================================================

func (p *Pipeline) connector(id string, global bool) (*endpoint.Connector, error) {
	connector, err := p.authority.Registry().Get(id)
	if err != nil {
		return nil, err
	}
	if connector.Events == nil || connector.Events.Global != global {
		return nil, core.Errorf(core.CodeWebhooksNotSupported, "%s does not receive webhooks on this route", id)
	}
	return connector, nil
}

func (p *Pipeline) identify(connector *endpoint.Connector, req *endpoint.WebhookRequest) (*endpoint.Identification, error) {
	id, err := connector.Events.Mapper.Identify(req)
	if err != nil {
		return nil, asWebhookError(err, core.CodeWebhookIdentificationFailed)
	}
	return id, nil
}

func (p *Pipeline) validate(connector *endpoint.Connector, conn *connection.Connection, req *endpoint.WebhookRequest) error {
	if err := connector.Events.Mapper.Validate(req, p.eventContext(connector, conn)); err != nil {
		return asWebhookError(err, core.CodeWebhookValidationFailed)
	}
	return nil
}

// process validates then projects a delivery for one connection and stamps
// routing and idempotency on every event.
func (p *Pipeline) process(ctx context.Context, connector *endpoint.Connector, conn *connection.Connection, req *endpoint.WebhookRequest, id *endpoint.Identification) ([]*cdm.Event, error) {
	if err := p.validate(connector, conn, req); err != nil {
		return nil, err
	}
	events, err := connector.Events.Mapper.Project(req, p.eventContext(connector, conn), id)
	if err != nil {
		return nil, asWebhookError(err, core.CodeWebhookMapperFailed)
	}

	out := make([]*cdm.Event, 0, len(events))
	for _, ev := range events {
		if ev == nil {
			continue
		}
		ev.ConnectorID = conn.Key.ConnectorID
		ev.OwnerID = conn.Key.OwnerID
		if ev.Model == "" {
			ev.Model = id.Model
		}
		if ev.Trigger == "" {
			ev.Trigger = id.Trigger
		}
		if ev.IdempotencyKey == "" {
			ev.IdempotencyKey = DefaultKey(ev)
		}
		if ev.IdempotencyKey == "" {
			return nil, core.Errorf(core.CodeWebhookMapperFailed, "%s %s.%s event has no resource id", connector.ID, ev.Model, ev.Trigger)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (p *Pipeline) eventContext(connector *endpoint.Connector, conn *connection.Connection) endpoint.EventContext {
	ec := endpoint.EventContext{Connection: conn}
	if connector.Auth.Type == endpoint.AuthOAuth2 {
		// A missing app leaves an empty secret, which every verifier rejects.
		ec.App, _ = p.authority.App(connector.ID)
	}
	return ec
}

func (p *Pipeline) deliver(ctx context.Context, connectorID string, res *Result) (*Result, error) {
	if len(res.Events) == 0 {
		return p.ignore(connectorID), nil
	}
	for _, ev := range res.Events {
		if err := p.sink.Deliver(ctx, ev); err != nil {
			p.metrics.RecordWebhook(connectorID, OutcomeFailed)
			p.logger.Error("sink failed", "connector", connectorID, "owner", ev.OwnerID, "key", ev.IdempotencyKey, "error", err)
			return nil, err
		}
		p.metrics.RecordEvent(connectorID, string(ev.Model), string(ev.Trigger))
	}
	p.metrics.RecordWebhook(connectorID, OutcomeDelivered)
	p.logger.Info("webhook delivered", "connector", connectorID, "events", len(res.Events))
	return res, nil
}

func (p *Pipeline) ignore(connectorID string) *Result {
	p.metrics.RecordWebhook(connectorID, OutcomeIgnored)
	p.logger.Debug("webhook ignored", "connector", connectorID)
	return &Result{Events: []*cdm.Event{}, Ignored: true}
}

// reject records a terminal drop and archives the delivery.
func (p *Pipeline) reject(ctx context.Context, connectorID, ownerID string, req *endpoint.WebhookRequest, err error) error {
	p.metrics.RecordWebhook(connectorID, OutcomeRejected)
	p.logger.Warn("webhook dropped", "connector", connectorID, "owner", ownerID, "code", core.CodeOf(err), "error", err)
	if p.deadLetter != nil {
		entry := NewEntry(connectorID, ownerID, req, err)
		if _, aerr := p.deadLetter.Archive(ctx, entry); aerr != nil {
			p.logger.Error("dead letter archive failed", "connector", connectorID, "error", aerr)
		}
	}
	return err
}

// routable reports whether conn should receive a delivery for id. Revoked
// or unsubscribed connections are skipped.
func routable(conn *connection.Connection, id *endpoint.Identification) bool {
	if conn.State == connection.StateRevoked {
		return false
	}
	_, ok := conn.Subscription(id.Model, id.Trigger)
	return ok
}

// asWebhookError keeps webhook codes and maps anything else to fallback.
// A generic MAPPER_FAILED from the mapper engine becomes the webhook flavour.
func asWebhookError(err error, fallback string) error {
	switch core.CodeOf(err) {
	case core.CodeWebhookValidationFailed, core.CodeWebhookMapperFailed, core.CodeWebhookIdentificationFailed:
		return err
	case core.CodeMapperFailed:
		return core.Wrap(core.CodeWebhookMapperFailed, err, "project delivery")
	}
	return core.Wrap(fallback, err, "webhook")
}
