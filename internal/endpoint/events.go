package endpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"

	"github.com/nucleus/unified-core/internal/connection"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
)

// =============================================================================
// WEBHOOKS
// =============================================================================

// WebhookRequest is a raw inbound delivery.
type WebhookRequest struct {
	Method  string
	URL     string
	Headers http.Header
	Query   url.Values
	Body    []byte
}

// Object decodes the body as a JSON object; failure is WEBHOOK::MAPPER_FAILED.
func (r *WebhookRequest) Object() (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return nil, core.Wrap(core.CodeWebhookMapperFailed, err, "webhook body is not a JSON object")
	}
	return out, nil
}

// Identification is what a delivery is about, derived from the payload alone.
type Identification struct {
	Model         cdm.Model
	Trigger       cdm.Trigger
	IdentifierKey string
}

// EventContext is what validation and projection may consult.
type EventContext struct {
	Connection *connection.Connection
	App        OAuthApp
}

// EventMapper turns deliveries into canonical events.
type EventMapper interface {
	// Identify must not check authenticity and must not need a connection.
	Identify(req *WebhookRequest) (*Identification, error)

	// Validate checks authenticity against the connection's stored secret,
	// or the app secret for global connectors. Global deliveries that route
	// to no connection are validated with a nil ec.Connection.
	Validate(req *WebhookRequest, ec EventContext) error

	// Project maps the payload into one or more canonical events.
	Project(req *WebhookRequest, ec EventContext, id *Identification) ([]*cdm.Event, error)
}

// SubscribeRequest asks for upstream interest in one model/trigger.
type SubscribeRequest struct {
	Model   cdm.Model
	Trigger cdm.Trigger
	URL     string
}

// EventSpec declares a connector's webhook support.
type EventSpec struct {
	// Global connectors receive every tenant's deliveries on one endpoint.
	Global bool

	Mapper    EventMapper
	Supported map[cdm.Model][]cdm.Trigger

	// Subscribe registers upstream interest and returns metadata (webhook
	// id, signing secret) to persist on the connection.
	Subscribe func(ctx context.Context, call Call, req SubscribeRequest) (map[string]string, error)

	// Unsubscribe reverses Subscribe. Nil means unsubscribing is a no-op,
	// as for global webhooks shared across connections.
	Unsubscribe func(ctx context.Context, call Call, sub connection.Subscription) error

	// Renew extends an upstream registration that expires. It runs when an
	// existing subscription is requested again; the returned metadata is
	// merged into the stored subscription.
	Renew func(ctx context.Context, call Call, sub connection.Subscription) (map[string]string, error)
}

// Supports reports whether the (model, trigger) pair is declared.
func (e *EventSpec) Supports(m cdm.Model, t cdm.Trigger) bool {
	if e == nil {
		return false
	}
	return slices.Contains(e.Supported[m], t)
}
