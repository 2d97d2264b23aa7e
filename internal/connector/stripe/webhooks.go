package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"time"

	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/nucleus/unified-core/internal/connection"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/mapper"
)

// SignatureHeader carries the t=...,v1=... signature of a delivery.
const SignatureHeader = "Stripe-Signature"

// =============================================================================
// EVENT TYPES
// =============================================================================

type pair struct {
	model   cdm.Model
	trigger cdm.Trigger
}

var eventTypes = map[pair][]string{
	{cdm.ModelContact, cdm.TriggerCreated}: {"customer.created"},
	{cdm.ModelContact, cdm.TriggerUpdated}: {"customer.updated"},
	{cdm.ModelContact, cdm.TriggerDeleted}: {"customer.deleted"},
	{cdm.ModelInvoice, cdm.TriggerCreated}: {"invoice.created"},
	{cdm.ModelInvoice, cdm.TriggerUpdated}: {
		"invoice.updated", "invoice.finalized", "invoice.paid", "invoice.payment_failed",
		"invoice.voided", "invoice.marked_uncollectible",
	},
	{cdm.ModelInvoice, cdm.TriggerDeleted}: {"invoice.deleted"},
}

var byType = func() map[string]pair {
	out := map[string]pair{}
	for p, types := range eventTypes {
		for _, t := range types {
			out[t] = p
		}
	}
	return out
}()

func supported() map[cdm.Model][]cdm.Trigger {
	out := map[cdm.Model][]cdm.Trigger{}
	for p := range eventTypes {
		out[p.model] = append(out[p.model], p.trigger)
	}
	for _, triggers := range out {
		sort.Slice(triggers, func(i, j int) bool { return triggers[i] < triggers[j] })
	}
	return out
}

// =============================================================================
// EVENT MAPPER
// =============================================================================

type eventMapper struct{}

// decode reads the event without checking its signature.
func decode(req *endpoint.WebhookRequest) (*stripego.Event, error) {
	var ev stripego.Event
	if err := json.Unmarshal(req.Body, &ev); err != nil {
		return nil, core.Wrap(core.CodeWebhookMapperFailed, err, "stripe delivery is not an event")
	}
	return &ev, nil
}

func (eventMapper) Identify(req *endpoint.WebhookRequest) (*endpoint.Identification, error) {
	ev, err := decode(req)
	if err != nil {
		return nil, err
	}
	p, ok := byType[string(ev.Type)]
	if !ok {
		return nil, nil
	}
	return &endpoint.Identification{Model: p.model, Trigger: p.trigger}, nil
}

// Validate checks Stripe-Signature against the signing secret of the
// endpoint registered for the event, or of any endpoint for other events.
func (eventMapper) Validate(req *endpoint.WebhookRequest, ec endpoint.EventContext) error {
	if ec.Connection == nil {
		return core.Errorf(core.CodeWebhookValidationFailed, "no connection to validate against")
	}
	header := req.Headers.Get(SignatureHeader)
	if header == "" {
		return core.Errorf(core.CodeWebhookValidationFailed, "missing %s header", SignatureHeader)
	}

	var secrets []string
	if ev, err := decode(req); err == nil {
		if p, ok := byType[string(ev.Type)]; ok {
			if sub, ok := ec.Connection.Subscription(p.model, p.trigger); ok {
				secrets = []string{sub.Metadata["secret"]}
			}
		}
	}
	if secrets == nil {
		for _, sub := range ec.Connection.Subscriptions {
			secrets = append(secrets, sub.Metadata["secret"])
		}
	}

	var lastErr error
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		if lastErr = webhook.ValidatePayload(req.Body, header, secret); lastErr == nil {
			return nil
		}
	}
	if lastErr == nil {
		return core.Errorf(core.CodeWebhookValidationFailed, "no stripe signing secret on connection")
	}
	return core.Wrap(core.CodeWebhookValidationFailed, lastErr, "stripe signature")
}

// Project maps data.object. The event id is the idempotency key.
func (eventMapper) Project(req *endpoint.WebhookRequest, _ endpoint.EventContext, id *endpoint.Identification) ([]*cdm.Event, error) {
	ev, err := decode(req)
	if err != nil {
		return nil, err
	}
	if ev.Data == nil || ev.Data.Object == nil {
		return nil, core.Errorf(core.CodeWebhookMapperFailed, "stripe %s has no data.object", ev.Type)
	}
	res, err := mapper.ProjectRead(descriptors[id.Model], ev.Data.Object)
	if err != nil {
		return nil, err
	}

	out := &cdm.Event{
		Ref:            &cdm.ResourceRef{ID: res.ID, Model: id.Model},
		Resource:       res,
		Raw:            ev.Data.Object,
		IdempotencyKey: ev.ID,
	}
	if ev.Created > 0 {
		at := time.Unix(ev.Created, 0).UTC()
		out.OccurredAt = &at
	}
	return []*cdm.Event{out}, nil
}

// =============================================================================
// ENDPOINT REGISTRATION
// =============================================================================

// subscribe creates one webhook endpoint per pair. Stripe only reveals the
// signing secret in this response.
func subscribe(ctx context.Context, call endpoint.Call, req endpoint.SubscribeRequest) (map[string]string, error) {
	body := url.Values{}
	body.Set("url", req.URL)
	body.Set("description", "unified "+string(req.Model)+"."+string(req.Trigger))
	body.Set("api_version", stripego.APIVersion)
	for _, t := range eventTypes[pair{req.Model, req.Trigger}] {
		body.Add("enabled_events[]", t)
	}
	resp, err := call.Do(ctx, &endpoint.ProxyRequest{Method: http.MethodPost, Path: "/webhook_endpoints", Data: body})
	if err != nil {
		return nil, err
	}
	var we stripego.WebhookEndpoint
	if err := resp.JSON(&we); err != nil {
		return nil, err
	}
	if we.ID == "" || we.Secret == "" {
		return nil, core.Errorf(core.CodeUpstreamError, "stripe webhook endpoint response lacks id or secret")
	}
	return map[string]string{"id": we.ID, "secret": we.Secret}, nil
}

func unsubscribe(ctx context.Context, call endpoint.Call, sub connection.Subscription) error {
	_, err := call.Do(ctx, &endpoint.ProxyRequest{Method: http.MethodDelete, Path: "/webhook_endpoints/" + url.PathEscape(sub.ID)})
	return err
}
