package aircall

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nucleus/unified-core/internal/connection"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/event"
	"github.com/nucleus/unified-core/internal/mapper"
)

// =============================================================================
// WEBHOOKS
// =============================================================================

type pair struct {
	model   cdm.Model
	trigger cdm.Trigger
}

// eventNames maps each supported pair to the Aircall events it covers.
var eventNames = map[pair][]string{
	{cdm.ModelCall, cdm.TriggerCreated}:    {"call.created"},
	{cdm.ModelCall, cdm.TriggerUpdated}:    {"call.answered", "call.hungup", "call.ended", "call.tagged", "call.commented", "call.transferred"},
	{cdm.ModelContact, cdm.TriggerCreated}: {"contact.created"},
	{cdm.ModelContact, cdm.TriggerUpdated}: {"contact.updated"},
	{cdm.ModelContact, cdm.TriggerDeleted}: {"contact.deleted"},
	{cdm.ModelUser, cdm.TriggerCreated}:    {"user.created"},
	{cdm.ModelUser, cdm.TriggerDeleted}:    {"user.deleted"},
}

var byEvent = func() map[string]pair {
	out := map[string]pair{}
	for p, names := range eventNames {
		for _, n := range names {
			out[n] = p
		}
	}
	return out
}()

func supported() map[cdm.Model][]cdm.Trigger {
	out := map[cdm.Model][]cdm.Trigger{}
	for p := range eventNames {
		out[p.model] = append(out[p.model], p.trigger)
	}
	return out
}

func decode(req *endpoint.WebhookRequest) (*Delivery, error) {
	var d Delivery
	if err := json.Unmarshal(req.Body, &d); err != nil {
		return nil, core.Wrap(core.CodeWebhookMapperFailed, err, "aircall delivery is not JSON")
	}
	return &d, nil
}

type eventMapper struct{}

func (eventMapper) Identify(req *endpoint.WebhookRequest) (*endpoint.Identification, error) {
	d, err := decode(req)
	if err != nil {
		return nil, err
	}
	p, ok := byEvent[d.Event]
	if !ok {
		return nil, nil
	}
	return &endpoint.Identification{Model: p.model, Trigger: p.trigger}, nil
}

// Validate compares the delivery token with the one Aircall issued for the
// subscription the event belongs to. Events outside every subscription are
// accepted with any issued token.
func (eventMapper) Validate(req *endpoint.WebhookRequest, ec endpoint.EventContext) error {
	d, err := decode(req)
	if err != nil {
		return err
	}
	if ec.Connection == nil {
		return core.Errorf(core.CodeWebhookValidationFailed, "no connection to validate against")
	}
	if p, ok := byEvent[d.Event]; ok {
		if sub, ok := ec.Connection.Subscription(p.model, p.trigger); ok {
			return event.VerifySharedSecret(sub.Metadata["token"], d.Token)
		}
	}
	for _, sub := range ec.Connection.Subscriptions {
		if event.VerifySharedSecret(sub.Metadata["token"], d.Token) == nil {
			return nil
		}
	}
	return core.Errorf(core.CodeWebhookValidationFailed, "aircall token matches no subscription")
}

func (eventMapper) Project(req *endpoint.WebhookRequest, _ endpoint.EventContext, id *endpoint.Identification) ([]*cdm.Event, error) {
	d, err := decode(req)
	if err != nil {
		return nil, err
	}
	if d.Data == nil {
		return nil, core.Errorf(core.CodeWebhookMapperFailed, "aircall %s delivery has no data", d.Event)
	}
	desc := descriptors[id.Model]
	res, err := mapper.ProjectRead(desc, d.Data)
	if err != nil {
		return nil, err
	}

	ev := &cdm.Event{
		Ref:            &cdm.ResourceRef{ID: res.ID, Model: id.Model},
		Resource:       res,
		Raw:            d.Data,
		IdempotencyKey: event.CompositeKey(d.Event, res.ID, strconv.FormatInt(d.Timestamp, 10)),
	}
	if d.Timestamp > 0 {
		at := time.Unix(d.Timestamp, 0).UTC()
		ev.OccurredAt = &at
	}
	return []*cdm.Event{ev}, nil
}

// subscribe registers one webhook per pair and keeps its token.
func subscribe(ctx context.Context, call endpoint.Call, req endpoint.SubscribeRequest) (map[string]string, error) {
	body := map[string]any{
		"custom_name": "unified-" + string(req.Model) + "-" + string(req.Trigger),
		"url":         req.URL,
		"events":      eventNames[pair{req.Model, req.Trigger}],
	}
	resp, err := call.Do(ctx, &endpoint.ProxyRequest{Method: http.MethodPost, Path: "/webhooks", Data: body})
	if err != nil {
		return nil, err
	}
	var out struct {
		Webhook Webhook `json:"webhook"`
	}
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}
	if out.Webhook.WebhookID == "" || out.Webhook.Token == "" {
		return nil, core.Errorf(core.CodeUpstreamError, "aircall webhook response lacks id or token")
	}
	return map[string]string{"id": out.Webhook.WebhookID, "token": out.Webhook.Token}, nil
}

func unsubscribe(ctx context.Context, call endpoint.Call, sub connection.Subscription) error {
	_, err := call.Do(ctx, &endpoint.ProxyRequest{Method: http.MethodDelete, Path: "/webhooks/" + url.PathEscape(sub.ID)})
	return err
}
