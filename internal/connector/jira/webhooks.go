package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nucleus/unified-core/internal/connection"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/event"
	"github.com/nucleus/unified-core/internal/mapper"
)

// DeliveryIDHeader carries Jira's unique id for one delivery.
const DeliveryIDHeader = "X-Atlassian-Webhook-Identifier"

// =============================================================================
// WEBHOOK EVENTS
// =============================================================================

type pair struct {
	model   cdm.Model
	trigger cdm.Trigger
}

var webhookEvents = map[pair]string{
	{cdm.ModelTicket, cdm.TriggerCreated}: "jira:issue_created",
	{cdm.ModelTicket, cdm.TriggerUpdated}: "jira:issue_updated",
	{cdm.ModelTicket, cdm.TriggerDeleted}: "jira:issue_deleted",
	{cdm.ModelUser, cdm.TriggerCreated}:   "user_created",
	{cdm.ModelUser, cdm.TriggerUpdated}:   "user_updated",
	{cdm.ModelUser, cdm.TriggerDeleted}:   "user_deleted",
}

var byEvent = func() map[string]pair {
	out := make(map[string]pair, len(webhookEvents))
	for p, e := range webhookEvents {
		out[e] = p
	}
	return out
}()

func supported() map[cdm.Model][]cdm.Trigger {
	out := map[cdm.Model][]cdm.Trigger{}
	for p := range webhookEvents {
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

type eventMapper struct {
	now func() time.Time
}

func decode(req *endpoint.WebhookRequest) (*Delivery, error) {
	var d Delivery
	if err := json.Unmarshal(req.Body, &d); err != nil {
		return nil, core.Wrap(core.CodeWebhookMapperFailed, err, "jira delivery is not an event")
	}
	return &d, nil
}

// payload is the object a delivery is about.
func (d *Delivery) payload(m cdm.Model) map[string]any {
	if m == cdm.ModelUser {
		return d.User
	}
	return d.Issue
}

func (eventMapper) Identify(req *endpoint.WebhookRequest) (*endpoint.Identification, error) {
	d, err := decode(req)
	if err != nil {
		return nil, err
	}
	p, ok := byEvent[d.WebhookEvent]
	if !ok {
		return nil, nil
	}
	self, _ := d.payload(p.model)["self"].(string)
	return &endpoint.Identification{Model: p.model, Trigger: p.trigger, IdentifierKey: siteHost(self)}, nil
}

// Validate checks the bearer JWT Jira signs with the app's client secret.
func (m eventMapper) Validate(req *endpoint.WebhookRequest, ec endpoint.EventContext) error {
	_, err := event.VerifyJWT(req.Headers.Get("Authorization"), ec.App.ClientSecret,
		jwt.WithTimeFunc(m.now),
		jwt.WithLeeway(time.Minute),
	)
	return err
}

func (eventMapper) Project(req *endpoint.WebhookRequest, _ endpoint.EventContext, id *endpoint.Identification) ([]*cdm.Event, error) {
	d, err := decode(req)
	if err != nil {
		return nil, err
	}
	raw := d.payload(id.Model)
	if raw == nil {
		return nil, core.Errorf(core.CodeWebhookMapperFailed, "jira %s carries no %s", d.WebhookEvent, id.Model)
	}
	res, err := mapper.ProjectRead(descriptors[id.Model], raw)
	if err != nil {
		return nil, err
	}

	ev := &cdm.Event{
		Ref:      &cdm.ResourceRef{ID: res.ID, Model: id.Model},
		Resource: res,
		Raw:      raw,
	}
	if d.Timestamp > 0 {
		at := time.UnixMilli(d.Timestamp).UTC()
		ev.OccurredAt = &at
	}
	if deliveryID := req.Headers.Get(DeliveryIDHeader); deliveryID != "" {
		ev.IdempotencyKey = deliveryID
	} else {
		ev.IdempotencyKey = event.CompositeKey(id.IdentifierKey, d.WebhookEvent, res.ID, strconv.FormatInt(d.Timestamp, 10))
	}
	return []*cdm.Event{ev}, nil
}

// =============================================================================
// DYNAMIC WEBHOOKS
// =============================================================================

// subscribe registers a dynamic webhook for the connection's site. Jira
// expires dynamic webhooks after 30 days unless they are renewed.
func subscribe(ctx context.Context, call endpoint.Call, req endpoint.SubscribeRequest) (map[string]string, error) {
	if req.URL == "" {
		return nil, core.Errorf(core.CodeBadRequest, "jira webhooks need the app's webhook url")
	}
	webhook := map[string]any{"events": []string{webhookEvents[pair{req.Model, req.Trigger}]}}
	if req.Model == cdm.ModelTicket {
		webhook["jqlFilter"] = "project != EMPTY"
	}
	resp, err := call.Do(ctx, &endpoint.ProxyRequest{
		Method: http.MethodPost,
		Path:   "/rest/api/3/webhook",
		Data:   map[string]any{"url": req.URL, "webhooks": []any{webhook}},
	})
	if err != nil {
		return nil, err
	}
	var reg webhookRegistration
	if err := resp.JSON(&reg); err != nil {
		return nil, err
	}
	if len(reg.Results) == 0 || reg.Results[0].CreatedWebhookID == 0 {
		var errs []string
		if len(reg.Results) > 0 {
			errs = reg.Results[0].Errors
		}
		return nil, core.Errorf(core.CodeUpstreamError, "jira rejected the webhook: %v", errs)
	}
	return map[string]string{"id": strconv.FormatInt(reg.Results[0].CreatedWebhookID, 10)}, nil
}

// renew extends a dynamic webhook by another 30 days.
func renew(ctx context.Context, call endpoint.Call, sub connection.Subscription) (map[string]string, error) {
	id, err := webhookID(sub)
	if err != nil {
		return nil, err
	}
	resp, err := call.Do(ctx, &endpoint.ProxyRequest{
		Method: http.MethodPut,
		Path:   "/rest/api/3/webhook/refresh",
		Data:   map[string]any{"webhookIds": []int64{id}},
	})
	if err != nil {
		return nil, err
	}
	var out webhookRefresh
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}
	if out.ExpirationDate == "" {
		return nil, nil
	}
	return map[string]string{MetaExpiresAt: out.ExpirationDate}, nil
}

func webhookID(sub connection.Subscription) (int64, error) {
	id, err := strconv.ParseInt(sub.ID, 10, 64)
	if err != nil {
		return 0, core.Errorf(core.CodeResourceNotFound, "subscription %s is not a jira webhook", sub.ID)
	}
	return id, nil
}

func unsubscribe(ctx context.Context, call endpoint.Call, sub connection.Subscription) error {
	id, err := webhookID(sub)
	if err != nil {
		return err
	}
	_, err = call.Do(ctx, &endpoint.ProxyRequest{
		Method: http.MethodDelete,
		Path:   "/rest/api/3/webhook",
		Data:   map[string]any{"webhookIds": []int64{id}},
	})
	return err
}
