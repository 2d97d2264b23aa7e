package hubspot

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/event"
	"github.com/nucleus/unified-core/internal/mapper"
)

const (
	SignatureHeader = "X-HubSpot-Signature-v3"
	TimestampHeader = "X-HubSpot-Request-Timestamp"

	// MaxSkew is how old a signed delivery may be.
	MaxSkew = 5 * time.Minute
)

// =============================================================================
// SUBSCRIPTION TYPES
// =============================================================================

type pair struct {
	model   cdm.Model
	trigger cdm.Trigger
}

var subscriptionTypes = map[pair][]string{
	{cdm.ModelContact, cdm.TriggerCreated}: {"contact.creation", "contact.restore"},
	{cdm.ModelContact, cdm.TriggerUpdated}: {"contact.propertyChange", "contact.merge", "contact.associationChange"},
	{cdm.ModelContact, cdm.TriggerDeleted}: {"contact.deletion", "contact.privacyDeletion"},
	{cdm.ModelDeal, cdm.TriggerCreated}:    {"deal.creation", "deal.restore"},
	{cdm.ModelDeal, cdm.TriggerUpdated}:    {"deal.propertyChange", "deal.merge", "deal.associationChange"},
	{cdm.ModelDeal, cdm.TriggerDeleted}:    {"deal.deletion"},
}

var byType = func() map[string]pair {
	out := map[string]pair{}
	for p, types := range subscriptionTypes {
		for _, t := range types {
			out[t] = p
		}
	}
	return out
}()

func supported() map[cdm.Model][]cdm.Trigger {
	out := map[cdm.Model][]cdm.Trigger{}
	for p := range subscriptionTypes {
		out[p.model] = append(out[p.model], p.trigger)
	}
	for _, triggers := range out {
		sort.Slice(triggers, func(i, j int) bool { return triggers[i] < triggers[j] })
	}
	return out
}

// =============================================================================
// EVENT MAPPER
// A delivery is a JSON array of notifications from one app. The first
// notification identifies the delivery; projection keeps every
// notification of the identified portal the connection subscribed to.
// =============================================================================

type eventMapper struct {
	now func() time.Time
}

func decode(req *endpoint.WebhookRequest) ([]map[string]any, error) {
	var batch []map[string]any
	if err := json.Unmarshal(req.Body, &batch); err != nil {
		var single map[string]any
		if json.Unmarshal(req.Body, &single) != nil {
			return nil, core.Wrap(core.CodeWebhookMapperFailed, err, "hubspot delivery is not a notification list")
		}
		batch = []map[string]any{single}
	}
	return batch, nil
}

func str(n map[string]any, key string) string {
	s, _ := mapper.ToString(n[key]).(string)
	return s
}

func (eventMapper) Identify(req *endpoint.WebhookRequest) (*endpoint.Identification, error) {
	batch, err := decode(req)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}
	first := batch[0]
	p, ok := byType[str(first, "subscriptionType")]
	if !ok {
		return nil, nil
	}
	return &endpoint.Identification{Model: p.model, Trigger: p.trigger, IdentifierKey: str(first, "portalId")}, nil
}

// Validate checks the v3 signature: base64 HMAC-SHA256, keyed by the app
// secret, over method, URI, body and timestamp.
func (m eventMapper) Validate(req *endpoint.WebhookRequest, ec endpoint.EventContext) error {
	ts := req.Headers.Get(TimestampHeader)
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return core.Errorf(core.CodeWebhookValidationFailed, "missing or malformed %s", TimestampHeader)
	}
	if err := event.CheckTimestamp(time.UnixMilli(ms), m.now(), MaxSkew); err != nil {
		return err
	}
	return event.VerifyHMAC(ec.App.ClientSecret, req.Headers.Get(SignatureHeader), event.Base64,
		[]byte(req.Method), []byte(SignedURI(req.URL)), req.Body, []byte(ts))
}

func (eventMapper) Project(req *endpoint.WebhookRequest, ec endpoint.EventContext, id *endpoint.Identification) ([]*cdm.Event, error) {
	batch, err := decode(req)
	if err != nil {
		return nil, err
	}
	var out []*cdm.Event
	for _, n := range batch {
		p, ok := byType[str(n, "subscriptionType")]
		if !ok || str(n, "portalId") != id.IdentifierKey {
			continue
		}
		if _, ok := ec.Connection.Subscription(p.model, p.trigger); !ok {
			continue
		}
		objectID := str(n, "objectId")
		if objectID == "" {
			return nil, core.Errorf(core.CodeWebhookMapperFailed, "hubspot %s notification has no objectId", str(n, "subscriptionType"))
		}
		ev := &cdm.Event{
			Model:   p.model,
			Trigger: p.trigger,
			Ref:     &cdm.ResourceRef{ID: objectID, Model: p.model},
			Raw:     n,
		}
		if eventID := str(n, "eventId"); eventID != "" {
			ev.IdempotencyKey = id.IdentifierKey + ":" + eventID
		}
		if at, ok := mapper.ToTime(n["occurredAt"]).(time.Time); ok {
			ev.OccurredAt = &at
		}
		out = append(out, ev)
	}
	return out, nil
}

// uriDecoder undoes the escapes HubSpot decodes before signing.
var uriDecoder = strings.NewReplacer(
	"%3A", ":", "%2F", "/", "%3F", "?", "%40", "@", "%21", "!", "%24", "$",
	"%27", "'", "%28", "(", "%29", ")", "%2A", "*", "%2C", ",", "%3B", ";",
)

// SignedURI is the form of the request URL covered by the v3 signature.
func SignedURI(u string) string {
	return uriDecoder.Replace(u)
}
