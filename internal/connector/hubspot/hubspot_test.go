package hubspot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/unified-core/internal/authority"
	"github.com/nucleus/unified-core/internal/connection"
	"github.com/nucleus/unified-core/internal/connector/connectortest"
	httpclient "github.com/nucleus/unified-core/internal/connector/http"
	"github.com/nucleus/unified-core/internal/connector/http/httpstub"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/event"
	"github.com/nucleus/unified-core/internal/operation"
)

const (
	portal    = "62515"
	appSecret = "app-secret"
)

var apps = map[string]endpoint.OAuthApp{
	ID: {ClientID: "client-1", ClientSecret: appSecret, RedirectURL: "https://unified.test/callback"},
}

func setup(t *testing.T) (*connectortest.Harness, connection.Key) {
	t.Helper()
	h := connectortest.New(t, Connector(), connectortest.Options{Apps: apps})
	key := h.Authorized(t, "owner-1", func(c *connection.Connection) {
		c.IdentifierKey = portal
		c.SetMeta(MetaHubID, portal)
	})
	return h, key
}

func serveProperties(h *connectortest.Harness, objectName string) {
	h.Stub.JSON("GET /crm/v3/properties/"+objectName, http.StatusOK, map[string]any{"results": []any{
		map[string]any{"name": "firstname", "label": "First name", "type": "string", "fieldType": "text", "hubspotDefined": true},
		map[string]any{"name": "favorite_color", "label": "Favorite color", "type": "enumeration", "fieldType": "select",
			"options": []any{map[string]any{"label": "Red", "value": "red"}, map[string]any{"label": "Blue", "value": "blue"}}},
		map[string]any{"name": "interests", "label": "Interests", "type": "enumeration", "fieldType": "checkbox",
			"options": []any{map[string]any{"label": "A", "value": "a"}, map[string]any{"label": "B", "value": "b"}}},
		map[string]any{"name": "score", "label": "Score", "type": "number", "fieldType": "number",
			"modificationMetadata": map[string]any{"readOnlyValue": true}},
	}})
}

func request(t *testing.T, h *connectortest.Harness, method, path string) httpstub.Recorded {
	t.Helper()
	for _, r := range h.Stub.Requests() {
		if r.Method == method && r.Path == path {
			return r
		}
	}
	t.Fatalf("no %s %s request", method, path)
	return httpstub.Recorded{}
}

func count(h *connectortest.Harness, method, path string) int {
	n := 0
	for _, r := range h.Stub.Requests() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

func TestConnectorIsValid(t *testing.T) {
	require.NoError(t, Connector().Validate())
	_, err := endpoint.DefaultRegistry().Get(ID)
	assert.NoError(t, err, "registered on import")
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

func TestCallback_RecordsHubAsIdentifier(t *testing.T) {
	h := connectortest.New(t, Connector(), connectortest.Options{Apps: apps})
	key := connection.Key{ConnectorID: ID, OwnerID: "owner-2"}

	var tokenForm url.Values
	h.Stub.Handle("POST /oauth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		tokenForm = r.PostForm
		httpstub.WriteJSON(w, http.StatusOK, map[string]any{"access_token": "at-1", "refresh_token": "rt-1", "expires_in": 1800})
	})
	h.Stub.JSON("GET /oauth/v1/access-tokens/at-1", http.StatusOK, map[string]any{
		"hub_id": 62515, "hub_domain": "acme.hubspot.com", "user": "ada@acme.test",
	})

	authURL, err := h.Authority.Authorize(context.Background(), key, authority.AuthorizeOptions{})
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "app.hubspot.com", u.Host)
	assert.Contains(t, u.Query().Get("scope"), "crm.objects.deals.read")

	conn, err := h.Authority.Callback(context.Background(), u.Query().Get("state"), "code-1")
	require.NoError(t, err)
	assert.Equal(t, connection.StateAuthorized, conn.State)
	assert.Equal(t, portal, conn.IdentifierKey)
	assert.Equal(t, "acme.hubspot.com", conn.Meta(MetaHubDomain))
	assert.Equal(t, "client-1", tokenForm.Get("client_id"))
	assert.Equal(t, appSecret, tokenForm.Get("client_secret"))
}

func TestCallback_FailsWithoutHubID(t *testing.T) {
	h := connectortest.New(t, Connector(), connectortest.Options{Apps: apps})
	key := connection.Key{ConnectorID: ID, OwnerID: "owner-3"}
	h.Stub.JSON("POST /oauth/v1/token", http.StatusOK, map[string]any{"access_token": "at-2"})
	h.Stub.JSON("GET /oauth/v1/access-tokens/at-2", http.StatusOK, map[string]any{})

	authURL, err := h.Authority.Authorize(context.Background(), key, authority.AuthorizeOptions{})
	require.NoError(t, err)
	u, _ := url.Parse(authURL)

	_, err = h.Authority.Callback(context.Background(), u.Query().Get("state"), "code")
	assert.Equal(t, core.CodeAuthExchangeFailed, core.CodeOf(err))
	assert.Equal(t, connection.StateError, h.Connection(t, key).State)
}

func TestDelete_RevokesRefreshToken(t *testing.T) {
	h, key := setup(t)
	h.Stub.Handle("DELETE /oauth/v1/refresh-tokens/refresh-owner-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, h.Authority.Delete(context.Background(), key))
	assert.Equal(t, "/oauth/v1/refresh-tokens/refresh-owner-1", h.Stub.Last().Path)
}

// =============================================================================
// CONTACTS
// =============================================================================

func TestListContacts_CustomPropertiesAndCursor(t *testing.T) {
	h, key := setup(t)
	serveProperties(h, "contacts")
	h.Stub.JSON("GET /crm/v3/objects/contacts", http.StatusOK, map[string]any{
		"results": []any{map[string]any{
			"id":        "101",
			"createdAt": "2026-10-01T09:00:00.000Z",
			"updatedAt": "2026-10-02T09:00:00.000Z",
			"properties": map[string]any{
				"firstname":            "Ada",
				"lastname":             "Lovelace",
				"email":                "ada@acme.test",
				"hs_additional_emails": "ada@home.test;countess@acme.test",
				"hubspot_owner_id":     "55",
				"favorite_color":       "red",
				"interests":            "a;b",
			},
		}},
		"paging": map[string]any{"next": map[string]any{"after": "101"}},
	})

	res, err := h.Runner.List(context.Background(), operation.ListRequest{Key: key, Model: cdm.ModelContact, Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	require.NotNil(t, res.Next)
	assert.Equal(t, httpclient.TokenCursor{}.Encode("101"), *res.Next)

	c := res.Data[0]
	assert.Equal(t, "Ada Lovelace", c.Fields["name"])
	assert.Equal(t, []any{"ada@acme.test", "ada@home.test", "countess@acme.test"}, c.Fields["emails"])
	assert.Equal(t, cdm.ResourceRef{ID: "55", Model: cdm.ModelUser}, c.Fields["owner"])
	assert.Equal(t, map[string]any{"favorite_color": "red", "interests": []string{"a", "b"}}, c.Fields["customFields"])

	q, err := url.ParseQuery(request(t, h, http.MethodGet, "/crm/v3/objects/contacts").Query)
	require.NoError(t, err)
	assert.Equal(t, "10", q.Get("limit"))
	assert.Contains(t, q.Get("properties"), "favorite_color")
	assert.Contains(t, q.Get("properties"), "jobtitle")

	assert.Equal(t, 1, count(h, http.MethodGet, "/crm/v3/properties/contacts"), "one property lookup per operation")

	_, err = h.Runner.List(context.Background(), operation.ListRequest{Key: key, Model: cdm.ModelContact, Limit: 10, Cursor: *res.Next})
	require.NoError(t, err)
	assert.Contains(t, h.Stub.Last().Query, "after=101")
	assert.Equal(t, 2, count(h, http.MethodGet, "/crm/v3/properties/contacts"))
}

func TestListContacts_SelectionSkipsPropertyLookup(t *testing.T) {
	h, key := setup(t)
	h.Stub.JSON("GET /crm/v3/objects/contacts", http.StatusOK, map[string]any{"results": []any{}})

	res, err := h.Runner.List(context.Background(), operation.ListRequest{
		Key: key, Model: cdm.ModelContact, Fields: endpoint.Selection{"email"},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Data)
	assert.Nil(t, res.Next)
	assert.Equal(t, 1, h.Stub.Calls())
}

func TestListContacts_SearchWithQueryAndFilters(t *testing.T) {
	h, key := setup(t)
	var sent map[string]any
	h.Stub.Handle("POST /crm/v3/objects/contacts/search", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		httpstub.WriteJSON(w, http.StatusOK, map[string]any{"results": []any{}})
	})

	_, err := h.Runner.List(context.Background(), operation.ListRequest{
		Key:     key,
		Model:   cdm.ModelContact,
		Q:       "ada",
		Filters: map[string]string{"lifecyclestage": "lead"},
		Fields:  endpoint.Selection{"email"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ada", sent["query"])
	assert.Equal(t, []any{map[string]any{"filters": []any{
		map[string]any{"propertyName": "lifecyclestage", "operator": "EQ", "value": "lead"},
	}}}, sent["filterGroups"])
}

func TestCreateContact_EncodesCustomFields(t *testing.T) {
	h, key := setup(t)
	serveProperties(h, "contacts")
	var sent map[string]any
	h.Stub.Handle("POST /crm/v3/objects/contacts", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		httpstub.WriteJSON(w, http.StatusCreated, map[string]any{"id": "102", "properties": sent["properties"]})
	})

	res, err := h.Runner.Create(context.Background(), key, cdm.ModelContact, map[string]any{
		"firstName":    "Grace",
		"email":        "grace@acme.test",
		"customFields": map[string]any{"favorite_color": "blue", "interests": []any{"a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "102", res.ID)
	assert.Equal(t, map[string]any{
		"firstname":      "Grace",
		"email":          "grace@acme.test",
		"favorite_color": "blue",
		"interests":      "a",
	}, sent["properties"])
	assert.Equal(t, map[string]any{"favorite_color": "blue", "interests": []string{"a"}}, res.Fields["customFields"])
	assert.Equal(t, 1, count(h, http.MethodGet, "/crm/v3/properties/contacts"), "encoding and projection share the lookup")
}

func TestUpdateContact_ReadOnlyCustomFieldRejected(t *testing.T) {
	h, key := setup(t)
	serveProperties(h, "contacts")

	_, err := h.Runner.Update(context.Background(), key, cdm.ModelContact, "101", map[string]any{
		"customFields": map[string]any{"score": 10.0},
	})
	assert.Equal(t, core.CodeFieldNotWritable, core.CodeOf(err))
	for _, r := range h.Stub.Requests() {
		assert.NotEqual(t, http.MethodPatch, r.Method)
	}
	assert.Equal(t, 1, h.Stub.Calls(), "only the schema lookup precedes the rejection")
}

func TestFields_SkipsHubSpotDefined(t *testing.T) {
	h, key := setup(t)
	serveProperties(h, "deals")

	schemas, err := h.Runner.Fields(context.Background(), key, cdm.ModelDeal)
	require.NoError(t, err)
	require.Len(t, schemas, 3)
	assert.Equal(t, "favorite_color", schemas[0].Key)
	assert.Equal(t, "select", string(schemas[0].Kind))
	assert.Equal(t, "multiselect", string(schemas[1].Kind))
	assert.True(t, schemas[2].ReadOnly)
}

// =============================================================================
// DEALS
// =============================================================================

func rawDeal(id string) map[string]any {
	return map[string]any{
		"id":        id,
		"createdAt": "2026-10-01T09:00:00.000Z",
		"updatedAt": "2026-10-02T09:00:00.000Z",
		"properties": map[string]any{
			"dealname":           "Deal " + id,
			"amount":             "1500.50",
			"deal_currency_code": "EUR",
			"closedate":          "2026-12-31T00:00:00Z",
			"pipeline":           "default",
			"dealstage":          "appointmentscheduled",
		},
	}
}

func serveAssociations(h *connectortest.Harness, batches *atomic.Int64) {
	h.Stub.Handle("POST /crm/v4/associations/deals/contacts/batch/read", func(w http.ResponseWriter, r *http.Request) {
		batches.Add(1)
		var body struct {
			Inputs []struct {
				ID string `json:"id"`
			} `json:"inputs"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		results := make([]any, 0, len(body.Inputs))
		for _, in := range body.Inputs {
			n, _ := strconv.Atoi(in.ID)
			results = append(results, map[string]any{
				"from": map[string]any{"id": in.ID},
				"to":   []any{map[string]any{"toObjectId": float64(1000 + n)}},
			})
		}
		httpstub.WriteJSON(w, http.StatusOK, map[string]any{"results": results})
	})
}

func TestRetrieveDeal_AssociationsOnlyWhenSelected(t *testing.T) {
	h, key := setup(t)
	h.Stub.JSON("GET /crm/v3/properties/deals", http.StatusOK, map[string]any{"results": []any{}})
	h.Stub.JSON("GET /crm/v3/objects/deals/7", http.StatusOK, rawDeal("7"))
	var batches atomic.Int64
	serveAssociations(h, &batches)

	res, err := h.Runner.Retrieve(context.Background(), key, cdm.ModelDeal, "7", nil)
	require.NoError(t, err)
	assert.NotContains(t, res.Fields, "contacts")
	assert.Zero(t, batches.Load())
	assert.Equal(t, 1500.5, res.Fields["amount"])
	assert.Equal(t, cdm.ResourceRef{ID: "default", Model: cdm.ModelPipeline}, res.Fields["pipeline"])
	assert.Equal(t, cdm.ResourceRef{ID: "default::appointmentscheduled", Model: cdm.ModelStage}, res.Fields["stage"])

	res, err = h.Runner.Retrieve(context.Background(), key, cdm.ModelDeal, "7", endpoint.Selection{"association::contacts"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), batches.Load())
	assert.Equal(t, []cdm.ResourceRef{{ID: "1007", Model: cdm.ModelContact}}, res.Fields["contacts"])
	assert.Equal(t, "Deal 7", res.Fields["name"])
}

func TestAssociate_ConcurrentBatches(t *testing.T) {
	h, key := setup(t)
	var batches atomic.Int64
	serveAssociations(h, &batches)

	items := make([]map[string]any, 250)
	for i := range items {
		items[i] = map[string]any{"id": strconv.Itoa(i + 1)}
	}
	sess, err := h.Authority.Session(context.Background(), key)
	require.NoError(t, err)

	require.NoError(t, associate(context.Background(), sess, "deals", "contacts", items))
	assert.Equal(t, int64(3), batches.Load())
	for i, it := range items {
		want := []any{map[string]any{"id": strconv.Itoa(1001 + i)}}
		assert.Equal(t, want, it["associations"].(map[string]any)["contacts"].(map[string]any)["results"], "item %d", i)
	}
}

func TestAssociate_BatchFailureFailsOperation(t *testing.T) {
	h, key := setup(t)
	h.Stub.JSON("GET /crm/v3/objects/deals", http.StatusOK, map[string]any{"results": []any{rawDeal("1"), rawDeal("2")}})
	h.Stub.JSON("POST /crm/v4/associations/deals/contacts/batch/read", http.StatusForbidden, map[string]any{"message": "missing scope"})

	_, err := h.Runner.List(context.Background(), operation.ListRequest{
		Key: key, Model: cdm.ModelDeal, Fields: endpoint.Selection{"name", "association::contacts"},
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, core.AsError(err).Status)
}

func TestUpdateDeal_StageWritesPipelineAndStage(t *testing.T) {
	h, key := setup(t)
	h.Stub.JSON("GET /crm/v3/properties/deals", http.StatusOK, map[string]any{"results": []any{}})
	var sent map[string]any
	h.Stub.Handle("PATCH /crm/v3/objects/deals/7", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		httpstub.WriteJSON(w, http.StatusOK, rawDeal("7"))
	})

	_, err := h.Runner.Update(context.Background(), key, cdm.ModelDeal, "7", map[string]any{
		"stage":  cdm.ResourceRef{ID: "sales::closedwon", Model: cdm.ModelStage},
		"amount": 99.0,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"pipeline": "sales", "dealstage": "closedwon", "amount": "99"}, sent["properties"])
}

func TestListStages_DerivedFromPipelines(t *testing.T) {
	h, key := setup(t)
	h.Stub.JSON("GET /crm/v3/pipelines/deals", http.StatusOK, map[string]any{"results": []any{
		map[string]any{"id": "default", "label": "Sales", "stages": []any{
			map[string]any{"id": "appointmentscheduled", "label": "Appointment", "metadata": map[string]any{"probability": "0.2"}},
			map[string]any{"id": "closedwon", "label": "Won", "metadata": map[string]any{"probability": "1.0"}},
		}},
	}})

	res, err := h.Runner.List(context.Background(), operation.ListRequest{Key: key, Model: cdm.ModelStage})
	require.NoError(t, err)
	require.Len(t, res.Data, 2)
	assert.Equal(t, "default::appointmentscheduled", res.Data[0].ID)
	assert.Equal(t, 0.2, res.Data[0].Fields["probability"])
	assert.Equal(t, cdm.ResourceRef{ID: "default", Model: cdm.ModelPipeline}, res.Data[0].Fields["pipeline"])

	pipelines, err := h.Runner.List(context.Background(), operation.ListRequest{Key: key, Model: cdm.ModelPipeline})
	require.NoError(t, err)
	require.Len(t, pipelines.Data, 1)
	assert.Equal(t, []cdm.ResourceRef{
		{ID: "default::appointmentscheduled", Model: cdm.ModelStage},
		{ID: "default::closedwon", Model: cdm.ModelStage},
	}, pipelines.Data[0].Fields["stages"])
}

func TestListOwners(t *testing.T) {
	h, key := setup(t)
	h.Stub.JSON("GET /crm/v3/owners", http.StatusOK, map[string]any{"results": []any{
		map[string]any{"id": "55", "email": "ada@acme.test", "firstName": "Ada", "lastName": "Lovelace", "archived": false},
	}})

	res, err := h.Runner.List(context.Background(), operation.ListRequest{Key: key, Model: cdm.ModelUser, Q: "ada@acme.test"})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, "Ada Lovelace", res.Data[0].Fields["name"])
	assert.Equal(t, true, res.Data[0].Fields["active"])
	assert.Contains(t, h.Stub.Last().Query, "email=ada%40acme.test")
}

// =============================================================================
// WEBHOOKS
// =============================================================================

const webhookURL = "https://unified.test/webhooks/hubspot"

func notification(eventID int, subscriptionType string, portalID, objectID int) map[string]any {
	return map[string]any{
		"eventId":          eventID,
		"subscriptionId":   9001,
		"portalId":         portalID,
		"appId":            42,
		"occurredAt":       1760778000000,
		"subscriptionType": subscriptionType,
		"attemptNumber":    0,
		"objectId":         objectID,
		"changeSource":     "CRM",
	}
}

func signed(t *testing.T, secret string, at time.Time, notes ...map[string]any) *endpoint.WebhookRequest {
	t.Helper()
	body, err := json.Marshal(notes)
	require.NoError(t, err)
	ts := strconv.FormatInt(at.UnixMilli(), 10)
	sig := event.SignHMAC(secret, []byte(http.MethodPost), []byte(webhookURL), body, []byte(ts))
	headers := http.Header{}
	headers.Set(TimestampHeader, ts)
	headers.Set(SignatureHeader, base64.StdEncoding.EncodeToString(sig))
	return &endpoint.WebhookRequest{Method: http.MethodPost, URL: webhookURL, Headers: headers, Body: body}
}

func subscribe(t *testing.T, h *connectortest.Harness, key connection.Key, m cdm.Model, tr cdm.Trigger) {
	t.Helper()
	_, err := h.Runner.Subscribe(context.Background(), operation.SubscribeRequest{Key: key, Model: m, Trigger: tr})
	require.NoError(t, err)
}

func TestSubscribe_GlobalNeedsNoUpstreamCall(t *testing.T) {
	h, key := setup(t)
	subscribe(t, h, key, cdm.ModelContact, cdm.TriggerCreated)
	assert.Zero(t, h.Stub.Calls())

	sub, ok := h.Connection(t, key).Subscription(cdm.ModelContact, cdm.TriggerCreated)
	require.True(t, ok)
	assert.Equal(t, portal, sub.IdentifierKey)

	require.NoError(t, h.Runner.Unsubscribe(context.Background(), key, cdm.ModelContact, cdm.TriggerCreated))
	assert.Zero(t, h.Stub.Calls())
}

func TestWebhook_SignedBatchRoutedByPortal(t *testing.T) {
	h, key := setup(t)
	subscribe(t, h, key, cdm.ModelContact, cdm.TriggerCreated)
	other := h.Authorized(t, "owner-other-portal", func(c *connection.Connection) { c.IdentifierKey = "777" })
	subscribe(t, h, other, cdm.ModelContact, cdm.TriggerCreated)

	req := signed(t, appSecret, time.Now(),
		notification(100, "contact.creation", 62515, 123),
		notification(101, "contact.creation", 777, 456),
		notification(102, "deal.creation", 62515, 9),
	)
	res, err := h.Pipeline.HandleGlobal(context.Background(), ID, req)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	ev := res.Events[0]
	assert.Equal(t, "owner-1", ev.OwnerID)
	assert.Equal(t, cdm.ResourceRef{ID: "123", Model: cdm.ModelContact}, *ev.Ref)
	assert.Equal(t, portal+":100", ev.IdempotencyKey)
	require.NotNil(t, ev.OccurredAt)
	assert.Equal(t, time.UnixMilli(1760778000000).UTC(), *ev.OccurredAt)
}

func TestWebhook_EveryConnectionOnPortalGetsACopy(t *testing.T) {
	h, key := setup(t)
	subscribe(t, h, key, cdm.ModelDeal, cdm.TriggerUpdated)
	second := h.Authorized(t, "owner-2", func(c *connection.Connection) { c.IdentifierKey = portal })
	subscribe(t, h, second, cdm.ModelDeal, cdm.TriggerUpdated)

	res, err := h.Pipeline.HandleGlobal(context.Background(), ID, signed(t, appSecret, time.Now(), notification(5, "deal.propertyChange", 62515, 9)))
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	owners := []string{res.Events[0].OwnerID, res.Events[1].OwnerID}
	assert.ElementsMatch(t, []string{"owner-1", "owner-2"}, owners)
	assert.Len(t, h.Sink.Events(), 2)
}

func TestWebhook_Rejections(t *testing.T) {
	tests := []struct {
		name string
		req  func(t *testing.T) *endpoint.WebhookRequest
		code string
	}{
		{
			name: "foreign secret",
			req: func(t *testing.T) *endpoint.WebhookRequest {
				return signed(t, "other-secret", time.Now(), notification(1, "contact.creation", 62515, 1))
			},
			code: core.CodeWebhookValidationFailed,
		},
		{
			name: "stale timestamp",
			req: func(t *testing.T) *endpoint.WebhookRequest {
				return signed(t, appSecret, time.Now().Add(-10*time.Minute), notification(1, "contact.creation", 62515, 1))
			},
			code: core.CodeWebhookValidationFailed,
		},
		{
			name: "unknown portal",
			req: func(t *testing.T) *endpoint.WebhookRequest {
				return signed(t, appSecret, time.Now(), notification(1, "contact.creation", 1, 1))
			},
			code: core.CodeWebhookIdentificationFailed,
		},
		{
			name: "tampered body",
			req: func(t *testing.T) *endpoint.WebhookRequest {
				req := signed(t, appSecret, time.Now(), notification(1, "contact.creation", 62515, 1))
				req.Body = []byte(fmt.Sprintf(`[{"eventId":1,"portalId":%s,"subscriptionType":"contact.creation","objectId":2}]`, portal))
				return req
			},
			code: core.CodeWebhookValidationFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, key := setup(t)
			subscribe(t, h, key, cdm.ModelContact, cdm.TriggerCreated)

			_, err := h.Pipeline.HandleGlobal(context.Background(), ID, tt.req(t))
			assert.Equal(t, tt.code, core.CodeOf(err))
			assert.Empty(t, h.Sink.Events())

			archived, err := h.DeadLetter.List(context.Background(), ID, time.Now())
			require.NoError(t, err)
			assert.Len(t, archived, 1)
		})
	}
}

func TestWebhook_UnsupportedTypeIgnored(t *testing.T) {
	h, key := setup(t)
	subscribe(t, h, key, cdm.ModelContact, cdm.TriggerCreated)

	res, err := h.Pipeline.HandleGlobal(context.Background(), ID, signed(t, appSecret, time.Now(), notification(1, "company.creation", 62515, 1)))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
}

func TestSignedURI(t *testing.T) {
	assert.Equal(t, "https://unified.test/hook?a=b:c@d", SignedURI("https://unified.test/hook?a=b%3Ac%40d"))
}
