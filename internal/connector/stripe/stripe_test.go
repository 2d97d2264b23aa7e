package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/unified-core/internal/connection"
	"github.com/nucleus/unified-core/internal/connector/connectortest"
	httpclient "github.com/nucleus/unified-core/internal/connector/http"
	"github.com/nucleus/unified-core/internal/connector/http/httpstub"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/operation"
)

func setup(t *testing.T) (*connectortest.Harness, connection.Key) {
	t.Helper()
	h := connectortest.New(t, Connector(), connectortest.Options{})
	key := h.Configure(t, "acct-1", map[string]string{SettingSecretKey: "sk_test_123"})
	return h, key
}

func invoice(id, currency string, total float64, lines []any, more bool) map[string]any {
	return map[string]any{
		"id":                 id,
		"object":             "invoice",
		"number":             "INV-" + id,
		"status":             "open",
		"currency":           currency,
		"total":              total,
		"amount_due":         total,
		"customer":           "cus_1",
		"created":            float64(1760778000),
		"due_date":           float64(1761382800),
		"status_transitions": map[string]any{"finalized_at": float64(1760778100), "paid_at": nil},
		"lines":              map[string]any{"object": "list", "data": lines, "has_more": more},
	}
}

func line(id string, amount, unit float64) map[string]any {
	return map[string]any{
		"id":          id,
		"description": "Seat " + id,
		"quantity":    float64(2),
		"amount":      amount,
		"currency":    "usd",
		"price":       map[string]any{"unit_amount": unit},
	}
}

func TestConnectorIsValid(t *testing.T) {
	require.NoError(t, Connector().Validate())
	_, err := endpoint.DefaultRegistry().Get(ID)
	assert.NoError(t, err)
}

func TestConfigure_RejectsPublishableKey(t *testing.T) {
	h := connectortest.New(t, Connector(), connectortest.Options{})
	_, err := h.Authority.Configure(context.Background(), connection.Key{ConnectorID: ID, OwnerID: "x"}, map[string]string{SettingSecretKey: "pk_live_1"})
	assert.Equal(t, core.CodeBadConfiguration, core.CodeOf(err))
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func TestListCustomers_StartingAfterCursor(t *testing.T) {
	h, key := setup(t)
	h.Stub.Handle("GET /v1/customers", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("starting_after") == "" {
			httpstub.WriteJSON(w, http.StatusOK, map[string]any{"object": "list", "has_more": true, "data": []any{
				map[string]any{"id": "cus_1", "name": "Ada Lovelace", "email": "ada@x.com", "created": 1760778000},
				map[string]any{"id": "cus_2", "name": "Grace", "metadata": map[string]any{}},
			}})
			return
		}
		httpstub.WriteJSON(w, http.StatusOK, map[string]any{"object": "list", "has_more": false, "data": []any{
			map[string]any{"id": "cus_3", "name": "Edsger", "metadata": map[string]any{"tier": "gold"}},
		}})
	})

	res, err := h.Runner.List(context.Background(), operation.ListRequest{Key: key, Model: cdm.ModelContact, Limit: 2})
	require.NoError(t, err)
	require.Len(t, res.Data, 2)
	require.NotNil(t, res.Next)
	assert.Equal(t, httpclient.TokenCursor{}.Encode("cus_2"), *res.Next)

	ada := res.Data[0]
	assert.Equal(t, "Ada", ada.Fields["firstName"])
	assert.Equal(t, "Lovelace", ada.Fields["lastName"])
	assert.Equal(t, []any{"ada@x.com"}, ada.Fields["emails"])
	assert.NotContains(t, res.Data[1].Fields, "customFields", "empty metadata is absent")

	last := h.Stub.Last()
	assert.Equal(t, "Bearer sk_test_123", last.Header.Get("Authorization"))
	assert.Equal(t, stripego.APIVersion, last.Header.Get("Stripe-Version"))

	res, err = h.Runner.List(context.Background(), operation.ListRequest{Key: key, Model: cdm.ModelContact, Limit: 2, Cursor: *res.Next})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Nil(t, res.Next)
	assert.Equal(t, map[string]any{"tier": "gold"}, res.Data[0].Fields["customFields"])
	assert.Contains(t, h.Stub.Last().Query, "starting_after=cus_2")
}

func TestListCustomers_Search(t *testing.T) {
	h, key := setup(t)
	h.Stub.JSON("GET /v1/customers/search", http.StatusOK, map[string]any{
		"object": "search_result", "has_more": true, "next_page": "pg_2",
		"data": []any{map[string]any{"id": "cus_1", "email": "ada@x.com"}},
	})

	res, err := h.Runner.List(context.Background(), operation.ListRequest{Key: key, Model: cdm.ModelContact, Q: "ada@x.com"})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, httpclient.TokenCursor{}.Encode("pg_2"), *res.Next)

	q, err := url.ParseQuery(h.Stub.Last().Query)
	require.NoError(t, err)
	assert.Equal(t, "email~'ada@x.com'", q.Get("query"))
}

func TestCreateCustomer_FormEncoded(t *testing.T) {
	h, key := setup(t)
	var sent url.Values
	h.Stub.Handle("POST /v1/customers", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		sent = r.PostForm
		httpstub.WriteJSON(w, http.StatusOK, map[string]any{"id": "cus_9", "name": sent.Get("name"), "email": sent.Get("email")})
	})

	res, err := h.Runner.Create(context.Background(), key, cdm.ModelContact, map[string]any{"name": "Ada Lovelace", "email": "ada@x.com"})
	require.NoError(t, err)
	assert.Equal(t, "cus_9", res.ID)
	assert.Equal(t, "Ada Lovelace", sent.Get("name"))
	assert.Equal(t, "ada@x.com", sent.Get("email"))
}

func TestRetrieveDeletedCustomerIsNotFound(t *testing.T) {
	h, key := setup(t)
	h.Stub.JSON("GET /v1/customers/cus_gone", http.StatusOK, map[string]any{"id": "cus_gone", "deleted": true})

	_, err := h.Runner.Retrieve(context.Background(), key, cdm.ModelContact, "cus_gone", nil)
	assert.Equal(t, core.CodeResourceNotFound, core.CodeOf(err))
}

func TestForm(t *testing.T) {
	got := form(map[string]any{
		"name":     "Ada",
		"metadata": map[string]any{"tier": "gold"},
		"items":    []any{map[string]any{"price": "p_1"}},
		"amount":   1000.0,
		"phone":    nil,
	})
	assert.Equal(t, "Ada", got.Get("name"))
	assert.Equal(t, "gold", got.Get("metadata[tier]"))
	assert.Equal(t, "p_1", got.Get("items[0][price]"))
	assert.Equal(t, "1000", got.Get("amount"))
	assert.True(t, got.Has("phone"))
	assert.Empty(t, got.Get("phone"))
}

// =============================================================================
// INVOICES AND LINE ITEMS
// =============================================================================

func TestRetrieveInvoice_Projection(t *testing.T) {
	h, key := setup(t)
	h.Stub.JSON("GET /v1/invoices/in_1", http.StatusOK, invoice("in_1", "usd", 12345, []any{line("il_1", 12345, 6172.5)}, false))

	res, err := h.Runner.Retrieve(context.Background(), key, cdm.ModelInvoice, "in_1", nil)
	require.NoError(t, err)
	assert.Equal(t, 123.45, res.Fields["total"])
	assert.Equal(t, "USD", res.Fields["currency"])
	assert.Equal(t, cdm.ResourceRef{ID: "cus_1", Model: cdm.ModelContact}, res.Fields["customer"])
	assert.Equal(t, []cdm.ResourceRef{{ID: "in_1::il_1", Model: cdm.ModelInvoiceLineItem}}, res.Fields["lineItems"])
	require.NotNil(t, res.UpdatedAt)
	assert.Equal(t, time.Unix(1760778100, 0).UTC(), *res.UpdatedAt)
}

func TestRetrieveInvoice_ZeroDecimalCurrency(t *testing.T) {
	h, key := setup(t)
	h.Stub.JSON("GET /v1/invoices/in_jp", http.StatusOK, invoice("in_jp", "jpy", 500, nil, false))

	res, err := h.Runner.Retrieve(context.Background(), key, cdm.ModelInvoice, "in_jp", nil)
	require.NoError(t, err)
	assert.Equal(t, 500.0, res.Fields["total"])
}

func TestListLineItems_DerivedWithCompositeIDs(t *testing.T) {
	h, key := setup(t)
	h.Stub.JSON("GET /v1/invoices", http.StatusOK, map[string]any{"object": "list", "has_more": false, "data": []any{
		invoice("in_1", "usd", 3000, []any{line("il_1", 1000, 500), line("il_2", 2000, 1000)}, false),
		invoice("in_2", "usd", 0, nil, false),
	}})

	res, err := h.Runner.List(context.Background(), operation.ListRequest{Key: key, Model: cdm.ModelInvoiceLineItem})
	require.NoError(t, err)
	require.Len(t, res.Data, 2)
	assert.Equal(t, "in_1::il_1", res.Data[0].ID)
	assert.Equal(t, "in_1::il_2", res.Data[1].ID)
	assert.Equal(t, cdm.ResourceRef{ID: "in_1", Model: cdm.ModelInvoice}, res.Data[0].Fields["invoice"])
	assert.Equal(t, 10.0, res.Data[0].Fields["amount"])
	assert.Equal(t, 5.0, res.Data[0].Fields["unitAmount"])
	assert.Nil(t, res.Next)
}

func TestRetrieveLineItem_FollowsLinePages(t *testing.T) {
	h, key := setup(t)
	h.Stub.JSON("GET /v1/invoices/in_1", http.StatusOK, invoice("in_1", "usd", 3000, []any{line("il_1", 1000, 500)}, true))
	h.Stub.Handle("GET /v1/invoices/in_1/lines", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "il_1", r.URL.Query().Get("starting_after"))
		httpstub.WriteJSON(w, http.StatusOK, map[string]any{"object": "list", "has_more": false, "data": []any{line("il_2", 2000, 1000)}})
	})

	res, err := h.Runner.Retrieve(context.Background(), key, cdm.ModelInvoiceLineItem, "in_1::il_2", nil)
	require.NoError(t, err)
	assert.Equal(t, "in_1::il_2", res.ID)
	assert.Equal(t, 20.0, res.Fields["amount"])

	_, err = h.Runner.Retrieve(context.Background(), key, cdm.ModelInvoiceLineItem, "in_1::il_404", nil)
	assert.Equal(t, core.CodeResourceNotFound, core.CodeOf(err))
}

func TestCreateInvoice_DueDateImpliesSendInvoice(t *testing.T) {
	h, key := setup(t)
	var sent url.Values
	h.Stub.Handle("POST /v1/invoices", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		sent = r.PostForm
		httpstub.WriteJSON(w, http.StatusOK, invoice("in_new", "usd", 0, nil, false))
	})

	due := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	_, err := h.Runner.Create(context.Background(), key, cdm.ModelInvoice, map[string]any{
		"customer": map[string]any{"id": "cus_1"},
		"dueDate":  due.Format(time.RFC3339),
	})
	require.NoError(t, err)
	assert.Equal(t, "cus_1", sent.Get("customer"))
	assert.Equal(t, "send_invoice", sent.Get("collection_method"))
	assert.Equal(t, "1793491200", sent.Get("due_date"))

	_, err = h.Runner.Create(context.Background(), key, cdm.ModelInvoice, map[string]any{"currency": "usd"})
	assert.Equal(t, core.CodeBadRequest, core.CodeOf(err))
}

func TestLineItemsAreReadOnly(t *testing.T) {
	h, key := setup(t)
	_, err := h.Runner.Create(context.Background(), key, cdm.ModelInvoiceLineItem, map[string]any{"amount": 1})
	assert.Equal(t, core.CodeNotSupported, core.CodeOf(err))
}

// =============================================================================
// WEBHOOKS
// =============================================================================

const signingSecret = "whsec_test_secret"

func subscribeInvoices(t *testing.T, h *connectortest.Harness, key connection.Key) {
	t.Helper()
	h.Stub.Handle("POST /v1/webhook_endpoints", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Contains(t, r.PostForm["enabled_events[]"], "invoice.paid")
		httpstub.WriteJSON(w, http.StatusOK, map[string]any{"id": "we_1", "object": "webhook_endpoint", "secret": signingSecret, "url": r.PostForm.Get("url")})
	})
	sub, err := h.Runner.Subscribe(context.Background(), operation.SubscribeRequest{
		Key: key, Model: cdm.ModelInvoice, Trigger: cdm.TriggerUpdated, URL: "https://unified.test/webhooks/stripe/acct-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "we_1", sub.ID)
	assert.Equal(t, signingSecret, sub.Metadata["secret"])
}

func signedDelivery(t *testing.T, secret string) *endpoint.WebhookRequest {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          "evt_1",
		"object":      "event",
		"type":        "invoice.paid",
		"created":     1760778200,
		"api_version": "2020-08-27",
		"data":        map[string]any{"object": invoice("in_1", "usd", 12345, nil, false)},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: body, Secret: secret, Timestamp: time.Now()})
	return &endpoint.WebhookRequest{
		Method:  http.MethodPost,
		URL:     "https://unified.test/webhooks/stripe/acct-1",
		Headers: http.Header{SignatureHeader: {signed.Header}},
		Body:    body,
	}
}

func TestWebhook_SignedDeliveryUsesEventIDAsKey(t *testing.T) {
	h, key := setup(t)
	subscribeInvoices(t, h, key)

	res, err := h.Pipeline.HandleConnection(context.Background(), key, signedDelivery(t, signingSecret))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, "evt_1", ev.IdempotencyKey)
	assert.Equal(t, cdm.TriggerUpdated, ev.Trigger)
	assert.Equal(t, "in_1", ev.Ref.ID)
	assert.Equal(t, 123.45, ev.Resource.Fields["total"])
	assert.Equal(t, time.Unix(1760778200, 0).UTC(), *ev.OccurredAt)
}

func TestWebhook_ForeignSecretRejected(t *testing.T) {
	h, key := setup(t)
	subscribeInvoices(t, h, key)

	_, err := h.Pipeline.HandleConnection(context.Background(), key, signedDelivery(t, "whsec_someone_else"))
	assert.Equal(t, core.CodeWebhookValidationFailed, core.CodeOf(err))
	assert.Empty(t, h.Sink.Events())

	req := signedDelivery(t, signingSecret)
	req.Body = append(req.Body[:len(req.Body)-1], []byte(`,"x":1}`)...)
	_, err = h.Pipeline.HandleConnection(context.Background(), key, req)
	assert.Equal(t, core.CodeWebhookValidationFailed, core.CodeOf(err), "tampered body")
}

func TestWebhook_UnsubscribedPairIgnored(t *testing.T) {
	h, key := setup(t)
	subscribeInvoices(t, h, key)

	body := []byte(`{"id":"evt_2","object":"event","type":"customer.created","created":1760778200,"data":{"object":{"id":"cus_1"}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: body, Secret: signingSecret, Timestamp: time.Now()})
	res, err := h.Pipeline.HandleConnection(context.Background(), key, &endpoint.WebhookRequest{
		Method: http.MethodPost, Headers: http.Header{SignatureHeader: {signed.Header}}, Body: body,
	})
	require.NoError(t, err)
	assert.True(t, res.Ignored)
}

func TestUnsubscribe_DeletesEndpoint(t *testing.T) {
	h, key := setup(t)
	subscribeInvoices(t, h, key)
	h.Stub.JSON("DELETE /v1/webhook_endpoints/we_1", http.StatusOK, map[string]any{"id": "we_1", "deleted": true})

	require.NoError(t, h.Runner.Unsubscribe(context.Background(), key, cdm.ModelInvoice, cdm.TriggerUpdated))
	assert.Equal(t, http.MethodDelete, h.Stub.Last().Method)
	assert.Empty(t, h.Connection(t, key).Subscriptions)
}
