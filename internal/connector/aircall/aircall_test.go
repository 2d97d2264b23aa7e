package aircall

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/unified-core/internal/connection"
	"github.com/nucleus/unified-core/internal/connector/connectortest"
	"github.com/nucleus/unified-core/internal/connector/http/httpstub"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/mapper"
	"github.com/nucleus/unified-core/internal/operation"
)

func setup(t *testing.T) (*connectortest.Harness, connection.Key) {
	t.Helper()
	h := connectortest.New(t, Connector(), connectortest.Options{})
	key := h.Configure(t, "owner-1", map[string]string{SettingAPIID: "abc123", SettingAPIToken: "tok"})
	return h, key
}

func rawCalls(n, first int) []any {
	out := make([]any, n)
	for i := range out {
		dir := "inbound"
		if i%2 == 1 {
			dir = "outbound"
		}
		out[i] = map[string]any{
			"id":         float64(first + i),
			"direction":  dir,
			"status":     "done",
			"duration":   float64(30 + i),
			"raw_digits": "+33 1 23 45 67 89",
			"number":     map[string]any{"digits": "+1 555 0100"},
			"started_at": float64(1760778000 + i),
			"ended_at":   float64(1760778060 + i),
			"user":       map[string]any{"id": float64(7)},
		}
	}
	return out
}

func TestConnectorIsValid(t *testing.T) {
	require.NoError(t, Connector().Validate())
	_, err := endpoint.DefaultRegistry().Get(ID)
	assert.NoError(t, err, "registered on import")
}

// =============================================================================
// LIST
// =============================================================================

func TestList_NextCursorFromNextPageLink(t *testing.T) {
	h, key := setup(t)
	h.Stub.Handle("GET /v1/calls", func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		meta := map[string]any{"count": 20, "total": 25, "current_page": page, "per_page": 20}
		if page == 1 {
			meta["next_page_link"] = "https://api.aircall.io/v1/calls?page=2&per_page=20"
			httpstub.WriteJSON(w, http.StatusOK, map[string]any{"calls": rawCalls(20, 1), "meta": meta})
			return
		}
		meta["next_page_link"] = nil
		httpstub.WriteJSON(w, http.StatusOK, map[string]any{"calls": rawCalls(5, 21), "meta": meta})
	})

	res, err := h.Runner.List(context.Background(), operation.ListRequest{Key: key, Model: cdm.ModelCall, Limit: 20})
	require.NoError(t, err)
	assert.Len(t, res.Data, 20)
	require.NotNil(t, res.Next)
	assert.Equal(t, "2", *res.Next)

	last := h.Stub.Last()
	assert.Contains(t, last.Query, "page=1")
	assert.Contains(t, last.Query, "per_page=20")
	user, pass, ok := (&http.Request{Header: last.Header}).BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "abc123", user)
	assert.Equal(t, "tok", pass)

	res, err = h.Runner.List(context.Background(), operation.ListRequest{Key: key, Model: cdm.ModelCall, Limit: 20, Cursor: *res.Next})
	require.NoError(t, err)
	assert.Len(t, res.Data, 5)
	assert.Nil(t, res.Next)
	assert.Equal(t, "21", res.Data[0].ID)
}

func TestList_ContactSearch(t *testing.T) {
	h, key := setup(t)
	h.Stub.JSON("GET /v1/contacts/search", http.StatusOK, map[string]any{
		"contacts": []any{map[string]any{"id": float64(42), "first_name": "Ada", "emails": []any{map[string]any{"label": "Work", "value": "a@x.com"}}}},
		"meta":     map[string]any{"next_page_link": nil},
	})

	res, err := h.Runner.List(context.Background(), operation.ListRequest{Key: key, Model: cdm.ModelContact, Q: "a@x.com"})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, "42", res.Data[0].ID)
	assert.Equal(t, "a@x.com", res.Data[0].Fields["email"])
	assert.Contains(t, h.Stub.Last().Query, "email=a%40x.com")
	assert.Contains(t, h.Stub.Last().Query, "per_page=20")
}

// =============================================================================
// PROJECTION
// =============================================================================

func TestRetrieve_CallProjection(t *testing.T) {
	h, key := setup(t)
	call := rawCalls(1, 9)[0].(map[string]any)
	call["voicemail"] = "https://cdn.aircall.io/vm.mp3"
	call["contact"] = map[string]any{"id": float64(42)}
	h.Stub.JSON("GET /v1/calls/9", http.StatusOK, map[string]any{"call": call})

	res, err := h.Runner.Retrieve(context.Background(), key, cdm.ModelCall, "9", nil)
	require.NoError(t, err)
	assert.Equal(t, "9", res.ID)
	assert.Equal(t, "https://cdn.aircall.io/vm.mp3", res.Fields["recordingUrl"])
	assert.Equal(t, "+33 1 23 45 67 89", res.Fields["from"])
	assert.Equal(t, "+1 555 0100", res.Fields["to"])
	assert.Equal(t, 30.0, res.Fields["duration"])
	assert.Equal(t, cdm.ResourceRef{ID: "7", Model: cdm.ModelUser}, res.Fields["user"])
	assert.Equal(t, cdm.ResourceRef{ID: "42", Model: cdm.ModelContact}, res.Fields["contact"])
	require.NotNil(t, res.UpdatedAt)
	assert.Equal(t, time.Unix(1760778060, 0).UTC(), *res.UpdatedAt)
}

func TestRetrieve_RecordingPreferredOverVoicemail(t *testing.T) {
	raw := rawCalls(1, 1)[0].(map[string]any)
	raw["recording"] = "https://cdn.aircall.io/rec.mp3"
	raw["voicemail"] = "https://cdn.aircall.io/vm.mp3"
	raw["direction"] = "outbound"

	res, err := mapper.ProjectRead(callDescriptor, raw)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.aircall.io/rec.mp3", res.Fields["recordingUrl"])
	assert.Equal(t, "+1 555 0100", res.Fields["from"])
	assert.Equal(t, "+33 1 23 45 67 89", res.Fields["to"])
}

func TestRetrieve_NotFoundKeepsUpstreamBody(t *testing.T) {
	h, key := setup(t)
	h.Stub.JSON("GET /v1/calls/404", http.StatusNotFound, map[string]any{"error": "Not found", "troubleshoot": "check id"})

	_, err := h.Runner.Retrieve(context.Background(), key, cdm.ModelCall, "404", nil)
	assert.Equal(t, core.CodeResourceNotFound, core.CodeOf(err))
	ce := core.AsError(err)
	assert.Equal(t, http.StatusNotFound, ce.Status)
	assert.Contains(t, string(ce.Body), "check id")
}

// =============================================================================
// WRITE
// =============================================================================

func TestCreateContact(t *testing.T) {
	h, key := setup(t)
	var sent map[string]any
	h.Stub.Handle("POST /v1/contacts", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		contact := map[string]any{"id": float64(43), "created_at": float64(1760778000)}
		for k, v := range sent {
			contact[k] = v
		}
		httpstub.WriteJSON(w, http.StatusCreated, map[string]any{"contact": contact})
	})

	res, err := h.Runner.Create(context.Background(), key, cdm.ModelContact, map[string]any{
		"firstName": "Ada",
		"lastName":  "Lovelace",
		"email":     "ada@x.com",
		"phone":     "+44 20 7946 0000",
	})
	require.NoError(t, err)
	assert.Equal(t, "43", res.ID)
	assert.Equal(t, "Ada Lovelace", res.Fields["name"])
	assert.Equal(t, "ada@x.com", res.Fields["email"])
	assert.Equal(t, []any{map[string]any{"label": "Work", "value": "ada@x.com"}}, sent["emails"])
	assert.Equal(t, "Ada", sent["first_name"])
}

func TestUpdateContact_RejectsReadOnly(t *testing.T) {
	h, key := setup(t)
	_, err := h.Runner.Update(context.Background(), key, cdm.ModelContact, "43", map[string]any{"name": "x"})
	assert.Equal(t, core.CodeFieldNotWritable, core.CodeOf(err))
	assert.Zero(t, h.Stub.Calls())
}

func TestUpdateContact_UsesPost(t *testing.T) {
	h, key := setup(t)
	var sent map[string]any
	h.Stub.Handle("POST /v1/contacts/43", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		httpstub.WriteJSON(w, http.StatusOK, map[string]any{"contact": map[string]any{"id": 43, "company_name": sent["company_name"]}})
	})

	res, err := h.Runner.Update(context.Background(), key, cdm.ModelContact, "43", map[string]any{"company": "Analytical Engines"})
	require.NoError(t, err)
	assert.Equal(t, "Analytical Engines", res.Fields["company"])
	assert.Equal(t, map[string]any{"company_name": "Analytical Engines"}, sent)
}

func TestUpdateContact_EmailAndPhoneAreCreateOnly(t *testing.T) {
	h, key := setup(t)
	for _, patch := range []map[string]any{
		{"email": "x@y.z"},
		{"company": "Analytical Engines", "phone": "+44 20 7946 0000"},
	} {
		_, err := h.Runner.Update(context.Background(), key, cdm.ModelContact, "43", patch)
		assert.Equal(t, core.CodeFieldNotWritable, core.CodeOf(err))
	}
	assert.Zero(t, h.Stub.Calls())
}

// =============================================================================
// WEBHOOKS
// =============================================================================

func subscribeCalls(t *testing.T, h *connectortest.Harness, key connection.Key) {
	t.Helper()
	h.Stub.Handle("POST /v1/webhooks", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []any{"call.created"}, body["events"])
		httpstub.WriteJSON(w, http.StatusCreated, map[string]any{"webhook": map[string]any{
			"webhook_id": "wh-1", "token": "issued-token", "url": body["url"], "active": true,
		}})
	})
	sub, err := h.Runner.Subscribe(context.Background(), operation.SubscribeRequest{
		Key: key, Model: cdm.ModelCall, Trigger: cdm.TriggerCreated, URL: "https://unified.test/webhooks/aircall/owner-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "wh-1", sub.ID)
	assert.Equal(t, "issued-token", sub.Metadata["token"])
}

func delivery(t *testing.T, token string) *endpoint.WebhookRequest {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"resource":  "call",
		"event":     "call.created",
		"timestamp": 1760778001,
		"token":     token,
		"data":      rawCalls(1, 77)[0],
	})
	require.NoError(t, err)
	return &endpoint.WebhookRequest{Method: http.MethodPost, URL: "https://unified.test/webhooks/aircall/owner-1", Headers: http.Header{}, Body: body}
}

func TestWebhook_ValidTokenDelivers(t *testing.T) {
	h, key := setup(t)
	subscribeCalls(t, h, key)

	res, err := h.Pipeline.HandleConnection(context.Background(), key, delivery(t, "issued-token"))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.Equal(t, cdm.ModelCall, ev.Model)
	assert.Equal(t, cdm.TriggerCreated, ev.Trigger)
	assert.Equal(t, "77", ev.Ref.ID)
	assert.Equal(t, "owner-1", ev.OwnerID)
	require.NotNil(t, ev.Resource)
	assert.Equal(t, "inbound", ev.Resource.Fields["direction"])
	assert.NotEmpty(t, ev.IdempotencyKey)

	again, err := h.Pipeline.HandleConnection(context.Background(), key, delivery(t, "issued-token"))
	require.NoError(t, err)
	assert.Equal(t, ev.IdempotencyKey, again.Events[0].IdempotencyKey)
}

func TestWebhook_WrongTokenRejected(t *testing.T) {
	h, key := setup(t)
	subscribeCalls(t, h, key)

	_, err := h.Pipeline.HandleConnection(context.Background(), key, delivery(t, "forged"))
	assert.Equal(t, core.CodeWebhookValidationFailed, core.CodeOf(err))
	assert.Empty(t, h.Sink.Events())

	archived, err := h.DeadLetter.List(context.Background(), ID, time.Now())
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, core.CodeWebhookValidationFailed, archived[0].Code)
}

func TestWebhook_UnknownEventIgnoredOnlyWhenAuthentic(t *testing.T) {
	h, key := setup(t)
	subscribeCalls(t, h, key)

	req := &endpoint.WebhookRequest{Method: http.MethodPost, Body: []byte(`{"event":"number.opened","token":"issued-token","data":{}}`)}
	res, err := h.Pipeline.HandleConnection(context.Background(), key, req)
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	req = &endpoint.WebhookRequest{Method: http.MethodPost, Body: []byte(`{"event":"number.opened","token":"x","data":{}}`)}
	_, err = h.Pipeline.HandleConnection(context.Background(), key, req)
	assert.Equal(t, core.CodeWebhookValidationFailed, core.CodeOf(err))
}

func TestUnsubscribe_DeletesWebhook(t *testing.T) {
	h, key := setup(t)
	subscribeCalls(t, h, key)
	h.Stub.Handle("DELETE /v1/webhooks/wh-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, h.Runner.Unsubscribe(context.Background(), key, cdm.ModelCall, cdm.TriggerCreated))
	assert.Equal(t, "/v1/webhooks/wh-1", h.Stub.Last().Path)
	assert.Empty(t, h.Connection(t, key).Subscriptions)
}
