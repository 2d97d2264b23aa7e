package stripe

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	httpclient "github.com/nucleus/unified-core/internal/connector/http"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/mapper"
)

// list is Stripe's list envelope.
type list struct {
	Object   string           `json:"object"`
	Data     []map[string]any `json:"data"`
	HasMore  bool             `json:"has_more"`
	NextPage string           `json:"next_page"`
}

// =============================================================================
// LIST
// =============================================================================

// listCustomers pages /customers, or /customers/search when a query is set.
func listCustomers(ctx context.Context, call endpoint.Call, p *endpoint.ListParams) (*endpoint.RawPage, error) {
	if p.Q == "" {
		return page(ctx, call, "/customers", url.Values{}, p)
	}
	token, err := httpclient.TokenCursor{}.Decode(p.Cursor)
	if err != nil {
		return nil, err
	}
	field := "name"
	if strings.Contains(p.Q, "@") {
		field = "email"
	}
	q := url.Values{
		"query": {fmt.Sprintf("%s~'%s'", field, strings.ReplaceAll(p.Q, "'", `\'`))},
		"limit": {strconv.Itoa(p.Limit)},
	}
	if token != "" {
		q.Set("page", token)
	}
	var body list
	if err := get(ctx, call, "/customers/search", q, &body); err != nil {
		return nil, err
	}
	out := &endpoint.RawPage{Items: body.Data}
	if body.HasMore {
		out.Next = httpclient.TokenCursor{}.Encode(body.NextPage)
	}
	return out, nil
}

// listInvoices pages /invoices. The "customer" and "status" filters pass
// through.
func listInvoices(ctx context.Context, call endpoint.Call, p *endpoint.ListParams) (*endpoint.RawPage, error) {
	q := url.Values{}
	for _, f := range []string{"customer", "status"} {
		if v := p.Filters[f]; v != "" {
			q.Set(f, v)
		}
	}
	return page(ctx, call, "/invoices", q, p)
}

// page fetches one starting_after page; the cursor wraps the last id seen.
func page(ctx context.Context, call endpoint.Call, path string, q url.Values, p *endpoint.ListParams) (*endpoint.RawPage, error) {
	after, err := httpclient.TokenCursor{}.Decode(p.Cursor)
	if err != nil {
		return nil, err
	}
	q.Set("limit", strconv.Itoa(p.Limit))
	if after != "" {
		q.Set("starting_after", after)
	}
	var body list
	if err := get(ctx, call, path, q, &body); err != nil {
		return nil, err
	}

	out := &endpoint.RawPage{Items: body.Data}
	if out.Items == nil {
		out.Items = []map[string]any{}
	}
	if body.HasMore && len(body.Data) > 0 {
		last, _ := mapper.ToString(body.Data[len(body.Data)-1]["id"]).(string)
		out.Next = httpclient.TokenCursor{}.Encode(last)
	}
	return out, nil
}

// =============================================================================
// RETRIEVE
// =============================================================================

func retrieve(resource string) endpoint.RetrieveHandler {
	return func(ctx context.Context, call endpoint.Call, id string, _ endpoint.Selection) (map[string]any, error) {
		obj, err := endpoint.Get(ctx, call, "/"+resource+"/"+url.PathEscape(id), nil)
		if err != nil {
			return nil, err
		}
		if deleted, _ := obj["deleted"].(bool); deleted {
			return nil, core.Errorf(core.CodeResourceNotFound, "%s %s was deleted", resource, id)
		}
		return obj, nil
	}
}

// retrieveInvoice loads an invoice with every line item; embedded lines
// stop after the first page.
func retrieveInvoice(ctx context.Context, call endpoint.Call, id string, sel endpoint.Selection) (map[string]any, error) {
	inv, err := retrieve("invoices")(ctx, call, id, sel)
	if err != nil {
		return nil, err
	}
	lines, _ := inv["lines"].(map[string]any)
	more, _ := lines["has_more"].(bool)
	if !more {
		return inv, nil
	}
	data, _ := lines["data"].([]any)
	for more && len(data) > 0 {
		last, _ := data[len(data)-1].(map[string]any)
		after, _ := mapper.ToString(last["id"]).(string)
		var next list
		q := url.Values{"limit": {strconv.Itoa(MaxPageSize)}, "starting_after": {after}}
		if err := get(ctx, call, "/invoices/"+url.PathEscape(id)+"/lines", q, &next); err != nil {
			return nil, err
		}
		for _, it := range next.Data {
			data = append(data, it)
		}
		more = next.HasMore && len(next.Data) > 0
	}
	lines["data"] = data
	lines["has_more"] = false
	return inv, nil
}

// =============================================================================
// WRITE
// Stripe takes form-encoded bodies with bracketed keys for nested values.
// =============================================================================

func create(resource string) endpoint.CreateHandler {
	return func(ctx context.Context, call endpoint.Call, body map[string]any) (map[string]any, error) {
		return endpoint.Send(ctx, call, http.MethodPost, "/"+resource, form(body))
	}
}

func update(resource string) endpoint.UpdateHandler {
	return func(ctx context.Context, call endpoint.Call, id string, body map[string]any) (map[string]any, error) {
		return endpoint.Send(ctx, call, http.MethodPost, "/"+resource+"/"+url.PathEscape(id), form(body))
	}
}

// createInvoice creates a draft invoice. A due date implies send_invoice
// collection, which Stripe requires for due dates.
func createInvoice(ctx context.Context, call endpoint.Call, body map[string]any) (map[string]any, error) {
	if body["customer"] == nil {
		return nil, core.Errorf(core.CodeBadRequest, "stripe invoices require a customer")
	}
	if body["due_date"] != nil {
		body["collection_method"] = "send_invoice"
	}
	return create("invoices")(ctx, call, body)
}

// form flattens a JSON-shaped body into Stripe's form encoding.
func form(body map[string]any) url.Values {
	out := url.Values{}
	encodeForm(out, "", body)
	return out
}

func encodeForm(out url.Values, prefix string, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			key := k
			if prefix != "" {
				key = prefix + "[" + k + "]"
			}
			encodeForm(out, key, t[k])
		}
	case []any:
		for i, x := range t {
			encodeForm(out, prefix+"["+strconv.Itoa(i)+"]", x)
		}
	default:
		// An empty value unsets the field.
		s, _ := mapper.ToString(t).(string)
		out.Set(prefix, s)
	}
}

func get(ctx context.Context, call endpoint.Call, path string, q url.Values, target any) error {
	resp, err := call.Do(ctx, &endpoint.ProxyRequest{Method: http.MethodGet, Path: path, Query: q})
	if err != nil {
		return err
	}
	return resp.JSON(target)
}
