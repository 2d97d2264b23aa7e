package aircall

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	httpclient "github.com/nucleus/unified-core/internal/connector/http"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/endpoint"
)

// =============================================================================
// READ HANDLERS
// =============================================================================

// list pages a collection. The "from" and "to" filters are unix timestamps
// Aircall applies to created_at.
func list(resource string) endpoint.ListHandler {
	return func(ctx context.Context, call endpoint.Call, p *endpoint.ListParams) (*endpoint.RawPage, error) {
		q := url.Values{}
		for _, f := range []string{"from", "to"} {
			if v := p.Filters[f]; v != "" {
				q.Set(f, v)
			}
		}
		return fetchPage(ctx, call, "/"+resource, resource, q, p)
	}
}

// listContacts searches by email or phone number when a query is given.
func listContacts(ctx context.Context, call endpoint.Call, p *endpoint.ListParams) (*endpoint.RawPage, error) {
	if p.Q == "" {
		return fetchPage(ctx, call, "/contacts", "contacts", url.Values{}, p)
	}
	q := url.Values{}
	if strings.Contains(p.Q, "@") {
		q.Set("email", p.Q)
	} else {
		q.Set("phone_number", p.Q)
	}
	return fetchPage(ctx, call, "/contacts/search", "contacts", q, p)
}

func fetchPage(ctx context.Context, call endpoint.Call, path, key string, q url.Values, p *endpoint.ListParams) (*endpoint.RawPage, error) {
	page, err := httpclient.PageCursor{}.Decode(p.Cursor)
	if err != nil {
		return nil, err
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(p.Limit))
	q.Set("order", "asc")

	resp, err := call.Do(ctx, &endpoint.ProxyRequest{Method: http.MethodGet, Path: path, Query: q})
	if err != nil {
		return nil, err
	}
	var env listEnvelope
	if err := resp.JSON(&env); err != nil {
		return nil, err
	}
	obj, err := resp.Object()
	if err != nil {
		return nil, err
	}
	items, err := objects(obj[key], key)
	if err != nil {
		return nil, err
	}

	out := &endpoint.RawPage{Items: items}
	if env.Meta.NextPageLink != "" {
		out.Next = httpclient.PageCursor{}.Encode(page + 1)
	}
	return out, nil
}

func retrieve(resource, key string) endpoint.RetrieveHandler {
	return func(ctx context.Context, call endpoint.Call, id string, _ endpoint.Selection) (map[string]any, error) {
		obj, err := endpoint.Get(ctx, call, "/"+resource+"/"+url.PathEscape(id), nil)
		if err != nil {
			return nil, err
		}
		return unwrap(obj, key)
	}
}

// =============================================================================
// WRITE HANDLERS
// =============================================================================

func createContact(ctx context.Context, call endpoint.Call, body map[string]any) (map[string]any, error) {
	obj, err := endpoint.Send(ctx, call, http.MethodPost, "/contacts", body)
	if err != nil {
		return nil, err
	}
	return unwrap(obj, "contact")
}

// updateContact posts the patch; Aircall updates contacts with POST.
func updateContact(ctx context.Context, call endpoint.Call, id string, body map[string]any) (map[string]any, error) {
	obj, err := endpoint.Send(ctx, call, http.MethodPost, "/contacts/"+url.PathEscape(id), body)
	if err != nil {
		return nil, err
	}
	return unwrap(obj, "contact")
}

// =============================================================================
// HELPERS
// =============================================================================

func unwrap(obj map[string]any, key string) (map[string]any, error) {
	inner, ok := obj[key].(map[string]any)
	if !ok {
		return nil, core.Errorf(core.CodeMapperFailed, "aircall response has no %q object", key)
	}
	return inner, nil
}

func objects(v any, key string) ([]map[string]any, error) {
	if v == nil {
		return []map[string]any{}, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, core.Errorf(core.CodeMapperFailed, "aircall %q is %T, not a list", key, v)
	}
	out := make([]map[string]any, 0, len(list))
	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, core.Errorf(core.CodeMapperFailed, "aircall %s[%d] is %T", key, i, it)
		}
		out = append(out, m)
	}
	return out, nil
}
