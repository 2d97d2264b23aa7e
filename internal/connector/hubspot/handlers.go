package hubspot

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	httpclient "github.com/nucleus/unified-core/internal/connector/http"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/mapper"
	"github.com/nucleus/unified-core/internal/mapper/fields"
)

const (
	// associationBatchSize is the input limit of the v4 batch read.
	associationBatchSize = 100

	// associationWorkers bounds concurrent batch reads per operation.
	associationWorkers = 4
)

// object is one CRM object type and the relation it can join.
type object struct {
	name        string
	association string
}

var (
	objectContacts = object{name: "contacts"}
	objectDeals    = object{name: "deals", association: "contacts"}
)

// page is the CRM v3 list and search envelope.
type page struct {
	Results []map[string]any `json:"results"`
	Paging  struct {
		Next struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

func (p *page) raw() *endpoint.RawPage {
	out := &endpoint.RawPage{Items: p.Results, Next: httpclient.TokenCursor{}.Encode(p.Paging.Next.After)}
	if out.Items == nil {
		out.Items = []map[string]any{}
	}
	return out
}

// =============================================================================
// CRM OBJECTS
// =============================================================================

// listObjects pages the objects API, or the search API when a query or
// filters are given. Filters are property equality matches.
func listObjects(o object) endpoint.ListHandler {
	return func(ctx context.Context, call endpoint.Call, p *endpoint.ListParams) (*endpoint.RawPage, error) {
		after, err := httpclient.TokenCursor{}.Decode(p.Cursor)
		if err != nil {
			return nil, err
		}
		props, err := selectProperties(ctx, call, o.name, p.Fields)
		if err != nil {
			return nil, err
		}

		var body page
		if p.Q != "" || len(p.Filters) > 0 {
			err = search(ctx, call, o.name, p, props, after, &body)
		} else {
			q := url.Values{
				"limit":      {strconv.Itoa(p.Limit)},
				"properties": {strings.Join(props, ",")},
			}
			if after != "" {
				q.Set("after", after)
			}
			err = get(ctx, call, "/crm/v3/objects/"+o.name, q, &body)
		}
		if err != nil {
			return nil, err
		}

		if o.association != "" && p.Fields.WantsAssociation(o.association) {
			if err := associate(ctx, call, o.name, o.association, body.Results); err != nil {
				return nil, err
			}
		}
		return body.raw(), nil
	}
}

func search(ctx context.Context, call endpoint.Call, objectName string, p *endpoint.ListParams, props []string, after string, target *page) error {
	req := map[string]any{
		"limit":      p.Limit,
		"properties": props,
	}
	if p.Q != "" {
		req["query"] = p.Q
	}
	if after != "" {
		req["after"] = after
	}
	if len(p.Filters) > 0 {
		keys := make([]string, 0, len(p.Filters))
		for k := range p.Filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		filters := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			filters = append(filters, map[string]any{"propertyName": k, "operator": "EQ", "value": p.Filters[k]})
		}
		req["filterGroups"] = []map[string]any{{"filters": filters}}
	}
	resp, err := call.Do(ctx, &endpoint.ProxyRequest{Method: http.MethodPost, Path: "/crm/v3/objects/" + objectName + "/search", Data: req})
	if err != nil {
		return err
	}
	return resp.JSON(target)
}

func retrieveObject(o object) endpoint.RetrieveHandler {
	return func(ctx context.Context, call endpoint.Call, id string, sel endpoint.Selection) (map[string]any, error) {
		props, err := selectProperties(ctx, call, o.name, sel)
		if err != nil {
			return nil, err
		}
		obj, err := endpoint.Get(ctx, call, "/crm/v3/objects/"+o.name+"/"+url.PathEscape(id), url.Values{
			"properties": {strings.Join(props, ",")},
		})
		if err != nil {
			return nil, err
		}
		if o.association != "" && sel.WantsAssociation(o.association) {
			if err := associate(ctx, call, o.name, o.association, []map[string]any{obj}); err != nil {
				return nil, err
			}
		}
		return obj, nil
	}
}

func createObject(o object) endpoint.CreateHandler {
	return func(ctx context.Context, call endpoint.Call, body map[string]any) (map[string]any, error) {
		return endpoint.Send(ctx, call, http.MethodPost, "/crm/v3/objects/"+o.name, body)
	}
}

func updateObject(o object) endpoint.UpdateHandler {
	return func(ctx context.Context, call endpoint.Call, id string, body map[string]any) (map[string]any, error) {
		return endpoint.Send(ctx, call, http.MethodPatch, "/crm/v3/objects/"+o.name+"/"+url.PathEscape(id), body)
	}
}

// selectProperties names the properties to read. HubSpot returns only a
// default set unless asked, so custom properties are listed explicitly.
func selectProperties(ctx context.Context, call endpoint.Call, objectName string, sel endpoint.Selection) ([]string, error) {
	props := append([]string(nil), properties[objectName]...)
	if !sel.Wants("customFields") {
		return props, nil
	}
	schemas, err := customProperties(objectName)(ctx, call)
	if err != nil {
		return nil, err
	}
	for _, s := range schemas {
		props = append(props, s.Key)
	}
	return props, nil
}

// =============================================================================
// ASSOCIATIONS
// =============================================================================

// associate attaches associations.<to>.results to every item. Ids are read
// in batches, concurrently.
func associate(ctx context.Context, call endpoint.Call, from, to string, items []map[string]any) error {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if id, ok := mapper.ToString(it["id"]).(string); ok {
			ids = append(ids, id)
		}
	}
	var batches [][]string
	for len(ids) > 0 {
		n := min(associationBatchSize, len(ids))
		batches = append(batches, ids[:n])
		ids = ids[n:]
	}

	found := make([]map[string][]any, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(associationWorkers)
	for i, batch := range batches {
		g.Go(func() error {
			m, err := readAssociations(gctx, call, from, to, batch)
			found[i] = m
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	linked := map[string][]any{}
	for _, m := range found {
		for id, refs := range m {
			linked[id] = append(linked[id], refs...)
		}
	}
	for _, it := range items {
		id, _ := mapper.ToString(it["id"]).(string)
		results := linked[id]
		if results == nil {
			results = []any{}
		}
		assoc, _ := it["associations"].(map[string]any)
		if assoc == nil {
			assoc = map[string]any{}
			it["associations"] = assoc
		}
		assoc[to] = map[string]any{"results": results}
	}
	return nil
}

func readAssociations(ctx context.Context, call endpoint.Call, from, to string, ids []string) (map[string][]any, error) {
	inputs := make([]map[string]string, len(ids))
	for i, id := range ids {
		inputs[i] = map[string]string{"id": id}
	}
	resp, err := call.Do(ctx, &endpoint.ProxyRequest{
		Method: http.MethodPost,
		Path:   "/crm/v4/associations/" + from + "/" + to + "/batch/read",
		Data:   map[string]any{"inputs": inputs},
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Results []struct {
			From map[string]any   `json:"from"`
			To   []map[string]any `json:"to"`
		} `json:"results"`
	}
	if err := resp.JSON(&body); err != nil {
		return nil, err
	}

	out := make(map[string][]any, len(body.Results))
	for _, r := range body.Results {
		id, _ := mapper.ToString(r.From["id"]).(string)
		for _, t := range r.To {
			if target, ok := mapper.ToString(t["toObjectId"]).(string); ok {
				out[id] = append(out[id], map[string]any{"id": target})
			}
		}
	}
	return out, nil
}

// =============================================================================
// PROPERTIES
// =============================================================================

func customProperties(objectName string) endpoint.FieldsHandler {
	return func(ctx context.Context, call endpoint.Call) ([]fields.Schema, error) {
		return endpoint.Memo(call, "hubspot:properties:"+objectName, func() ([]fields.Schema, error) {
			var body struct {
				Results []any `json:"results"`
			}
			if err := get(ctx, call, "/crm/v3/properties/"+objectName, nil, &body); err != nil {
				return nil, err
			}
			return definitions.Schemas(body.Results)
		})
	}
}

// =============================================================================
// PIPELINES AND OWNERS
// =============================================================================

// listPipelines returns every deal pipeline; the API does not page them.
func listPipelines(ctx context.Context, call endpoint.Call, _ *endpoint.ListParams) (*endpoint.RawPage, error) {
	var body page
	if err := get(ctx, call, "/crm/v3/pipelines/deals", nil, &body); err != nil {
		return nil, err
	}
	out := body.raw()
	out.Next = ""
	return out, nil
}

func retrievePipeline(ctx context.Context, call endpoint.Call, id string, _ endpoint.Selection) (map[string]any, error) {
	return endpoint.Get(ctx, call, "/crm/v3/pipelines/deals/"+url.PathEscape(id), nil)
}

// listOwners pages owners. A query is matched as an email address.
func listOwners(ctx context.Context, call endpoint.Call, p *endpoint.ListParams) (*endpoint.RawPage, error) {
	after, err := httpclient.TokenCursor{}.Decode(p.Cursor)
	if err != nil {
		return nil, err
	}
	q := url.Values{"limit": {strconv.Itoa(p.Limit)}}
	if after != "" {
		q.Set("after", after)
	}
	if p.Q != "" {
		q.Set("email", p.Q)
	}
	var body page
	if err := get(ctx, call, "/crm/v3/owners", q, &body); err != nil {
		return nil, err
	}
	return body.raw(), nil
}

func retrieveOwner(ctx context.Context, call endpoint.Call, id string, _ endpoint.Selection) (map[string]any, error) {
	obj, err := endpoint.Get(ctx, call, "/crm/v3/owners/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	if len(obj) == 0 {
		return nil, core.Errorf(core.CodeResourceNotFound, "owner %s not found", id)
	}
	return obj, nil
}

func get(ctx context.Context, call endpoint.Call, path string, q url.Values, target any) error {
	resp, err := call.Do(ctx, &endpoint.ProxyRequest{Method: http.MethodGet, Path: path, Query: q})
	if err != nil {
		return err
	}
	return resp.JSON(target)
}
