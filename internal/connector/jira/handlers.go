package jira

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
)

// =============================================================================
// ISSUES
// =============================================================================

// issueFilters are the list filters translated into JQL clauses.
var issueFilters = map[string]string{
	"project":  "project",
	"status":   "status",
	"assignee": "assignee",
	"type":     "issuetype",
	"updated":  "updated >=",
}

// buildJQL turns a query and filters into a JQL search, newest first.
func buildJQL(p *endpoint.ListParams) (string, error) {
	var clauses []string
	keys := make([]string, 0, len(p.Filters))
	for k := range p.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field, ok := issueFilters[k]
		if !ok {
			return "", core.Errorf(core.CodeBadRequest, "jira tickets cannot be filtered by %q", k)
		}
		if !strings.HasSuffix(field, "=") {
			field += " ="
		}
		clauses = append(clauses, fmt.Sprintf("%s %s", field, quote(p.Filters[k])))
	}
	if p.Q != "" {
		clauses = append(clauses, "text ~ "+quote(p.Q))
	}
	jql := "ORDER BY updated DESC"
	if len(clauses) > 0 {
		jql = strings.Join(clauses, " AND ") + " " + jql
	}
	return jql, nil
}

func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// listIssues pages a JQL search with startAt offsets.
func listIssues(ctx context.Context, call endpoint.Call, p *endpoint.ListParams) (*endpoint.RawPage, error) {
	startAt, err := httpclient.OffsetCursor{}.Decode(p.Cursor)
	if err != nil {
		return nil, err
	}
	jql, err := buildJQL(p)
	if err != nil {
		return nil, err
	}

	var result SearchResult
	err = get(ctx, call, "/rest/api/3/search/jql", url.Values{
		"jql":        {jql},
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(p.Limit)},
		"fields":     {strings.Join(issueFields, ",")},
	}, &result)
	if err != nil {
		return nil, err
	}

	out := &endpoint.RawPage{Items: result.Issues}
	if out.Items == nil {
		out.Items = []map[string]any{}
	}
	next := startAt + len(result.Issues)
	more := next < result.Total
	if result.IsLast != nil {
		more = !*result.IsLast
	}
	if more && len(result.Issues) > 0 {
		out.Next = httpclient.OffsetCursor{}.Encode(next)
	}
	return out, nil
}

func retrieveIssue(ctx context.Context, call endpoint.Call, id string, _ endpoint.Selection) (map[string]any, error) {
	return endpoint.Get(ctx, call, "/rest/api/3/issue/"+url.PathEscape(id), url.Values{
		"fields": {strings.Join(issueFields, ",")},
	})
}

// createIssue files a new issue; the create answer only carries ids, so the
// issue is read back.
func createIssue(ctx context.Context, call endpoint.Call, body map[string]any) (map[string]any, error) {
	fields, _ := body["fields"].(map[string]any)
	if _, ok := fields["project"]; !ok {
		return nil, core.Errorf(core.CodeBadRequest, "jira tickets require a key naming the project")
	}
	if _, ok := fields["issuetype"]; !ok {
		fields["issuetype"] = map[string]any{"name": "Task"}
	}
	resp, err := call.Do(ctx, &endpoint.ProxyRequest{Method: http.MethodPost, Path: "/rest/api/3/issue", Data: body})
	if err != nil {
		return nil, err
	}
	var created CreatedIssue
	if err := resp.JSON(&created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, core.Errorf(core.CodeUpstreamError, "jira create answered without an issue id")
	}
	return retrieveIssue(ctx, call, created.ID, nil)
}

// updateIssue edits fields in place.
func updateIssue(ctx context.Context, call endpoint.Call, id string, body map[string]any) (map[string]any, error) {
	_, err := call.Do(ctx, &endpoint.ProxyRequest{
		Method: http.MethodPut,
		Path:   "/rest/api/3/issue/" + url.PathEscape(id),
		Query:  url.Values{"notifyUsers": {"false"}},
		Data:   body,
	})
	if err != nil {
		return nil, err
	}
	return retrieveIssue(ctx, call, id, nil)
}

// =============================================================================
// USERS
// =============================================================================

// listUsers pages users, or the user search when a query is set. Neither
// reports a total, so a full page implies another.
func listUsers(ctx context.Context, call endpoint.Call, p *endpoint.ListParams) (*endpoint.RawPage, error) {
	startAt, err := httpclient.OffsetCursor{}.Decode(p.Cursor)
	if err != nil {
		return nil, err
	}
	path := "/rest/api/3/users/search"
	q := url.Values{
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(p.Limit)},
	}
	if p.Q != "" {
		path = "/rest/api/3/user/search"
		q.Set("query", p.Q)
	}
	var users []map[string]any
	if err := get(ctx, call, path, q, &users); err != nil {
		return nil, err
	}

	out := &endpoint.RawPage{Items: users}
	if out.Items == nil {
		out.Items = []map[string]any{}
	}
	if len(users) == p.Limit {
		out.Next = httpclient.OffsetCursor{}.Encode(startAt + len(users))
	}
	return out, nil
}

func retrieveUser(ctx context.Context, call endpoint.Call, id string, _ endpoint.Selection) (map[string]any, error) {
	return endpoint.Get(ctx, call, "/rest/api/3/user", url.Values{"accountId": {id}})
}

func get(ctx context.Context, call endpoint.Call, path string, q url.Values, target any) error {
	resp, err := call.Do(ctx, &endpoint.ProxyRequest{Method: http.MethodGet, Path: path, Query: q})
	if err != nil {
		return err
	}
	return resp.JSON(target)
}
