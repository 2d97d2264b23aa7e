package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/operation"
)

func model(c echo.Context) (cdm.Model, error) {
	m := cdm.Model(c.Param("model"))
	if !m.Valid() {
		return "", core.Errorf(core.CodeBadRequest, "unknown model %q", m)
	}
	return m, nil
}

// wantsRaw reports whether rawResource should be serialised.
func wantsRaw(c echo.Context) bool {
	raw, _ := strconv.ParseBool(c.QueryParam("raw"))
	return raw
}

// render copies res, dropping the raw payload unless asked for.
func render(res *cdm.Resource, raw bool) *cdm.Resource {
	if res == nil || raw {
		return res
	}
	out := *res
	out.Raw = nil
	return &out
}

// filters reads filter[name]=value query parameters.
func filters(c echo.Context) map[string]string {
	out := map[string]string{}
	for k, vals := range c.QueryParams() {
		name, ok := strings.CutPrefix(k, "filter[")
		if !ok || !strings.HasSuffix(name, "]") || len(vals) == 0 {
			continue
		}
		out[strings.TrimSuffix(name, "]")] = vals[0]
	}
	return out
}

// patch decodes a JSON object body.
func patch(c echo.Context) (map[string]any, error) {
	var body map[string]any
	dec := json.NewDecoder(c.Request().Body)
	if err := dec.Decode(&body); err != nil {
		return nil, core.Wrap(core.CodeBadRequest, err, "body must be a JSON object")
	}
	if body == nil {
		return nil, core.Errorf(core.CodeBadRequest, "body must be a JSON object")
	}
	return body, nil
}

// list handles GET /v1/connections/:connector/:owner/models/:model
func (s *Server) list(c echo.Context) error {
	m, err := model(c)
	if err != nil {
		return err
	}
	req := operation.ListRequest{
		Key:     key(c),
		Model:   m,
		Cursor:  c.QueryParam("cursor"),
		Q:       c.QueryParam("q"),
		Filters: filters(c),
		Fields:  endpoint.ParseSelection(c.QueryParam("fields")),
	}
	if limit := c.QueryParam("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return core.Errorf(core.CodeBadRequest, "limit must be a non-negative integer")
		}
		req.Limit = n
	}

	res, err := s.runner.List(c.Request().Context(), req)
	if err != nil {
		return err
	}
	raw := wantsRaw(c)
	data := make([]*cdm.Resource, len(res.Data))
	for i, r := range res.Data {
		data[i] = render(r, raw)
	}
	return c.JSON(http.StatusOK, operation.ListResult{Data: data, Next: res.Next})
}

// retrieve handles GET /v1/connections/:connector/:owner/models/:model/:id
func (s *Server) retrieve(c echo.Context) error {
	m, err := model(c)
	if err != nil {
		return err
	}
	res, err := s.runner.Retrieve(c.Request().Context(), key(c), m, c.Param("id"), endpoint.ParseSelection(c.QueryParam("fields")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, render(res, wantsRaw(c)))
}

// create handles POST /v1/connections/:connector/:owner/models/:model
func (s *Server) create(c echo.Context) error {
	m, err := model(c)
	if err != nil {
		return err
	}
	body, err := patch(c)
	if err != nil {
		return err
	}
	res, err := s.runner.Create(c.Request().Context(), key(c), m, body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, render(res, wantsRaw(c)))
}

// update handles PATCH /v1/connections/:connector/:owner/models/:model/:id
func (s *Server) update(c echo.Context) error {
	m, err := model(c)
	if err != nil {
		return err
	}
	body, err := patch(c)
	if err != nil {
		return err
	}
	res, err := s.runner.Update(c.Request().Context(), key(c), m, c.Param("id"), body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, render(res, wantsRaw(c)))
}

// fields handles GET /v1/connections/:connector/:owner/fields/:model
func (s *Server) fields(c echo.Context) error {
	m, err := model(c)
	if err != nil {
		return err
	}
	schemas, err := s.runner.Fields(c.Request().Context(), key(c), m)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"data": schemas})
}
