// Package operation runs the canonical List/Retrieve/Create/Update verbs, the
// Fields discovery verb and webhook Subscribe/Unsubscribe against connector
// declarations.
//
// The runner owns control flow: it normalizes parameters, rejects invalid
// writes before any upstream call, obtains an authorized session from the
// authority, invokes the connector handler and projects raw payloads through
// the model descriptor.
package operation

import (
	"context"
	"log/slog"

	"github.com/nucleus/unified-core/internal/authority"
	"github.com/nucleus/unified-core/internal/connection"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/mapper"
	"github.com/nucleus/unified-core/internal/mapper/fields"
)

const (
	// DefaultLimit applies when neither caller nor connector sets one.
	DefaultLimit = 25

	// DefaultMaxLimit caps page sizes for connectors without their own cap.
	DefaultMaxLimit = 100

	// CustomFieldsField is the canonical field holding tenant custom fields.
	CustomFieldsField = "customFields"
)

// Runner executes operations.
type Runner struct {
	authority *authority.Authority
	logger    *slog.Logger
}

// NewRunner creates a runner over an authority.
func NewRunner(a *authority.Authority, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{authority: a, logger: logger.With("component", "operation")}
}

// ListRequest are the List inputs.
type ListRequest struct {
	Key     connection.Key
	Model   cdm.Model
	Limit   int
	Cursor  string
	Q       string
	Filters map[string]string
	Fields  endpoint.Selection
}

// ListResult is one page. Next is nil on the last page.
type ListResult struct {
	Data []*cdm.Resource `json:"data"`
	Next *string         `json:"next"`
}

// =============================================================================
// READ VERBS
// =============================================================================

// List returns one page of canonical resources.
func (r *Runner) List(ctx context.Context, req ListRequest) (*ListResult, error) {
	connector, spec, err := r.resolve(req.Key, req.Model)
	if err != nil {
		return nil, err
	}
	if err := checkSelection(req.Model, req.Fields); err != nil {
		return nil, err
	}
	limit, err := normalizeLimit(req.Limit, spec)
	if err != nil {
		return nil, err
	}

	params := &endpoint.ListParams{
		Limit:   limit,
		Cursor:  req.Cursor,
		Q:       req.Q,
		Filters: req.Filters,
		Fields:  req.Fields,
	}

	if spec.DerivedFrom != "" {
		return r.listDerived(ctx, connector, spec, req, params)
	}
	if spec.List == nil {
		return nil, notSupported(connector, req.Model, "list")
	}

	sess, err := r.authority.Session(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	page, err := spec.List(ctx, sess, params)
	if err != nil {
		return nil, err
	}

	out := &ListResult{Data: make([]*cdm.Resource, 0, len(page.Items))}
	p := r.projector(sess, spec, req.Fields)
	for _, item := range page.Items {
		res, err := p.read(ctx, item)
		if err != nil {
			return nil, err
		}
		out.Data = append(out.Data, res)
	}
	if page.Next != "" {
		next := page.Next
		out.Next = &next
	}
	r.logger.Debug("list", "connection", req.Key.String(), "model", req.Model, "count", len(out.Data), "more", out.Next != nil)
	return out, nil
}

// Retrieve returns one canonical resource by id.
func (r *Runner) Retrieve(ctx context.Context, key connection.Key, model cdm.Model, id string, sel endpoint.Selection) (*cdm.Resource, error) {
	connector, spec, err := r.resolve(key, model)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, core.Errorf(core.CodeBadRequest, "id is required")
	}
	if err := checkSelection(model, sel); err != nil {
		return nil, err
	}
	if spec.DerivedFrom != "" {
		return r.retrieveDerived(ctx, connector, spec, key, model, id)
	}
	if spec.Retrieve == nil {
		return nil, notSupported(connector, model, "retrieve")
	}

	sess, err := r.authority.Session(ctx, key)
	if err != nil {
		return nil, err
	}
	raw, err := spec.Retrieve(ctx, sess, id, sel)
	if err != nil {
		return nil, err
	}
	return r.projector(sess, spec, sel).read(ctx, raw)
}

// Fields lists the tenant's custom field schemas for a model.
func (r *Runner) Fields(ctx context.Context, key connection.Key, model cdm.Model) ([]fields.Schema, error) {
	connector, spec, err := r.resolve(key, model)
	if err != nil {
		return nil, err
	}
	if spec.Fields == nil {
		return nil, notSupported(connector, model, "fields")
	}
	sess, err := r.authority.Session(ctx, key)
	if err != nil {
		return nil, err
	}
	schemas, err := spec.Fields(ctx, sess)
	if err != nil {
		return nil, err
	}
	if schemas == nil {
		schemas = []fields.Schema{}
	}
	return schemas, nil
}

// =============================================================================
// WRITE VERBS
// =============================================================================

// Create writes a new resource from a canonical patch.
func (r *Runner) Create(ctx context.Context, key connection.Key, model cdm.Model, patch map[string]any) (*cdm.Resource, error) {
	connector, spec, err := r.resolve(key, model)
	if err != nil {
		return nil, err
	}
	if spec.DerivedFrom != "" || spec.Create == nil {
		return nil, notSupported(connector, model, "create")
	}
	w, err := prepareWrite(spec, patch, false)
	if err != nil {
		return nil, err
	}

	sess, err := r.authority.Session(ctx, key)
	if err != nil {
		return nil, err
	}
	body, err := w.body(ctx, sess)
	if err != nil {
		return nil, err
	}
	raw, err := spec.Create(ctx, sess, body)
	if err != nil {
		return nil, err
	}
	r.logger.Info("created", "connection", key.String(), "model", model)
	return r.projector(sess, spec, nil).read(ctx, raw)
}

// Update patches an existing resource.
func (r *Runner) Update(ctx context.Context, key connection.Key, model cdm.Model, id string, patch map[string]any) (*cdm.Resource, error) {
	connector, spec, err := r.resolve(key, model)
	if err != nil {
		return nil, err
	}
	if spec.DerivedFrom != "" || spec.Update == nil {
		return nil, notSupported(connector, model, "update")
	}
	if id == "" {
		return nil, core.Errorf(core.CodeBadRequest, "id is required")
	}
	w, err := prepareWrite(spec, patch, true)
	if err != nil {
		return nil, err
	}

	sess, err := r.authority.Session(ctx, key)
	if err != nil {
		return nil, err
	}
	body, err := w.body(ctx, sess)
	if err != nil {
		return nil, err
	}
	raw, err := spec.Update(ctx, sess, id, body)
	if err != nil {
		return nil, err
	}
	r.logger.Info("updated", "connection", key.String(), "model", model, "id", id)
	return r.projector(sess, spec, nil).read(ctx, raw)
}

// =============================================================================
// DERIVED MODELS
// =============================================================================

func (r *Runner) listDerived(ctx context.Context, connector *endpoint.Connector, spec *endpoint.ModelSpec, req ListRequest, params *endpoint.ListParams) (*ListResult, error) {
	parent := connector.Models[spec.DerivedFrom]
	child, _ := parent.Descriptor.ChildFor(req.Model)
	if parent.List == nil {
		return nil, notSupported(connector, req.Model, "list")
	}

	sess, err := r.authority.Session(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	parentParams := *params
	parentParams.Fields = nil
	page, err := parent.List(ctx, sess, &parentParams)
	if err != nil {
		return nil, err
	}

	out := &ListResult{Data: []*cdm.Resource{}}
	for _, item := range page.Items {
		children, err := projectChildren(parent.Descriptor, child, item)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			out.Data = append(out.Data, strip(c, req.Fields))
		}
	}
	if page.Next != "" {
		next := page.Next
		out.Next = &next
	}
	return out, nil
}

func (r *Runner) retrieveDerived(ctx context.Context, connector *endpoint.Connector, spec *endpoint.ModelSpec, key connection.Key, model cdm.Model, id string) (*cdm.Resource, error) {
	parentID, _, ok := cdm.SplitCompositeID(id)
	if !ok {
		return nil, core.Errorf(core.CodeBadRequest, "%s id %q is not a composite id", model, id)
	}
	parent := connector.Models[spec.DerivedFrom]
	child, _ := parent.Descriptor.ChildFor(model)
	if parent.Retrieve == nil {
		return nil, notSupported(connector, model, "retrieve")
	}

	sess, err := r.authority.Session(ctx, key)
	if err != nil {
		return nil, err
	}
	raw, err := parent.Retrieve(ctx, sess, parentID, nil)
	if err != nil {
		return nil, err
	}
	children, err := projectChildren(parent.Descriptor, child, raw)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, core.Errorf(core.CodeResourceNotFound, "%s %s not found", model, id)
}

func projectChildren(parent *mapper.Descriptor, child mapper.Child, raw map[string]any) ([]*cdm.Resource, error) {
	p, err := mapper.ProjectRead(parent, raw)
	if err != nil {
		return nil, err
	}
	return mapper.ProjectChildren(child, p, raw)
}

// =============================================================================
// HELPERS
// =============================================================================

func (r *Runner) resolve(key connection.Key, model cdm.Model) (*endpoint.Connector, *endpoint.ModelSpec, error) {
	if err := key.Validate(); err != nil {
		return nil, nil, err
	}
	if !model.Valid() {
		return nil, nil, core.Errorf(core.CodeBadRequest, "unknown model %q", model)
	}
	connector, err := r.authority.Registry().Get(key.ConnectorID)
	if err != nil {
		return nil, nil, err
	}
	spec, err := connector.Model(model)
	if err != nil {
		return nil, nil, err
	}
	return connector, spec, nil
}

func normalizeLimit(limit int, spec *endpoint.ModelSpec) (int, error) {
	if limit < 0 {
		return 0, core.Errorf(core.CodeBadRequest, "limit must not be negative")
	}
	max := spec.MaxLimit
	if max == 0 {
		max = DefaultMaxLimit
	}
	if limit == 0 {
		limit = spec.DefaultLimit
		if limit == 0 {
			limit = DefaultLimit
		}
	}
	if limit > max {
		limit = max
	}
	return limit, nil
}

// checkSelection rejects fields the model does not declare and associations
// on non-relation fields.
func checkSelection(model cdm.Model, sel endpoint.Selection) error {
	for _, name := range sel {
		if assoc, ok := cutAssociation(name); ok {
			def, found := cdm.Field(model, assoc)
			if !found || !def.Association {
				return core.Errorf(core.CodeBadRequest, "%s has no association %q", model, assoc)
			}
			continue
		}
		if _, found := cdm.Field(model, name); !found {
			return core.Errorf(core.CodeBadRequest, "%s has no field %q", model, name)
		}
	}
	return nil
}

func notSupported(c *endpoint.Connector, model cdm.Model, verb string) error {
	return core.Errorf(core.CodeNotSupported, "%s does not support %s on %s", c.ID, verb, model)
}
