package operation

import (
	"context"
	"maps"
	"strings"

	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/core/path"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/mapper"
	"github.com/nucleus/unified-core/internal/mapper/fields"
)

// =============================================================================
// READ PROJECTION
// =============================================================================

// projector maps raw payloads for one operation. Custom field schemas are
// fetched at most once, and only when a payload carries custom values.
type projector struct {
	call endpoint.Call
	spec *endpoint.ModelSpec
	sel  endpoint.Selection

	schemas []fields.Schema
	loaded  bool
}

func (r *Runner) projector(call endpoint.Call, spec *endpoint.ModelSpec, sel endpoint.Selection) *projector {
	return &projector{call: call, spec: spec, sel: sel}
}

func (p *projector) read(ctx context.Context, raw map[string]any) (*cdm.Resource, error) {
	res, err := mapper.ProjectRead(p.spec.Descriptor, raw)
	if err != nil {
		return nil, err
	}
	if err := p.custom(ctx, res, raw); err != nil {
		return nil, err
	}
	return strip(res, p.sel), nil
}

func (p *projector) custom(ctx context.Context, res *cdm.Resource, raw map[string]any) error {
	if p.spec.CustomFieldsPath == "" || p.spec.Fields == nil || !p.sel.Wants(CustomFieldsField) {
		return nil
	}
	values, ok := path.Value(raw, p.spec.CustomFieldsPath).(map[string]any)
	if !ok || len(values) == 0 {
		return nil
	}
	if !p.loaded {
		schemas, err := customSchemas(ctx, p.call, p.spec)
		if err != nil {
			return err
		}
		p.schemas, p.loaded = schemas, true
	}
	if custom := fields.ReadAll(p.schemas, values); len(custom) > 0 {
		res.Fields[CustomFieldsField] = custom
	}
	return nil
}

// customSchemas fetches a model's custom field schemas at most once per call,
// so a write and the projection of its result share one lookup.
func customSchemas(ctx context.Context, call endpoint.Call, spec *endpoint.ModelSpec) ([]fields.Schema, error) {
	return endpoint.Memo(call, "fields:"+string(spec.Descriptor.Model), func() ([]fields.Schema, error) {
		return spec.Fields(ctx, call)
	})
}

// strip drops unrequested plain fields and every association that was not
// explicitly requested.
func strip(res *cdm.Resource, sel endpoint.Selection) *cdm.Resource {
	for name := range res.Fields {
		def, _ := cdm.Field(res.Model, name)
		if def.Association {
			if !sel.WantsAssociation(name) {
				delete(res.Fields, name)
			}
			continue
		}
		if !sel.Wants(name) {
			delete(res.Fields, name)
		}
	}
	return res
}

func cutAssociation(name string) (string, bool) {
	return strings.CutPrefix(name, endpoint.AssociationPrefix)
}

// =============================================================================
// WRITE PROJECTION
// =============================================================================

// write is a validated canonical patch. Descriptor fields are already
// projected; custom fields are encoded once their schemas are known.
type write struct {
	spec   *endpoint.ModelSpec
	base   map[string]any
	custom map[string]any
}

// prepareWrite validates and projects a patch without any upstream call.
// Updates also reject create-only fields.
func prepareWrite(spec *endpoint.ModelSpec, patch map[string]any, update bool) (*write, error) {
	if len(patch) == 0 {
		return nil, core.Errorf(core.CodeBadRequest, "patch is empty")
	}
	plain := make(map[string]any, len(patch))
	var custom map[string]any
	for k, v := range patch {
		if k != CustomFieldsField {
			plain[k] = v
			continue
		}
		if spec.CustomFieldsPath == "" || spec.Fields == nil {
			return nil, core.Errorf(core.CodeFieldNotWritable, "%s fields not writable: %s", spec.Descriptor.Model, k)
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, core.Errorf(core.CodeBadRequest, "%s must be an object", CustomFieldsField)
		}
		custom = m
	}

	project := mapper.ProjectWrite
	if update {
		project = mapper.ProjectUpdate
	}
	base, err := project(spec.Descriptor, plain)
	if err != nil {
		return nil, err
	}
	return &write{spec: spec, base: base, custom: custom}, nil
}

// body returns the raw request body, encoding custom fields into the
// connector's custom field container.
func (w *write) body(ctx context.Context, call endpoint.Call) (map[string]any, error) {
	if len(w.custom) == 0 {
		return w.base, nil
	}
	schemas, err := customSchemas(ctx, call, w.spec)
	if err != nil {
		return nil, err
	}
	encoded, err := fields.WriteAll(schemas, w.custom)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	if existing, ok := path.Value(w.base, w.spec.CustomFieldsPath).(map[string]any); ok {
		merged = maps.Clone(existing)
	}
	for k, v := range encoded {
		merged[k] = v
	}
	out, err := path.Set(w.base, w.spec.CustomFieldsPath, merged)
	if err != nil {
		return nil, core.Wrap(core.CodeMapperFailed, err, "place custom fields")
	}
	return out.(map[string]any), nil
}
