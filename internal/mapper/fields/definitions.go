package fields

import (
	"sort"

	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/mapper"
)

// DefinitionMapper turns a connector's raw custom-field definitions into
// Schemas. Each attribute is an ordinary mapper read projection evaluated
// against one raw definition object.
type DefinitionMapper struct {
	Key      *mapper.Read
	Name     *mapper.Read
	Kind     *mapper.Read
	Required *mapper.Read
	ReadOnly *mapper.Read
	Options  *mapper.Read

	// Kinds maps the upstream type name to a Kind. Unknown types map to text.
	Kinds map[string]Kind

	// Skip drops definitions the connector does not expose, e.g. system fields.
	Skip func(def map[string]any) bool
}

// Schemas maps every definition, sorted by key.
func (m *DefinitionMapper) Schemas(defs []any) ([]Schema, error) {
	out := make([]Schema, 0, len(defs))
	for i, d := range defs {
		def, ok := d.(map[string]any)
		if !ok {
			return nil, core.Errorf(core.CodeMapperFailed, "field definition %d is %T", i, d)
		}
		if m.Skip != nil && m.Skip(def) {
			continue
		}
		s := Schema{
			Key:      str(m.Key, def),
			Name:     str(m.Name, def),
			Kind:     KindText,
			Required: boolean(m.Required, def),
			ReadOnly: boolean(m.ReadOnly, def),
		}
		if s.Key == "" {
			return nil, core.Errorf(core.CodeMapperFailed, "field definition %d has no key", i)
		}
		if s.Name == "" {
			s.Name = s.Key
		}
		if k, ok := m.Kinds[str(m.Kind, def)]; ok {
			s.Kind = k
		}
		if m.Options != nil {
			s.Options, _ = m.Options.Eval(def).([]Option)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// OptionsFrom builds a transform reading a list of option objects.
func OptionsFrom(valueKey, labelKey string) mapper.Transform {
	return func(v any) any {
		items, ok := v.([]any)
		if !ok {
			return nil
		}
		opts := make([]Option, 0, len(items))
		for _, it := range items {
			o, ok := it.(map[string]any)
			if !ok {
				continue
			}
			val, _ := mapper.ToString(o[valueKey]).(string)
			if val == "" {
				continue
			}
			label, _ := o[labelKey].(string)
			opts = append(opts, Option{Value: val, Label: label})
		}
		return opts
	}
}

func str(r *mapper.Read, def map[string]any) string {
	if r == nil {
		return ""
	}
	s, _ := mapper.ToString(r.Eval(def)).(string)
	return s
}

func boolean(r *mapper.Read, def map[string]any) bool {
	if r == nil {
		return false
	}
	b, _ := mapper.ToBool(r.Eval(def)).(bool)
	return b
}
