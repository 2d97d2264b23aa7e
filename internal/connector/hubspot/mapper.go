package hubspot

import (
	"strings"

	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/mapper"
	"github.com/nucleus/unified-core/internal/mapper/fields"
)

// =============================================================================
// CRM OBJECTS
// Every CRM object carries its values under "properties" as strings.
// =============================================================================

var contactDescriptor = &mapper.Descriptor{
	Model:     cdm.ModelContact,
	ID:        mapper.From("id", mapper.ToString),
	CreatedAt: mapper.From("createdAt", mapper.ToTime),
	UpdatedAt: mapper.From("updatedAt", mapper.ToTime),
	Fields: map[string]mapper.Field{
		"firstName":    mapper.Both("properties.firstname", mapper.ToString, mapper.ToString),
		"lastName":     mapper.Both("properties.lastname", mapper.ToString, mapper.ToString),
		"name":         mapper.ReadOnly(mapper.FromAll(mapper.Join(" "), "properties.firstname", "properties.lastname")),
		"email":        mapper.Both("properties.email", mapper.ToString, mapper.ToString),
		"emails":       mapper.ReadOnly(mapper.FromAll(splitJoined, "properties.email", "properties.hs_additional_emails")),
		"phone":        mapper.Both("properties.phone", mapper.ToString, mapper.ToString),
		"phoneNumbers": mapper.ReadOnly(mapper.FromAll(splitJoined, "properties.phone", "properties.mobilephone")),
		"company":      mapper.Both("properties.company", mapper.ToString, mapper.ToString),
		"title":        mapper.Both("properties.jobtitle", mapper.ToString, mapper.ToString),
		"owner":        ownerField,
	},
}

var dealDescriptor = &mapper.Descriptor{
	Model:     cdm.ModelDeal,
	ID:        mapper.From("id", mapper.ToString),
	CreatedAt: mapper.From("createdAt", mapper.ToTime),
	UpdatedAt: mapper.From("updatedAt", mapper.ToTime),
	Fields: map[string]mapper.Field{
		"name":      mapper.Both("properties.dealname", mapper.ToString, mapper.ToString),
		"amount":    mapper.Both("properties.amount", mapper.ToNumber, mapper.NumberString),
		"currency":  mapper.Both("properties.deal_currency_code", mapper.ToString, mapper.ToString),
		"closeDate": mapper.Both("properties.closedate", mapper.ToTime, mapper.TimeRFC3339),
		"pipeline": {
			Read:  mapper.From("properties.pipeline", mapper.Ref(cdm.ModelPipeline)),
			Write: mapper.To("properties.pipeline", mapper.RefID),
		},
		// Stage ids are only unique within a pipeline.
		"stage": {
			Read:  mapper.FromAll(stageRef, "properties.pipeline", "properties.dealstage"),
			Write: mapper.Spread(stageWrite),
		},
		"owner":    ownerField,
		"contacts": mapper.ReadOnly(mapper.From("associations.contacts.results", mapper.Chain(mapper.Pluck("id"), mapper.RefList(cdm.ModelContact)))),
	},
}

var ownerField = mapper.Field{
	Read:  mapper.From("properties.hubspot_owner_id", mapper.Ref(cdm.ModelUser)),
	Write: mapper.To("properties.hubspot_owner_id", mapper.RefID),
}

// properties lists the standard properties each object reads; custom ones
// are appended when customFields is selected.
var properties = map[string][]string{
	"contacts": {"firstname", "lastname", "email", "hs_additional_emails", "phone", "mobilephone", "company", "jobtitle", "hubspot_owner_id"},
	"deals":    {"dealname", "amount", "deal_currency_code", "closedate", "pipeline", "dealstage", "hubspot_owner_id"},
}

// =============================================================================
// PIPELINES, STAGES, OWNERS
// =============================================================================

var stageDescriptor = &mapper.Descriptor{
	Model:     cdm.ModelStage,
	ID:        mapper.From("id", mapper.ToString),
	CreatedAt: mapper.From("createdAt", mapper.ToTime),
	UpdatedAt: mapper.From("updatedAt", mapper.ToTime),
	Fields: map[string]mapper.Field{
		"name":        mapper.ReadOnly(mapper.From("label", mapper.ToString)),
		"probability": mapper.ReadOnly(mapper.From("metadata.probability", mapper.ToNumber)),
	},
}

var pipelineDescriptor = &mapper.Descriptor{
	Model:     cdm.ModelPipeline,
	ID:        mapper.From("id", mapper.ToString),
	CreatedAt: mapper.From("createdAt", mapper.ToTime),
	UpdatedAt: mapper.From("updatedAt", mapper.ToTime),
	Fields: map[string]mapper.Field{
		"name":   mapper.ReadOnly(mapper.From("label", mapper.ToString)),
		"stages": mapper.ReadOnly(mapper.Whole(stageRefs)),
	},
	Children: []mapper.Child{{Path: "stages", Descriptor: stageDescriptor, ParentField: "pipeline"}},
}

var ownerDescriptor = &mapper.Descriptor{
	Model:     cdm.ModelUser,
	ID:        mapper.From("id", mapper.ToString),
	CreatedAt: mapper.From("createdAt", mapper.ToTime),
	UpdatedAt: mapper.From("updatedAt", mapper.ToTime),
	Fields: map[string]mapper.Field{
		"name":   mapper.ReadOnly(mapper.FromAll(mapper.Join(" "), "firstName", "lastName")),
		"email":  mapper.ReadOnly(mapper.From("email", mapper.ToString)),
		"active": mapper.ReadOnly(mapper.From("archived", not)),
	},
}

// =============================================================================
// PROPERTY DEFINITIONS
// =============================================================================

// definitions maps /crm/v3/properties results. HubSpot's own properties
// are not custom fields.
var definitions = &fields.DefinitionMapper{
	Key:      mapper.From("name", nil),
	Name:     mapper.From("label", nil),
	Kind:     mapper.FromAll(propertyKind, "type", "fieldType"),
	ReadOnly: mapper.From("modificationMetadata.readOnlyValue", nil),
	Options:  mapper.From("options", fields.OptionsFrom("value", "label")),
	Kinds: map[string]fields.Kind{
		"string":               fields.KindText,
		"phone_number":         fields.KindText,
		"number":               fields.KindNumber,
		"bool":                 fields.KindBoolean,
		"enumeration":          fields.KindSelect,
		"enumeration:checkbox": fields.KindMultiSelect,
		"date":                 fields.KindDate,
		"datetime":             fields.KindDate,
	},
	Skip: func(def map[string]any) bool {
		defined, _ := def["hubspotDefined"].(bool)
		hidden, _ := def["hidden"].(bool)
		calculated, _ := def["calculated"].(bool)
		return defined || hidden || calculated
	},
}

// =============================================================================
// TRANSFORMS
// =============================================================================

func propertyKind(v any) any {
	vals := v.([]any)
	typ, _ := vals[0].(string)
	fieldType, _ := vals[1].(string)
	if typ == "enumeration" && fieldType == "checkbox" {
		return typ + ":" + fieldType
	}
	return typ
}

// splitJoined merges single and ";"-joined multi-value properties.
func splitJoined(v any) any {
	var out []any
	for _, x := range v.([]any) {
		s, _ := mapper.ToString(x).(string)
		for _, p := range strings.Split(s, ";") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func stageRef(v any) any {
	vals := v.([]any)
	pipeline, _ := mapper.ToString(vals[0]).(string)
	stage, _ := mapper.ToString(vals[1]).(string)
	if pipeline == "" || stage == "" {
		return nil
	}
	return cdm.ResourceRef{ID: cdm.CompositeID(pipeline, stage), Model: cdm.ModelStage}
}

// stageWrite sets both the pipeline and the stage from a composite stage id.
func stageWrite(v any) any {
	id, _ := mapper.RefID(v).(string)
	pipeline, stage, ok := cdm.SplitCompositeID(id)
	if !ok {
		return map[string]any{"properties.dealstage": id}
	}
	return map[string]any{"properties.pipeline": pipeline, "properties.dealstage": stage}
}

func stageRefs(v any) any {
	p, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	parent, _ := mapper.ToString(p["id"]).(string)
	stages, _ := p["stages"].([]any)
	if parent == "" || len(stages) == 0 {
		return nil
	}
	refs := make([]cdm.ResourceRef, 0, len(stages))
	for _, it := range stages {
		s, _ := it.(map[string]any)
		if id, ok := mapper.ToString(s["id"]).(string); ok {
			refs = append(refs, cdm.ResourceRef{ID: cdm.CompositeID(parent, id), Model: cdm.ModelStage})
		}
	}
	return refs
}

func not(v any) any {
	if b, ok := mapper.ToBool(v).(bool); ok {
		return !b
	}
	return nil
}
