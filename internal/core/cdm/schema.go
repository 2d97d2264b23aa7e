package cdm

import (
	"fmt"
	"sort"
	"strings"
)

// FieldType describes the value kind of a canonical field.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeNumber   FieldType = "number"
	TypeBool     FieldType = "boolean"
	TypeTime     FieldType = "datetime"
	TypeList     FieldType = "list"
	TypeObject   FieldType = "object"
	TypeRef      FieldType = "ref"
	TypeRefList  FieldType = "ref_list"
	TypeCustom   FieldType = "custom"
	TypeAnyValue FieldType = "any"
)

// FieldDef is one declared field of a canonical model.
type FieldDef struct {
	Name string
	Type FieldType

	// Relation is the target model for ref and ref_list fields.
	Relation Model

	// Association fields are only resolved when explicitly selected.
	Association bool
}

// modelSchemas maps each model to its declared fields. id, createdAt and
// updatedAt are top-level Resource attributes and not listed here.
var modelSchemas = map[Model][]FieldDef{
	ModelContact: {
		{Name: "firstName", Type: TypeString},
		{Name: "lastName", Type: TypeString},
		{Name: "name", Type: TypeString},
		{Name: "email", Type: TypeString},
		{Name: "emails", Type: TypeList},
		{Name: "phone", Type: TypeString},
		{Name: "phoneNumbers", Type: TypeList},
		{Name: "company", Type: TypeString},
		{Name: "title", Type: TypeString},
		{Name: "owner", Type: TypeRef, Relation: ModelUser},
		{Name: "customFields", Type: TypeCustom},
	},
	ModelUser: {
		{Name: "name", Type: TypeString},
		{Name: "email", Type: TypeString},
		{Name: "active", Type: TypeBool},
		{Name: "role", Type: TypeString},
	},
	ModelDeal: {
		{Name: "name", Type: TypeString},
		{Name: "amount", Type: TypeNumber},
		{Name: "currency", Type: TypeString},
		{Name: "closeDate", Type: TypeTime},
		{Name: "stage", Type: TypeRef, Relation: ModelStage},
		{Name: "pipeline", Type: TypeRef, Relation: ModelPipeline},
		{Name: "owner", Type: TypeRef, Relation: ModelUser},
		{Name: "contacts", Type: TypeRefList, Relation: ModelContact, Association: true},
		{Name: "customFields", Type: TypeCustom},
	},
	ModelPipeline: {
		{Name: "name", Type: TypeString},
		{Name: "stages", Type: TypeRefList, Relation: ModelStage},
	},
	ModelStage: {
		{Name: "name", Type: TypeString},
		{Name: "probability", Type: TypeNumber},
		{Name: "pipeline", Type: TypeRef, Relation: ModelPipeline},
	},
	ModelCall: {
		{Name: "direction", Type: TypeString},
		{Name: "status", Type: TypeString},
		{Name: "duration", Type: TypeNumber},
		{Name: "from", Type: TypeString},
		{Name: "to", Type: TypeString},
		{Name: "startedAt", Type: TypeTime},
		{Name: "endedAt", Type: TypeTime},
		{Name: "recordingUrl", Type: TypeString},
		{Name: "user", Type: TypeRef, Relation: ModelUser},
		{Name: "contact", Type: TypeRef, Relation: ModelContact},
	},
	ModelInvoice: {
		{Name: "number", Type: TypeString},
		{Name: "status", Type: TypeString},
		{Name: "currency", Type: TypeString},
		{Name: "total", Type: TypeNumber},
		{Name: "amountDue", Type: TypeNumber},
		{Name: "dueDate", Type: TypeTime},
		{Name: "customer", Type: TypeRef, Relation: ModelContact},
		{Name: "lineItems", Type: TypeRefList, Relation: ModelInvoiceLineItem},
	},
	ModelInvoiceLineItem: {
		{Name: "invoice", Type: TypeRef, Relation: ModelInvoice},
		{Name: "description", Type: TypeString},
		{Name: "quantity", Type: TypeNumber},
		{Name: "unitAmount", Type: TypeNumber},
		{Name: "amount", Type: TypeNumber},
		{Name: "currency", Type: TypeString},
	},
	ModelTicket: {
		{Name: "key", Type: TypeString},
		{Name: "summary", Type: TypeString},
		{Name: "description", Type: TypeString},
		{Name: "status", Type: TypeString},
		{Name: "priority", Type: TypeString},
		{Name: "type", Type: TypeString},
		{Name: "labels", Type: TypeList},
		{Name: "url", Type: TypeString},
		{Name: "assignee", Type: TypeRef, Relation: ModelUser},
		{Name: "reporter", Type: TypeRef, Relation: ModelUser},
	},
}

// Schema returns the declared fields of a model.
func Schema(m Model) ([]FieldDef, bool) {
	defs, ok := modelSchemas[m]
	return defs, ok
}

// Field returns the definition of one declared field.
func Field(m Model, name string) (FieldDef, bool) {
	for _, def := range modelSchemas[m] {
		if def.Name == name {
			return def, true
		}
	}
	return FieldDef{}, false
}

// Models lists every canonical model in name order.
func Models() []Model {
	out := make([]Model, 0, len(modelSchemas))
	for m := range modelSchemas {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidateFields rejects keys not declared by the model.
func ValidateFields(m Model, fields map[string]any) error {
	if _, ok := modelSchemas[m]; !ok {
		return fmt.Errorf("unknown model %q", m)
	}
	var unknown []string
	for k := range fields {
		if _, ok := Field(m, k); !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("model %s does not declare %s", m, strings.Join(unknown, ", "))
	}
	return nil
}
