package stripe

import (
	"strings"

	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/mapper"
)

// =============================================================================
// DESCRIPTORS
// =============================================================================

var customerDescriptor = &mapper.Descriptor{
	Model:     cdm.ModelContact,
	ID:        mapper.From("id", mapper.ToString),
	CreatedAt: mapper.From("created", mapper.ToTime),
	UpdatedAt: mapper.None(),
	Fields: map[string]mapper.Field{
		"name":         mapper.Both("name", mapper.ToString, mapper.ToString),
		"firstName":    mapper.ReadOnly(mapper.From("name", namePart(0))),
		"lastName":     mapper.ReadOnly(mapper.From("name", namePart(1))),
		"email":        mapper.Both("email", mapper.ToString, mapper.ToString),
		"emails":       mapper.ReadOnly(mapper.From("email", mapper.AsList)),
		"phone":        mapper.Both("phone", mapper.ToString, mapper.ToString),
		"phoneNumbers": mapper.ReadOnly(mapper.From("phone", mapper.AsList)),
		"title":        mapper.Both("description", mapper.ToString, mapper.ToString),
		"customFields": mapper.ReadOnly(mapper.From("metadata", nonEmpty)),
	},
}

var lineItemDescriptor = &mapper.Descriptor{
	Model:     cdm.ModelInvoiceLineItem,
	ID:        mapper.From("id", mapper.ToString),
	CreatedAt: mapper.None(),
	UpdatedAt: mapper.None(),
	Fields: map[string]mapper.Field{
		"description": mapper.ReadOnly(mapper.From("description", mapper.ToString)),
		"quantity":    mapper.ReadOnly(mapper.From("quantity", mapper.ToNumber)),
		"unitAmount":  mapper.ReadOnly(majorUnits("price.unit_amount")),
		"amount":      mapper.ReadOnly(majorUnits("amount")),
		"currency":    mapper.ReadOnly(mapper.From("currency", upper)),
	},
}

var invoiceDescriptor = &mapper.Descriptor{
	Model:     cdm.ModelInvoice,
	ID:        mapper.From("id", mapper.ToString),
	CreatedAt: mapper.From("created", mapper.ToTime),
	UpdatedAt: mapper.From("status_transitions", lastTransition),
	Fields: map[string]mapper.Field{
		"number":    mapper.ReadOnly(mapper.From("number", mapper.ToString)),
		"status":    mapper.ReadOnly(mapper.From("status", mapper.ToString)),
		"currency":  mapper.Both("currency", upper, lower),
		"total":     mapper.ReadOnly(majorUnits("total")),
		"amountDue": mapper.ReadOnly(majorUnits("amount_due")),
		"dueDate":   {Read: mapper.From("due_date", mapper.ToTime), Write: mapper.To("due_date", mapper.TimeUnix)},
		"customer": {
			Read:  mapper.From("customer", mapper.Chain(mapper.RefID, mapper.Ref(cdm.ModelContact))),
			Write: mapper.To("customer", mapper.RefID),
		},
		"lineItems": mapper.ReadOnly(mapper.Whole(lineRefs)),
	},
	Children: []mapper.Child{{Path: "lines.data", Descriptor: lineItemDescriptor, ParentField: "invoice"}},
}

var descriptors = map[cdm.Model]*mapper.Descriptor{
	cdm.ModelContact: customerDescriptor,
	cdm.ModelInvoice: invoiceDescriptor,
}

// =============================================================================
// TRANSFORMS
// =============================================================================

// zeroDecimal currencies have no minor unit.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// majorUnits converts an amount in the smallest currency unit.
func majorUnits(amountPath string) *mapper.Read {
	return mapper.FromAll(func(v any) any {
		vals := v.([]any)
		n, ok := mapper.ToNumber(vals[0]).(float64)
		if !ok {
			return nil
		}
		cur, _ := vals[1].(string)
		if zeroDecimal[strings.ToLower(cur)] {
			return n
		}
		return n / 100
	}, amountPath, "currency")
}

func upper(v any) any {
	if s, ok := mapper.ToString(v).(string); ok {
		return strings.ToUpper(s)
	}
	return nil
}

func lower(v any) any {
	if s, ok := mapper.ToString(v).(string); ok {
		return strings.ToLower(s)
	}
	return nil
}

func namePart(i int) mapper.Transform {
	return func(v any) any {
		s, _ := v.(string)
		parts := strings.SplitN(strings.TrimSpace(s), " ", 2)
		if i >= len(parts) || parts[i] == "" {
			return nil
		}
		return parts[i]
	}
}

func nonEmpty(v any) any {
	if m, ok := v.(map[string]any); ok && len(m) > 0 {
		return m
	}
	return nil
}

// lastTransition is the latest of an invoice's status transition times.
func lastTransition(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	var latest float64
	for _, x := range m {
		if n, ok := x.(float64); ok && n > latest {
			latest = n
		}
	}
	if latest == 0 {
		return nil
	}
	return mapper.ToTime(latest)
}

// lineRefs references the line items of an invoice by composite id.
func lineRefs(v any) any {
	inv, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	parent, _ := mapper.ToString(inv["id"]).(string)
	lines, _ := inv["lines"].(map[string]any)
	data, _ := lines["data"].([]any)
	if parent == "" || len(data) == 0 {
		return nil
	}
	refs := make([]cdm.ResourceRef, 0, len(data))
	for _, it := range data {
		line, _ := it.(map[string]any)
		if id, ok := mapper.ToString(line["id"]).(string); ok {
			refs = append(refs, cdm.ResourceRef{ID: cdm.CompositeID(parent, id), Model: cdm.ModelInvoiceLineItem})
		}
	}
	return refs
}
