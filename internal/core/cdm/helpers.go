package cdm

import "strings"

// =============================================================================
// ID HELPERS
// =============================================================================

// CompositeSeparator joins parent and child ids of derived resources.
const CompositeSeparator = "::"

// CompositeID builds the id of a resource derived from a parent resource,
// e.g. an invoice line item: "<invoiceId>::<lineId>".
func CompositeID(parentID, childID string) string {
	return parentID + CompositeSeparator + childID
}

// SplitCompositeID splits on the first separator. ok is false when id is not
// composite.
func SplitCompositeID(id string) (parentID, childID string, ok bool) {
	parentID, childID, ok = strings.Cut(id, CompositeSeparator)
	if !ok || parentID == "" || childID == "" {
		return "", "", false
	}
	return parentID, childID, true
}

// Refs builds refs of one model from a list of ids, skipping empties.
func Refs(m Model, ids ...string) []ResourceRef {
	out := make([]ResourceRef, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, ResourceRef{ID: id, Model: m})
		}
	}
	return out
}
