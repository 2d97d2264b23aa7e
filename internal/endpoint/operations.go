package endpoint

import (
	"context"
	"slices"
	"strings"

	"github.com/nucleus/unified-core/internal/mapper/fields"
)

// =============================================================================
// OPERATION HANDLERS
// Handlers return raw upstream objects; the runtime projects them through the
// model's descriptor.
// =============================================================================

// ListHandler fetches one raw page.
type ListHandler func(ctx context.Context, call Call, p *ListParams) (*RawPage, error)

// RetrieveHandler fetches one raw object.
type RetrieveHandler func(ctx context.Context, call Call, id string, sel Selection) (map[string]any, error)

// CreateHandler sends a projected raw body and returns the created raw object.
type CreateHandler func(ctx context.Context, call Call, body map[string]any) (map[string]any, error)

// UpdateHandler sends a projected raw patch and returns the updated raw object.
type UpdateHandler func(ctx context.Context, call Call, id string, body map[string]any) (map[string]any, error)

// FieldsHandler lists the tenant's custom field schemas.
type FieldsHandler func(ctx context.Context, call Call) ([]fields.Schema, error)

// ListParams are the normalized List inputs.
type ListParams struct {
	// Limit is already defaulted and clamped by the runtime.
	Limit int

	// Cursor is the opaque cursor from the previous page, "" for the first.
	Cursor string

	Q       string
	Filters map[string]string
	Fields  Selection
}

// RawPage is one page of raw objects. Next is "" on the last page.
type RawPage struct {
	Items []map[string]any
	Next  string
}

// =============================================================================
// FIELD SELECTION
// =============================================================================

// AssociationPrefix marks a relation in a field selection.
const AssociationPrefix = "association::"

// Selection is a caller's requested field subset. An empty selection means
// every plain field and no associations.
type Selection []string

// ParseSelection splits a comma-separated selection.
func ParseSelection(s string) Selection {
	var out Selection
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// All reports whether no plain field was named.
func (s Selection) All() bool {
	for _, f := range s {
		if !strings.HasPrefix(f, AssociationPrefix) {
			return false
		}
	}
	return true
}

// Wants reports whether a plain field is requested.
func (s Selection) Wants(field string) bool {
	return s.All() || slices.Contains(s, field)
}

// WantsAssociation reports whether a relation was explicitly requested.
func (s Selection) WantsAssociation(name string) bool {
	return slices.Contains(s, AssociationPrefix+name)
}

// Associations lists requested relation names.
func (s Selection) Associations() []string {
	var out []string
	for _, f := range s {
		if name, ok := strings.CutPrefix(f, AssociationPrefix); ok {
			out = append(out, name)
		}
	}
	return out
}
