// Package cdm provides the canonical resource model every connector maps into.
// Connector payloads are projected into Resources; relations between resources
// are ResourceRefs (id + model) and never embedded graphs.
package cdm

import (
	"fmt"
	"time"
)

// Model identifies a canonical resource schema.
type Model string

// Canonical models.
const (
	// CRM domain
	ModelContact  Model = "contact"
	ModelUser     Model = "user"
	ModelDeal     Model = "deal"
	ModelPipeline Model = "pipeline"
	ModelStage    Model = "stage"

	// Telephony domain
	ModelCall Model = "call"

	// Accounting domain
	ModelInvoice         Model = "invoice"
	ModelInvoiceLineItem Model = "invoice_line_item"

	// Ticketing domain
	ModelTicket Model = "ticket"
)

// Valid reports whether m is one of the canonical models.
func (m Model) Valid() bool {
	_, ok := modelSchemas[m]
	return ok
}

// Trigger is the kind of change a canonical event describes.
type Trigger string

const (
	TriggerCreated Trigger = "created"
	TriggerUpdated Trigger = "updated"
	TriggerDeleted Trigger = "deleted"
)

// ParseTrigger validates a trigger name.
func ParseTrigger(s string) (Trigger, error) {
	switch t := Trigger(s); t {
	case TriggerCreated, TriggerUpdated, TriggerDeleted:
		return t, nil
	}
	return "", fmt.Errorf("unknown trigger %q", s)
}

// =============================================================================
// RESOURCES
// =============================================================================

// Resource is the canonical representation of one upstream entity.
// Fields only ever holds keys declared by the model schema.
type Resource struct {
	ID        string         `json:"id"`
	Model     Model          `json:"model"`
	Fields    map[string]any `json:"fields"`
	CreatedAt *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`

	// Raw is the upstream payload the resource was projected from.
	Raw map[string]any `json:"rawResource,omitempty"`
}

// Ref returns a pointer-free reference to r.
func (r *Resource) Ref() ResourceRef {
	return ResourceRef{ID: r.ID, Model: r.Model}
}

// ResourceRef points at another resource by id. Resolving it is always an
// explicit fetch.
type ResourceRef struct {
	ID    string `json:"id"`
	Model Model  `json:"model"`
}

// Event is a canonical change event produced from a webhook delivery.
type Event struct {
	Model          Model          `json:"model"`
	Trigger        Trigger        `json:"trigger"`
	Ref            *ResourceRef   `json:"resourceRef,omitempty"`
	Resource       *Resource      `json:"resource,omitempty"`
	Raw            map[string]any `json:"rawResource,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey"`
	OccurredAt     *time.Time     `json:"occurredAt,omitempty"`

	// ConnectorID and OwnerID identify the connection the event was routed to.
	ConnectorID string `json:"connectorId"`
	OwnerID     string `json:"ownerId"`
}
