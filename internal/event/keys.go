package event

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/nucleus/unified-core/internal/core/cdm"
)

// CompositeKey derives a deterministic idempotency key from delivery parts.
// Use it when the provider sends no stable event id.
func CompositeKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// DefaultKey is the fallback key: resource id + trigger + occurrence time.
// It is empty when the event has no resource id.
func DefaultKey(ev *cdm.Event) string {
	id := ""
	switch {
	case ev.Ref != nil:
		id = ev.Ref.ID
	case ev.Resource != nil:
		id = ev.Resource.ID
	}
	if id == "" {
		return ""
	}
	ts := ""
	if ev.OccurredAt != nil {
		ts = ev.OccurredAt.UTC().Format(time.RFC3339Nano)
	}
	return CompositeKey(string(ev.Model), id, string(ev.Trigger), ts)
}
