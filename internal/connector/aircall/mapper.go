package aircall

import (
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/core/path"
	"github.com/nucleus/unified-core/internal/mapper"
)

// =============================================================================
// DESCRIPTORS
// =============================================================================

var callDescriptor = &mapper.Descriptor{
	Model:     cdm.ModelCall,
	ID:        mapper.From("id", mapper.ToString),
	CreatedAt: mapper.From("started_at", mapper.ToTime),
	UpdatedAt: mapper.Whole(mapper.Chain(mapper.Coalesce("ended_at", "answered_at", "started_at"), mapper.ToTime)),
	Fields: map[string]mapper.Field{
		"direction":    mapper.ReadOnly(mapper.From("direction", mapper.ToString)),
		"status":       mapper.ReadOnly(mapper.From("status", mapper.ToString)),
		"duration":     mapper.ReadOnly(mapper.From("duration", mapper.ToNumber)),
		"from":         mapper.ReadOnly(mapper.Whole(party(true))),
		"to":           mapper.ReadOnly(mapper.Whole(party(false))),
		"startedAt":    mapper.ReadOnly(mapper.From("started_at", mapper.ToTime)),
		"endedAt":      mapper.ReadOnly(mapper.From("ended_at", mapper.ToTime)),
		"recordingUrl": mapper.ReadOnly(mapper.Whole(mapper.Coalesce("recording", "voicemail"))),
		"user":         mapper.ReadOnly(mapper.From("user.id", mapper.Ref(cdm.ModelUser))),
		"contact":      mapper.ReadOnly(mapper.From("contact.id", mapper.Ref(cdm.ModelContact))),
	},
}

var contactDescriptor = &mapper.Descriptor{
	Model:     cdm.ModelContact,
	ID:        mapper.From("id", mapper.ToString),
	CreatedAt: mapper.From("created_at", mapper.ToTime),
	UpdatedAt: mapper.From("updated_at", mapper.ToTime),
	Fields: map[string]mapper.Field{
		"firstName": mapper.Both("first_name", mapper.ToString, mapper.ToString),
		"lastName":  mapper.Both("last_name", mapper.ToString, mapper.ToString),
		"name":      mapper.ReadOnly(mapper.FromAll(mapper.Join(" "), "first_name", "last_name")),
		"company":   mapper.Both("company_name", mapper.ToString, mapper.ToString),
		"title":     mapper.Both("information", mapper.ToString, mapper.ToString),
		// Emails and phone numbers are sub-resources once the contact exists.
		"email": mapper.OnCreate(mapper.Field{
			Read:  mapper.From("emails", mapper.Chain(mapper.Pluck("value"), mapper.First)),
			Write: mapper.To("emails", labelled("Work")),
		}),
		"emails": mapper.ReadOnly(mapper.From("emails", mapper.Pluck("value"))),
		"phone": mapper.OnCreate(mapper.Field{
			Read:  mapper.From("phone_numbers", mapper.Chain(mapper.Pluck("value"), mapper.First)),
			Write: mapper.To("phone_numbers", labelled("Work")),
		}),
		"phoneNumbers": mapper.ReadOnly(mapper.From("phone_numbers", mapper.Pluck("value"))),
	},
}

var userDescriptor = &mapper.Descriptor{
	Model:     cdm.ModelUser,
	ID:        mapper.From("id", mapper.ToString),
	CreatedAt: mapper.From("created_at", mapper.ToTime),
	UpdatedAt: mapper.None(),
	Fields: map[string]mapper.Field{
		"name":   mapper.ReadOnly(mapper.From("name", mapper.ToString)),
		"email":  mapper.ReadOnly(mapper.From("email", mapper.ToString)),
		"active": mapper.ReadOnly(mapper.From("available", mapper.ToBool)),
	},
}

var descriptors = map[cdm.Model]*mapper.Descriptor{
	cdm.ModelCall:    callDescriptor,
	cdm.ModelContact: contactDescriptor,
	cdm.ModelUser:    userDescriptor,
}

// party reads the caller (from) or callee (to) number. raw_digits is the
// external party; number.digits is the Aircall line.
func party(from bool) mapper.Transform {
	return func(v any) any {
		call, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		external := mapper.ToString(call["raw_digits"])
		line := mapper.ToString(path.Value(call, "number.digits"))
		if (call["direction"] == "inbound") == from {
			return external
		}
		return line
	}
}

// labelled wraps a value as Aircall's [{"label","value"}] list.
func labelled(label string) mapper.Transform {
	return func(v any) any {
		if s := mapper.ToString(v); s != nil {
			return []any{map[string]any{"label": label, "value": s}}
		}
		return nil
	}
}
