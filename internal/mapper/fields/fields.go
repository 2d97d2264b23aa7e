// Package fields maps connector-defined custom fields, whose schema is only
// known at runtime and differs per tenant.
//
// Raw custom-field values travel as strings the way CRM property APIs encode
// them; lists use ";" between entries and addresses use "|" between parts.
// Reading an unknown or absent value yields nil rather than an error, and for
// every kind write(read(x)) reproduces x. Numbers and dates keep the upstream
// spelling: numbers read as json.Number and epoch-millisecond dates read as
// EpochDate.
package fields

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"

	"github.com/nucleus/unified-core/internal/core"
)

// Kind is the primitive type of a custom field.
type Kind string

const (
	KindText        Kind = "text"
	KindNumber      Kind = "number"
	KindBoolean     Kind = "boolean"
	KindSelect      Kind = "select"
	KindMultiSelect Kind = "multiselect"
	KindDate        Kind = "date"
	KindTextList    Kind = "text_list"
	KindPhoneList   Kind = "phone_list"
	KindAddressList Kind = "address_list"
)

const (
	listSep    = ";"
	addressSep = "|"
	dateLayout = "2006-01-02"
)

// Option is one allowed value of a select field.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Schema describes one custom field.
type Schema struct {
	Key      string   `json:"key"`
	Name     string   `json:"name"`
	Kind     Kind     `json:"type"`
	Required bool     `json:"required"`
	ReadOnly bool     `json:"readOnly"`
	Options  []Option `json:"options,omitempty"`

	// Region is the default region for phone numbers without a country prefix.
	Region string `json:"-"`
}

func (s Schema) hasOption(v string) bool {
	for _, o := range s.Options {
		if o.Value == v {
			return true
		}
	}
	return false
}

// EpochDate is a date the upstream stored as epoch milliseconds at UTC
// midnight. It marshals like time.Time and writes back as milliseconds.
type EpochDate struct {
	time.Time
}

// PhoneNumber is a decoded phone list entry. Number is what the upstream
// stored and is what gets written back.
type PhoneNumber struct {
	Number  string `json:"number"`
	E164    string `json:"e164,omitempty"`
	Country string `json:"country,omitempty"`
}

// Address is a decoded address list entry.
type Address struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

type codec struct {
	read  func(s Schema, raw string) any
	write func(s Schema, v any) (string, bool)
}

var codecs = map[Kind]codec{
	KindText: {
		read:  func(_ Schema, raw string) any { return raw },
		write: func(_ Schema, v any) (string, bool) { s, ok := v.(string); return s, ok },
	},
	KindNumber:      {read: readNumber, write: writeNumber},
	KindBoolean:     {read: readBool, write: writeBool},
	KindSelect:      {read: readSelect, write: writeSelect},
	KindMultiSelect: {read: readMultiSelect, write: writeMultiSelect},
	KindDate:        {read: readDate, write: writeDate},
	KindTextList:    {read: readTextList, write: writeTextList},
	KindPhoneList:   {read: readPhones, write: writePhones},
	KindAddressList: {read: readAddresses, write: writeAddresses},
}

// Read decodes one raw value. Values of the wrong shape read as nil.
func Read(s Schema, raw any) any {
	c, ok := codecs[s.Kind]
	if !ok || raw == nil {
		return nil
	}
	str, ok := rawString(raw)
	if !ok || str == "" {
		return nil
	}
	return c.read(s, str)
}

// Write encodes one canonical value. ok is false when v cannot be encoded.
func Write(s Schema, v any) (string, bool) {
	c, known := codecs[s.Kind]
	if !known {
		return "", false
	}
	if v == nil {
		return "", true
	}
	return c.write(s, v)
}

// ReadAll decodes every schema'd key present in raw.
func ReadAll(schemas []Schema, raw map[string]any) map[string]any {
	out := make(map[string]any)
	for _, s := range schemas {
		if v := Read(s, raw[s.Key]); v != nil {
			out[s.Key] = v
		}
	}
	return out
}

// WriteAll encodes a patch of custom field values. Unknown or read-only keys
// fail with FIELD_NOT_WRITABLE; values that do not fit their kind fail with
// BAD_REQUEST. Nothing is returned unless every key encodes.
func WriteAll(schemas []Schema, values map[string]any) (map[string]any, error) {
	byKey := make(map[string]Schema, len(schemas))
	for _, s := range schemas {
		byKey[s.Key] = s
	}

	var notWritable []string
	for k := range values {
		if s, ok := byKey[k]; !ok || s.ReadOnly {
			notWritable = append(notWritable, k)
		}
	}
	if len(notWritable) > 0 {
		sort.Strings(notWritable)
		return nil, core.Errorf(core.CodeFieldNotWritable, "custom fields not writable: %s", strings.Join(notWritable, ", "))
	}

	out := make(map[string]any, len(values))
	for k, v := range values {
		enc, ok := Write(byKey[k], v)
		if !ok {
			return nil, core.Errorf(core.CodeBadRequest, "custom field %q: cannot encode %T as %s", k, v, byKey[k].Kind)
		}
		out[k] = enc
	}
	return out, nil
}

// =============================================================================
// CODECS
// =============================================================================

func rawString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

func readNumber(_ Schema, raw string) any {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	// Spellings JSON cannot carry, e.g. "+5" or "Inf", normalize.
	if !json.Valid([]byte(raw)) {
		return f
	}
	return json.Number(raw)
}

func writeNumber(_ Schema, v any) (string, bool) {
	switch t := v.(type) {
	case json.Number:
		if _, err := t.Float64(); err != nil {
			return "", false
		}
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	}
	return "", false
}

func readBool(_ Schema, raw string) any {
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return b
}

func writeBool(_ Schema, v any) (string, bool) {
	b, ok := v.(bool)
	return strconv.FormatBool(b), ok
}

func readSelect(s Schema, raw string) any {
	if !s.hasOption(raw) {
		return nil
	}
	return raw
}

func writeSelect(s Schema, v any) (string, bool) {
	str, ok := v.(string)
	return str, ok && s.hasOption(str)
}

func readMultiSelect(s Schema, raw string) any {
	var out []string
	for _, p := range strings.Split(raw, listSep) {
		if s.hasOption(p) {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func writeMultiSelect(s Schema, v any) (string, bool) {
	vals, ok := toStrings(v)
	if !ok {
		return "", false
	}
	for _, x := range vals {
		if !s.hasOption(x) {
			return "", false
		}
	}
	return strings.Join(vals, listSep), true
}

func readDate(_ Schema, raw string) any {
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t
	}
	// Some CRMs store dates as epoch milliseconds at UTC midnight.
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return EpochDate{time.UnixMilli(ms).UTC().Truncate(24 * time.Hour)}
	}
	return nil
}

func writeDate(_ Schema, v any) (string, bool) {
	switch t := v.(type) {
	case EpochDate:
		return strconv.FormatInt(t.UTC().Truncate(24*time.Hour).UnixMilli(), 10), true
	case time.Time:
		return t.UTC().Format(dateLayout), true
	case string:
		if _, err := time.Parse(dateLayout, t); err == nil {
			return t, true
		}
	}
	return "", false
}

func readTextList(_ Schema, raw string) any {
	return strings.Split(raw, listSep)
}

func writeTextList(_ Schema, v any) (string, bool) {
	vals, ok := toStrings(v)
	if !ok {
		return "", false
	}
	return strings.Join(vals, listSep), true
}

func readPhones(s Schema, raw string) any {
	region := s.Region
	if region == "" {
		region = "US"
	}
	parts := strings.Split(raw, listSep)
	out := make([]PhoneNumber, 0, len(parts))
	for _, p := range parts {
		pn := PhoneNumber{Number: p}
		if parsed, err := phonenumbers.Parse(p, region); err == nil && phonenumbers.IsValidNumber(parsed) {
			pn.E164 = phonenumbers.Format(parsed, phonenumbers.E164)
			pn.Country = phonenumbers.GetRegionCodeForNumber(parsed)
		}
		out = append(out, pn)
	}
	return out
}

func writePhones(_ Schema, v any) (string, bool) {
	var nums []string
	switch t := v.(type) {
	case []PhoneNumber:
		for _, p := range t {
			nums = append(nums, p.Number)
		}
	case []any:
		for _, it := range t {
			switch p := it.(type) {
			case string:
				nums = append(nums, p)
			case map[string]any:
				n, _ := p["number"].(string)
				nums = append(nums, n)
			default:
				return "", false
			}
		}
	case []string:
		nums = t
	default:
		return "", false
	}
	return strings.Join(nums, listSep), true
}

func readAddresses(_ Schema, raw string) any {
	entries := strings.Split(raw, listSep)
	out := make([]Address, 0, len(entries))
	for _, e := range entries {
		p := strings.Split(e, addressSep)
		for len(p) < 5 {
			p = append(p, "")
		}
		out = append(out, Address{Street: p[0], City: p[1], Region: p[2], PostalCode: p[3], Country: p[4]})
	}
	return out
}

func writeAddresses(_ Schema, v any) (string, bool) {
	addrs, ok := v.([]Address)
	if !ok {
		return "", false
	}
	entries := make([]string, 0, len(addrs))
	for _, a := range addrs {
		p := []string{a.Street, a.City, a.Region, a.PostalCode, a.Country}
		for len(p) > 1 && p[len(p)-1] == "" {
			p = p[:len(p)-1]
		}
		entries = append(entries, strings.Join(p, addressSep))
	}
	return strings.Join(entries, listSep), true
}

func toStrings(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			s, ok := it.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
