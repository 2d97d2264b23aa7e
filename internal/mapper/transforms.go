package mapper

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/nucleus/unified-core/internal/core/cdm"
)

// =============================================================================
// TRANSFORMS
// Small total functions composed into descriptors. Every transform maps nil
// (and values of an unexpected shape) to nil.
// =============================================================================

// Chain composes transforms left to right.
func Chain(fns ...Transform) Transform {
	return func(v any) any {
		for _, fn := range fns {
			if v == nil {
				return nil
			}
			v = fn(v)
		}
		return v
	}
}

// ToString renders scalars as strings; integral floats lose the fraction so a
// decoded JSON 42 becomes "42".
func ToString(v any) any {
	if s := toString(v); s != "" {
		return s
	}
	return nil
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// ToNumber parses numbers and numeric strings into float64.
func ToNumber(v any) any {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return nil
}

// ToBool accepts booleans and "true"/"false" strings.
func ToBool(v any) any {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ToTime parses RFC3339 and common upstream variants. Numbers are unix
// seconds, or milliseconds when too large to be seconds.
func ToTime(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC()
	case float64:
		return unixTime(int64(t))
	case int64:
		return unixTime(t)
	case int:
		return unixTime(int64(t))
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC()
			}
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return unixTime(n)
		}
	}
	return nil
}

func unixTime(n int64) time.Time {
	if n > 1e11 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// First returns the first element of a list.
func First(v any) any {
	if l, ok := v.([]any); ok && len(l) > 0 {
		return l[0]
	}
	return nil
}

// Pluck maps each list element (an object) to one of its keys.
func Pluck(key string) Transform {
	return func(v any) any {
		l, ok := v.([]any)
		if !ok {
			return nil
		}
		out := make([]any, 0, len(l))
		for _, it := range l {
			if m, ok := it.(map[string]any); ok && m[key] != nil {
				out = append(out, m[key])
			}
		}
		return out
	}
}

// Coalesce reads the whole object and returns the first non-empty key.
func Coalesce(keys ...string) Transform {
	return func(v any) any {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		for _, k := range keys {
			if x := m[k]; x != nil && x != "" {
				return x
			}
		}
		return nil
	}
}

// Join concatenates the non-empty string values of a multi-path read.
func Join(sep string) Transform {
	return func(v any) any {
		vals, ok := v.([]any)
		if !ok {
			return nil
		}
		var parts []string
		for _, x := range vals {
			if s := toString(x); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return nil
		}
		return strings.Join(parts, sep)
	}
}

// Enum maps raw values through a lookup table; unknown values pass through.
func Enum(table map[string]string) Transform {
	return func(v any) any {
		s := toString(v)
		if s == "" {
			return nil
		}
		if mapped, ok := table[s]; ok {
			return mapped
		}
		return s
	}
}

// Invert returns the reverse lookup of an Enum table.
func Invert(table map[string]string) map[string]string {
	out := make(map[string]string, len(table))
	for k, v := range table {
		out[v] = k
	}
	return out
}

// Ref turns an id into a ResourceRef of model m.
func Ref(m cdm.Model) Transform {
	return func(v any) any {
		if id := toString(v); id != "" {
			return cdm.ResourceRef{ID: id, Model: m}
		}
		return nil
	}
}

// RefList turns a list of ids into ResourceRefs.
func RefList(m cdm.Model) Transform {
	return func(v any) any {
		l, ok := v.([]any)
		if !ok {
			return nil
		}
		refs := make([]cdm.ResourceRef, 0, len(l))
		for _, it := range l {
			if id := toString(it); id != "" {
				refs = append(refs, cdm.ResourceRef{ID: id, Model: m})
			}
		}
		return refs
	}
}

// =============================================================================
// WRITE-SIDE TRANSFORMS
// =============================================================================

// AsList wraps a scalar in a one-element list (inverse of First).
func AsList(v any) any {
	if v == nil {
		return nil
	}
	if l, ok := v.([]any); ok {
		return l
	}
	return []any{v}
}

// RefID extracts the id from a ResourceRef, a {"id": ...} object or a string.
func RefID(v any) any {
	switch t := v.(type) {
	case cdm.ResourceRef:
		return t.ID
	case *cdm.ResourceRef:
		if t != nil {
			return t.ID
		}
	case map[string]any:
		return ToString(t["id"])
	case string:
		return t
	}
	return nil
}

// TimeRFC3339 formats a time (or parseable time string) as RFC3339.
func TimeRFC3339(v any) any {
	if ts, ok := ToTime(v).(time.Time); ok {
		return ts.Format(time.RFC3339)
	}
	return nil
}

// TimeUnix formats a time as unix seconds.
func TimeUnix(v any) any {
	if ts, ok := ToTime(v).(time.Time); ok {
		return ts.Unix()
	}
	return nil
}

// NumberString writes numbers as decimal strings.
func NumberString(v any) any {
	if f, ok := ToNumber(v).(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return nil
}
