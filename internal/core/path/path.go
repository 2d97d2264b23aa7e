// Package path reads and writes values at dotted paths inside decoded JSON
// (map[string]any, []any and scalars).
//
// A path is a sequence of segments separated by ".". Numeric segments index
// into arrays. The reserved final segment "*" addresses the whole container
// at that level, so "*" alone is the root and "customer.*" is the customer
// object itself.
package path

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Wildcard is the segment that selects the whole container.
const Wildcard = "*"

// MaxIndex bounds how far Set may extend an array.
const MaxIndex = 10000

var (
	// ErrMalformed is returned for syntactically invalid paths.
	ErrMalformed = errors.New("malformed path")

	// ErrNotContainer is returned by Set when an intermediate value exists but
	// cannot hold children (for example a string).
	ErrNotContainer = errors.New("path traverses a non-container value")

	// ErrIndexRange is returned by Set for array indexes above MaxIndex.
	ErrIndexRange = errors.New("array index out of range")
)

// Parse splits p into segments.
func Parse(p string) ([]string, error) {
	if p == "" {
		return nil, fmt.Errorf("%w: empty path", ErrMalformed)
	}
	segs := strings.Split(p, ".")
	for i, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: empty segment at %d in %q", ErrMalformed, i, p)
		}
		if s == Wildcard && i != len(segs)-1 {
			return nil, fmt.Errorf("%w: %q must be the last segment in %q", ErrMalformed, Wildcard, p)
		}
	}
	if segs[len(segs)-1] == Wildcard {
		segs = segs[:len(segs)-1]
	}
	return segs, nil
}

// MustParse is Parse for paths known at compile time.
func MustParse(p string) []string {
	segs, err := Parse(p)
	if err != nil {
		panic(err)
	}
	return segs
}

// Get returns the value at p. Missing segments yield (nil, false, nil); only a
// malformed path produces an error.
func Get(container any, p string) (any, bool, error) {
	segs, err := Parse(p)
	if err != nil {
		return nil, false, err
	}
	v, ok := GetSegments(container, segs)
	return v, ok, nil
}

// Value is Get without the presence flag, for callers that treat missing as nil.
func Value(container any, p string) any {
	v, _, _ := Get(container, p)
	return v
}

// GetSegments walks pre-parsed segments.
func GetSegments(container any, segs []string) (any, bool) {
	cur := container
	for _, s := range segs {
		switch c := cur.(type) {
		case map[string]any:
			next, ok := c[s]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]string:
			next, ok := c[s]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(s)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at p and returns the resulting container. Containers along
// the path are copied before being modified, so the input is never mutated and
// a failed Set leaves nothing half-written. Missing intermediates are created
// as maps.
func Set(container any, p string, value any) (any, error) {
	segs, err := Parse(p)
	if err != nil {
		return container, err
	}
	out, err := setSegments(container, segs, value)
	if err != nil {
		return container, fmt.Errorf("set %q: %w", p, err)
	}
	return out, nil
}

func setSegments(cur any, segs []string, value any) (any, error) {
	if len(segs) == 0 {
		return value, nil
	}
	head, rest := segs[0], segs[1:]

	switch c := cur.(type) {
	case nil:
		child, err := setSegments(nil, rest, value)
		if err != nil {
			return nil, err
		}
		return map[string]any{head: child}, nil
	case map[string]any:
		child, err := setSegments(c[head], rest, value)
		if err != nil {
			return nil, err
		}
		cp := make(map[string]any, len(c)+1)
		for k, v := range c {
			cp[k] = v
		}
		cp[head] = child
		return cp, nil
	case []any:
		idx, err := strconv.Atoi(head)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("%w: segment %q indexes an array", ErrNotContainer, head)
		}
		if idx > MaxIndex {
			return nil, fmt.Errorf("%w: %d > %d", ErrIndexRange, idx, MaxIndex)
		}
		var existing any
		if idx < len(c) {
			existing = c[idx]
		}
		child, err := setSegments(existing, rest, value)
		if err != nil {
			return nil, err
		}
		size := len(c)
		if idx >= size {
			size = idx + 1
		}
		cp := make([]any, size)
		copy(cp, c)
		cp[idx] = child
		return cp, nil
	default:
		return nil, fmt.Errorf("%w: %T at %q", ErrNotContainer, cur, head)
	}
}
