package http

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/nucleus/unified-core/internal/core"
)

// =============================================================================
// OPAQUE CURSORS
// List cursors are strings callers must not interpret. Each connector picks
// one encoding; an empty cursor always means "first page".
// =============================================================================

// PageCursor encodes a 1-based page number.
type PageCursor struct{}

// Encode returns the cursor for page n.
func (PageCursor) Encode(n int) string {
	return strconv.Itoa(n)
}

// Decode returns the page a cursor points at (1 for the empty cursor).
func (PageCursor) Decode(cursor string) (int, error) {
	if cursor == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 1 {
		return 0, core.Errorf(core.CodeBadRequest, "invalid cursor")
	}
	return n, nil
}

// OffsetCursor encodes a 0-based item offset.
type OffsetCursor struct{}

const offsetPrefix = "offset:"

// Encode returns the cursor for offset n.
func (OffsetCursor) Encode(n int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(offsetPrefix + strconv.Itoa(n)))
}

// Decode returns the offset a cursor points at (0 for the empty cursor).
func (OffsetCursor) Decode(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || !strings.HasPrefix(string(raw), offsetPrefix) {
		return 0, core.Errorf(core.CodeBadRequest, "invalid cursor")
	}
	n, err := strconv.Atoi(strings.TrimPrefix(string(raw), offsetPrefix))
	if err != nil || n < 0 {
		return 0, core.Errorf(core.CodeBadRequest, "invalid cursor")
	}
	return n, nil
}

// TokenCursor wraps an upstream continuation token.
type TokenCursor struct{}

// Encode wraps token. An empty token encodes to the empty cursor.
func (TokenCursor) Encode(token string) string {
	if token == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(token))
}

// Decode unwraps a token cursor.
func (TokenCursor) Decode(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(raw) == 0 {
		return "", core.Errorf(core.CodeBadRequest, "invalid cursor")
	}
	return string(raw), nil
}
