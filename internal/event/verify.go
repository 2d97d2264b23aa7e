package event

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nucleus/unified-core/internal/core"
)

// =============================================================================
// SIGNATURE VERIFIERS
// Every failure is WEBHOOK::VALIDATION_FAILED and an empty secret never
// verifies.
// =============================================================================

// Encoding is how a signature is rendered in a header.
type Encoding int

const (
	Hex Encoding = iota
	Base64
)

// SignHMAC returns the HMAC-SHA256 of the concatenated parts.
func SignHMAC(secret string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// VerifyHMAC checks an HMAC-SHA256 signature over the concatenated parts.
// Hex signatures may carry a "sha256=" prefix.
func VerifyHMAC(secret, signature string, enc Encoding, parts ...[]byte) error {
	if secret == "" {
		return core.Errorf(core.CodeWebhookValidationFailed, "no signing secret configured")
	}
	if signature == "" {
		return core.Errorf(core.CodeWebhookValidationFailed, "missing signature")
	}

	var got []byte
	var err error
	switch enc {
	case Base64:
		got, err = base64.StdEncoding.DecodeString(signature)
	default:
		got, err = hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	}
	if err != nil {
		return core.Errorf(core.CodeWebhookValidationFailed, "malformed signature")
	}
	if !hmac.Equal(got, SignHMAC(secret, parts...)) {
		return core.Errorf(core.CodeWebhookValidationFailed, "signature mismatch")
	}
	return nil
}

// VerifySharedSecret compares a token sent with the delivery to the stored one.
func VerifySharedSecret(expected, got string) error {
	if expected == "" {
		return core.Errorf(core.CodeWebhookValidationFailed, "no webhook token configured")
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return core.Errorf(core.CodeWebhookValidationFailed, "webhook token mismatch")
	}
	return nil
}

// VerifyJWT parses an HS256 token signed with secret and returns its claims.
func VerifyJWT(token, secret string, opts ...jwt.ParserOption) (jwt.MapClaims, error) {
	if secret == "" {
		return nil, core.Errorf(core.CodeWebhookValidationFailed, "no signing secret configured")
	}
	token = strings.TrimSpace(strings.TrimPrefix(token, "JWT "))
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, core.Errorf(core.CodeWebhookValidationFailed, "missing token")
	}

	opts = append([]jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}, opts...)
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, core.Wrap(core.CodeWebhookValidationFailed, err, "invalid token")
	}
	return claims, nil
}

// CheckTimestamp rejects deliveries signed too far from now, which bounds
// replay of captured requests.
func CheckTimestamp(ts, now time.Time, tolerance time.Duration) error {
	d := now.Sub(ts)
	if d < 0 {
		d = -d
	}
	if d > tolerance {
		return core.Errorf(core.CodeWebhookValidationFailed, "timestamp outside tolerance")
	}
	return nil
}
