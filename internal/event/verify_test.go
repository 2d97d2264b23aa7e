package event

import (
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
)

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := SignHMAC("s3cret", body)

	tests := []struct {
		name      string
		secret    string
		signature string
		enc       Encoding
		ok        bool
	}{
		{"hex", "s3cret", hex.EncodeToString(sig), Hex, true},
		{"hex with prefix", "s3cret", "sha256=" + hex.EncodeToString(sig), Hex, true},
		{"base64", "s3cret", base64.StdEncoding.EncodeToString(sig), Base64, true},
		{"wrong secret", "other", hex.EncodeToString(sig), Hex, false},
		{"empty secret", "", hex.EncodeToString(SignHMAC("", body)), Hex, false},
		{"missing signature", "s3cret", "", Hex, false},
		{"malformed", "s3cret", "zz", Hex, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyHMAC(tt.secret, tt.signature, tt.enc, body)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, core.CodeWebhookValidationFailed, core.CodeOf(err))
		})
	}
}

func TestVerifyHMAC_ConcatenatesParts(t *testing.T) {
	sig := hex.EncodeToString(SignHMAC("k", []byte("POST"), []byte("https://x/y"), []byte("{}")))
	assert.NoError(t, VerifyHMAC("k", sig, Hex, []byte("POST"), []byte("https://x/y"), []byte("{}")))
	assert.Error(t, VerifyHMAC("k", sig, Hex, []byte("GET"), []byte("https://x/y"), []byte("{}")))
}

func TestVerifySharedSecret(t *testing.T) {
	assert.NoError(t, VerifySharedSecret("tok", "tok"))
	assert.Error(t, VerifySharedSecret("tok", "tik"))
	assert.Error(t, VerifySharedSecret("", ""))
}

func TestVerifyJWT(t *testing.T) {
	sign := func(method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	now := time.Now()

	token := sign(jwt.SigningMethodHS256, []byte("shared"), jwt.MapClaims{"iss": "jira", "exp": now.Add(time.Minute).Unix()})
	claims, err := VerifyJWT("JWT "+token, "shared")
	require.NoError(t, err)
	assert.Equal(t, "jira", claims["iss"])

	_, err = VerifyJWT(token, "other")
	assert.Equal(t, core.CodeWebhookValidationFailed, core.CodeOf(err))

	expired := sign(jwt.SigningMethodHS256, []byte("shared"), jwt.MapClaims{"exp": now.Add(-time.Hour).Unix()})
	_, err = VerifyJWT(expired, "shared")
	assert.Equal(t, core.CodeWebhookValidationFailed, core.CodeOf(err))

	hs512 := sign(jwt.SigningMethodHS512, []byte("shared"), jwt.MapClaims{})
	_, err = VerifyJWT(hs512, "shared")
	assert.Error(t, err, "only HS256 accepted")

	_, err = VerifyJWT(token, "shared", jwt.WithIssuer("someone-else"))
	assert.Error(t, err)

	_, err = VerifyJWT("", "shared")
	assert.Error(t, err)
	_, err = VerifyJWT(token, "")
	assert.Error(t, err)
}

func TestCheckTimestamp(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	assert.NoError(t, CheckTimestamp(now.Add(-4*time.Minute), now, 5*time.Minute))
	assert.NoError(t, CheckTimestamp(now.Add(time.Minute), now, 5*time.Minute))
	assert.Error(t, CheckTimestamp(now.Add(-6*time.Minute), now, 5*time.Minute))
}

func TestDefaultKey(t *testing.T) {
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	ev := &cdm.Event{Model: cdm.ModelCall, Trigger: cdm.TriggerUpdated, Ref: &cdm.ResourceRef{ID: "c1"}, OccurredAt: &at}

	k1 := DefaultKey(ev)
	assert.Len(t, k1, 64)
	assert.Equal(t, k1, DefaultKey(ev))

	other := *ev
	other.Trigger = cdm.TriggerCreated
	assert.NotEqual(t, k1, DefaultKey(&other))

	assert.Empty(t, DefaultKey(&cdm.Event{Model: cdm.ModelCall}))
	assert.Equal(t, CompositeKey("a", "b"), CompositeKey("a", "b"))
	assert.NotEqual(t, CompositeKey("ab", ""), CompositeKey("a", "b"))
}
