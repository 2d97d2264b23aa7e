package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_RoundTrip(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.PutObject(ctx, "dead", "2026/10/18/a.json", []byte(`{"a":1}`), "application/json"))
	require.NoError(t, s.PutObject(ctx, "dead", "2026/10/19/b.json", []byte(`{"b":2}`), ""))

	data, err := s.GetObject(ctx, "dead", "2026/10/18/a.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	keys, err := s.ListPrefix(ctx, "dead", "2026/10/18")
	require.NoError(t, err)
	assert.Equal(t, []string{"2026/10/18/a.json"}, keys)

	keys, err = s.ListPrefix(ctx, "dead", "")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	require.NoError(t, s.DeleteObject(ctx, "dead", "2026/10/18/a.json"))
	_, err = s.GetObject(ctx, "dead", "2026/10/18/a.json")
	assert.True(t, IsNotFound(err))
}

func TestLocalStore_Errors(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	ctx := context.Background()

	err := s.PutObject(ctx, "", "k", nil, "")
	assert.True(t, IsNotFound(err))

	err = s.PutObject(ctx, "b", "../../escape", []byte("x"), "")
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodePermissionDenied, se.Code)

	keys, err := s.ListPrefix(ctx, "missing", "")
	require.NoError(t, err)
	assert.Empty(t, keys)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, s.Ping(cancelled), context.Canceled)
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "a/b/c", Join("/a/", "", "b", "c/"))
	assert.Equal(t, "", Join())
}

func TestNewS3Client_Validation(t *testing.T) {
	_, err := NewS3Client(S3Config{})
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeEndpointUnreachable, se.Code)

	_, err = NewS3Client(S3Config{Endpoint: "localhost:9000"})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeAuthInvalid, se.Code)

	c, err := NewS3Client(S3Config{Endpoint: "https://minio.local:9000", AccessKeyID: "a", SecretAccessKey: "b"})
	require.NoError(t, err)
	assert.NotNil(t, c)
}
