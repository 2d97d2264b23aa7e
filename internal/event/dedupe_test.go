package event

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeduper(t *testing.T) {
	now := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	d := &MemoryDeduper{TTL: time.Hour, Now: func() time.Time { return now }}
	ctx := context.Background()

	first, err := d.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := d.Claim(ctx, "k")
	require.NoError(t, err)
	assert.False(t, again)

	now = now.Add(2 * time.Hour)
	expired, err := d.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, expired)

	require.NoError(t, d.Release(ctx, "k"))
	released, err := d.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestRedisDeduper(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	d := NewRedisDeduper(client, "", time.Minute)
	ctx := context.Background()

	first, err := d.Claim(ctx, "hooky/o1/evt_1")
	require.NoError(t, err)
	assert.True(t, first)
	assert.True(t, mr.Exists("unified:events:hooky/o1/evt_1"))

	again, err := d.Claim(ctx, "hooky/o1/evt_1")
	require.NoError(t, err)
	assert.False(t, again)

	mr.FastForward(2 * time.Minute)
	afterTTL, err := d.Claim(ctx, "hooky/o1/evt_1")
	require.NoError(t, err)
	assert.True(t, afterTTL)

	require.NoError(t, d.Release(ctx, "hooky/o1/evt_1"))
	assert.False(t, mr.Exists("unified:events:hooky/o1/evt_1"))
}

func TestRedisDeduper_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, err = NewRedisDeduper(client, "p:", 0).Claim(context.Background(), "k")
	assert.Error(t, err)
}

func TestPostgresDeduper(t *testing.T) {
	dsn := os.Getenv("UNIFIED_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("UNIFIED_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	d := NewPostgresDeduper(pool, "unified_event_ledger_test")
	require.NoError(t, d.EnsureSchema(ctx))
	key := uuid.NewString()

	first, err := d.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := d.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, d.Release(ctx, key))
	released, err := d.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, released)

	_, err = d.Prune(ctx, 0)
	require.NoError(t, err)
}
