package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// DefaultDedupeTTL is how long a claimed idempotency key is remembered.
const DefaultDedupeTTL = 72 * time.Hour

// Deduper is an idempotency ledger.
type Deduper interface {
	// Claim records key and reports whether this was the first claim.
	Claim(ctx context.Context, key string) (bool, error)

	// Release forgets a claim so the key can be processed again.
	Release(ctx context.Context, key string) error
}

// =============================================================================
// MEMORY
// =============================================================================

// MemoryDeduper is a process-local ledger for development and tests.
type MemoryDeduper struct {
	TTL time.Duration
	Now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func (d *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	now := time.Now()
	if d.Now != nil {
		now = d.Now()
	}
	ttl := d.TTL
	if ttl == 0 {
		ttl = DefaultDedupeTTL
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]time.Time{}
	}
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[key] = now.Add(ttl)
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}

// =============================================================================
// REDIS
// =============================================================================

// RedisDeduper claims keys with SET NX and a TTL.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a ledger under prefix ("unified:events:" when empty).
func NewRedisDeduper(client *redis.Client, prefix string, ttl time.Duration) *RedisDeduper {
	if prefix == "" {
		prefix = "unified:events:"
	}
	if ttl == 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+key).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// =============================================================================
// POSTGRES
// =============================================================================

// PostgresDeduper keeps the ledger in a table keyed by idempotency key.
type PostgresDeduper struct {
	db    *pgxpool.Pool
	table string
}

// NewPostgresDeduper creates a ledger in table ("unified_event_ledger" when empty).
func NewPostgresDeduper(db *pgxpool.Pool, table string) *PostgresDeduper {
	if table == "" {
		table = "unified_event_ledger"
	}
	return &PostgresDeduper{db: db, table: table}
}

// EnsureSchema creates the ledger table if missing.
func (d *PostgresDeduper) EnsureSchema(ctx context.Context) error {
	_, err := d.db.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  idempotency_key TEXT PRIMARY KEY,
  claimed_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, d.table))
	return err
}

func (d *PostgresDeduper) Claim(ctx context.Context, key string) (bool, error) {
	tag, err := d.db.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (idempotency_key) VALUES ($1) ON CONFLICT (idempotency_key) DO NOTHING`, d.table), key)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (d *PostgresDeduper) Release(ctx context.Context, key string) error {
	_, err := d.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE idempotency_key = $1`, d.table), key)
	return err
}

// Prune deletes claims older than maxAge and returns how many were removed.
func (d *PostgresDeduper) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := d.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE claimed_at < $1`, d.table), time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
