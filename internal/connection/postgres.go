package connection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

// PostgresAdapter stores connections as versioned JSONB rows.
type PostgresAdapter struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresAdapter opens dsn with lib/pq and ensures the table exists.
func NewPostgresAdapter(ctx context.Context, dsn string) (*PostgresAdapter, error) {
	if dsn == "" {
		return nil, errors.New("connection store dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewPostgresAdapterWithDB(ctx, db)
}

// NewPostgresAdapterWithDB reuses an existing *sql.DB.
func NewPostgresAdapterWithDB(ctx context.Context, db *sql.DB) (*PostgresAdapter, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if err := ensureTable(ctx, db); err != nil {
		return nil, fmt.Errorf("ensure connections table: %w", err)
	}
	return &PostgresAdapter{db: db, now: time.Now}, nil
}

func ensureTable(ctx context.Context, db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS unified_connections (
  connector_id text NOT NULL,
  owner_id text NOT NULL,
  identifier_key text NOT NULL DEFAULT '',
  data jsonb NOT NULL,
  version bigint NOT NULL DEFAULT 1,
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (connector_id, owner_id)
);
CREATE INDEX IF NOT EXISTS unified_connections_identifier_idx
  ON unified_connections (connector_id, identifier_key);
`
	_, err := db.ExecContext(ctx, ddl)
	return err
}

func (p *PostgresAdapter) CreateConnection(ctx context.Context, c *Connection) error {
	if err := c.Key.Validate(); err != nil {
		return err
	}
	c.Version = 1
	stamp(c, p.now())
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO unified_connections (connector_id, owner_id, identifier_key, data, version) VALUES ($1,$2,$3,$4,1)`,
		c.Key.ConnectorID, c.Key.OwnerID, c.IdentifierKey, data)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return alreadyExists(c.Key)
		}
		return err
	}
	return nil
}

func (p *PostgresAdapter) RetrieveConnection(ctx context.Context, key Key) (*Connection, error) {
	var data []byte
	var version int64
	err := p.db.QueryRowContext(ctx,
		`SELECT data, version FROM unified_connections WHERE connector_id=$1 AND owner_id=$2`,
		key.ConnectorID, key.OwnerID).Scan(&data, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(key)
		}
		return nil, err
	}
	return decode(data, version)
}

func (p *PostgresAdapter) UpdateConnection(ctx context.Context, c *Connection) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM unified_connections WHERE connector_id=$1 AND owner_id=$2 FOR UPDATE`,
		c.Key.ConnectorID, c.Key.OwnerID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(c.Key)
		}
		return err
	}
	if current != c.Version {
		return versionConflict(c.Key, c.Version, current)
	}

	next := *c
	next.Version = current + 1
	stamp(&next, p.now())
	data, err := json.Marshal(&next)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE unified_connections SET data=$1, version=$2, identifier_key=$3, updated_at=now() WHERE connector_id=$4 AND owner_id=$5`,
		data, next.Version, next.IdentifierKey, c.Key.ConnectorID, c.Key.OwnerID)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.Version, c.UpdatedAt, c.CreatedAt = next.Version, next.UpdatedAt, next.CreatedAt
	return nil
}

func (p *PostgresAdapter) DeleteConnection(ctx context.Context, key Key) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM unified_connections WHERE connector_id=$1 AND owner_id=$2`,
		key.ConnectorID, key.OwnerID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return notFound(key)
	}
	return nil
}

func (p *PostgresAdapter) FindByIdentifier(ctx context.Context, connectorID, identifierKey string) ([]*Connection, error) {
	if identifierKey == "" {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT data, version FROM unified_connections WHERE connector_id=$1 AND identifier_key=$2 ORDER BY owner_id`,
		connectorID, identifierKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Connection
	for rows.Next() {
		var data []byte
		var version int64
		if err := rows.Scan(&data, &version); err != nil {
			return nil, err
		}
		c, err := decode(data, version)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Ping checks the database is reachable.
func (p *PostgresAdapter) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases the database handle.
func (p *PostgresAdapter) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

func decode(data []byte, version int64) (*Connection, error) {
	var c Connection
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode connection: %w", err)
	}
	c.Version = version
	return &c, nil
}
