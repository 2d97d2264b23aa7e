package connection

import (
	"context"
	"time"

	"github.com/nucleus/unified-core/internal/core"
)

// Adapter persists connections keyed by (connectorId, ownerId).
//
// UpdateConnection is a compare-and-swap on Version: it fails with
// VERSION_CONFLICT when the stored version differs from c.Version, and on
// success increments c.Version in place.
type Adapter interface {
	CreateConnection(ctx context.Context, c *Connection) error
	RetrieveConnection(ctx context.Context, key Key) (*Connection, error)
	UpdateConnection(ctx context.Context, c *Connection) error
	DeleteConnection(ctx context.Context, key Key) error

	// FindByIdentifier returns every connection of a connector sharing an
	// identifier key, for demultiplexing global webhooks.
	FindByIdentifier(ctx context.Context, connectorID, identifierKey string) ([]*Connection, error)
}

// MaxMutateAttempts bounds the read-modify-write retries in Mutate.
const MaxMutateAttempts = 5

// Mutate applies fn to the latest stored copy of a connection and writes it
// back, retrying on VERSION_CONFLICT. fn may run more than once.
func Mutate(ctx context.Context, a Adapter, key Key, fn func(*Connection) error) (*Connection, error) {
	var lastErr error
	for attempt := 0; attempt < MaxMutateAttempts; attempt++ {
		c, err := a.RetrieveConnection(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := fn(c); err != nil {
			return nil, err
		}
		err = a.UpdateConnection(ctx, c)
		if err == nil {
			return c, nil
		}
		if !core.IsCode(err, core.CodeVersionConflict) {
			return nil, err
		}
		lastErr = err
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// RetrieveOrCreate loads a connection, creating an empty one if missing.
func RetrieveOrCreate(ctx context.Context, a Adapter, key Key) (*Connection, error) {
	c, err := a.RetrieveConnection(ctx, key)
	if err == nil {
		return c, nil
	}
	if !core.IsCode(err, core.CodeConnectionNotFound) {
		return nil, err
	}
	c = New(key)
	if err := a.CreateConnection(ctx, c); err != nil {
		if core.IsCode(err, core.CodeConnectionAlreadyExists) {
			return a.RetrieveConnection(ctx, key)
		}
		return nil, err
	}
	return c, nil
}

func stamp(c *Connection, now time.Time) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
}

func notFound(key Key) error {
	return core.Errorf(core.CodeConnectionNotFound, "connection %s not found", key)
}

func alreadyExists(key Key) error {
	return core.Errorf(core.CodeConnectionAlreadyExists, "connection %s already exists", key)
}

func versionConflict(key Key, want, got int64) error {
	return core.Errorf(core.CodeVersionConflict, "connection %s: expected version %d, stored %d", key, want, got)
}
