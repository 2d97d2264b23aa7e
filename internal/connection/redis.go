package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nucleus/unified-core/internal/core"
)

// RedisAdapter stores each connection as a JSON string and keeps one set per
// (connector, identifier) so global webhooks can find their connections.
//
//	conn:<connectorId>:<ownerId>           -> JSON connection
//	conn:idx:<connectorId>:<identifierKey> -> set of ownerIds
type RedisAdapter struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisAdapter wraps an existing client. prefix namespaces every key.
func NewRedisAdapter(rdb *redis.Client, prefix string) *RedisAdapter {
	if prefix == "" {
		prefix = "conn"
	}
	return &RedisAdapter{rdb: rdb, prefix: prefix, now: time.Now}
}

// NewRedisAdapterFromURL parses a redis:// URL and pings the server.
func NewRedisAdapterFromURL(ctx context.Context, url, prefix string) (*RedisAdapter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed parsing redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed connecting to redis: %w", err)
	}
	return NewRedisAdapter(rdb, prefix), nil
}

func (r *RedisAdapter) key(k Key) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, k.ConnectorID, k.OwnerID)
}

func (r *RedisAdapter) indexKey(connectorID, identifier string) string {
	return fmt.Sprintf("%s:idx:%s:%s", r.prefix, connectorID, identifier)
}

func (r *RedisAdapter) CreateConnection(ctx context.Context, c *Connection) error {
	if err := c.Key.Validate(); err != nil {
		return err
	}
	k := r.key(c.Key)
	c.Version = 1
	stamp(c, r.now())
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, k).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return alreadyExists(c.Key)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, 0)
			if c.IdentifierKey != "" {
				pipe.SAdd(ctx, r.indexKey(c.Key.ConnectorID, c.IdentifierKey), c.Key.OwnerID)
			}
			return nil
		})
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return alreadyExists(c.Key)
	}
	return err
}

func (r *RedisAdapter) RetrieveConnection(ctx context.Context, key Key) (*Connection, error) {
	data, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, err
	}
	var c Connection
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode connection %s: %w", key, err)
	}
	return &c, nil
}

func (r *RedisAdapter) UpdateConnection(ctx context.Context, c *Connection) error {
	k := r.key(c.Key)
	var next Connection

	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(c.Key)
		}
		if err != nil {
			return err
		}
		var cur Connection
		if err := json.Unmarshal(data, &cur); err != nil {
			return err
		}
		if cur.Version != c.Version {
			return versionConflict(c.Key, c.Version, cur.Version)
		}

		next = *c
		next.Version = cur.Version + 1
		stamp(&next, r.now())
		out, err := json.Marshal(&next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, out, 0)
			if cur.IdentifierKey != next.IdentifierKey {
				if cur.IdentifierKey != "" {
					pipe.SRem(ctx, r.indexKey(c.Key.ConnectorID, cur.IdentifierKey), c.Key.OwnerID)
				}
				if next.IdentifierKey != "" {
					pipe.SAdd(ctx, r.indexKey(c.Key.ConnectorID, next.IdentifierKey), c.Key.OwnerID)
				}
			}
			return nil
		})
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return core.Errorf(core.CodeVersionConflict, "connection %s changed during update", c.Key)
	}
	if err != nil {
		return err
	}
	c.Version, c.UpdatedAt, c.CreatedAt = next.Version, next.UpdatedAt, next.CreatedAt
	return nil
}

func (r *RedisAdapter) DeleteConnection(ctx context.Context, key Key) error {
	cur, err := r.RetrieveConnection(ctx, key)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(key))
		if cur.IdentifierKey != "" {
			pipe.SRem(ctx, r.indexKey(key.ConnectorID, cur.IdentifierKey), key.OwnerID)
		}
		return nil
	})
	return err
}

func (r *RedisAdapter) FindByIdentifier(ctx context.Context, connectorID, identifierKey string) ([]*Connection, error) {
	if identifierKey == "" {
		return nil, nil
	}
	owners, err := r.rdb.SMembers(ctx, r.indexKey(connectorID, identifierKey)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(owners)

	out := make([]*Connection, 0, len(owners))
	for _, owner := range owners {
		c, err := r.RetrieveConnection(ctx, Key{ConnectorID: connectorID, OwnerID: owner})
		if err != nil {
			if core.IsCode(err, core.CodeConnectionNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Ping checks the server is reachable.
func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisAdapter) Close() error {
	return r.rdb.Close()
}
