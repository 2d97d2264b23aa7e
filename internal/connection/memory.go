package connection

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryAdapter keeps connections in process. Used by tests and local runs.
type MemoryAdapter struct {
	mu    sync.RWMutex
	conns map[Key]*Connection
	now   func() time.Time
}

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{conns: make(map[Key]*Connection), now: time.Now}
}

func (m *MemoryAdapter) CreateConnection(ctx context.Context, c *Connection) error {
	if err := c.Key.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[c.Key]; ok {
		return alreadyExists(c.Key)
	}
	c.Version = 1
	stamp(c, m.now())
	m.conns[c.Key] = c.Clone()
	return nil
}

func (m *MemoryAdapter) RetrieveConnection(ctx context.Context, key Key) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[key]
	if !ok {
		return nil, notFound(key)
	}
	return c.Clone(), nil
}

func (m *MemoryAdapter) UpdateConnection(ctx context.Context, c *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.conns[c.Key]
	if !ok {
		return notFound(c.Key)
	}
	if cur.Version != c.Version {
		return versionConflict(c.Key, c.Version, cur.Version)
	}
	c.Version++
	stamp(c, m.now())
	m.conns[c.Key] = c.Clone()
	return nil
}

func (m *MemoryAdapter) DeleteConnection(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[key]; !ok {
		return notFound(key)
	}
	delete(m.conns, key)
	return nil
}

func (m *MemoryAdapter) FindByIdentifier(ctx context.Context, connectorID, identifierKey string) ([]*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Connection
	for k, c := range m.conns {
		if k.ConnectorID == connectorID && identifierKey != "" && c.IdentifierKey == identifierKey {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.OwnerID < out[j].Key.OwnerID })
	return out, nil
}
