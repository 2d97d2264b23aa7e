package endpoint

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nucleus/unified-core/internal/core"
)

// Registry holds connector declarations indexed by connector ID.
type Registry struct {
	connectors map[string]*Connector
	mu         sync.RWMutex
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{
		connectors: make(map[string]*Connector),
	}
}

// Register validates and adds a connector.
// Panics if the declaration is invalid or the ID is already registered.
func (r *Registry) Register(c *Connector) {
	if err := c.Validate(); err != nil {
		panic(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connectors[c.ID]; exists {
		panic(fmt.Sprintf("connector already registered: %s", c.ID))
	}
	r.connectors[c.ID] = c
}

// Get returns the connector with the given ID.
func (r *Registry) Get(id string) (*Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.connectors[id]
	if !ok {
		return nil, core.Errorf(core.CodeConnectorNotFound, "unknown connector: %s", id)
	}
	return c, nil
}

// List returns all registered connector IDs, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.connectors))
	for id := range r.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// --- Default Global Registry ---

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the global connector registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds a connector to the default registry.
func Register(c *Connector) {
	defaultRegistry.Register(c)
}
