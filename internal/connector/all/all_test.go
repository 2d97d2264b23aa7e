package all

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/unified-core/internal/endpoint"
)

func TestBundledConnectorsRegistered(t *testing.T) {
	registry := endpoint.DefaultRegistry()
	assert.Subset(t, registry.List(), []string{"aircall", "hubspot", "jira", "stripe"})

	for _, id := range registry.List() {
		c, err := registry.Get(id)
		require.NoError(t, err)
		assert.NoError(t, c.Validate(), id)
	}
}
