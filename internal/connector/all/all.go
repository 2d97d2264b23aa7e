// Package all registers every bundled connector with the default registry.
// Import it for side effects.
package all

import (
	_ "github.com/nucleus/unified-core/internal/connector/aircall"
	_ "github.com/nucleus/unified-core/internal/connector/hubspot"
	_ "github.com/nucleus/unified-core/internal/connector/jira"
	_ "github.com/nucleus/unified-core/internal/connector/stripe"
)
