package stripe

import "github.com/nucleus/unified-core/internal/endpoint"

func init() {
	endpoint.Register(Connector())
}
