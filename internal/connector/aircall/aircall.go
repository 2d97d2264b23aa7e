package aircall

import (
	"github.com/nucleus/unified-core/internal/connection"
	httpclient "github.com/nucleus/unified-core/internal/connector/http"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
)

const (
	// ID is the connector id.
	ID = "aircall"

	// BaseURL is the public API root.
	BaseURL = "https://api.aircall.io/v1"

	// DefaultPageSize and MaxPageSize follow Aircall's per_page bounds.
	DefaultPageSize = 20
	MaxPageSize     = 50
)

// Setting keys.
const (
	SettingAPIID    = "apiId"
	SettingAPIToken = "apiToken"
)

// Connector returns the Aircall declaration.
func Connector() *endpoint.Connector {
	return &endpoint.Connector{
		ID:   ID,
		Name: "Aircall",
		Auth: endpoint.AuthSpec{
			Type: endpoint.AuthCustom,
			Settings: []endpoint.SettingField{
				{Key: SettingAPIID, Label: "API ID", Required: true, Validate: "alphanum"},
				{Key: SettingAPIToken, Label: "API Token", Required: true, Sensitive: true},
			},
			Apply: func(conn *connection.Connection) (httpclient.AuthConfig, error) {
				return httpclient.BasicAuth{
					Username: conn.Setting(SettingAPIID),
					Password: conn.Setting(SettingAPIToken),
				}, nil
			},
		},
		Proxy: endpoint.ProxySpec{BaseURL: BaseURL},
		Models: map[cdm.Model]*endpoint.ModelSpec{
			cdm.ModelCall: {
				Descriptor:   callDescriptor,
				DefaultLimit: DefaultPageSize,
				MaxLimit:     MaxPageSize,
				List:         list("calls"),
				Retrieve:     retrieve("calls", "call"),
			},
			cdm.ModelContact: {
				Descriptor:   contactDescriptor,
				DefaultLimit: DefaultPageSize,
				MaxLimit:     MaxPageSize,
				List:         listContacts,
				Retrieve:     retrieve("contacts", "contact"),
				Create:       createContact,
				Update:       updateContact,
			},
			cdm.ModelUser: {
				Descriptor:   userDescriptor,
				DefaultLimit: DefaultPageSize,
				MaxLimit:     MaxPageSize,
				List:         list("users"),
				Retrieve:     retrieve("users", "user"),
			},
		},
		Events: &endpoint.EventSpec{
			Mapper:      eventMapper{},
			Supported:   supported(),
			Subscribe:   subscribe,
			Unsubscribe: unsubscribe,
		},
	}
}
