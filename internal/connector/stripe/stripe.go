package stripe

import (
	stripego "github.com/stripe/stripe-go/v76"

	"github.com/nucleus/unified-core/internal/connection"
	httpclient "github.com/nucleus/unified-core/internal/connector/http"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
)

const (
	// ID is the connector id.
	ID = "stripe"

	// BaseURL is the REST API root.
	BaseURL = "https://api.stripe.com/v1"

	// SettingSecretKey holds a secret (sk_) or restricted (rk_) key.
	SettingSecretKey = "secretKey"

	// MaxPageSize is Stripe's list limit.
	MaxPageSize = 100
)

// Connector returns the Stripe declaration.
func Connector() *endpoint.Connector {
	return &endpoint.Connector{
		ID:   ID,
		Name: "Stripe",
		Auth: endpoint.AuthSpec{
			Type: endpoint.AuthCustom,
			Settings: []endpoint.SettingField{
				{Key: SettingSecretKey, Label: "Secret key", Required: true, Sensitive: true, Validate: "startswith=sk_|startswith=rk_"},
			},
			Apply: func(conn *connection.Connection) (httpclient.AuthConfig, error) {
				return httpclient.BearerToken{Token: conn.Setting(SettingSecretKey)}, nil
			},
		},
		Proxy: endpoint.ProxySpec{
			BaseURL: BaseURL,
			Headers: func(*connection.Connection) map[string]string {
				return map[string]string{"Stripe-Version": stripego.APIVersion}
			},
		},
		Models: map[cdm.Model]*endpoint.ModelSpec{
			cdm.ModelContact: {
				Descriptor:   customerDescriptor,
				DefaultLimit: 25,
				MaxLimit:     MaxPageSize,
				List:         listCustomers,
				Retrieve:     retrieve("customers"),
				Create:       create("customers"),
				Update:       update("customers"),
			},
			cdm.ModelInvoice: {
				Descriptor:   invoiceDescriptor,
				DefaultLimit: 25,
				MaxLimit:     MaxPageSize,
				List:         listInvoices,
				Retrieve:     retrieveInvoice,
				Create:       createInvoice,
				Update:       update("invoices"),
			},
			cdm.ModelInvoiceLineItem: {DerivedFrom: cdm.ModelInvoice},
		},
		Events: &endpoint.EventSpec{
			Mapper:      eventMapper{},
			Supported:   supported(),
			Subscribe:   subscribe,
			Unsubscribe: unsubscribe,
		},
	}
}
