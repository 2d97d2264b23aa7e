package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus/unified-core/internal/connection"
	httpclient "github.com/nucleus/unified-core/internal/connector/http"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/mapper"
)

func testConnector(id string) *Connector {
	return &Connector{
		ID:   id,
		Name: "Test",
		Auth: AuthSpec{
			Type: AuthCustom,
			Apply: func(conn *connection.Connection) (httpclient.AuthConfig, error) {
				return httpclient.BearerToken{Token: conn.Setting("apiKey")}, nil
			},
		},
		Proxy: ProxySpec{BaseURL: "https://api.example.com"},
		Models: map[cdm.Model]*ModelSpec{
			cdm.ModelContact: {
				Descriptor: &mapper.Descriptor{
					Model:     cdm.ModelContact,
					ID:        mapper.From("id", mapper.ToString),
					CreatedAt: mapper.None(),
					UpdatedAt: mapper.None(),
					Fields: map[string]mapper.Field{
						"email": mapper.Both("email", mapper.ToString, mapper.ToString),
					},
				},
			},
		},
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(testConnector("beta"))
	r.Register(testConnector("alpha"))

	assert.Equal(t, []string{"alpha", "beta"}, r.List())

	c, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", c.ID)

	_, err = r.Get("missing")
	assert.Equal(t, core.CodeConnectorNotFound, core.CodeOf(err))
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(testConnector("dup"))
	assert.Panics(t, func() { r.Register(testConnector("dup")) })
}

func TestRegistry_InvalidDescriptorPanics(t *testing.T) {
	c := testConnector("bad")
	c.Models[cdm.ModelContact].Descriptor.Fields["shoeSize"] = mapper.ReadOnly(mapper.From("shoe", nil))

	r := NewRegistry()
	assert.Panics(t, func() { r.Register(c) })
}

func TestConnectorValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Connector)
	}{
		{"missing id", func(c *Connector) { c.ID = "" }},
		{"oauth2 without urls", func(c *Connector) { c.Auth = AuthSpec{Type: AuthOAuth2, OAuth2: &OAuth2Spec{}} }},
		{"custom without apply", func(c *Connector) { c.Auth.Apply = nil }},
		{"no base url", func(c *Connector) { c.Proxy = ProxySpec{} }},
		{"model mismatch", func(c *Connector) {
			c.Models[cdm.ModelUser] = c.Models[cdm.ModelContact]
		}},
		{"derived without parent", func(c *Connector) {
			c.Models[cdm.ModelInvoiceLineItem] = &ModelSpec{DerivedFrom: cdm.ModelInvoice}
		}},
		{"derived without child", func(c *Connector) {
			c.Models[cdm.ModelInvoiceLineItem] = &ModelSpec{DerivedFrom: cdm.ModelContact}
		}},
		{"events without mapper", func(c *Connector) { c.Events = &EventSpec{Global: true} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConnector("x")
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	assert.NoError(t, testConnector("ok").Validate())
}

func TestConnectorModel(t *testing.T) {
	c := testConnector("x")
	_, err := c.Model(cdm.ModelDeal)
	assert.Equal(t, core.CodeNotSupported, core.CodeOf(err))

	spec, err := c.Model(cdm.ModelContact)
	require.NoError(t, err)
	assert.NotNil(t, spec.Descriptor)
	assert.Equal(t, []cdm.Model{cdm.ModelContact}, c.ModelNames())
}

func TestSelection(t *testing.T) {
	sel := ParseSelection("email, association::contacts,,name")
	assert.Equal(t, Selection{"email", "association::contacts", "name"}, sel)
	assert.False(t, sel.All())
	assert.True(t, sel.Wants("email"))
	assert.False(t, sel.Wants("phone"))
	assert.True(t, sel.WantsAssociation("contacts"))
	assert.False(t, sel.WantsAssociation("owner"))
	assert.Equal(t, []string{"contacts"}, sel.Associations())

	onlyAssoc := ParseSelection("association::contacts")
	assert.True(t, onlyAssoc.All())
	assert.True(t, onlyAssoc.Wants("phone"))

	var none Selection
	assert.True(t, none.All())
	assert.False(t, none.WantsAssociation("contacts"))
}

func TestEventSpecSupports(t *testing.T) {
	var nilSpec *EventSpec
	assert.False(t, nilSpec.Supports(cdm.ModelCall, cdm.TriggerCreated))

	e := &EventSpec{Supported: map[cdm.Model][]cdm.Trigger{
		cdm.ModelCall: {cdm.TriggerCreated},
	}}
	assert.True(t, e.Supports(cdm.ModelCall, cdm.TriggerCreated))
	assert.False(t, e.Supports(cdm.ModelCall, cdm.TriggerDeleted))
}
