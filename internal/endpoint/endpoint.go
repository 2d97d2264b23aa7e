// Package endpoint defines the connector declaration contract the runtime
// interprets.
//
// Architecture:
//
//	Connector   - id, name, auth, proxy and the per-model operation table
//	AuthSpec    - oauth2 endpoints and callbacks, or custom settings schema
//	ProxySpec   - static or per-connection base URL and headers
//	ModelSpec   - mapper descriptor plus List/Retrieve/Create/Update handlers
//	EventSpec   - webhook identification, validation, projection, subscribe
//
// A connector is pure configuration: the runtime owns control flow, and
// handlers only issue proxy calls through the Call they are given.
package endpoint

import (
	"context"
	"fmt"
	"sort"

	"github.com/nucleus/unified-core/internal/connection"
	httpclient "github.com/nucleus/unified-core/internal/connector/http"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/mapper"
)

// Connector is one third-party service declaration.
type Connector struct {
	ID   string
	Name string

	Auth  AuthSpec
	Proxy ProxySpec

	Models map[cdm.Model]*ModelSpec
	Events *EventSpec

	// Revoke, when set, invalidates upstream credentials on delete. Best effort.
	Revoke func(ctx context.Context, call Call) error
}

// =============================================================================
// AUTH
// =============================================================================

// AuthType selects how a connection becomes authorized.
type AuthType string

const (
	AuthOAuth2 AuthType = "oauth2"
	AuthCustom AuthType = "custom"
	AuthNone   AuthType = "none"
)

// ClientAuth selects how client credentials reach the token endpoint.
type ClientAuth string

const (
	ClientAuthBody  ClientAuth = "body"
	ClientAuthBasic ClientAuth = "basic"
)

// AuthSpec declares a connector's authorization.
type AuthSpec struct {
	Type     AuthType
	OAuth2   *OAuth2Spec
	Settings []SettingField

	// Apply builds request auth from the live connection. Defaults to a
	// bearer access token for oauth2 connectors.
	Apply func(conn *connection.Connection) (httpclient.AuthConfig, error)
}

// OAuth2Spec declares the authorization-code flow of a connector.
type OAuth2Spec struct {
	AuthorizeURL string
	TokenURL     string

	// TokenURLFunc computes the token endpoint from the connection, e.g. for
	// tenant-specific authorization servers.
	TokenURLFunc func(conn *connection.Connection) (string, error)

	ClientAuth      ClientAuth
	Scopes          []string
	ScopeSeparator  string
	PKCE            bool
	AuthorizeParams map[string]string

	// OnTokenExchanged runs exactly once after each successful code
	// exchange, before the connection is stored. call.Connection() is the
	// staged connection: the hook may write metadata and the identifier key
	// on it, and may call tenant discovery endpoints by absolute URL. It must
	// not perform another exchange.
	OnTokenExchanged func(ctx context.Context, call Call, tok *TokenResponse) error
}

// SettingField is one custom-auth setting (API key, subdomain, ...).
type SettingField struct {
	Key       string
	Label     string
	Required  bool
	Sensitive bool

	// Validate is a validator tag applied to the value, e.g. "alphanum".
	Validate string
}

// OAuthApp is the client registration used for a connector.
type OAuthApp struct {
	ClientID     string   `yaml:"clientId" validate:"required"`
	ClientSecret string   `yaml:"clientSecret" validate:"required"`
	RedirectURL  string   `yaml:"redirectUrl"`
	Scopes       []string `yaml:"scopes"`
}

// TokenResponse is a decoded token endpoint response.
type TokenResponse struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	TokenType    string         `json:"token_type,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	ExpiresIn    int64          `json:"expires_in,omitempty"`
	Raw          map[string]any `json:"-"`
}

// =============================================================================
// PROXY
// =============================================================================

// ProxySpec declares how upstream requests are addressed.
type ProxySpec struct {
	BaseURL string

	// BaseURLFunc resolves the base URL from the live connection, e.g. a
	// tenant subdomain or cloud id.
	BaseURLFunc func(ctx context.Context, conn *connection.Connection) (string, error)

	// Headers adds connector-convention headers to every call.
	Headers func(conn *connection.Connection) map[string]string
}

// =============================================================================
// MODELS
// =============================================================================

// ModelSpec binds one canonical model to a connector.
type ModelSpec struct {
	Descriptor *mapper.Descriptor

	DefaultLimit int
	MaxLimit     int

	List     ListHandler
	Retrieve RetrieveHandler
	Create   CreateHandler
	Update   UpdateHandler

	// Fields lists the tenant's custom field definitions.
	Fields FieldsHandler

	// CustomFieldsPath is the raw path holding custom field values. When set,
	// fields.customFields is read and written through the field mapper.
	CustomFieldsPath string

	// DerivedFrom names the parent model whose descriptor declares this model
	// as a child. List and Retrieve then go through the parent.
	DerivedFrom cdm.Model
}

// Model returns the spec for m or NOT_SUPPORTED.
func (c *Connector) Model(m cdm.Model) (*ModelSpec, error) {
	spec, ok := c.Models[m]
	if !ok || spec == nil {
		return nil, core.Errorf(core.CodeNotSupported, "%s does not support model %s", c.ID, m)
	}
	return spec, nil
}

// ModelNames lists supported models in name order.
func (c *Connector) ModelNames() []cdm.Model {
	out := make([]cdm.Model, 0, len(c.Models))
	for m := range c.Models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks the declaration once, at registration.
func (c *Connector) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("connector id is required")
	}
	switch c.Auth.Type {
	case AuthOAuth2:
		if c.Auth.OAuth2 == nil || c.Auth.OAuth2.AuthorizeURL == "" {
			return fmt.Errorf("connector %s: oauth2 requires an authorize URL", c.ID)
		}
		if c.Auth.OAuth2.TokenURL == "" && c.Auth.OAuth2.TokenURLFunc == nil {
			return fmt.Errorf("connector %s: oauth2 requires a token URL", c.ID)
		}
	case AuthCustom:
		if c.Auth.Apply == nil {
			return fmt.Errorf("connector %s: custom auth requires Apply", c.ID)
		}
	case AuthNone:
	default:
		return fmt.Errorf("connector %s: unknown auth type %q", c.ID, c.Auth.Type)
	}
	if c.Proxy.BaseURL == "" && c.Proxy.BaseURLFunc == nil {
		return fmt.Errorf("connector %s: proxy base URL is required", c.ID)
	}

	for m, spec := range c.Models {
		if spec.DerivedFrom != "" {
			parent, ok := c.Models[spec.DerivedFrom]
			if !ok {
				return fmt.Errorf("connector %s: %s derives from unsupported %s", c.ID, m, spec.DerivedFrom)
			}
			if _, ok := parent.Descriptor.ChildFor(m); !ok {
				return fmt.Errorf("connector %s: %s descriptor declares no %s child", c.ID, spec.DerivedFrom, m)
			}
			continue
		}
		if err := spec.Descriptor.Validate(); err != nil {
			return fmt.Errorf("connector %s: %w", c.ID, err)
		}
		if spec.Descriptor.Model != m {
			return fmt.Errorf("connector %s: descriptor for %s maps %s", c.ID, m, spec.Descriptor.Model)
		}
	}

	if c.Events != nil {
		if c.Events.Mapper == nil {
			return fmt.Errorf("connector %s: events require a mapper", c.ID)
		}
		if !c.Events.Global && c.Events.Subscribe == nil {
			return fmt.Errorf("connector %s: per-connection events require Subscribe", c.ID)
		}
		for m := range c.Events.Supported {
			if !m.Valid() {
				return fmt.Errorf("connector %s: events declare unknown model %s", c.ID, m)
			}
		}
	}
	return nil
}
