package hubspot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
)

const (
	// ID is the connector id.
	ID = "hubspot"

	// BaseURL is the API root.
	BaseURL = "https://api.hubapi.com"

	AuthorizeURL = "https://app.hubspot.com/oauth/authorize"
	TokenURL     = "https://api.hubapi.com/oauth/v1/token"

	// MaxPageSize is the CRM v3 list limit.
	MaxPageSize = 100

	// MetaHubID and MetaHubDomain are recorded after the code exchange.
	MetaHubID     = "hubId"
	MetaHubDomain = "hubDomain"
)

// Scopes requested on every authorization.
var Scopes = []string{
	"oauth",
	"crm.objects.contacts.read",
	"crm.objects.contacts.write",
	"crm.objects.deals.read",
	"crm.objects.deals.write",
	"crm.objects.owners.read",
	"crm.schemas.contacts.read",
	"crm.schemas.deals.read",
}

// Connector returns the HubSpot declaration.
func Connector() *endpoint.Connector {
	return &endpoint.Connector{
		ID:   ID,
		Name: "HubSpot",
		Auth: endpoint.AuthSpec{
			Type: endpoint.AuthOAuth2,
			OAuth2: &endpoint.OAuth2Spec{
				AuthorizeURL:     AuthorizeURL,
				TokenURL:         TokenURL,
				ClientAuth:       endpoint.ClientAuthBody,
				Scopes:           Scopes,
				OnTokenExchanged: recordHub,
			},
		},
		Proxy: endpoint.ProxySpec{BaseURL: BaseURL},
		Models: map[cdm.Model]*endpoint.ModelSpec{
			cdm.ModelContact: {
				Descriptor:       contactDescriptor,
				DefaultLimit:     50,
				MaxLimit:         MaxPageSize,
				List:             listObjects(objectContacts),
				Retrieve:         retrieveObject(objectContacts),
				Create:           createObject(objectContacts),
				Update:           updateObject(objectContacts),
				Fields:           customProperties(objectContacts.name),
				CustomFieldsPath: "properties",
			},
			cdm.ModelDeal: {
				Descriptor:       dealDescriptor,
				DefaultLimit:     50,
				MaxLimit:         MaxPageSize,
				List:             listObjects(objectDeals),
				Retrieve:         retrieveObject(objectDeals),
				Create:           createObject(objectDeals),
				Update:           updateObject(objectDeals),
				Fields:           customProperties(objectDeals.name),
				CustomFieldsPath: "properties",
			},
			cdm.ModelPipeline: {
				Descriptor:   pipelineDescriptor,
				DefaultLimit: MaxPageSize,
				MaxLimit:     MaxPageSize,
				List:         listPipelines,
				Retrieve:     retrievePipeline,
			},
			cdm.ModelStage: {DerivedFrom: cdm.ModelPipeline},
			cdm.ModelUser: {
				Descriptor:   ownerDescriptor,
				DefaultLimit: MaxPageSize,
				MaxLimit:     MaxPageSize,
				List:         listOwners,
				Retrieve:     retrieveOwner,
			},
		},
		Events: &endpoint.EventSpec{
			Global:    true,
			Mapper:    eventMapper{now: time.Now},
			Supported: supported(),
		},
		Revoke: revoke,
	}
}

// =============================================================================
// AUTH HOOKS
// =============================================================================

type tokenInfo struct {
	HubID     json.Number `json:"hub_id"`
	HubDomain string      `json:"hub_domain"`
	User      string      `json:"user"`
}

// recordHub looks up the portal the new token belongs to and makes it the
// connection's identifier key.
func recordHub(ctx context.Context, call endpoint.Call, tok *endpoint.TokenResponse) error {
	resp, err := call.Do(ctx, &endpoint.ProxyRequest{
		Method: http.MethodGet,
		Path:   "/oauth/v1/access-tokens/" + url.PathEscape(tok.AccessToken),
	})
	if err != nil {
		return err
	}
	var info tokenInfo
	if err := resp.JSON(&info); err != nil {
		return err
	}
	if info.HubID == "" {
		return core.Errorf(core.CodeUpstreamError, "hubspot token info has no hub_id")
	}

	conn := call.Connection()
	conn.IdentifierKey = info.HubID.String()
	conn.SetMeta(MetaHubID, info.HubID.String())
	if info.HubDomain != "" {
		conn.SetMeta(MetaHubDomain, info.HubDomain)
	}
	return nil
}

func revoke(ctx context.Context, call endpoint.Call) error {
	refresh := call.Connection().Credentials.RefreshToken
	if refresh == "" {
		return nil
	}
	_, err := call.Do(ctx, &endpoint.ProxyRequest{
		Method: http.MethodDelete,
		Path:   "/oauth/v1/refresh-tokens/" + url.PathEscape(refresh),
	})
	return err
}
