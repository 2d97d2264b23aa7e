package jira

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/nucleus/unified-core/internal/connection"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
	"github.com/nucleus/unified-core/internal/endpoint"
)

const (
	// ID is the connector id.
	ID = "jira"

	AuthorizeURL = "https://auth.atlassian.com/authorize"
	TokenURL     = "https://auth.atlassian.com/oauth/token"

	// GatewayURL fronts every Atlassian cloud API.
	GatewayURL = "https://api.atlassian.com"

	// MaxPageSize is the Jira API hard limit.
	MaxPageSize = 100

	// DefaultPageSize is used when the caller gives no limit.
	DefaultPageSize = 50

	MetaCloudID = "cloudId"
	MetaSiteURL = "siteUrl"

	// MetaExpiresAt is the subscription metadata key of a webhook's expiry.
	MetaExpiresAt = "expiresAt"
)

// Scopes requested on every authorization.
var Scopes = []string{
	"read:jira-work",
	"write:jira-work",
	"read:jira-user",
	"manage:jira-webhook",
	"offline_access",
}

// Connector returns the Jira declaration.
func Connector() *endpoint.Connector {
	return &endpoint.Connector{
		ID:   ID,
		Name: "Jira",
		Auth: endpoint.AuthSpec{
			Type: endpoint.AuthOAuth2,
			OAuth2: &endpoint.OAuth2Spec{
				AuthorizeURL: AuthorizeURL,
				TokenURL:     TokenURL,
				ClientAuth:   endpoint.ClientAuthBasic,
				Scopes:       Scopes,
				AuthorizeParams: map[string]string{
					"audience": "api.atlassian.com",
					"prompt":   "consent",
				},
				OnTokenExchanged: recordSite,
			},
		},
		Proxy: endpoint.ProxySpec{
			BaseURLFunc: baseURL,
			Headers: func(*connection.Connection) map[string]string {
				return map[string]string{"Accept": "application/json"}
			},
		},
		Models: map[cdm.Model]*endpoint.ModelSpec{
			cdm.ModelTicket: {
				Descriptor:   ticketDescriptor,
				DefaultLimit: DefaultPageSize,
				MaxLimit:     MaxPageSize,
				List:         listIssues,
				Retrieve:     retrieveIssue,
				Create:       createIssue,
				Update:       updateIssue,
			},
			cdm.ModelUser: {
				Descriptor:   userDescriptor,
				DefaultLimit: DefaultPageSize,
				MaxLimit:     MaxPageSize,
				List:         listUsers,
				Retrieve:     retrieveUser,
			},
		},
		Events: &endpoint.EventSpec{
			Global:      true,
			Mapper:      eventMapper{now: time.Now},
			Supported:   supported(),
			Subscribe:   subscribe,
			Unsubscribe: unsubscribe,
			Renew:       renew,
		},
	}
}

// baseURL addresses the connection's site through the gateway.
func baseURL(_ context.Context, conn *connection.Connection) (string, error) {
	cloudID := conn.Meta(MetaCloudID)
	if cloudID == "" {
		return "", core.Errorf(core.CodeBadConfiguration, "jira connection %s has no cloud id", conn.Key)
	}
	return GatewayURL + "/ex/jira/" + url.PathEscape(cloudID), nil
}

// =============================================================================
// AUTH HOOKS
// =============================================================================

// recordSite resolves the granted site. The token response may name the
// cloud id; otherwise the first accessible resource is used.
func recordSite(ctx context.Context, call endpoint.Call, tok *endpoint.TokenResponse) error {
	resp, err := call.Do(ctx, &endpoint.ProxyRequest{
		Method: http.MethodGet,
		Path:   GatewayURL + "/oauth/token/accessible-resources",
	})
	if err != nil {
		return err
	}
	var resources []Resource
	if err := resp.JSON(&resources); err != nil {
		return err
	}

	want, _ := tok.Raw["cloud_id"].(string)
	var site *Resource
	for i := range resources {
		if want == "" || resources[i].ID == want {
			site = &resources[i]
			break
		}
	}
	if site == nil {
		return core.Errorf(core.CodeUpstreamError, "jira token grants no accessible site")
	}
	host := siteHost(site.URL)
	if host == "" {
		return core.Errorf(core.CodeUpstreamError, "jira site %s has no URL", site.ID)
	}

	conn := call.Connection()
	conn.SetMeta(MetaCloudID, site.ID)
	conn.SetMeta(MetaSiteURL, site.URL)
	conn.IdentifierKey = host
	return nil
}

// siteHost is the routing key of a site or of any REST URL on it.
func siteHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
