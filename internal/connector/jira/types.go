package jira

// =============================================================================
// API RESPONSE TYPES
// Issues and users stay raw maps for the mapper; these cover envelopes.
// =============================================================================

// SearchResult is a JQL search page.
type SearchResult struct {
	StartAt    int              `json:"startAt"`
	MaxResults int              `json:"maxResults"`
	Total      int              `json:"total"`
	IsLast     *bool            `json:"isLast,omitempty"`
	Issues     []map[string]any `json:"issues"`
}

// Resource is one site the token was granted for.
type Resource struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

// CreatedIssue is the answer to an issue create.
type CreatedIssue struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

// Delivery is a webhook payload.
type Delivery struct {
	Timestamp    int64          `json:"timestamp"`
	WebhookEvent string         `json:"webhookEvent"`
	Issue        map[string]any `json:"issue,omitempty"`
	User         map[string]any `json:"user,omitempty"`

	MatchedWebhookIDs []int64 `json:"matchedWebhookIds,omitempty"`
}

// webhookRegistration is the answer to a dynamic webhook registration.
type webhookRegistration struct {
	Results []struct {
		CreatedWebhookID int64    `json:"createdWebhookId"`
		Errors           []string `json:"errors"`
	} `json:"webhookRegistrationResult"`
}

// webhookRefresh is the answer to a dynamic webhook refresh.
type webhookRefresh struct {
	ExpirationDate string `json:"expirationDate"`
}
