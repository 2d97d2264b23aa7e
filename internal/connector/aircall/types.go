package aircall

// =============================================================================
// API TYPES
// =============================================================================

// Meta is the pagination block of every Aircall list response.
type Meta struct {
	Count            int    `json:"count"`
	Total            int    `json:"total"`
	CurrentPage      int    `json:"current_page"`
	PerPage          int    `json:"per_page"`
	NextPageLink     string `json:"next_page_link"`
	PreviousPageLink string `json:"previous_page_link"`
}

// listEnvelope is decoded alongside the raw object to read Meta.
type listEnvelope struct {
	Meta Meta `json:"meta"`
}

// Webhook is the answer to POST /webhooks.
type Webhook struct {
	WebhookID string   `json:"webhook_id"`
	Token     string   `json:"token"`
	URL       string   `json:"url"`
	Events    []string `json:"events"`
	Active    bool     `json:"active"`
}

// Delivery is the envelope of a webhook delivery.
type Delivery struct {
	Resource  string         `json:"resource"`
	Event     string         `json:"event"`
	Timestamp int64          `json:"timestamp"`
	Token     string         `json:"token"`
	Data      map[string]any `json:"data"`
}
