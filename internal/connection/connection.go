// Package connection defines the Connection record (one connector + owner
// pair), its authorization state machine and the Adapter that persists it.
//
// The runtime never owns connection storage. It reads a request-scoped copy
// through an Adapter and writes changes back with optimistic versioning.
package connection

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/core/cdm"
)

// State is the authorization state of a connection.
type State string

const (
	StateUnauthorized State = "unauthorized"
	StateAuthorizing  State = "authorizing"
	StateAuthorized   State = "authorized"
	StateError        State = "error"
	StateRevoked      State = "revoked"
)

// transitions lists the allowed moves out of each state. Any state may move
// to revoked.
var transitions = map[State][]State{
	StateUnauthorized: {StateAuthorizing},
	StateAuthorizing:  {StateAuthorizing, StateAuthorized, StateError},
	StateAuthorized:   {StateAuthorizing, StateError},
	StateError:        {StateAuthorizing},
	StateRevoked:      {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	if to == StateRevoked {
		return from != StateRevoked
	}
	return slices.Contains(transitions[from], to)
}

// Key identifies a connection.
type Key struct {
	ConnectorID string `json:"connectorId"`
	OwnerID     string `json:"ownerId"`
}

func (k Key) String() string {
	return k.ConnectorID + "/" + k.OwnerID
}

// Validate rejects empty key parts.
func (k Key) Validate() error {
	if k.ConnectorID == "" || k.OwnerID == "" {
		return core.Errorf(core.CodeBadRequest, "connection key requires connectorId and ownerId")
	}
	return nil
}

// Credentials is the token pair of an OAuth connection.
type Credentials struct {
	AccessToken  string         `json:"accessToken,omitempty"`
	RefreshToken string         `json:"refreshToken,omitempty"`
	TokenType    string         `json:"tokenType,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	ExpiresAt    *time.Time     `json:"expiresAt,omitempty"`
	Raw          map[string]any `json:"raw,omitempty"`
}

// Expired reports whether the access token expires within margin of now.
// Tokens without an expiry never expire.
func (c Credentials) Expired(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Add(margin).Before(*c.ExpiresAt)
}

// Subscription is one upstream webhook registration owned by the connection.
type Subscription struct {
	ID            string            `json:"id"`
	Model         cdm.Model         `json:"model"`
	Trigger       cdm.Trigger       `json:"trigger"`
	URL           string            `json:"url,omitempty"`
	IdentifierKey string            `json:"identifierKey,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// PendingAuth holds the in-progress OAuth handshake.
type PendingAuth struct {
	State        string    `json:"state"`
	CodeVerifier string    `json:"codeVerifier,omitempty"`
	RedirectURL  string    `json:"redirectUrl,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Connection is one connector + owner pair and everything the runtime needs
// to call the upstream on the owner's behalf.
type Connection struct {
	Key         Key         `json:"key"`
	State       State       `json:"state"`
	Credentials Credentials `json:"credentials"`

	// Metadata is connector-owned key/value state, e.g. a tenant id.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Settings are connector-declared custom auth fields such as API keys.
	Settings map[string]string `json:"settings,omitempty"`

	// IdentifierKey routes global webhook deliveries to this connection.
	IdentifierKey string `json:"identifierKey,omitempty"`

	Subscriptions []Subscription `json:"subscriptions,omitempty"`
	Pending       *PendingAuth   `json:"pending,omitempty"`
	LastError     string         `json:"lastError,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New returns an empty, unauthorized connection.
func New(key Key) *Connection {
	return &Connection{
		Key:      key,
		State:    StateUnauthorized,
		Metadata: map[string]string{},
		Settings: map[string]string{},
	}
}

// Transition moves the connection to a new state.
func (c *Connection) Transition(to State) error {
	if !CanTransition(c.State, to) {
		return core.Errorf(core.CodeAuthInvalidState, "connection %s cannot move from %s to %s", c.Key, c.State, to)
	}
	c.State = to
	return nil
}

// Fail records an error and moves the connection to the error state when allowed.
func (c *Connection) Fail(err error) {
	c.LastError = err.Error()
	if CanTransition(c.State, StateError) {
		c.State = StateError
	}
}

// Setting returns a settings value.
func (c *Connection) Setting(key string) string {
	return c.Settings[key]
}

// Meta returns a metadata value.
func (c *Connection) Meta(key string) string {
	return c.Metadata[key]
}

// SetMeta writes a metadata value.
func (c *Connection) SetMeta(key, value string) {
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	c.Metadata[key] = value
}

// Subscription finds a subscription by model and trigger.
func (c *Connection) Subscription(m cdm.Model, t cdm.Trigger) (Subscription, bool) {
	for _, s := range c.Subscriptions {
		if s.Model == m && s.Trigger == t {
			return s, true
		}
	}
	return Subscription{}, false
}

// RemoveSubscription drops a subscription by model and trigger.
func (c *Connection) RemoveSubscription(m cdm.Model, t cdm.Trigger) {
	c.Subscriptions = slices.DeleteFunc(c.Subscriptions, func(s Subscription) bool {
		return s.Model == m && s.Trigger == t
	})
}

// Clone returns a deep copy, used as the request-scoped view.
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Metadata = maps.Clone(c.Metadata)
	cp.Settings = maps.Clone(c.Settings)
	cp.Credentials.Raw = maps.Clone(c.Credentials.Raw)
	if c.Credentials.ExpiresAt != nil {
		t := *c.Credentials.ExpiresAt
		cp.Credentials.ExpiresAt = &t
	}
	if c.Pending != nil {
		p := *c.Pending
		cp.Pending = &p
	}
	if c.Subscriptions != nil {
		cp.Subscriptions = make([]Subscription, len(c.Subscriptions))
		for i, s := range c.Subscriptions {
			s.Metadata = maps.Clone(s.Metadata)
			cp.Subscriptions[i] = s
		}
	}
	return &cp
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s[%s v%d]", c.Key, c.State, c.Version)
}
