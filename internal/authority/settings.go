package authority

import (
	"context"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nucleus/unified-core/internal/connection"
	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/endpoint"
)

var validate = validator.New()

// Configure stores connector settings on a connection, creating it if
// needed. Custom-auth and auth-less connectors become authorized; OAuth2
// connectors keep their state (settings such as a subdomain may be needed
// before Authorize).
func (a *Authority) Configure(ctx context.Context, key connection.Key, settings map[string]string) (*connection.Connection, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	connector, err := a.registry.Get(key.ConnectorID)
	if err != nil {
		return nil, err
	}
	if err := checkKnown(connector.Auth.Settings, settings); err != nil {
		return nil, err
	}

	if _, err := connection.RetrieveOrCreate(ctx, a.adapter, key); err != nil {
		return nil, err
	}

	updated, err := a.Update(ctx, key, func(c *connection.Connection) error {
		merged := make(map[string]string, len(c.Settings)+len(settings))
		for k, v := range c.Settings {
			merged[k] = v
		}
		for k, v := range settings {
			if v == "" {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		if err := checkSettings(connector.Auth.Settings, merged, true); err != nil {
			return err
		}
		c.Settings = merged

		if connector.Auth.Type == endpoint.AuthOAuth2 {
			return nil
		}
		if c.State != connection.StateAuthorizing {
			if err := c.Transition(connection.StateAuthorizing); err != nil {
				return err
			}
		}
		c.LastError = ""
		return c.Transition(connection.StateAuthorized)
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("connection configured", "connection", key.String(), "settings", settingNames(connector.Auth.Settings, settings))
	return updated, nil
}

// checkSettings fails with BAD_CONFIGURATION when a required setting is
// missing or a value fails its validator tag. Tags are only checked when
// values are being written.
func checkSettings(schema []endpoint.SettingField, values map[string]string, checkTags bool) error {
	var missing []string
	for _, f := range schema {
		v := values[f.Key]
		if v == "" {
			if f.Required {
				missing = append(missing, f.Key)
			}
			continue
		}
		if checkTags && f.Validate != "" {
			if err := validate.Var(v, f.Validate); err != nil {
				return core.Errorf(core.CodeBadConfiguration, "setting %s is invalid (%s)", f.Key, f.Validate)
			}
		}
	}
	if len(missing) > 0 {
		return core.Errorf(core.CodeBadConfiguration, "missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

func checkKnown(schema []endpoint.SettingField, values map[string]string) error {
	known := make(map[string]bool, len(schema))
	for _, f := range schema {
		known[f.Key] = true
	}
	var unknown []string
	for k := range values {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return core.Errorf(core.CodeBadRequest, "unknown settings: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// settingNames lists the declared keys being set. Values are never logged.
func settingNames(schema []endpoint.SettingField, values map[string]string) []string {
	var out []string
	for _, f := range schema {
		if _, ok := values[f.Key]; ok {
			out = append(out, f.Key)
		}
	}
	return out
}
