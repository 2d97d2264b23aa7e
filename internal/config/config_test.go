package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "unified.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 0, cfg.Upstream.MaxRetries)
	assert.Equal(t, "http://localhost:8080/v1/oauth/callback", cfg.RedirectURL())
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_FileThenEnv(t *testing.T) {
	p := writeFile(t, `
server:
  addr: ":9000"
  publicUrl: https://unified.example.com/
log:
  level: debug
storage:
  backend: redis
  url: redis://localhost:6379/0
upstream:
  timeout: 5s
  maxRetries: 2
connectors:
  hubspot:
    clientId: hs-client
    clientSecret: hs-secret
    scopes: [crm.objects.contacts.read]
`)
	t.Setenv("UNIFIED_HTTP_ADDR", ":9100")
	t.Setenv("UNIFIED_UPSTREAM_TIMEOUT", "12s")
	t.Setenv("UNIFIED_CONNECTOR_JIRA_CLIENT_ID", "jira-client")
	t.Setenv("UNIFIED_CONNECTOR_JIRA_CLIENT_SECRET", "jira-secret")
	t.Setenv("UNIFIED_CONNECTOR_HUBSPOT_SCOPES", "a,b c")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, "https://unified.example.com/v1/oauth/callback", cfg.RedirectURL())
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, 12*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 2, cfg.Upstream.MaxRetries)

	require.Contains(t, cfg.Connectors, "hubspot")
	assert.Equal(t, "hs-secret", cfg.Connectors["hubspot"].ClientSecret)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Connectors["hubspot"].Scopes)
	assert.Equal(t, "jira-client", cfg.Connectors["jira"].ClientID)
	assert.Equal(t, "jira-secret", cfg.Connectors["jira"].ClientSecret)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "unknown key", file: "server:\n  port: 1\n"},
		{name: "bad log level", file: "log:\n  level: loud\n"},
		{name: "postgres without url", file: "storage:\n  backend: postgres\n"},
		{name: "minio without bucket", file: "deadLetter:\n  backend: minio\n"},
		{name: "app without secret", file: "connectors:\n  jira:\n    clientId: x\n"},
		{name: "too many retries", file: "upstream:\n  maxRetries: 50\n"},
		{name: "bad env int", file: "", env: map[string]string{"UNIFIED_GRPC_PORT": "grpc"}},
		{name: "bad env duration", file: "", env: map[string]string{"UNIFIED_UPSTREAM_TIMEOUT": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = writeFile(t, tt.file)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
