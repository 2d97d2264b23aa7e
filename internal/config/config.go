// Package config loads the server configuration: defaults, then an optional
// YAML file, then UNIFIED_* environment overrides, then validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/objectstore"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "UNIFIED_"

// Config is the complete server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Dedupe     DedupeConfig     `yaml:"dedupe"`
	DeadLetter DeadLetterConfig `yaml:"deadLetter"`
	Upstream   UpstreamConfig   `yaml:"upstream"`

	// Connectors holds OAuth app registrations by connector id.
	Connectors map[string]endpoint.OAuthApp `yaml:"connectors" validate:"dive"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	GRPCPort int    `yaml:"grpcPort" validate:"min=0,max=65535"`

	// PublicURL is the externally reachable root, used for OAuth redirects
	// and the webhook URLs registered upstream.
	PublicURL string `yaml:"publicUrl" validate:"required,url"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"min=0"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes" validate:"min=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// StorageConfig selects the connection store.
type StorageConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory postgres redis"`
	URL     string `yaml:"url" validate:"required_unless=Backend memory"`
	Prefix  string `yaml:"prefix"`
}

// DedupeConfig selects the idempotency ledger in front of the event sink.
type DedupeConfig struct {
	Backend string        `yaml:"backend" validate:"oneof=none memory redis postgres"`
	URL     string        `yaml:"url" validate:"required_if=Backend redis,required_if=Backend postgres"`
	TTL     time.Duration `yaml:"ttl" validate:"min=0"`
	Table   string        `yaml:"table"`
}

// DeadLetterConfig selects where dropped deliveries are archived.
type DeadLetterConfig struct {
	Backend   string               `yaml:"backend" validate:"oneof=local minio"`
	Dir       string               `yaml:"dir" validate:"required_if=Backend local"`
	Bucket    string               `yaml:"bucket" validate:"required_if=Backend minio"`
	Prefix    string               `yaml:"prefix"`
	Retention time.Duration        `yaml:"retention" validate:"min=0"`
	MinIO     objectstore.S3Config `yaml:"minio"`
}

// UpstreamConfig tunes every connector HTTP client.
type UpstreamConfig struct {
	Timeout       time.Duration `yaml:"timeout" validate:"min=0"`
	RateLimit     float64       `yaml:"rateLimit"`
	RateBurst     int           `yaml:"rateBurst" validate:"min=0"`
	MaxRetries    int           `yaml:"maxRetries" validate:"min=0,max=10"`
	RefreshMargin time.Duration `yaml:"refreshMargin" validate:"min=0"`
	StateTTL      time.Duration `yaml:"stateTtl" validate:"min=0"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			GRPCPort:        50051,
			PublicURL:       "http://localhost:8080",
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    5 << 20,
		},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{Backend: "memory", Prefix: "unified"},
		Dedupe:  DedupeConfig{Backend: "none", TTL: 72 * time.Hour, Table: "unified_event_ledger"},
		DeadLetter: DeadLetterConfig{
			Backend:   "local",
			Dir:       "./data/dead-letter",
			Prefix:    "dead-letter",
			Retention: 14 * 24 * time.Hour,
		},
		Upstream: UpstreamConfig{
			Timeout:       30 * time.Second,
			RateLimit:     10,
			RateBurst:     5,
			RefreshMargin: time.Minute,
			StateTTL:      10 * time.Minute,
		},
		Connectors: map[string]endpoint.OAuthApp{},
	}
}

// Load builds the configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if c.Connectors == nil {
		c.Connectors = map[string]endpoint.OAuthApp{}
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RedirectURL is the OAuth callback route on the public URL.
func (c *Config) RedirectURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/v1/oauth/callback"
}

// SlogLevel maps the configured level name.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

// applyEnv overrides fields from KEY=VALUE pairs. Connector apps come from
// UNIFIED_CONNECTOR_<ID>_CLIENT_ID, _CLIENT_SECRET and _SCOPES.
func (c *Config) applyEnv(environ []string) error {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) && v != "" {
			env[strings.TrimPrefix(k, EnvPrefix)] = v
		}
	}
	l := envLoader{env: env}

	l.str("HTTP_ADDR", &c.Server.Addr)
	l.integer("GRPC_PORT", &c.Server.GRPCPort)
	l.str("PUBLIC_URL", &c.Server.PublicURL)
	l.duration("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	l.str("LOG_LEVEL", &c.Log.Level)

	l.str("STORAGE_BACKEND", &c.Storage.Backend)
	l.str("STORAGE_URL", &c.Storage.URL)
	l.str("STORAGE_PREFIX", &c.Storage.Prefix)

	l.str("DEDUPE_BACKEND", &c.Dedupe.Backend)
	l.str("DEDUPE_URL", &c.Dedupe.URL)
	l.duration("DEDUPE_TTL", &c.Dedupe.TTL)

	l.str("DEADLETTER_BACKEND", &c.DeadLetter.Backend)
	l.str("DEADLETTER_DIR", &c.DeadLetter.Dir)
	l.str("DEADLETTER_BUCKET", &c.DeadLetter.Bucket)
	l.duration("DEADLETTER_RETENTION", &c.DeadLetter.Retention)
	l.str("MINIO_ENDPOINT", &c.DeadLetter.MinIO.Endpoint)
	l.str("MINIO_ACCESS_KEY", &c.DeadLetter.MinIO.AccessKeyID)
	l.str("MINIO_SECRET_KEY", &c.DeadLetter.MinIO.SecretAccessKey)
	l.str("MINIO_REGION", &c.DeadLetter.MinIO.Region)
	l.flag("MINIO_USE_SSL", &c.DeadLetter.MinIO.UseSSL)

	l.duration("UPSTREAM_TIMEOUT", &c.Upstream.Timeout)
	l.number("UPSTREAM_RATE_LIMIT", &c.Upstream.RateLimit)
	l.integer("UPSTREAM_RATE_BURST", &c.Upstream.RateBurst)
	l.integer("UPSTREAM_MAX_RETRIES", &c.Upstream.MaxRetries)
	l.duration("REFRESH_MARGIN", &c.Upstream.RefreshMargin)

	for k, v := range env {
		rest, ok := strings.CutPrefix(k, "CONNECTOR_")
		if !ok {
			continue
		}
		for _, suffix := range []string{"_CLIENT_ID", "_CLIENT_SECRET", "_SCOPES", "_REDIRECT_URL"} {
			id, ok := strings.CutSuffix(rest, suffix)
			if !ok || id == "" {
				continue
			}
			id = strings.ToLower(id)
			app := c.Connectors[id]
			switch suffix {
			case "_CLIENT_ID":
				app.ClientID = v
			case "_CLIENT_SECRET":
				app.ClientSecret = v
			case "_SCOPES":
				app.Scopes = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
			case "_REDIRECT_URL":
				app.RedirectURL = v
			}
			if c.Connectors == nil {
				c.Connectors = map[string]endpoint.OAuthApp{}
			}
			c.Connectors[id] = app
			break
		}
	}
	return l.err
}

// envLoader keeps the first parse failure.
type envLoader struct {
	env map[string]string
	err error
}

func (l *envLoader) fail(key string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
	}
}

func (l *envLoader) str(key string, dst *string) {
	if v, ok := l.env[key]; ok {
		*dst = v
	}
}

func (l *envLoader) integer(key string, dst *int) {
	if v, ok := l.env[key]; ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			l.fail(key, err)
			return
		}
		*dst = i
	}
}

func (l *envLoader) number(key string, dst *float64) {
	if v, ok := l.env[key]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			l.fail(key, err)
			return
		}
		*dst = f
	}
}

func (l *envLoader) flag(key string, dst *bool) {
	if v, ok := l.env[key]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			l.fail(key, err)
			return
		}
		*dst = b
	}
}

func (l *envLoader) duration(key string, dst *time.Duration) {
	if v, ok := l.env[key]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			l.fail(key, err)
			return
		}
		*dst = d
	}
}
