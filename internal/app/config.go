package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/florianilch/tokenrelay/internal/tokenstore"
)

// EnvPrefix marks environment variables that override configuration,
// e.g. TOKENRELAY_API_BASE_URL sets api.base_url.
const EnvPrefix = "TOKENRELAY_"

// TokenStorageType selects where the refresh token is kept between runs.
type TokenStorageType string

const (
	TokenStorageTypeEnv     TokenStorageType = "env"
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeKeyring TokenStorageType = "keyring"
)

// Config is the complete application configuration.
type Config struct {
	API       APIConfig       `koanf:"api"`
	Refresh   RefreshConfig   `koanf:"refresh"`
	Auth      AuthConfig      `koanf:"auth"`
	Relay     RelayConfig     `koanf:"relay"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// APIConfig describes the upstream API every request is sent to.
type APIConfig struct {
	BaseURL      string        `koanf:"base_url" validate:"required,url"`
	Timeout      time.Duration `koanf:"timeout" validate:"gt=0"`
	TenantHeader string        `koanf:"tenant_header" validate:"required"`
	UserAgent    string        `koanf:"user_agent"`
}

// RefreshConfig describes the refresh endpoint.
type RefreshConfig struct {
	// URL is absolute, or a path relative to api.base_url for the json style.
	URL          string `koanf:"url" validate:"required"`
	Style        string `koanf:"style" validate:"oneof=json oauth2"`
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	TenantClaim  string `koanf:"tenant_claim" validate:"required"`
}

// AuthConfig describes the refresh token store and the initial session.
type AuthConfig struct {
	Storage        TokenStorageType `koanf:"storage" validate:"oneof=env file keyring"`
	File           string           `koanf:"file" validate:"required_if=Storage file"`
	KeyringService string           `koanf:"keyring_service"`
	EnvVar         string           `koanf:"env_var"`
	// TenantID seeds the tenant context before the first refresh.
	TenantID string `koanf:"tenant_id"`
}

// RelayConfig describes the local relay server.
type RelayConfig struct {
	Listen       string  `koanf:"listen" validate:"required,hostname_port"`
	MaxBodyBytes int64   `koanf:"max_body_bytes" validate:"gt=0"`
	RateLimit    float64 `koanf:"rate_limit" validate:"gte=0"`
	RateBurst    int     `koanf:"rate_burst" validate:"gte=0"`
}

// LogConfig describes the stdout log handler.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// TelemetryConfig describes the optional OpenTelemetry log pipeline.
type TelemetryConfig struct {
	Exporter string `koanf:"exporter" validate:"oneof=none stdout otlp-http otlp-grpc"`
	Endpoint string `koanf:"endpoint" validate:"omitempty,url"`
}

// NewTokenStore creates the refresh token store selected by Storage.
func (c AuthConfig) NewTokenStore() (tokenstore.Store, error) {
	switch c.Storage {
	case TokenStorageTypeEnv:
		return tokenstore.NewEnvStore(c.EnvVar), nil
	case TokenStorageTypeFile:
		return tokenstore.NewFileStore(c.File), nil
	case TokenStorageTypeKeyring:
		return tokenstore.NewKeyringStore(c.KeyringService), nil
	default:
		return nil, fmt.Errorf("unsupported token storage %q (expected: env, file, keyring)", c.Storage)
	}
}

// defaults returns the base layer of the configuration.
func defaults() map[string]any {
	credentialsFile := "credentials.json"
	if dir, err := os.UserConfigDir(); err == nil {
		credentialsFile = filepath.Join(dir, "tokenrelay", "credentials.json")
	}

	return map[string]any{
		"api.timeout":          "30s",
		"api.tenant_header":    "X-Tenant-ID",
		"api.user_agent":       "tokenrelay",
		"refresh.style":        "json",
		"refresh.tenant_claim": "tenant_id",
		"auth.storage":         string(TokenStorageTypeKeyring),
		"auth.file":            credentialsFile,
		"auth.keyring_service": tokenstore.DefaultKeyringService,
		"auth.env_var":         tokenstore.DefaultEnvVar,
		"relay.listen":         "127.0.0.1:4000",
		"relay.max_body_bytes": 10 << 20,
		"relay.rate_limit":     0,
		"relay.rate_burst":     0,
		"log.level":            "info",
		"log.format":           "text",
		"telemetry.exporter":   "none",
	}
}

// DefaultConfigPath returns the config file read when none is given.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tokenrelay", "config.toml")
}

// LoadConfig layers defaults, the config file at path, TOKENRELAY_*
// environment variables from environ and overrides (typically CLI flags),
// then validates the result. An empty path reads DefaultConfigPath if it exists.
func LoadConfig(path string, overrides map[string]any, environ func() []string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	if path != "" {
		if err := loadFile(k, path, explicit); err != nil {
			return nil, err
		}
	}

	if environ == nil {
		environ = os.Environ
	}
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
		EnvironFunc:   environ,
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("loading overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section of the configuration.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// loadFile loads a TOML or YAML file depending on its extension.
// A missing default file is not an error.
func loadFile(k *koanf.Koanf, path string, explicit bool) error {
	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		parser = toml.Parser()
	case ".yaml", ".yml":
		parser = yaml.Parser()
	default:
		return fmt.Errorf("unsupported config file %q (expected: .toml, .yaml, .yml)", path)
	}

	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("loading config file %s: %w", path, err)
	}
	return nil
}

// envKey maps TOKENRELAY_SECTION_SOME_KEY to section.some_key.
// Variables without a section are ignored.
func envKey(k, v string) (string, any) {
	k = strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
	section, key, found := strings.Cut(k, "_")
	if !found || key == "" {
		return "", nil
	}
	return section + "." + key, v
}
