package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Environment overrides use this prefix, e.g. SSOBRIDGE_PROVIDER_URL.
const envPrefix = "SSOBRIDGE_"

// UpstreamTimeout bounds every HTTP call the bridge makes to the identity
// provider or the downstream API so a browser request can never hang on a
// stalled upstream.
const UpstreamTimeout = 10 * time.Second

// Config captures the full bridge configuration. It is built once at startup
// and passed into each component constructor; nothing reads ambient
// environment state after that.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderConfig   `yaml:"provider"`
	Downstream DownstreamConfig `yaml:"downstream"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url" env:"PUBLIC_URL"`
	DevListenAddr   string    `yaml:"dev_listen_addr" env:"LISTEN_ADDR"`
	HTTPListenAddr  string    `yaml:"http_listen_addr" env:"HTTP_LISTEN_ADDR"`
	HTTPSListenAddr string    `yaml:"https_listen_addr" env:"HTTPS_LISTEN_ADDR"`
	DevMode         bool      `yaml:"dev_mode" env:"DEV_MODE"`
	SecretsPath     string    `yaml:"secrets_path" env:"SECRETS_PATH"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour for production mode.
type TLSConfig struct {
	Domains []string `yaml:"domains" env:"TLS_DOMAINS"`
	Email   string   `yaml:"email" env:"TLS_EMAIL"`
}

// ProviderConfig points at the identity provider realm the bridge
// authenticates against.
type ProviderConfig struct {
	BaseURL      string `yaml:"base_url" env:"PROVIDER_URL"`
	Realm        string `yaml:"realm" env:"PROVIDER_REALM"`
	ClientID     string `yaml:"client_id" env:"PROVIDER_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"PROVIDER_CLIENT_SECRET"`
}

// DownstreamConfig addresses the application users are signed into. The
// public URL is what browsers are redirected to; the internal URL serves
// server-to-server API calls and falls back to the public URL when unset.
type DownstreamConfig struct {
	PublicURL   string `yaml:"public_url" env:"DOWNSTREAM_PUBLIC_URL"`
	InternalURL string `yaml:"internal_url" env:"DOWNSTREAM_INTERNAL_URL"`
	APIKey      string `yaml:"api_key" env:"DOWNSTREAM_API_KEY"`
}

// LoadConfig builds the configuration from defaults, an optional YAML file,
// and environment overrides, in that order. An empty path means env-only
// operation; every key has a default allowing a local demo run.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Strict unmarshaling to catch typos and deprecated fields.
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
		},
		Provider: ProviderConfig{
			BaseURL:  "http://127.0.0.1:8081",
			Realm:    "master",
			ClientID: "sso-bridge",
		},
		Downstream: DownstreamConfig{
			PublicURL: "http://127.0.0.1:3001",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func (c *Config) normalize() {
	c.Server.PublicURL = strings.TrimSuffix(c.Server.PublicURL, "/")
	c.Provider.BaseURL = strings.TrimSuffix(c.Provider.BaseURL, "/")
	c.Downstream.PublicURL = strings.TrimSuffix(c.Downstream.PublicURL, "/")
	c.Downstream.InternalURL = strings.TrimSuffix(c.Downstream.InternalURL, "/")
	if c.Downstream.InternalURL == "" {
		c.Downstream.InternalURL = c.Downstream.PublicURL
	}
}

// CallbackURL is the redirect URI registered with the identity provider. The
// authorize and token requests must carry this byte-for-byte identical value.
func (c Config) CallbackURL() string {
	return c.Server.PublicURL + "/sso/callback"
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL)
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !isHTTPURL(c.Provider.BaseURL) {
		slog.Error("Invalid configuration value", "field", "provider.base_url", "value", c.Provider.BaseURL)
		return fmt.Errorf("provider.base_url must start with http:// or https://, got: %s", c.Provider.BaseURL)
	}
	if c.Provider.Realm == "" {
		slog.Error("Missing required configuration", "field", "provider.realm")
		return errors.New("provider.realm is required")
	}
	if c.Provider.ClientID == "" {
		slog.Error("Missing required configuration", "field", "provider.client_id")
		return errors.New("provider.client_id is required")
	}

	if !isHTTPURL(c.Downstream.PublicURL) {
		slog.Error("Invalid configuration value", "field", "downstream.public_url", "value", c.Downstream.PublicURL)
		return fmt.Errorf("downstream.public_url must start with http:// or https://, got: %s", c.Downstream.PublicURL)
	}
	if !isHTTPURL(c.Downstream.InternalURL) {
		slog.Error("Invalid configuration value", "field", "downstream.internal_url", "value", c.Downstream.InternalURL)
		return fmt.Errorf("downstream.internal_url must start with http:// or https://, got: %s", c.Downstream.InternalURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	return nil
}

func isHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}
