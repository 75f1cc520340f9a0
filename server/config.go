package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"oauthd/app"
)

// Hardcoded lifetime defaults. YAML values override them.
const (
	DefaultAccessTTL      = 10 * time.Minute
	DefaultRefreshTTL     = 30 * 24 * time.Hour
	DefaultCodeTTL        = time.Minute
	DefaultDeviceTTL      = 10 * time.Minute
	DefaultSecretLifetime = 30 * 24 * time.Hour
	DefaultAuditWindow    = 15 * time.Minute
	DefaultAuditFailures  = 5
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server       ServerConfig         `yaml:"server"`
	Tokens       TokenSettings        `yaml:"tokens"`
	Keys         KeySettings          `yaml:"keys"`
	Grants       app.GrantConfig      `yaml:"grants"`
	Registration RegistrationSettings `yaml:"registration"`
	Audit        AuditSettings        `yaml:"audit"`
	Storage      StorageConfig        `yaml:"storage"`
	Clients      []app.StaticClient   `yaml:"clients"`
	Users        []app.User           `yaml:"users"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	Issuer          string         `yaml:"issuer"`
	DevListenAddr   string         `yaml:"dev_listen_addr"`
	HTTPListenAddr  string         `yaml:"http_listen_addr"`
	HTTPSListenAddr string         `yaml:"https_listen_addr"`
	DevMode         bool           `yaml:"dev_mode"`
	SecretsPath     string         `yaml:"secrets_path"`
	NodeID          int64          `yaml:"node_id"`
	TLS             TLSConfig      `yaml:"tls"`
	CORS            app.CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// TokenSettings carries token lifetimes as duration strings.
type TokenSettings struct {
	AccessTTL     string `yaml:"access_ttl"`
	RefreshTTL    string `yaml:"refresh_ttl"`
	CodeTTL       string `yaml:"code_ttl"`
	DeviceTTL     string `yaml:"device_ttl"`
	RotateRefresh *bool  `yaml:"rotate_refresh"`
}

// Build converts the settings into the token service configuration.
func (t TokenSettings) Build() app.TokenConfig {
	rotate := true
	if t.RotateRefresh != nil {
		rotate = *t.RotateRefresh
	}
	return app.TokenConfig{
		AccessTTL:     parseDuration(t.AccessTTL, DefaultAccessTTL),
		RefreshTTL:    parseDuration(t.RefreshTTL, DefaultRefreshTTL),
		CodeTTL:       parseDuration(t.CodeTTL, DefaultCodeTTL),
		DeviceTTL:     parseDuration(t.DeviceTTL, DefaultDeviceTTL),
		RotateRefresh: rotate,
	}
}

// KeySettings controls signing key storage and rotation.
type KeySettings struct {
	JWKSPath       string `yaml:"jwks_path"`
	RotateInterval string `yaml:"rotate_interval"`
	ActiveKeys     int    `yaml:"active_keys"`
}

// Build converts the settings into the key manager configuration.
func (k KeySettings) Build(secretsPath string) app.KeyConfig {
	path := k.JWKSPath
	if path == "" {
		path = secretsPath + "/jwks.json"
	}
	return app.KeyConfig{
		JWKSPath:       path,
		RotateInterval: parseDuration(k.RotateInterval, 0),
		ActiveKeys:     k.ActiveKeys,
	}
}

// RegistrationSettings tunes dynamic client registration.
type RegistrationSettings struct {
	SecretLifetime string `yaml:"secret_lifetime"`
}

// Build converts the settings into the registration configuration.
func (r RegistrationSettings) Build() app.RegistrationConfig {
	return app.RegistrationConfig{
		SecretLifetime: parseDuration(r.SecretLifetime, DefaultSecretLifetime),
	}
}

// AuditSettings bounds consecutive authentication failures.
type AuditSettings struct {
	MaxFailures int    `yaml:"max_failures"`
	Window      string `yaml:"window"`
}

// StorageConfig selects the token store backend.
type StorageConfig struct {
	Backend string          `yaml:"backend"`
	Redis   app.RedisConfig `yaml:"redis"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Issuer:          "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
			CORS: app.CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Audit: AuditSettings{
			MaxFailures: DefaultAuditFailures,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OAUTHD_SERVER_ISSUER":            func(v string) { cfg.Server.Issuer = v },
		"OAUTHD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"OAUTHD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"OAUTHD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OAUTHD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OAUTHD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OAUTHD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"OAUTHD_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"OAUTHD_STORAGE_BACKEND":          func(v string) { cfg.Storage.Backend = v },
		"OAUTHD_REDIS_ADDR":               func(v string) { cfg.Storage.Redis.Addr = v },
		"OAUTHD_REDIS_PASSWORD":           func(v string) { cfg.Storage.Redis.Password = v },
		"OAUTHD_TOKENS_ACCESS_TTL":        func(v string) { cfg.Tokens.AccessTTL = v },
		"OAUTHD_TOKENS_REFRESH_TTL":       func(v string) { cfg.Tokens.RefreshTTL = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.Issuer == "" {
		slog.Error("Missing required configuration", "field", "server.issuer")
		return errors.New("server.issuer is required")
	}
	if !strings.HasPrefix(c.Server.Issuer, "http://") && !strings.HasPrefix(c.Server.Issuer, "https://") {
		slog.Error("Invalid configuration value", "field", "server.issuer", "value", c.Server.Issuer, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.issuer must start with http:// or https://, got: %s", c.Server.Issuer)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	switch c.Storage.Backend {
	case "", "memory":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "storage.redis.addr")
			return errors.New("storage.redis.addr is required when storage.backend is redis")
		}
	default:
		slog.Error("Invalid storage backend", "field", "storage.backend", "value", c.Storage.Backend, "valid_values", []string{"memory", "redis"})
		return fmt.Errorf("storage.backend must be 'memory' or 'redis', got: %s", c.Storage.Backend)
	}

	for i, client := range c.Clients {
		if client.ClientID == "" {
			slog.Error("Static client missing client_id", "index", i)
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		for j, uri := range client.RedirectURIs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				slog.Error("Invalid redirect URI", "client_id", client.ClientID, "redirect_uri", uri, "index", j)
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] must start with http:// or https://, got: %s", i, client.ClientID, j, uri)
			}
		}
	}

	for i, user := range c.Users {
		if user.ID == "" || user.Username == "" {
			slog.Error("User missing id or username", "index", i)
			return fmt.Errorf("users[%d]: id and username are required", i)
		}
	}

	if c.Audit.MaxFailures < 0 {
		return errors.New("audit.max_failures must not be negative")
	}
	if c.Audit.Window != "" {
		if _, err := time.ParseDuration(c.Audit.Window); err != nil {
			slog.Error("Invalid audit window", "field", "audit.window", "value", c.Audit.Window, "error", err)
			return fmt.Errorf("audit.window: invalid duration '%s': %w", c.Audit.Window, err)
		}
	}

	return nil
}
