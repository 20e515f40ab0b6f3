package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"oidclogin/client"
)

// Defaults for values not set in the config file.
const (
	DefaultAPIBaseURL   = "https://api.sendseven.com"
	DefaultRedirectURI  = "http://localhost:3000/callback"
	DefaultWebhookPath  = "/webhooks/sendseven"
	DefaultHeaderPrefix = "X-Sendseven"
	DefaultAuthRPM      = 30
	DefaultAuthBurst    = 10
	DefaultHSTSMaxAge   = 63072000
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string `yaml:"public_url"`
	DevListenAddr   string `yaml:"dev_listen_addr"`
	HTTPListenAddr  string `yaml:"http_listen_addr"`
	HTTPSListenAddr string `yaml:"https_listen_addr"`
	DevMode         bool   `yaml:"dev_mode"`
	CookieDomain    string `yaml:"cookie_domain"`
	// TrustProxyHeaders takes the client IP from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers"`
	SecretsPath       string    `yaml:"secrets_path"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// OAuthConfig identifies this application to the provider.
type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	APIBaseURL   string   `yaml:"api_base_url"`
	RedirectURI  string   `yaml:"redirect_uri"`
	Scopes       []string `yaml:"scopes"`
	HTTPTimeout  string   `yaml:"http_timeout"`
	ClockSkew    string   `yaml:"clock_skew"`
}

// SessionsConfig selects where login state is kept.
type SessionsConfig struct {
	Backend      string      `yaml:"backend"`
	TTL          string      `yaml:"ttl"`
	AttemptTTL   string      `yaml:"attempt_ttl"`
	CookieSecret string      `yaml:"cookie_secret"`
	Redis        RedisConfig `yaml:"redis"`
}

// RedisConfig is used when sessions.backend is "redis".
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// WebhookConfig configures the event receiver.
type WebhookConfig struct {
	Path         string `yaml:"path"`
	Secret       string `yaml:"secret"`
	HeaderPrefix string `yaml:"header_prefix"`
	MaxSkew      string `yaml:"max_skew"`
	LogPayloads  bool   `yaml:"log_payloads"`
}

// RateLimitConfig throttles the auth endpoints per client IP.
type RateLimitConfig struct {
	AuthRequestsPerMinute int `yaml:"auth_requests_per_minute"`
	Burst                 int `yaml:"burst"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
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
			PublicURL:       "http://localhost:3000",
			DevListenAddr:   "127.0.0.1:3000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		OAuth: OAuthConfig{
			APIBaseURL:  DefaultAPIBaseURL,
			RedirectURI: DefaultRedirectURI,
			Scopes:      append([]string(nil), client.DefaultScopes...),
			HTTPTimeout: client.DefaultHTTPTimeout.String(),
			ClockSkew:   client.DefaultClockSkew.String(),
		},
		Sessions: SessionsConfig{
			Backend:    "memory",
			TTL:        client.DefaultSessionTTL.String(),
			AttemptTTL: client.DefaultAttemptTTL.String(),
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				KeyPrefix: "oidclogin:session:",
			},
		},
		Webhook: WebhookConfig{
			Path:         DefaultWebhookPath,
			HeaderPrefix: DefaultHeaderPrefix,
		},
		RateLimit: RateLimitConfig{
			AuthRequestsPerMinute: DefaultAuthRPM,
			Burst:                 DefaultAuthBurst,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OIDCLOGIN_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"OIDCLOGIN_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"OIDCLOGIN_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"OIDCLOGIN_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OIDCLOGIN_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OIDCLOGIN_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OIDCLOGIN_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"OIDCLOGIN_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"OIDCLOGIN_SERVER_TRUST_PROXY_HEADERS": func(v string) {
			cfg.Server.TrustProxyHeaders = parseBool(v, cfg.Server.TrustProxyHeaders)
		},
		"OIDCLOGIN_OAUTH_CLIENT_ID":         func(v string) { cfg.OAuth.ClientID = v },
		"OIDCLOGIN_OAUTH_CLIENT_SECRET":     func(v string) { cfg.OAuth.ClientSecret = v },
		"OIDCLOGIN_OAUTH_API_BASE_URL":      func(v string) { cfg.OAuth.APIBaseURL = v },
		"OIDCLOGIN_OAUTH_REDIRECT_URI":      func(v string) { cfg.OAuth.RedirectURI = v },
		"OIDCLOGIN_OAUTH_SCOPES":            func(v string) { cfg.OAuth.Scopes = strings.Fields(v) },
		"OIDCLOGIN_SESSIONS_BACKEND":        func(v string) { cfg.Sessions.Backend = v },
		"OIDCLOGIN_SESSIONS_REDIS_ADDR":     func(v string) { cfg.Sessions.Redis.Addr = v },
		"OIDCLOGIN_SESSIONS_REDIS_PASSWORD": func(v string) { cfg.Sessions.Redis.Password = v },
		"OIDCLOGIN_WEBHOOK_SECRET":          func(v string) { cfg.Webhook.Secret = v },

		// Names used by the provider's own example apps.
		"SENDSEVEN_CLIENT_ID":     func(v string) { cfg.OAuth.ClientID = v },
		"SENDSEVEN_CLIENT_SECRET": func(v string) { cfg.OAuth.ClientSecret = v },
		"SENDSEVEN_API_URL":       func(v string) { cfg.OAuth.APIBaseURL = v },
		"REDIRECT_URI":            func(v string) { cfg.OAuth.RedirectURI = v },
		"SESSION_SECRET":          func(v string) { cfg.Sessions.CookieSecret = v },
		"WEBHOOK_SECRET":          func(v string) { cfg.Webhook.Secret = v },
		"LOG_PAYLOADS":            func(v string) { cfg.Webhook.LogPayloads = parseBool(v, cfg.Webhook.LogPayloads) },
		"PORT": func(v string) {
			if _, err := strconv.Atoi(v); err == nil {
				cfg.Server.DevListenAddr = ":" + v
			}
		},
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
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

// ClientConfig converts the oauth section for the client package.
func (c Config) ClientConfig() client.Config {
	return client.Config{
		ClientID:     c.OAuth.ClientID,
		ClientSecret: c.OAuth.ClientSecret,
		APIBaseURL:   c.OAuth.APIBaseURL,
		RedirectURI:  c.OAuth.RedirectURI,
		Scopes:       c.OAuth.Scopes,
		HTTPTimeout:  parseDuration(c.OAuth.HTTPTimeout, client.DefaultHTTPTimeout),
	}
}

func (c Config) ClockSkew() time.Duration {
	return parseDuration(c.OAuth.ClockSkew, client.DefaultClockSkew)
}

func (c Config) SessionTTL() time.Duration {
	return parseDuration(c.Sessions.TTL, client.DefaultSessionTTL)
}

func (c Config) AttemptTTL() time.Duration {
	return parseDuration(c.Sessions.AttemptTTL, client.DefaultAttemptTTL)
}

func (c Config) WebhookMaxSkew() time.Duration {
	return parseDuration(c.Webhook.MaxSkew, 0)
}

// Validate performs sanity checks on the config. Missing OAuth credentials
// are reported as *client.ConfigurationError.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
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

	if c.Server.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if err := c.ClientConfig().Validate(); err != nil {
		var cfgErr *client.ConfigurationError
		if errors.As(err, &cfgErr) {
			slog.Error("Invalid OAuth configuration", "field", "oauth."+cfgErr.Field, "reason", cfgErr.Reason)
		}
		return err
	}

	for field, val := range map[string]string{
		"oauth.http_timeout":   c.OAuth.HTTPTimeout,
		"oauth.clock_skew":     c.OAuth.ClockSkew,
		"sessions.ttl":         c.Sessions.TTL,
		"sessions.attempt_ttl": c.Sessions.AttemptTTL,
		"webhook.max_skew":     c.Webhook.MaxSkew,
	} {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			slog.Error("Invalid duration", "field", field, "value", val, "error", err)
			return fmt.Errorf("%s: invalid duration '%s': %w", field, val, err)
		}
	}
	if skew := c.ClockSkew(); skew > client.MaxClockSkew {
		slog.Error("Clock skew too large", "field", "oauth.clock_skew", "value", skew, "max", client.MaxClockSkew)
		return fmt.Errorf("oauth.clock_skew must be at most %s", client.MaxClockSkew)
	}

	switch c.Sessions.Backend {
	case "", "memory":
	case "redis":
		if c.Sessions.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "sessions.redis.addr")
			return errors.New("sessions.redis.addr is required when sessions.backend is redis")
		}
	default:
		slog.Error("Unknown session backend", "field", "sessions.backend", "value", c.Sessions.Backend, "valid_values", []string{"memory", "redis"})
		return fmt.Errorf("sessions.backend must be 'memory' or 'redis', got: %s", c.Sessions.Backend)
	}

	if c.Webhook.Path != "" && !strings.HasPrefix(c.Webhook.Path, "/") {
		slog.Error("Invalid webhook path", "field", "webhook.path", "value", c.Webhook.Path)
		return fmt.Errorf("webhook.path must start with '/', got: %s", c.Webhook.Path)
	}

	if c.RateLimit.AuthRequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		slog.Error("Invalid rate limit", "requests_per_minute", c.RateLimit.AuthRequestsPerMinute, "burst", c.RateLimit.Burst)
		return errors.New("rate_limit values must not be negative")
	}

	return nil
}

func hostOf(rawURL string) string {
	host := strings.TrimPrefix(rawURL, "http://")
	host = strings.TrimPrefix(host, "https://")
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}

// Summary returns slog attributes describing the effective configuration
// with every secret masked.
func (c Config) Summary() []any {
	return []any{
		"public_url", c.Server.PublicURL,
		"dev_mode", c.Server.DevMode,
		"api_base_url", c.OAuth.APIBaseURL,
		"redirect_uri", c.OAuth.RedirectURI,
		"client_id", c.OAuth.ClientID,
		"client_secret", maskSecret(c.OAuth.ClientSecret),
		"scopes", c.ClientConfig().ScopeList(),
		"session_backend", c.Sessions.Backend,
		"cookie_secret", maskSecret(c.Sessions.CookieSecret),
		"redis_password", maskSecret(c.Sessions.Redis.Password),
		"webhook_path", c.Webhook.Path,
		"webhook_secret", maskSecret(c.Webhook.Secret),
	}
}

func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}
