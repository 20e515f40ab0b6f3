package client

import (
	"net/http"
	"strings"
	"time"
)

// Endpoint paths relative to the API base URL.
const (
	DiscoveryPath = "/.well-known/openid-configuration"
	AuthorizePath = "/api/v1/oauth-apps/authorize"
	TokenPath     = "/api/v1/oauth-apps/token"
	UserInfoPath  = "/api/v1/oauth-apps/userinfo"
	RevokePath    = "/api/v1/oauth-apps/revoke"
)

// DefaultScopes requests an id_token (openid) and a refresh_token (offline_access).
var DefaultScopes = []string{"openid", "profile", "email", "offline_access"}

const (
	DefaultHTTPTimeout = 15 * time.Second
	DefaultCacheTTL    = time.Hour
	DefaultAttemptTTL  = 10 * time.Minute
	DefaultSessionTTL  = 7 * 24 * time.Hour
	DefaultClockSkew   = 30 * time.Second
	MaxClockSkew       = 5 * time.Minute
)

// Config identifies this application to the authorization server.
type Config struct {
	ClientID     string
	ClientSecret string
	APIBaseURL   string
	RedirectURI  string
	Scopes       []string
	HTTPTimeout  time.Duration
}

// Validate reports the first missing required setting.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.ClientID) == "":
		return &ConfigurationError{Field: "client_id"}
	case strings.TrimSpace(c.ClientSecret) == "":
		return &ConfigurationError{Field: "client_secret"}
	case strings.TrimSpace(c.APIBaseURL) == "":
		return &ConfigurationError{Field: "api_base_url"}
	case strings.TrimSpace(c.RedirectURI) == "":
		return &ConfigurationError{Field: "redirect_uri"}
	}
	if !strings.HasPrefix(c.APIBaseURL, "http://") && !strings.HasPrefix(c.APIBaseURL, "https://") {
		return &ConfigurationError{Field: "api_base_url", Reason: "must start with http:// or https://"}
	}
	return nil
}

// BaseURL returns the API base without a trailing slash.
func (c Config) BaseURL() string {
	return strings.TrimRight(c.APIBaseURL, "/")
}

// ScopeList returns the configured scopes or DefaultScopes.
func (c Config) ScopeList() []string {
	if len(c.Scopes) == 0 {
		return append([]string(nil), DefaultScopes...)
	}
	return c.Scopes
}

// NewHTTPClient returns a client whose timeout bounds every outbound call.
func (c Config) NewHTTPClient() *http.Client {
	timeout := c.HTTPTimeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}
