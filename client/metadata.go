package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
)

const maxMetadataBytes = 1 << 20

// Metadata is the provider's OpenID Connect discovery document.
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`
}

// MetadataCacheConfig configures a MetadataCache.
type MetadataCacheConfig struct {
	APIBaseURL string
	HTTPClient *http.Client
	TTL        time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// MetadataCache caches the discovery document and, separately for each
// jwks_uri, the provider's signing keys. Safe for concurrent use.
type MetadataCache struct {
	discoveryURL string
	client       *http.Client
	ttl          time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu       sync.RWMutex
	metadata *metadataEntry
	keySets  map[string]keySetEntry
}

type metadataEntry struct {
	doc     Metadata
	fetched time.Time
}

type keySetEntry struct {
	set     jose.JSONWebKeySet
	fetched time.Time
}

// NewMetadataCache creates a cache for the provider at cfg.APIBaseURL.
func NewMetadataCache(cfg MetadataCacheConfig) *MetadataCache {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MetadataCache{
		discoveryURL: Config{APIBaseURL: cfg.APIBaseURL}.BaseURL() + DiscoveryPath,
		client:       client,
		ttl:          cfg.TTL,
		now:          cfg.Now,
		logger:       cfg.Logger,
		keySets:      make(map[string]keySetEntry),
	}
}

// Metadata returns the discovery document, fetching it when the cached copy
// is missing or older than the TTL.
func (c *MetadataCache) Metadata(ctx context.Context) (Metadata, error) {
	c.mu.RLock()
	entry := c.metadata
	c.mu.RUnlock()

	if entry != nil && c.fresh(entry.fetched) {
		return entry.doc, nil
	}

	var doc Metadata
	if err := c.fetchJSON(ctx, c.discoveryURL, &doc); err != nil {
		return Metadata{}, err
	}
	if doc.Issuer == "" || doc.JWKSURI == "" {
		return Metadata{}, &MetadataFetchError{URL: c.discoveryURL, Err: errors.New("discovery document missing issuer or jwks_uri")}
	}

	c.mu.Lock()
	c.metadata = &metadataEntry{doc: doc, fetched: c.now()}
	c.mu.Unlock()

	c.logger.Debug("oidc metadata refreshed", "issuer", doc.Issuer, "jwks_uri", doc.JWKSURI)
	return doc, nil
}

// KeySet returns the JSON Web Key Set served at jwksURI.
func (c *MetadataCache) KeySet(ctx context.Context, jwksURI string) (jose.JSONWebKeySet, error) {
	if jwksURI == "" {
		return jose.JSONWebKeySet{}, &MetadataFetchError{URL: jwksURI, Err: errors.New("jwks_uri is empty")}
	}

	c.mu.RLock()
	entry, ok := c.keySets[jwksURI]
	c.mu.RUnlock()

	if ok && c.fresh(entry.fetched) {
		return entry.set, nil
	}

	var set jose.JSONWebKeySet
	if err := c.fetchJSON(ctx, jwksURI, &set); err != nil {
		return jose.JSONWebKeySet{}, err
	}

	c.mu.Lock()
	c.keySets[jwksURI] = keySetEntry{set: set, fetched: c.now()}
	c.mu.Unlock()

	c.logger.Debug("jwks refreshed", "jwks_uri", jwksURI, "keys", len(set.Keys))
	return set, nil
}

// InvalidateKeySet forgets the keys cached for jwksURI so the next KeySet
// call fetches them again.
func (c *MetadataCache) InvalidateKeySet(jwksURI string) {
	c.mu.Lock()
	delete(c.keySets, jwksURI)
	c.mu.Unlock()
}

// InvalidateMetadata forgets the cached discovery document.
func (c *MetadataCache) InvalidateMetadata() {
	c.mu.Lock()
	c.metadata = nil
	c.mu.Unlock()
}

// DiscoveryURL is the well-known URL this cache reads from.
func (c *MetadataCache) DiscoveryURL() string {
	return c.discoveryURL
}

func (c *MetadataCache) fresh(fetched time.Time) bool {
	return c.now().Sub(fetched) < c.ttl
}

func (c *MetadataCache) fetchJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &MetadataFetchError{URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &MetadataFetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return &MetadataFetchError{URL: url, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return &MetadataFetchError{URL: url, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &MetadataFetchError{URL: url, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
