// Package oidctest runs an in-process authorization server for tests. It
// speaks just enough of the provider's API for the login client: discovery,
// JWKS, authorize, token, userinfo and revoke.
package oidctest

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Endpoint paths served by the fake provider.
const (
	DiscoveryPath = "/.well-known/openid-configuration"
	JWKSPath      = "/.well-known/jwks.json"
	AuthorizePath = "/api/v1/oauth-apps/authorize"
	TokenPath     = "/api/v1/oauth-apps/token"
	UserInfoPath  = "/api/v1/oauth-apps/userinfo"
	RevokePath    = "/api/v1/oauth-apps/revoke"
)

// User is the profile returned from the userinfo endpoint and copied into ID tokens.
type User struct {
	Subject       string `json:"sub"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
}

// Revocation is one call to the revoke endpoint.
type Revocation struct {
	Token         string
	TokenTypeHint string
}

// Options configure a Provider.
type Options struct {
	ClientID     string
	ClientSecret string
	User         User
	// Issuer overrides the issuer in discovery. It defaults to the server URL.
	Issuer string
	// RotateRefreshTokens makes refresh responses carry a new refresh token.
	RotateRefreshTokens bool
	// TokenTTL is the lifetime of issued access and ID tokens.
	TokenTTL time.Duration
}

type grant struct {
	clientID      string
	redirectURI   string
	challenge     string
	challengeMeth string
	nonce         string
	scope         string
}

type failure struct {
	status int
	body   string
}

// Provider is a fake authorization server backed by httptest.
type Provider struct {
	Server *httptest.Server
	Keys   *Keys

	opts Options

	mu            sync.Mutex
	codeSeq       int
	tokenSeq      int
	codes         map[string]grant
	accessTokens  map[string]string
	refreshTokens map[string]string
	revocations   []Revocation
	calls         map[string]int
	failures      map[string]failure
	claimHook     func(jwt.MapClaims)
	lastAuthorize url.Values
}

// NewProvider starts a fake provider. Call Close when done.
func NewProvider(opts Options) (*Provider, error) {
	keys, err := NewKeys()
	if err != nil {
		return nil, err
	}
	if opts.ClientID == "" {
		opts.ClientID = "test-client"
	}
	if opts.ClientSecret == "" {
		opts.ClientSecret = "test-secret"
	}
	if opts.User.Subject == "" {
		opts.User = User{Subject: "u1", Email: "a@b.com", EmailVerified: true, Name: "Test User"}
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}

	p := &Provider{
		Keys:          keys,
		opts:          opts,
		codes:         make(map[string]grant),
		accessTokens:  make(map[string]string),
		refreshTokens: make(map[string]string),
		calls:         make(map[string]int),
		failures:      make(map[string]failure),
	}

	r := chi.NewRouter()
	r.Use(p.count)
	r.Get(DiscoveryPath, p.handleDiscovery)
	r.Get(JWKSPath, p.handleJWKS)
	r.Get(AuthorizePath, p.handleAuthorize)
	r.Post(TokenPath, p.handleToken)
	r.Get(UserInfoPath, p.handleUserInfo)
	r.Post(RevokePath, p.handleRevoke)

	p.Server = httptest.NewServer(r)
	return p, nil
}

// Close shuts the server down.
func (p *Provider) Close() { p.Server.Close() }

// URL is the API base URL of the provider.
func (p *Provider) URL() string { return p.Server.URL }

// Issuer is the issuer advertised in discovery and set on ID tokens.
func (p *Provider) Issuer() string {
	if p.opts.Issuer != "" {
		return p.opts.Issuer
	}
	return p.Server.URL
}

func (p *Provider) ClientID() string     { return p.opts.ClientID }
func (p *Provider) ClientSecret() string { return p.opts.ClientSecret }

// Calls reports how many requests hit path.
func (p *Provider) Calls(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[path]
}

// Revocations lists the calls made to the revoke endpoint.
func (p *Provider) Revocations() []Revocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Revocation(nil), p.revocations...)
}

// LastAuthorize returns the query of the most recent authorize request.
func (p *Provider) LastAuthorize() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAuthorize
}

// Fail makes every request to path answer with status and body until
// ClearFailure is called.
func (p *Provider) Fail(path string, status int, body string) {
	p.mu.Lock()
	p.failures[path] = failure{status: status, body: body}
	p.mu.Unlock()
}

func (p *Provider) ClearFailure(path string) {
	p.mu.Lock()
	delete(p.failures, path)
	p.mu.Unlock()
}

// MutateIDTokenClaims registers fn to edit ID token claims before signing.
func (p *Provider) MutateIDTokenClaims(fn func(jwt.MapClaims)) {
	p.mu.Lock()
	p.claimHook = fn
	p.mu.Unlock()
}

// IDToken signs a valid ID token for the configured user and nonce.
func (p *Provider) IDToken(nonce string) (string, error) {
	return p.Keys.Sign(p.idTokenClaims(nonce))
}

// IDTokenClaims returns the claims IDToken would sign, for tests that tamper
// with them before calling Keys.Sign.
func (p *Provider) IDTokenClaims(nonce string) jwt.MapClaims {
	return p.idTokenClaims(nonce)
}

// Authorize simulates the browser visiting the authorization URL and the user
// consenting. It returns the code and state the provider redirects back with.
func (p *Provider) Authorize(authURL string) (code, state string, err error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return "", "", err
	}
	code, redirect, err := p.issueCode(u.Query())
	if err != nil {
		return "", "", err
	}
	ru, err := url.Parse(redirect)
	if err != nil {
		return "", "", err
	}
	return code, ru.Query().Get("state"), nil
}

func (p *Provider) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.calls[r.URL.Path]++
		f, failing := p.failures[r.URL.Path]
		p.mu.Unlock()

		if failing {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(f.body))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := p.Server.URL
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.Issuer(),
		"authorization_endpoint":                base + AuthorizePath,
		"token_endpoint":                        base + TokenPath,
		"userinfo_endpoint":                     base + UserInfoPath,
		"jwks_uri":                              base + JWKSPath,
		"revocation_endpoint":                   base + RevokePath,
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      []string{"openid", "profile", "email", "offline_access"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post"},
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.Keys.PublicJWKS())
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	_, redirect, err := p.issueCode(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": err.Error()})
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (p *Provider) issueCode(q url.Values) (string, string, error) {
	if q.Get("response_type") != "code" {
		return "", "", fmt.Errorf("response_type must be code")
	}
	if q.Get("client_id") != p.opts.ClientID {
		return "", "", fmt.Errorf("unknown client_id")
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		return "", "", fmt.Errorf("S256 code_challenge required")
	}
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		return "", "", fmt.Errorf("redirect_uri required")
	}

	p.mu.Lock()
	p.codeSeq++
	code := fmt.Sprintf("C%d", p.codeSeq)
	p.codes[code] = grant{
		clientID:      q.Get("client_id"),
		redirectURI:   redirectURI,
		challenge:     q.Get("code_challenge"),
		challengeMeth: q.Get("code_challenge_method"),
		nonce:         q.Get("nonce"),
		scope:         q.Get("scope"),
	}
	p.lastAuthorize = q
	p.mu.Unlock()

	ru, err := url.Parse(redirectURI)
	if err != nil {
		return "", "", err
	}
	rq := ru.Query()
	rq.Set("code", code)
	rq.Set("state", q.Get("state"))
	ru.RawQuery = rq.Encode()
	return code, ru.String(), nil
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	if r.PostFormValue("client_id") != p.opts.ClientID ||
		subtle.ConstantTimeCompare([]byte(r.PostFormValue("client_secret")), []byte(p.opts.ClientSecret)) != 1 {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		p.handleTokenAuthorizationCode(w, r)
	case "refresh_token":
		p.handleTokenRefresh(w, r)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (p *Provider) handleTokenAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostFormValue("code")

	p.mu.Lock()
	g, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()

	if !ok {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "code invalid or expired")
		return
	}
	if g.redirectURI != r.PostFormValue("redirect_uri") {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if !verifyPKCE(g.challenge, r.PostFormValue("code_verifier")) {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "pkce verification failed")
		return
	}

	resp, err := p.mint(g.scope, g.nonce, true)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to mint token")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	rt := r.PostFormValue("refresh_token")

	p.mu.Lock()
	scope, ok := p.refreshTokens[rt]
	if ok && p.opts.RotateRefreshTokens {
		delete(p.refreshTokens, rt)
	}
	p.mu.Unlock()

	if !ok {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh token invalid or revoked")
		return
	}

	resp, err := p.mint(scope, "", p.opts.RotateRefreshTokens)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "failed to mint token")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// mint numbers tokens in issue order: A1/R1, then A2, ...
func (p *Provider) mint(scope, nonce string, withRefresh bool) (map[string]any, error) {
	scopes := strings.Fields(scope)

	p.mu.Lock()
	p.tokenSeq++
	n := p.tokenSeq
	access := fmt.Sprintf("A%d", n)
	p.accessTokens[access] = scope
	var refresh string
	if withRefresh && hasScope(scopes, "offline_access") {
		refresh = fmt.Sprintf("R%d", n)
		p.refreshTokens[refresh] = scope
	}
	p.mu.Unlock()

	resp := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   int(p.opts.TokenTTL.Seconds()),
		"scope":        scope,
	}
	if refresh != "" {
		resp["refresh_token"] = refresh
	}
	if nonce != "" && hasScope(scopes, "openid") {
		claims := p.idTokenClaims(nonce)
		p.mu.Lock()
		hook := p.claimHook
		p.mu.Unlock()
		if hook != nil {
			hook(claims)
		}
		idToken, err := p.Keys.Sign(claims)
		if err != nil {
			return nil, err
		}
		resp["id_token"] = idToken
	}
	return resp, nil
}

func (p *Provider) idTokenClaims(nonce string) jwt.MapClaims {
	now := time.Now()
	u := p.opts.User
	claims := jwt.MapClaims{
		"iss":            p.Issuer(),
		"sub":            u.Subject,
		"aud":            p.opts.ClientID,
		"exp":            now.Add(p.opts.TokenTTL).Unix(),
		"iat":            now.Unix(),
		"nonce":          nonce,
		"email":          u.Email,
		"email_verified": u.EmailVerified,
		"name":           u.Name,
	}
	if u.Picture != "" {
		claims["picture"] = u.Picture
	}
	if u.TenantID != "" {
		claims["tenant_id"] = u.TenantID
	}
	return claims
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))

	p.mu.Lock()
	_, ok := p.accessTokens[token]
	p.mu.Unlock()

	if token == "" || !ok {
		oauthError(w, http.StatusUnauthorized, "invalid_token", "access token invalid")
		return
	}
	writeJSON(w, http.StatusOK, p.opts.User)
}

func (p *Provider) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	token := r.PostFormValue("token")

	p.mu.Lock()
	p.revocations = append(p.revocations, Revocation{Token: token, TokenTypeHint: r.PostFormValue("token_type_hint")})
	delete(p.refreshTokens, token)
	delete(p.accessTokens, token)
	p.mu.Unlock()

	// RFC 7009: unknown tokens are not an error.
	w.WriteHeader(http.StatusOK)
}

func verifyPKCE(challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) == 1
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, status int, code, desc string) {
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	writeJSON(w, status, body)
}
