package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenSet is a token endpoint response.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// TokenClient talks to the token and revocation endpoints.
type TokenClient struct {
	oauth        *oauth2.Config
	revokeURL    string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewTokenClient builds a client for the provider described by cfg.
// httpClient may be nil, in which case cfg.NewHTTPClient is used.
func NewTokenClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *TokenClient {
	if httpClient == nil {
		httpClient = cfg.NewHTTPClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.BaseURL()
	return &TokenClient{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.ScopeList(),
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + AuthorizePath,
				TokenURL:  base + TokenPath,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		revokeURL:    base + RevokePath,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   httpClient,
		logger:       logger,
	}
}

// AuthCodeURL builds the authorization request carrying state, nonce and an
// S256 code challenge.
func (c *TokenClient) AuthCodeURL(state, nonce, codeChallenge string) string {
	return c.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", ChallengeMethodS256),
		oauth2.SetAuthURLParam("nonce", nonce),
	)
}

// ExchangeCode swaps an authorization code for tokens. Codes are single use,
// so a failed exchange is never retried here.
func (c *TokenClient) ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenSet, error) {
	tok, err := c.oauth.Exchange(c.withHTTPClient(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return tokenSetFrom(tok), nil
}

// Refresh trades a refresh token for a new token set. When the server does
// not return a new refresh token the one passed in is kept.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	src := c.oauth.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return tokenSetFrom(tok), nil
}

// Revoke asks the server to invalidate token (RFC 7009). Callers treat the
// result as advisory.
func (c *TokenClient) Revoke(ctx context.Context, token, tokenTypeHint string) error {
	form := url.Values{}
	form.Set("token", token)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	if tokenTypeHint != "" {
		form.Set("token_type_hint", tokenTypeHint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("revoke token: %s", resp.Status)
	}
	c.logger.Debug("token revoked", "token_type_hint", tokenTypeHint)
	return nil
}

func (c *TokenClient) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func tokenSetFrom(tok *oauth2.Token) *TokenSet {
	set := &TokenSet{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if set.TokenType == "" {
		set.TokenType = "Bearer"
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		set.Scope = scope
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		set.IDToken = idToken
	}
	set.ExpiresIn = extraInt(tok.Extra("expires_in"))
	return set
}

func extraInt(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if re.ErrorCode != "" {
			return &OAuthError{Code: re.ErrorCode, Description: re.ErrorDescription, Status: status}
		}
		return &TokenExchangeError{Status: status, Body: truncate(string(re.Body), 512), Err: err}
	}
	return &TokenExchangeError{Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
