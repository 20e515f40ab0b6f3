package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"oidclogin/internal/oidctest"
)

func testConfig(p *oidctest.Provider) Config {
	return Config{
		ClientID:     p.ClientID(),
		ClientSecret: p.ClientSecret(),
		APIBaseURL:   p.URL(),
		RedirectURI:  "http://localhost:3000/callback",
	}
}

func TestAuthCodeURLCarriesPKCEAndNonce(t *testing.T) {
	p := newTestProvider(t)
	tc := NewTokenClient(testConfig(p), nil, testLogger())

	raw := tc.AuthCodeURL("S1", "N1", "CH1")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	if u.Path != AuthorizePath {
		t.Fatalf("path = %q", u.Path)
	}
	q := u.Query()
	want := map[string]string{
		"client_id":             p.ClientID(),
		"redirect_uri":          "http://localhost:3000/callback",
		"response_type":         "code",
		"scope":                 "openid profile email offline_access",
		"state":                 "S1",
		"nonce":                 "N1",
		"code_challenge":        "CH1",
		"code_challenge_method": "S256",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Fatalf("%s = %q, want %q", k, q.Get(k), v)
		}
	}
}

func TestExchangeCodeAndRefresh(t *testing.T) {
	p := newTestProvider(t)
	tc := NewTokenClient(testConfig(p), nil, testLogger())
	ctx := context.Background()

	pkce, err := NewPKCE()
	if err != nil {
		t.Fatalf("NewPKCE: %v", err)
	}
	code, _, err := p.Authorize(tc.AuthCodeURL("S1", "N1", pkce.Challenge))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	tokens, err := tc.ExchangeCode(ctx, code, pkce.Verifier)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tokens.AccessToken != "A1" || tokens.RefreshToken != "R1" {
		t.Fatalf("unexpected tokens: %+v", tokens)
	}
	if tokens.IDToken == "" || tokens.ExpiresIn != 3600 || tokens.Scope != "openid profile email offline_access" {
		t.Fatalf("extras not carried: %+v", tokens)
	}
	if tokens.TokenType != "Bearer" || tokens.Expiry.IsZero() {
		t.Fatalf("token type/expiry missing: %+v", tokens)
	}

	// Codes are single use.
	_, err = tc.ExchangeCode(ctx, code, pkce.Verifier)
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != "invalid_grant" {
		t.Fatalf("expected invalid_grant on reuse, got %v", err)
	}

	refreshed, err := tc.Refresh(ctx, tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.AccessToken != "A2" {
		t.Fatalf("access token = %q, want A2", refreshed.AccessToken)
	}
	if refreshed.RefreshToken != "R1" {
		t.Fatalf("refresh token = %q, want previous R1 kept", refreshed.RefreshToken)
	}
}

func TestExchangeCodeWrongVerifier(t *testing.T) {
	p := newTestProvider(t)
	tc := NewTokenClient(testConfig(p), nil, testLogger())

	pkce, _ := NewPKCE()
	code, _, err := p.Authorize(tc.AuthCodeURL("S1", "N1", pkce.Challenge))
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	other, _ := GenerateCodeVerifier()

	_, err = tc.ExchangeCode(context.Background(), code, other)
	if ErrorCode(err) != "invalid_grant" {
		t.Fatalf("code = %q (%v), want invalid_grant", ErrorCode(err), err)
	}
}

func TestExchangeCodeBadClientSecret(t *testing.T) {
	p := newTestProvider(t)
	cfg := testConfig(p)
	cfg.ClientSecret = "wrong"
	tc := NewTokenClient(cfg, nil, testLogger())

	_, err := tc.ExchangeCode(context.Background(), "C1", "v")
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		t.Fatalf("expected OAuthError, got %v", err)
	}
	if oauthErr.Code != "invalid_client" || oauthErr.Status != http.StatusUnauthorized {
		t.Fatalf("unexpected error: %+v", oauthErr)
	}
}

func TestExchangeCodeTransportFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  int
	}{
		{
			name: "html 502",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte("<h1>bad gateway</h1>"))
			},
			status: http.StatusBadGateway,
		},
		{
			name: "json without error field",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"message":"oops"}`))
			},
			status: http.StatusInternalServerError,
		},
		{
			name: "missing access token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			tc := NewTokenClient(Config{ClientID: "c", ClientSecret: "s", APIBaseURL: srv.URL, RedirectURI: "http://localhost/cb"}, nil, testLogger())
			_, err := tc.ExchangeCode(context.Background(), "code", "verifier")
			var exchErr *TokenExchangeError
			if !errors.As(err, &exchErr) {
				t.Fatalf("expected TokenExchangeError, got %T %v", err, err)
			}
			if exchErr.Status != tt.status {
				t.Fatalf("status = %d, want %d", exchErr.Status, tt.status)
			}
			if ErrorCode(err) != "token_exchange_failed" {
				t.Fatalf("code = %q", ErrorCode(err))
			}
		})
	}
}

func TestRefreshRevokedToken(t *testing.T) {
	p := newTestProvider(t)
	tc := NewTokenClient(testConfig(p), nil, testLogger())

	_, err := tc.Refresh(context.Background(), "R-unknown")
	if ErrorCode(err) != "invalid_grant" {
		t.Fatalf("code = %q (%v), want invalid_grant", ErrorCode(err), err)
	}
}

func TestRevoke(t *testing.T) {
	p := newTestProvider(t)
	tc := NewTokenClient(testConfig(p), nil, testLogger())

	if err := tc.Revoke(context.Background(), "R1", "refresh_token"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	revs := p.Revocations()
	if len(revs) != 1 || revs[0].Token != "R1" || revs[0].TokenTypeHint != "refresh_token" {
		t.Fatalf("unexpected revocations: %+v", revs)
	}

	p.Fail(oidctest.RevokePath, http.StatusServiceUnavailable, "")
	if err := tc.Revoke(context.Background(), "R1", "refresh_token"); err == nil {
		t.Fatalf("expected error from failing revoke endpoint")
	}
}
