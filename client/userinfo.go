package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// UserInfo is the profile returned by the userinfo endpoint.
type UserInfo struct {
	Subject       string `json:"sub"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
}

// UserInfoClient fetches the signed-in user's profile.
type UserInfoClient struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewUserInfoClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *UserInfoClient {
	if httpClient == nil {
		httpClient = cfg.NewHTTPClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UserInfoClient{url: cfg.BaseURL() + UserInfoPath, httpClient: httpClient, logger: logger}
}

// UserInfo calls the userinfo endpoint with accessToken as a bearer token.
func (c *UserInfoClient) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, &UserInfoError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UserInfoError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return nil, &UserInfoError{Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &UserInfoError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var info UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &UserInfoError{Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	if info.Subject == "" {
		return nil, &UserInfoError{Status: resp.StatusCode, Err: fmt.Errorf("userinfo response missing sub")}
	}
	c.logger.Debug("userinfo fetched", "sub", info.Subject)
	return &info, nil
}
