package client

import (
	"errors"
	"fmt"
)

// ID token verification failures. Every *IDTokenError wraps exactly one of these.
var (
	ErrMalformedIDToken     = errors.New("malformed id token")
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
	ErrKeyNotFound          = errors.New("signing key not found")
	ErrSignatureInvalid     = errors.New("signature invalid")
	ErrIssuerMismatch       = errors.New("issuer mismatch")
	ErrAudienceMismatch     = errors.New("audience mismatch")
	ErrTokenExpired         = errors.New("token expired")
	ErrNonceMismatch        = errors.New("nonce mismatch")
)

// Flow failures.
var (
	ErrInvalidState     = errors.New("state mismatch - possible CSRF attack")
	ErrSessionExpired   = errors.New("login attempt expired")
	ErrNoRefreshToken   = errors.New("no refresh token available, login again with offline_access scope")
	ErrNotAuthenticated = errors.New("not authenticated")
)

// ConfigurationError reports a missing or invalid setting. It is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("configuration: %s is required", e.Field)
	}
	return fmt.Sprintf("configuration: %s %s", e.Field, e.Reason)
}

// MetadataFetchError is returned when discovery or JWKS retrieval fails.
type MetadataFetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *MetadataFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *MetadataFetchError) Unwrap() error { return e.Err }

// IDTokenError is a failed ID token check.
type IDTokenError struct {
	Reason error
	Detail string
}

func (e *IDTokenError) Error() string {
	if e.Detail == "" {
		return "verify id_token: " + e.Reason.Error()
	}
	return fmt.Sprintf("verify id_token: %v: %s", e.Reason, e.Detail)
}

func (e *IDTokenError) Unwrap() error { return e.Reason }

func idTokenError(reason error, format string, args ...any) error {
	return &IDTokenError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// OAuthError is an RFC 6749 error reported by the authorization server.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return "oauth: " + e.Code
	}
	return fmt.Sprintf("oauth: %s - %s", e.Code, e.Description)
}

// TokenExchangeError covers transport and parse failures at the token endpoint
// that carry no server-reported OAuth error.
type TokenExchangeError struct {
	Status int
	Body   string
	Err    error
}

func (e *TokenExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token exchange failed with status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("token exchange failed: %v", e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// UserInfoError is a failed userinfo request.
type UserInfoError struct {
	Status int
	Body   string
	Err    error
}

func (e *UserInfoError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("userinfo failed with status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("userinfo failed: %v", e.Err)
}

func (e *UserInfoError) Unwrap() error { return e.Err }

var idTokenCodes = []struct {
	err  error
	code string
}{
	{ErrMalformedIDToken, "malformed_id_token"},
	{ErrUnsupportedAlgorithm, "unsupported_algorithm"},
	{ErrKeyNotFound, "key_not_found"},
	{ErrSignatureInvalid, "signature_invalid"},
	{ErrIssuerMismatch, "issuer_mismatch"},
	{ErrAudienceMismatch, "audience_mismatch"},
	{ErrTokenExpired, "token_expired"},
	{ErrNonceMismatch, "nonce_mismatch"},
}

// ErrorCode maps an error returned by this package to the short code shown to users.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr.Code
	}
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return "configuration_error"
	}
	for _, c := range idTokenCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}

	var metaErr *MetadataFetchError
	var exchErr *TokenExchangeError
	var infoErr *UserInfoError
	switch {
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrNoRefreshToken):
		return "no_refresh_token"
	case errors.Is(err, ErrNotAuthenticated):
		return "not_authenticated"
	case errors.As(err, &metaErr):
		return "metadata_fetch_failed"
	case errors.As(err, &exchErr):
		return "token_exchange_failed"
	case errors.As(err, &infoErr):
		return "userinfo_failed"
	default:
		return "server_error"
	}
}

// ErrorDescription returns a user-safe description for err. Response bodies
// and transport internals are left out.
func ErrorDescription(err error) string {
	if err == nil {
		return ""
	}

	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		if oauthErr.Description != "" {
			return oauthErr.Description
		}
		return "Authorization server rejected the request"
	}
	var idErr *IDTokenError
	if errors.As(err, &idErr) {
		return "ID token verification failed: " + idErr.Reason.Error()
	}

	var metaErr *MetadataFetchError
	var exchErr *TokenExchangeError
	var infoErr *UserInfoError
	switch {
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrNoRefreshToken), errors.Is(err, ErrNotAuthenticated):
		return sentinelMessage(err)
	case errors.As(err, &metaErr):
		return "Could not load provider metadata"
	case errors.As(err, &exchErr):
		if exchErr.Status != 0 {
			return fmt.Sprintf("Token endpoint returned status %d", exchErr.Status)
		}
		return "Token endpoint unreachable"
	case errors.As(err, &infoErr):
		if infoErr.Status != 0 {
			return fmt.Sprintf("Userinfo endpoint returned status %d", infoErr.Status)
		}
		return "Userinfo endpoint unreachable"
	default:
		return "Internal error"
	}
}

func sentinelMessage(err error) string {
	for _, s := range []error{ErrInvalidState, ErrSessionExpired, ErrNoRefreshToken, ErrNotAuthenticated} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return err.Error()
}
