package client

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Phase is where a browser session sits in the login state machine.
type Phase string

const (
	PhaseAnonymous        Phase = "anonymous"
	PhaseAwaitingCallback Phase = "awaiting_callback"
	PhaseAuthenticated    Phase = "authenticated"
	PhaseFailed           Phase = "failed"
)

// LoginAttempt is the per-login secret material, created by Login and
// consumed by exactly one Callback.
type LoginAttempt struct {
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthenticatedSession is the result of a completed login.
type AuthenticatedSession struct {
	User            UserInfo       `json:"user"`
	Tokens          TokenSet       `json:"tokens"`
	IDTokenClaims   *IDTokenClaims `json:"id_token_claims,omitempty"`
	AuthenticatedAt time.Time      `json:"authenticated_at"`
	RefreshedAt     time.Time      `json:"refreshed_at,omitempty"`
}

// FlowState is what a SessionStore keeps for one session id.
type FlowState struct {
	Phase              Phase                 `json:"phase"`
	Attempt            *LoginAttempt         `json:"attempt,omitempty"`
	Session            *AuthenticatedSession `json:"session,omitempty"`
	Failure            string                `json:"failure,omitempty"`
	FailureDescription string                `json:"failure_description,omitempty"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

// SessionStore persists FlowState by opaque session id. Get returns nil, nil
// for an unknown or expired id.
type SessionStore interface {
	Get(ctx context.Context, id string) (*FlowState, error)
	Set(ctx context.Context, id string, state *FlowState, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// TokenExchanger is the token endpoint side of the flow. *TokenClient implements it.
type TokenExchanger interface {
	AuthCodeURL(state, nonce, codeChallenge string) string
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
	Revoke(ctx context.Context, token, tokenTypeHint string) error
}

// IDTokenVerifier is implemented by *Verifier.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken, expectedNonce string) (*IDTokenClaims, error)
}

// UserInfoFetcher is implemented by *UserInfoClient.
type UserInfoFetcher interface {
	UserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
}

// CallbackParams are the query parameters the authorization server redirects back with.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// FlowConfig wires a Flow.
type FlowConfig struct {
	Tokens     TokenExchanger
	Verifier   IDTokenVerifier
	UserInfo   UserInfoFetcher
	Store      SessionStore
	AttemptTTL time.Duration
	SessionTTL time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// Flow drives the authorization code + PKCE login for many independent
// sessions. It holds no per-session state itself.
type Flow struct {
	tokens     TokenExchanger
	verifier   IDTokenVerifier
	userinfo   UserInfoFetcher
	store      SessionStore
	attemptTTL time.Duration
	sessionTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewFlow validates cfg and applies defaults.
func NewFlow(cfg FlowConfig) (*Flow, error) {
	switch {
	case cfg.Tokens == nil:
		return nil, errors.New("flow: token exchanger required")
	case cfg.Verifier == nil:
		return nil, errors.New("flow: id token verifier required")
	case cfg.UserInfo == nil:
		return nil, errors.New("flow: userinfo fetcher required")
	case cfg.Store == nil:
		return nil, errors.New("flow: session store required")
	}
	if cfg.AttemptTTL <= 0 {
		cfg.AttemptTTL = DefaultAttemptTTL
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Flow{
		tokens:     cfg.Tokens,
		verifier:   cfg.Verifier,
		userinfo:   cfg.UserInfo,
		store:      cfg.Store,
		attemptTTL: cfg.AttemptTTL,
		sessionTTL: cfg.SessionTTL,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}, nil
}

// State returns the current state for sid. Unknown sessions are anonymous.
func (f *Flow) State(ctx context.Context, sid string) (*FlowState, error) {
	st, err := f.store.Get(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if st == nil {
		return &FlowState{Phase: PhaseAnonymous}, nil
	}
	return st, nil
}

// Login starts a new attempt for sid, replacing whatever the session held,
// and returns the authorization URL to redirect the browser to.
func (f *Flow) Login(ctx context.Context, sid string) (string, error) {
	pkce, err := NewPKCE()
	if err != nil {
		return "", err
	}
	state, err := GenerateState()
	if err != nil {
		return "", err
	}
	nonce, err := GenerateNonce()
	if err != nil {
		return "", err
	}

	now := f.now()
	attempt := &LoginAttempt{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: pkce.Verifier,
		CreatedAt:    now,
	}
	if err := f.store.Set(ctx, sid, &FlowState{Phase: PhaseAwaitingCallback, Attempt: attempt, UpdatedAt: now}, f.attemptRetention()); err != nil {
		return "", fmt.Errorf("save login attempt: %w", err)
	}

	f.logger.Info("login started")
	return f.tokens.AuthCodeURL(state, nonce, pkce.Challenge), nil
}

// Callback completes the attempt stored for sid. The state parameter is
// checked before any network call is made.
func (f *Flow) Callback(ctx context.Context, sid string, params CallbackParams) (*AuthenticatedSession, error) {
	current, err := f.store.Get(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	// A stray callback must not tear down a session that is already signed in.
	if current != nil && current.Phase == PhaseAuthenticated {
		f.logger.Warn("callback received for authenticated session", "error_code", "invalid_state")
		return nil, ErrInvalidState
	}

	if params.Error != "" {
		return nil, f.fail(ctx, sid, "callback", &OAuthError{Code: params.Error, Description: params.ErrorDescription})
	}

	var attempt *LoginAttempt
	if current != nil && current.Phase == PhaseAwaitingCallback {
		attempt = current.Attempt
	}
	if attempt == nil || params.State == "" ||
		subtle.ConstantTimeCompare([]byte(attempt.State), []byte(params.State)) != 1 {
		return nil, f.fail(ctx, sid, "callback", ErrInvalidState)
	}
	if f.now().Sub(attempt.CreatedAt) > f.attemptTTL {
		return nil, f.fail(ctx, sid, "callback", ErrSessionExpired)
	}
	if params.Code == "" {
		return nil, f.fail(ctx, sid, "callback", &OAuthError{Code: "invalid_request", Description: "authorization code missing from callback"})
	}

	tokens, err := f.tokens.ExchangeCode(ctx, params.Code, attempt.CodeVerifier)
	if err != nil {
		return nil, f.fail(ctx, sid, "callback", err)
	}

	var claims *IDTokenClaims
	if tokens.IDToken != "" {
		claims, err = f.verifier.Verify(ctx, tokens.IDToken, attempt.Nonce)
		if err != nil {
			return nil, f.fail(ctx, sid, "callback", err)
		}
	}

	user, err := f.userinfo.UserInfo(ctx, tokens.AccessToken)
	if err != nil {
		return nil, f.fail(ctx, sid, "callback", err)
	}

	now := f.now()
	session := &AuthenticatedSession{
		User:            *user,
		Tokens:          *tokens,
		IDTokenClaims:   claims,
		AuthenticatedAt: now,
	}
	if err := f.store.Set(ctx, sid, &FlowState{Phase: PhaseAuthenticated, Session: session, UpdatedAt: now}, f.sessionTTL); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	f.logger.Info("login completed", "sub", user.Subject, "id_token_verified", claims != nil)
	return session, nil
}

// Refresh exchanges the stored refresh token for new tokens. Any failure
// destroys the session so the user must sign in again.
func (f *Flow) Refresh(ctx context.Context, sid string) (*AuthenticatedSession, error) {
	current, err := f.store.Get(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if current == nil || current.Phase != PhaseAuthenticated || current.Session == nil {
		return nil, ErrNotAuthenticated
	}

	session := *current.Session
	if session.Tokens.RefreshToken == "" {
		return nil, f.fail(ctx, sid, "refresh", ErrNoRefreshToken)
	}

	fresh, err := f.tokens.Refresh(ctx, session.Tokens.RefreshToken)
	if err != nil {
		return nil, f.fail(ctx, sid, "refresh", err)
	}
	session.Tokens = mergeTokens(session.Tokens, *fresh)
	session.RefreshedAt = f.now()

	if err := f.store.Set(ctx, sid, &FlowState{Phase: PhaseAuthenticated, Session: &session, UpdatedAt: session.RefreshedAt}, f.sessionTTL); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	f.logger.Info("tokens refreshed", "sub", session.User.Subject)
	return &session, nil
}

// Logout revokes the refresh token when there is one and always forgets the
// session. Only a store failure is reported.
func (f *Flow) Logout(ctx context.Context, sid string) error {
	current, err := f.store.Get(ctx, sid)
	if err != nil {
		f.logger.Warn("logout: load session failed", "err", err)
	}

	if current != nil && current.Session != nil && current.Session.Tokens.RefreshToken != "" {
		if err := f.tokens.Revoke(ctx, current.Session.Tokens.RefreshToken, "refresh_token"); err != nil {
			f.logger.Warn("token revocation failed, continuing logout", "err", err)
		}
	}

	if err := f.store.Delete(ctx, sid); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	f.logger.Info("logged out")
	return nil
}

// attemptRetention is how long the store keeps an attempt. It outlives
// attemptTTL so a late callback still finds the attempt and is reported as
// session_expired rather than invalid_state.
func (f *Flow) attemptRetention() time.Duration {
	return 2 * f.attemptTTL
}

// fail records a terminal failure for sid, dropping any attempt or session,
// and returns err unchanged.
func (f *Flow) fail(ctx context.Context, sid, op string, err error) error {
	code := ErrorCode(err)
	st := &FlowState{
		Phase:              PhaseFailed,
		Failure:            code,
		FailureDescription: ErrorDescription(err),
		UpdatedAt:          f.now(),
	}
	if serr := f.store.Set(ctx, sid, st, f.attemptTTL); serr != nil {
		f.logger.Error("save failed state", "op", op, "err", serr)
	}
	f.logger.Warn("login flow failed", "op", op, "error_code", code, "err", err)
	return err
}

// mergeTokens applies a refresh response. The new set replaces the old one,
// including the access and ID tokens. A missing refresh token keeps the
// previous one since rotation is not guaranteed.
func mergeTokens(prev, next TokenSet) TokenSet {
	out := next
	if out.RefreshToken == "" {
		out.RefreshToken = prev.RefreshToken
	}
	if out.Scope == "" {
		out.Scope = prev.Scope
	}
	if out.TokenType == "" {
		out.TokenType = prev.TokenType
	}
	return out
}
