package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"oidclogin/internal/oidctest"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]FlowState
	ttls map[string]time.Duration
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]FlowState), ttls: make(map[string]time.Duration)}
}

func (s *memStore) Get(_ context.Context, id string) (*FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.data[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *memStore) Set(_ context.Context, id string, st *FlowState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = *st
	s.ttls[id] = ttl
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

type countingTokens struct {
	exchangeCalls int
	refreshCalls  int
	revokeCalls   int
	exchangeErr   error
	refreshErr    error
	revokeErr     error
	tokens        *TokenSet
}

func (c *countingTokens) AuthCodeURL(state, nonce, challenge string) string {
	q := url.Values{"state": {state}, "nonce": {nonce}, "code_challenge": {challenge}}
	return "https://idp.test/authorize?" + q.Encode()
}

func (c *countingTokens) ExchangeCode(context.Context, string, string) (*TokenSet, error) {
	c.exchangeCalls++
	if c.exchangeErr != nil {
		return nil, c.exchangeErr
	}
	return c.tokens, nil
}

func (c *countingTokens) Refresh(context.Context, string) (*TokenSet, error) {
	c.refreshCalls++
	if c.refreshErr != nil {
		return nil, c.refreshErr
	}
	return c.tokens, nil
}

func (c *countingTokens) Revoke(context.Context, string, string) error {
	c.revokeCalls++
	return c.revokeErr
}

type stubVerifier struct{ err error }

func (s stubVerifier) Verify(_ context.Context, _, nonce string) (*IDTokenClaims, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &IDTokenClaims{Subject: "u1", Nonce: nonce}, nil
}

type stubUserInfo struct{}

func (stubUserInfo) UserInfo(context.Context, string) (*UserInfo, error) {
	return &UserInfo{Subject: "u1", Email: "a@b.com"}, nil
}

func newStubFlow(t *testing.T, tokens *countingTokens, store SessionStore, now func() time.Time) *Flow {
	t.Helper()
	f, err := NewFlow(FlowConfig{
		Tokens:   tokens,
		Verifier: stubVerifier{},
		UserInfo: stubUserInfo{},
		Store:    store,
		Now:      now,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	return f
}

func TestCallbackStateMismatchSkipsTokenExchange(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore()
	tokens := &countingTokens{tokens: &TokenSet{AccessToken: "A1"}}
	f := newStubFlow(t, tokens, store, clock.Now)
	ctx := context.Background()

	_ = store.Set(ctx, "sid", &FlowState{
		Phase:   PhaseAwaitingCallback,
		Attempt: &LoginAttempt{State: "abc", Nonce: "n", CodeVerifier: "v", CreatedAt: clock.Now()},
	}, time.Minute)

	_, err := f.Callback(ctx, "sid", CallbackParams{Code: "C1", State: "xyz"})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if tokens.exchangeCalls != 0 {
		t.Fatalf("token exchange called %d times", tokens.exchangeCalls)
	}

	st, _ := f.State(ctx, "sid")
	if st.Phase != PhaseFailed || st.Failure != "invalid_state" {
		t.Fatalf("state = %+v", st)
	}
	if st.Attempt != nil {
		t.Fatalf("attempt kept after failure")
	}

	// The attempt is gone, so a replay with the right state fails too.
	if _, err := f.Callback(ctx, "sid", CallbackParams{Code: "C1", State: "abc"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("replay: expected ErrInvalidState, got %v", err)
	}
	if tokens.exchangeCalls != 0 {
		t.Fatalf("token exchange called on replay")
	}
}

func TestCallbackWithoutAttempt(t *testing.T) {
	tokens := &countingTokens{}
	f := newStubFlow(t, tokens, newMemStore(), nil)

	_, err := f.Callback(context.Background(), "sid", CallbackParams{Code: "C1", State: "S1"})
	if ErrorCode(err) != "invalid_state" {
		t.Fatalf("code = %q", ErrorCode(err))
	}
	if tokens.exchangeCalls != 0 {
		t.Fatalf("token exchange called without an attempt")
	}
}

func TestCallbackExpiredAttempt(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore()
	tokens := &countingTokens{tokens: &TokenSet{AccessToken: "A1"}}
	f := newStubFlow(t, tokens, store, clock.Now)
	ctx := context.Background()

	_ = store.Set(ctx, "sid", &FlowState{
		Phase:   PhaseAwaitingCallback,
		Attempt: &LoginAttempt{State: "S1", Nonce: "N1", CodeVerifier: "v", CreatedAt: clock.Now().Add(-11 * time.Minute)},
	}, time.Hour)

	_, err := f.Callback(ctx, "sid", CallbackParams{Code: "C1", State: "S1"})
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if tokens.exchangeCalls != 0 {
		t.Fatalf("token exchange called for expired attempt")
	}
	st, _ := f.State(ctx, "sid")
	if st.Failure != "session_expired" {
		t.Fatalf("failure = %q", st.Failure)
	}
}

func TestLoginRetainsAttemptPastExpiry(t *testing.T) {
	store := newMemStore()
	f := newStubFlow(t, &countingTokens{}, store, newFakeClock().Now)

	if _, err := f.Login(context.Background(), "sid"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	store.mu.Lock()
	ttl := store.ttls["sid"]
	store.mu.Unlock()
	if ttl <= DefaultAttemptTTL {
		t.Fatalf("attempt stored for %v, must outlive the %v attempt window", ttl, DefaultAttemptTTL)
	}
}

func TestCallbackProviderError(t *testing.T) {
	store := newMemStore()
	tokens := &countingTokens{}
	f := newStubFlow(t, tokens, store, nil)
	ctx := context.Background()

	if _, err := f.Login(ctx, "sid"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	_, err := f.Callback(ctx, "sid", CallbackParams{Error: "access_denied", ErrorDescription: "user said no"})
	if ErrorCode(err) != "access_denied" {
		t.Fatalf("code = %q", ErrorCode(err))
	}
	st, _ := f.State(ctx, "sid")
	if st.Phase != PhaseFailed || st.Failure != "access_denied" || st.FailureDescription != "user said no" {
		t.Fatalf("state = %+v", st)
	}
	if tokens.exchangeCalls != 0 {
		t.Fatalf("token exchange called after provider error")
	}
}

func TestCallbackMissingCode(t *testing.T) {
	store := newMemStore()
	tokens := &countingTokens{}
	f := newStubFlow(t, tokens, store, nil)
	ctx := context.Background()

	authURL, err := f.Login(ctx, "sid")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	u, _ := url.Parse(authURL)

	_, err = f.Callback(ctx, "sid", CallbackParams{State: u.Query().Get("state")})
	if ErrorCode(err) != "invalid_request" {
		t.Fatalf("code = %q", ErrorCode(err))
	}
	if tokens.exchangeCalls != 0 {
		t.Fatalf("token exchange called without a code")
	}
}

func TestCallbackVerifierFailureFailsLogin(t *testing.T) {
	store := newMemStore()
	tokens := &countingTokens{tokens: &TokenSet{AccessToken: "A1", IDToken: "x.y.z"}}
	f, err := NewFlow(FlowConfig{
		Tokens:   tokens,
		Verifier: stubVerifier{err: idTokenError(ErrNonceMismatch, "")},
		UserInfo: stubUserInfo{},
		Store:    store,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	ctx := context.Background()

	authURL, _ := f.Login(ctx, "sid")
	u, _ := url.Parse(authURL)
	if _, err := f.Callback(ctx, "sid", CallbackParams{Code: "C1", State: u.Query().Get("state")}); !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch, got %v", err)
	}
	st, _ := f.State(ctx, "sid")
	if st.Phase != PhaseFailed || st.Session != nil {
		t.Fatalf("state = %+v", st)
	}
}

func TestStrayCallbackKeepsAuthenticatedSession(t *testing.T) {
	store := newMemStore()
	tokens := &countingTokens{}
	f := newStubFlow(t, tokens, store, nil)
	ctx := context.Background()

	_ = store.Set(ctx, "sid", &FlowState{
		Phase:   PhaseAuthenticated,
		Session: &AuthenticatedSession{User: UserInfo{Subject: "u1"}, Tokens: TokenSet{AccessToken: "A1"}},
	}, time.Hour)

	if _, err := f.Callback(ctx, "sid", CallbackParams{Code: "C9", State: "forged"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	st, _ := f.State(ctx, "sid")
	if st.Phase != PhaseAuthenticated {
		t.Fatalf("session torn down by stray callback: %+v", st)
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	store := newMemStore()
	tokens := &countingTokens{}
	f := newStubFlow(t, tokens, store, nil)
	ctx := context.Background()

	_ = store.Set(ctx, "sid", &FlowState{
		Phase:   PhaseAuthenticated,
		Session: &AuthenticatedSession{User: UserInfo{Subject: "u1"}, Tokens: TokenSet{AccessToken: "A1"}},
	}, time.Hour)

	_, err := f.Refresh(ctx, "sid")
	if !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
	if tokens.refreshCalls != 0 {
		t.Fatalf("refresh hit the network")
	}
	st, _ := f.State(ctx, "sid")
	if st.Phase != PhaseFailed || st.Failure != "no_refresh_token" || st.Session != nil {
		t.Fatalf("state = %+v", st)
	}
}

func TestRefreshFailureDestroysSession(t *testing.T) {
	store := newMemStore()
	tokens := &countingTokens{refreshErr: &OAuthError{Code: "invalid_grant", Status: http.StatusBadRequest}}
	f := newStubFlow(t, tokens, store, nil)
	ctx := context.Background()

	_ = store.Set(ctx, "sid", &FlowState{
		Phase:   PhaseAuthenticated,
		Session: &AuthenticatedSession{User: UserInfo{Subject: "u1"}, Tokens: TokenSet{AccessToken: "A1", RefreshToken: "R1"}},
	}, time.Hour)

	if _, err := f.Refresh(ctx, "sid"); ErrorCode(err) != "invalid_grant" {
		t.Fatalf("code = %q", ErrorCode(err))
	}
	st, _ := f.State(ctx, "sid")
	if st.Phase != PhaseFailed || st.Session != nil {
		t.Fatalf("half-refreshed session left behind: %+v", st)
	}
}

func TestRefreshRequiresAuthentication(t *testing.T) {
	f := newStubFlow(t, &countingTokens{}, newMemStore(), nil)
	if _, err := f.Refresh(context.Background(), "nobody"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestLogoutIgnoresRevokeFailure(t *testing.T) {
	store := newMemStore()
	tokens := &countingTokens{revokeErr: errors.New("connection refused")}
	f := newStubFlow(t, tokens, store, nil)
	ctx := context.Background()

	_ = store.Set(ctx, "sid", &FlowState{
		Phase:   PhaseAuthenticated,
		Session: &AuthenticatedSession{Tokens: TokenSet{AccessToken: "A1", RefreshToken: "R1"}},
	}, time.Hour)

	if err := f.Logout(ctx, "sid"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if tokens.revokeCalls != 1 {
		t.Fatalf("revoke calls = %d", tokens.revokeCalls)
	}
	st, _ := f.State(ctx, "sid")
	if st.Phase != PhaseAnonymous {
		t.Fatalf("phase = %q", st.Phase)
	}
}

func TestLoginReplacesPreviousAttempt(t *testing.T) {
	store := newMemStore()
	f := newStubFlow(t, &countingTokens{}, store, nil)
	ctx := context.Background()

	first, _ := f.Login(ctx, "sid")
	second, _ := f.Login(ctx, "sid")
	u1, _ := url.Parse(first)
	u2, _ := url.Parse(second)
	if u1.Query().Get("state") == u2.Query().Get("state") {
		t.Fatalf("state reused across attempts")
	}

	_, err := f.Callback(ctx, "sid", CallbackParams{Code: "C1", State: u1.Query().Get("state")})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("old attempt still accepted: %v", err)
	}
}

func TestNewFlowRequiresCollaborators(t *testing.T) {
	if _, err := NewFlow(FlowConfig{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
}

type providerFlow struct {
	flow     *Flow
	provider *oidctest.Provider
	store    *memStore
}

func newProviderFlow(t *testing.T) providerFlow {
	t.Helper()
	p := newTestProvider(t)
	cfg := testConfig(p)
	logger := testLogger()
	cache := NewMetadataCache(MetadataCacheConfig{APIBaseURL: p.URL(), Logger: logger})
	store := newMemStore()

	f, err := NewFlow(FlowConfig{
		Tokens:   NewTokenClient(cfg, nil, logger),
		Verifier: NewVerifier(VerifierConfig{Cache: cache, ClientID: cfg.ClientID, Logger: logger}),
		UserInfo: NewUserInfoClient(cfg, nil, logger),
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	return providerFlow{flow: f, provider: p, store: store}
}

func (pf providerFlow) login(t *testing.T, sid string) (code, state, nonce string) {
	t.Helper()
	authURL, err := pf.flow.Login(context.Background(), sid)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	code, state, err = pf.provider.Authorize(authURL)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	return code, state, pf.provider.LastAuthorize().Get("nonce")
}

func TestEndToEndLoginRefreshLogout(t *testing.T) {
	pf := newProviderFlow(t)
	ctx := context.Background()

	code, state, nonce := pf.login(t, "sid")
	if code != "C1" || state == "" || nonce == "" {
		t.Fatalf("authorize returned code=%q state=%q nonce=%q", code, state, nonce)
	}
	st, _ := pf.flow.State(ctx, "sid")
	if st.Phase != PhaseAwaitingCallback || st.Attempt.State != state || st.Attempt.Nonce != nonce {
		t.Fatalf("attempt not stored: %+v", st)
	}

	session, err := pf.flow.Callback(ctx, "sid", CallbackParams{Code: code, State: state})
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if session.User.Subject != "u1" || session.User.Email != "a@b.com" {
		t.Fatalf("user = %+v", session.User)
	}
	if session.Tokens.AccessToken != "A1" || session.Tokens.RefreshToken != "R1" {
		t.Fatalf("tokens = %+v", session.Tokens)
	}
	if session.IDTokenClaims == nil || session.IDTokenClaims.Nonce != nonce {
		t.Fatalf("id token claims = %+v", session.IDTokenClaims)
	}
	st, _ = pf.flow.State(ctx, "sid")
	if st.Phase != PhaseAuthenticated || st.Attempt != nil {
		t.Fatalf("state = %+v", st)
	}

	refreshed, err := pf.flow.Refresh(ctx, "sid")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.Tokens.AccessToken != "A2" || refreshed.Tokens.RefreshToken != "R1" {
		t.Fatalf("refreshed tokens = %+v", refreshed.Tokens)
	}
	if refreshed.User != session.User || !refreshed.AuthenticatedAt.Equal(session.AuthenticatedAt) {
		t.Fatalf("refresh changed the user: %+v", refreshed)
	}
	if session.Tokens.IDToken == "" || refreshed.Tokens.IDToken != "" {
		t.Fatalf("previous id token must not survive a refresh that returned none, got %q", refreshed.Tokens.IDToken)
	}

	if err := pf.flow.Logout(ctx, "sid"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	revs := pf.provider.Revocations()
	if len(revs) != 1 || revs[0].Token != "R1" || revs[0].TokenTypeHint != "refresh_token" {
		t.Fatalf("revocations = %+v", revs)
	}
	st, _ = pf.flow.State(ctx, "sid")
	if st.Phase != PhaseAnonymous {
		t.Fatalf("phase after logout = %q", st.Phase)
	}
}

func TestEndToEndLogoutWhenRevokeFails(t *testing.T) {
	pf := newProviderFlow(t)
	ctx := context.Background()

	code, state, _ := pf.login(t, "sid")
	if _, err := pf.flow.Callback(ctx, "sid", CallbackParams{Code: code, State: state}); err != nil {
		t.Fatalf("Callback: %v", err)
	}

	pf.provider.Fail(oidctest.RevokePath, http.StatusInternalServerError, `{"error":"server_error"}`)
	if err := pf.flow.Logout(ctx, "sid"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if pf.provider.Calls(oidctest.RevokePath) != 1 {
		t.Fatalf("revoke endpoint not called")
	}
	st, _ := pf.flow.State(ctx, "sid")
	if st.Phase != PhaseAnonymous {
		t.Fatalf("phase after logout = %q", st.Phase)
	}
}

func TestEndToEndNonceMismatch(t *testing.T) {
	pf := newProviderFlow(t)
	ctx := context.Background()
	pf.provider.MutateIDTokenClaims(func(c jwt.MapClaims) { c["nonce"] = "replayed" })

	code, state, _ := pf.login(t, "sid")
	_, err := pf.flow.Callback(ctx, "sid", CallbackParams{Code: code, State: state})
	if ErrorCode(err) != "nonce_mismatch" {
		t.Fatalf("code = %q (%v)", ErrorCode(err), err)
	}
	if pf.provider.Calls(oidctest.UserInfoPath) != 0 {
		t.Fatalf("userinfo fetched despite failed verification")
	}
	st, _ := pf.flow.State(ctx, "sid")
	if st.Phase != PhaseFailed || st.Failure != "nonce_mismatch" {
		t.Fatalf("state = %+v", st)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	pf := newProviderFlow(t)
	ctx := context.Background()

	codeA, _, _ := pf.login(t, "a")
	_, stateB, _ := pf.login(t, "b")

	// b's state must not complete a's login.
	if _, err := pf.flow.Callback(ctx, "a", CallbackParams{Code: codeA, State: stateB}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	st, _ := pf.flow.State(ctx, "b")
	if st.Phase != PhaseAwaitingCallback {
		t.Fatalf("session b disturbed: %+v", st)
	}
}
