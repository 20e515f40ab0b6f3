package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"oidclogin/client"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    client.SessionStore
	Sessions *SessionManager
	Metadata *client.MetadataCache
	Flow     *client.Flow
	Metrics  *Metrics
	Webhook  *WebhookHandler
	Limiter  *RateLimiter

	closers []func() error
}

// NewApp wires together the application state from configuration, opening
// the configured session backend.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	var (
		store  client.SessionStore
		closer func() error
	)
	switch cfg.Sessions.Backend {
	case "redis":
		rs, err := NewRedisStore(ctx, cfg.Sessions.Redis)
		if err != nil {
			return nil, err
		}
		logger.Info("session backend ready", "backend", "redis", "addr", cfg.Sessions.Redis.Addr)
		store, closer = rs, rs.Close
	default:
		ms := NewInMemoryStore()
		go ms.RunJanitor(ctx, time.Minute)
		logger.Info("session backend ready", "backend", "memory")
		store = ms
	}

	app, err := NewAppWithStore(cfg, store, logger)
	if err != nil {
		if closer != nil {
			_ = closer()
		}
		return nil, err
	}
	if closer != nil {
		app.closers = append(app.closers, closer)
	}
	return app, nil
}

// NewAppWithStore wires the login flow on top of an existing session store.
func NewAppWithStore(cfg Config, store client.SessionStore, logger *slog.Logger) (*App, error) {
	cc := cfg.ClientConfig()
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	httpClient := cc.NewHTTPClient()

	cache := client.NewMetadataCache(client.MetadataCacheConfig{
		APIBaseURL: cc.APIBaseURL,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	verifier := client.NewVerifier(client.VerifierConfig{
		Cache:    cache,
		ClientID: cc.ClientID,
		Leeway:   cfg.ClockSkew(),
		Logger:   logger,
	})
	flow, err := client.NewFlow(client.FlowConfig{
		Tokens:     client.NewTokenClient(cc, httpClient, logger),
		Verifier:   verifier,
		UserInfo:   client.NewUserInfoClient(cc, httpClient, logger),
		Store:      store,
		AttemptTTL: cfg.AttemptTTL(),
		SessionTTL: cfg.SessionTTL(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Sessions: NewSessionManager(cfg, logger),
		Metadata: cache,
		Flow:     flow,
		Metrics:  metrics,
		Webhook:  NewWebhookHandler(cfg.Webhook, cfg.WebhookMaxSkew(), metrics, logger),
		Limiter:  NewRateLimiter(cfg.RateLimit.AuthRequestsPerMinute, cfg.RateLimit.Burst, logger),
	}, nil
}

// Close releases backend connections.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func (a *App) handleHome(w http.ResponseWriter, r *http.Request) {
	view := homeView{}
	if sid := a.Sessions.ID(r); sid != "" {
		st, err := a.Flow.State(r.Context(), sid)
		if err != nil {
			a.Logger.Error("load session", "request_id", RequestIDFromContext(r.Context()), "err", err)
			a.renderError(w, http.StatusInternalServerError, "server_error", "Session storage is unavailable")
			return
		}
		switch {
		case st.Phase == client.PhaseAuthenticated && st.Session != nil:
			s := st.Session
			view.User = &s.User
			view.Tokens = summarizeTokens(s.Tokens)
			view.Claims = s.IDTokenClaims
			view.AuthenticatedAt = s.AuthenticatedAt
			view.RefreshedAt = s.RefreshedAt
		case st.Phase == client.PhaseFailed:
			view.LastError = st.Failure
		}
	}
	renderTemplate(w, a.Logger, homeTemplate, http.StatusOK, view)
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	sid, err := a.Sessions.Ensure(w, r)
	if err != nil {
		a.Metrics.ObserveFlow("login", err)
		a.Logger.Error("issue session", "request_id", RequestIDFromContext(r.Context()), "err", err)
		a.renderError(w, http.StatusInternalServerError, "server_error", "Could not start a session")
		return
	}
	authURL, err := a.Flow.Login(r.Context(), sid)
	a.Metrics.ObserveFlow("login", err)
	if err != nil {
		a.Logger.Error("start login", "request_id", RequestIDFromContext(r.Context()), "err", err)
		a.renderError(w, http.StatusInternalServerError, "server_error", "Could not start sign-in")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := client.CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	sid := a.Sessions.ID(r)
	if sid == "" {
		// No cookie means there is no attempt this callback could belong to.
		a.Metrics.ObserveFlow("callback", client.ErrInvalidState)
		a.renderFlowError(w, client.ErrInvalidState, "")
		return
	}

	_, err := a.Flow.Callback(r.Context(), sid, params)
	a.Metrics.ObserveFlow("callback", err)
	if err != nil {
		a.renderFlowError(w, err, "")
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sid := a.Sessions.ID(r)
	if sid == "" {
		a.Metrics.ObserveFlow("refresh", client.ErrNotAuthenticated)
		a.renderFlowError(w, client.ErrNotAuthenticated, "Please login again.")
		return
	}
	_, err := a.Flow.Refresh(r.Context(), sid)
	a.Metrics.ObserveFlow("refresh", err)
	if err != nil {
		a.renderFlowError(w, err, "Please login again.")
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sid := a.Sessions.ID(r); sid != "" {
		err := a.Flow.Logout(r.Context(), sid)
		a.Metrics.ObserveFlow("logout", err)
		if err != nil {
			a.Logger.Error("logout", "request_id", RequestIDFromContext(r.Context()), "err", err)
		}
	}
	a.Sessions.Clear(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (a *App) handleAPIUser(w http.ResponseWriter, r *http.Request) {
	sid := a.Sessions.ID(r)
	if sid == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not_authenticated"})
		return
	}
	st, err := a.Flow.State(r.Context(), sid)
	if err != nil {
		a.Logger.Error("load session", "request_id", RequestIDFromContext(r.Context()), "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	if st.Phase != client.PhaseAuthenticated || st.Session == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not_authenticated"})
		return
	}
	writeJSON(w, http.StatusOK, st.Session.User)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// renderFlowError shows the user-safe code and description for err. Storage
// failures are a 500; everything else the user can retry is a 400.
func (a *App) renderFlowError(w http.ResponseWriter, err error, hint string) {
	code := client.ErrorCode(err)
	desc := client.ErrorDescription(err)
	if hint != "" {
		desc = fmt.Sprintf("%s. %s", desc, hint)
	}
	status := http.StatusBadRequest
	if code == "server_error" {
		var oauthErr *client.OAuthError
		if !errors.As(err, &oauthErr) {
			status = http.StatusInternalServerError
		}
	}
	a.renderError(w, status, code, desc)
}

func (a *App) renderError(w http.ResponseWriter, status int, code, desc string) {
	renderTemplate(w, a.Logger, errorTemplate, status, errorView{Error: code, ErrorDescription: desc})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
