package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"oidclogin/client"
)

const sessionCookieName = "login_session"

// SessionManager maps a browser to an opaque session id carried in a cookie.
// The login state itself lives in a client.SessionStore keyed by that id.
type SessionManager struct {
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	cookieDomain string
	secret       []byte
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, logger *slog.Logger) *SessionManager {
	var secret []byte
	if cfg.Sessions.CookieSecret != "" {
		secret = []byte(cfg.Sessions.CookieSecret)
	}
	return &SessionManager{
		logger:       logger,
		ttl:          cfg.SessionTTL(),
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
		secret:       secret,
	}
}

// ID returns the session id from the request cookie, or "" when absent or
// when the cookie fails its integrity check.
func (sm *SessionManager) ID(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}
	id, ok := sm.decode(cookie.Value)
	if !ok {
		sm.logger.Warn("rejected tampered session cookie", "request_id", RequestIDFromContext(r.Context()))
		return ""
	}
	return id
}

// Ensure returns the current session id, issuing a new cookie when there is none.
func (sm *SessionManager) Ensure(w http.ResponseWriter, r *http.Request) (string, error) {
	if id := sm.ID(r); id != "" {
		return id, nil
	}
	id, err := client.GenerateState()
	if err != nil {
		return "", err
	}
	http.SetCookie(w, sm.cookie(sm.encode(id), int(sm.ttl.Seconds())))
	return id, nil
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, sm.cookie("", -1))
}

func (sm *SessionManager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		// Lax so the cookie survives the top-level redirect back from the provider.
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

func (sm *SessionManager) encode(id string) string {
	if sm.secret == nil {
		return id
	}
	return id + "." + sm.sign(id)
}

func (sm *SessionManager) decode(value string) (string, bool) {
	if sm.secret == nil {
		return value, !strings.Contains(value, ".")
	}
	id, sig, ok := strings.Cut(value, ".")
	if !ok || id == "" {
		return "", false
	}
	if !hmac.Equal([]byte(sig), []byte(sm.sign(id))) {
		return "", false
	}
	return id, true
}

func (sm *SessionManager) sign(id string) string {
	h := hmac.New(sha256.New, sm.secret)
	h.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
