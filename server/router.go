package server

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes constructs the HTTP router for the login demo and webhook receiver.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	if a.Config.Server.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/", a.handleHome)
	r.Get("/healthz", a.handleHealth)
	r.Get("/api/user", a.handleAPIUser)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(a.Limiter.Middleware)
		r.Get("/login", a.handleLogin)
		r.Get("/callback", a.handleCallback)
		if p := callbackPath(a.Config.OAuth.RedirectURI); p != "" && p != "/callback" {
			r.Get(p, a.handleCallback)
		}
		r.Get("/refresh", a.handleRefresh)
		r.Get("/logout", a.handleLogout)

		path := a.Config.Webhook.Path
		if path == "" {
			path = DefaultWebhookPath
		}
		r.Method(http.MethodPost, path, a.Webhook)
	})

	return r
}

// callbackPath is the path component of the configured redirect URI.
func callbackPath(redirectURI string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return ""
	}
	return u.Path
}
