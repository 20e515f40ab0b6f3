package server

import (
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"oidclogin/client"
)

// TokenSummary is the token view shown on the home page. Only a prefix of
// the access token is ever rendered.
type TokenSummary struct {
	AccessToken     string
	TokenType       string
	ExpiresIn       int64
	Expiry          time.Time
	Scope           string
	HasRefreshToken bool
	HasIDToken      bool
}

const accessTokenPreview = 20

func summarizeTokens(t client.TokenSet) *TokenSummary {
	preview := t.AccessToken
	if len(preview) > accessTokenPreview {
		preview = preview[:accessTokenPreview]
	}
	return &TokenSummary{
		AccessToken:     preview + "...",
		TokenType:       t.TokenType,
		ExpiresIn:       t.ExpiresIn,
		Expiry:          t.Expiry,
		Scope:           t.Scope,
		HasRefreshToken: t.RefreshToken != "",
		HasIDToken:      t.IDToken != "",
	}
}

type homeView struct {
	User            *client.UserInfo
	Tokens          *TokenSummary
	Claims          *client.IDTokenClaims
	AuthenticatedAt time.Time
	RefreshedAt     time.Time
	LastError       string
}

type errorView struct {
	Error            string
	ErrorDescription string
}

var homeTemplate = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Sign in with SendSeven</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem auto; max-width: 800px; color: #1d1d1f; }
h1 { font-size: 1.8rem; margin-bottom: 1rem; }
section { margin-bottom: 2rem; }
.btn { display: inline-block; padding: 0.6rem 1.2rem; background: #1976d2; color: #fff; border-radius: 6px; text-decoration: none; }
.logout { color: #d32f2f; margin-left: 1rem; }
.code { background: #f5f5f5; padding: 1rem; border-radius: 8px; font-family: monospace; white-space: pre-wrap; word-break: break-word; }
.notice { border: 1px solid #d32f2f; background: #fbeaea; padding: 0.75rem 1rem; border-radius: 8px; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #d0d0d5; padding: 0.5rem; text-align: left; font-size: 0.95rem; }
th { background: #f0f0f5; width: 30%; }
.avatar { width: 64px; height: 64px; border-radius: 50%; object-fit: cover; }
</style>
</head>
<body>
<h1>Sign in with SendSeven</h1>
{{if .User}}
<section>
  {{if .User.Picture}}<img class="avatar" src="{{.User.Picture}}" alt="">{{end}}
  <h2>{{if .User.Name}}{{.User.Name}}{{else}}Unknown User{{end}}</h2>
  <table>
    <tr><th>Subject</th><td>{{.User.Subject}}</td></tr>
    <tr><th>Email</th><td>{{.User.Email}}{{if .User.EmailVerified}} (verified){{end}}</td></tr>
    {{if .User.TenantID}}<tr><th>Tenant</th><td>{{.User.TenantID}}</td></tr>{{end}}
    <tr><th>Signed in</th><td>{{.AuthenticatedAt.Format "2006-01-02 15:04:05 MST"}}</td></tr>
    {{if not .RefreshedAt.IsZero}}<tr><th>Refreshed</th><td>{{.RefreshedAt.Format "2006-01-02 15:04:05 MST"}}</td></tr>{{end}}
  </table>
</section>
{{with .Tokens}}
<section>
  <h3>Tokens (truncated)</h3>
  <div class="code">access_token: {{.AccessToken}}
token_type: {{.TokenType}}
expires_in: {{.ExpiresIn}}
scope: {{.Scope}}
has_refresh_token: {{.HasRefreshToken}}
has_id_token: {{.HasIDToken}}</div>
</section>
{{end}}
{{with .Claims}}
<section>
  <h3>ID token</h3>
  <table>
    <tr><th>Issuer</th><td>{{.Issuer}}</td></tr>
    <tr><th>Audience</th><td>{{range $i, $a := .Audience}}{{if $i}}, {{end}}{{$a}}{{end}}</td></tr>
    <tr><th>Expires</th><td>{{.ExpiresAt.Format "2006-01-02 15:04:05 MST"}}</td></tr>
  </table>
</section>
{{end}}
<p>
  <a class="btn" href="/refresh">Refresh Token</a>
  <a class="logout" href="/logout">Logout</a>
</p>
{{else}}
{{if .LastError}}<p class="notice">Last sign-in attempt failed: {{.LastError}}</p>{{end}}
<section>
  <p>This demo signs you in with SendSeven using the authorization code flow with PKCE.</p>
  <p><a class="btn" href="/login">Sign in with SendSeven</a></p>
</section>
{{end}}
</body>
</html>`))

var errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Error - Sign in with SendSeven</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem auto; max-width: 800px; color: #1d1d1f; }
.notice { border: 1px solid #d32f2f; background: #fbeaea; padding: 0.75rem 1rem; border-radius: 8px; }
</style>
</head>
<body>
<div class="notice">
  <h2>{{.Error}}</h2>
  <p>{{.ErrorDescription}}</p>
</div>
<p><a href="/">Back to Home</a></p>
</body>
</html>`))

func renderTemplate(w http.ResponseWriter, logger *slog.Logger, tmpl *template.Template, status int, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		logger.Error("render template", "template", tmpl.Name(), "err", err)
	}
}
