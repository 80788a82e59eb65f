// Package account renders the gateway's own pages from route page data.
package account

import (
	"html/template"
	"net/http"

	"github.com/gwlsn/authrim-gateway/internal/auth"
	"github.com/gwlsn/authrim-gateway/internal/logger"
)

var pages = template.Must(template.New("layout").Parse(`{{define "layout"}}<!doctype html>
<html><head><title>{{.Title}}</title></head><body>
<nav>{{if .Auth}}Signed in as {{.Auth.DisplayName}} &middot; <a href="/logout">Sign out</a>{{else}}<a href="/login">Sign in</a>{{end}}</nav>
{{template "body" .}}
</body></html>{{end}}`))

var homePage = template.Must(template.Must(pages.Clone()).Parse(`{{define "body"}}<h1>Welcome</h1>
{{if .Auth}}<p><a href="/account">Your account</a></p>{{else}}<p>Sign in to view your account.</p>{{end}}{{end}}`))

var accountPage = template.Must(template.Must(pages.Clone()).Parse(`{{define "body"}}<h1>Account</h1>
<dl>
<dt>Subject</dt><dd>{{.Auth.Subject}}</dd>
{{with .Auth.Email}}<dt>Email</dt><dd>{{.}}</dd>{{end}}
{{with .Auth.Name}}<dt>Name</dt><dd>{{.}}</dd>{{end}}
{{if not .Auth.ExpiresAt.IsZero}}<dt>Session expires</dt><dd>{{.Auth.ExpiresAt.UTC.Format "2006-01-02 15:04 MST"}}</dd>{{end}}
</dl>{{end}}`))

type view struct {
	Title string
	Auth  *auth.Identity
}

// Home renders the public landing page. data.Auth may be nil.
func Home(w http.ResponseWriter, _ *http.Request, data *auth.PageData) {
	render(w, homePage, view{Title: "Home", Auth: data.Auth})
}

// Page renders the account page. It expects a guarded loader, so data.Auth
// is always set.
func Page(w http.ResponseWriter, _ *http.Request, data *auth.PageData) {
	w.Header().Set("Cache-Control", "no-store")
	render(w, accountPage, view{Title: "Account", Auth: data.Auth})
}

func render(w http.ResponseWriter, t *template.Template, v view) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.ExecuteTemplate(w, "layout", v); err != nil {
		logger.Error("render page failed", "page", v.Title, "error", err)
	}
}
