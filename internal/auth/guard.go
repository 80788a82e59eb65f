package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// GuardOptions configures RequireAuth.
type GuardOptions struct {
	LoginURL      string
	RedirectParam string
}

// PageData is handed to a page's renderer. Auth is nil on public pages
// without a session.
type PageData struct {
	Auth *Identity
}

// Redirect is returned by a Loader to divert the request elsewhere.
type Redirect struct {
	Status   int
	Location string
}

func (r *Redirect) Error() string {
	return fmt.Sprintf("redirect %d to %s", r.Status, r.Location)
}

// Loader loads a page's data for a request.
type Loader func(r *http.Request) (*PageData, error)

// RequireAuth returns a Loader that only yields page data when the auth
// handle attached an identity. Otherwise it returns a *Redirect to the login
// page carrying the original path and query.
func RequireAuth(opts GuardOptions) Loader {
	loginURL := opts.LoginURL
	if loginURL == "" {
		loginURL = "/login"
	}
	param := opts.RedirectParam
	if param == "" {
		param = "redirectTo"
	}

	return func(r *http.Request) (*PageData, error) {
		if identity, ok := IdentityFromContext(r.Context()); ok {
			return &PageData{Auth: identity}, nil
		}
		return nil, &Redirect{
			Status:   http.StatusFound,
			Location: loginRedirect(loginURL, param, originalPath(r.URL)),
		}
	}
}

// OptionalAuth returns a Loader that never redirects.
func OptionalAuth() Loader {
	return func(r *http.Request) (*PageData, error) {
		identity, _ := IdentityFromContext(r.Context())
		return &PageData{Auth: identity}, nil
	}
}

// Handler serves the loader's data through render. A *Redirect becomes an
// HTTP redirect; any other error is a 500.
func (l Loader) Handler(render func(w http.ResponseWriter, r *http.Request, data *PageData)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := l(r)
		var redirect *Redirect
		switch {
		case errors.As(err, &redirect):
			http.Redirect(w, r, redirect.Location, redirect.Status)
		case err != nil:
			http.Error(w, "internal error", http.StatusInternalServerError)
		default:
			render(w, r, data)
		}
	})
}

func originalPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

// loginRedirect appends the return path to loginURL. Slashes are kept as-is
// so a plain path round-trips verbatim; query metacharacters are escaped.
func loginRedirect(loginURL, param, returnPath string) string {
	sep := "?"
	if strings.Contains(loginURL, "?") {
		sep = "&"
	}
	escaped := strings.ReplaceAll(url.QueryEscape(returnPath), "%2F", "/")
	return loginURL + sep + url.QueryEscape(param) + "=" + escaped
}
