package oidc

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
)

var loginErrors = map[string]string{
	"callback_failed": "Sign-in could not be completed. Please try again.",
	"handoff_failed":  "Your session could not be transferred. Please sign in again.",
}

var defaultLoginPage = template.Must(template.New("login").Parse(`<!doctype html>
<html><head><title>Sign in</title></head><body>
<h1>Sign in</h1>
{{if .Message}}<p role="alert">{{.Message}}</p>{{end}}
<p><a href="{{.RetryURL}}">Sign in with Authrim</a></p>
</body></html>`))

type loginView struct {
	Error    string
	Message  string
	RetryURL string
}

func (p *Provider) renderLogin(w http.ResponseWriter, errCode, returnTo string) error {
	message, ok := loginErrors[errCode]
	if !ok {
		message = "Sign-in failed. Please try again."
	}
	view := loginView{
		Error:    errCode,
		Message:  message,
		RetryURL: "?" + url.Values{p.returnParam: {returnTo}}.Encode(),
	}

	var buf bytes.Buffer
	if err := p.loginPage.Execute(&buf, view); err != nil {
		return fmt.Errorf("render login page: %w", err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
	return nil
}
