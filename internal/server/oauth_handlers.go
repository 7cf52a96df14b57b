package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"

	"github.com/Davincible/claude-proxy/internal/oauth"
)

func accountSlot(r *http.Request) int {
	if v := r.URL.Query().Get("account"); v != "" {
		if slot, err := strconv.Atoi(v); err == nil && slot >= 0 {
			return slot
		}
	}
	return 0
}

// handleLoginPage shows a minimal page linking to the start endpoint.
func (s *Server) handleLoginPage(prefix string, provider oauth.ProviderConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!doctype html>
<title>%[1]s login</title>
<h1>Sign in to %[1]s</h1>
<p><a href="/%[2]s/login/start">Continue in your browser</a></p>
`, html.EscapeString(provider.Name), prefix)
	}
}

// handleLoginStart generates the PKCE material and redirects the browser
// to the provider's authorization page.
func (s *Server) handleLoginStart(prefix string, provider oauth.ProviderConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot := accountSlot(r)
		redirectURL := fmt.Sprintf("http://%s:%d/%s/callback",
			s.cfg.Get().Host, s.cfg.Get().Port, prefix)

		authURL, err := s.engine.BeginLogin(provider, slot, redirectURL)
		if err != nil {
			s.oauthErrorPage(w, err)
			return
		}

		s.logger.Info("oauth login started", "provider", provider.Name, "slot", slot)
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

func (s *Server) handleCallback(prefix string, provider oauth.ProviderConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errParam := q.Get("error"); errParam != "" {
			s.oauthErrorPage(w, fmt.Errorf("provider returned %s: %s", errParam, q.Get("error_description")))
			return
		}

		slot := accountSlot(r)
		tokens, err := s.engine.HandleCallback(r.Context(), provider, slot, q.Get("code"), q.Get("state"))
		if err != nil {
			s.oauthErrorPage(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!doctype html>
<title>Login complete</title>
<h1>Logged in</h1>
<p>Signed in as %s. You can close this tab.</p>
`, html.EscapeString(tokens.Email))
	}
}

func (s *Server) oauthErrorPage(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, oauth.ErrStateMismatch) || errors.Is(err, oauth.ErrNoPendingLogin) {
		status = http.StatusBadRequest
	}

	s.logger.Error("oauth flow failed", "error", err)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!doctype html>
<title>Login failed</title>
<h1>Login failed</h1>
<p>%s</p>
<p>Return to the login page and try again.</p>
`, html.EscapeString(err.Error()))
}

func (s *Server) handleOAuthStatus(provider oauth.ProviderConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.engine.Status(provider, accountSlot(r)))
	}
}

func (s *Server) handleLogout(provider oauth.ProviderConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.engine.Logout(provider, accountSlot(r)); err != nil {
			s.jsonError(w, http.StatusInternalServerError, "api_error", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"logged_out": true})
	}
}
