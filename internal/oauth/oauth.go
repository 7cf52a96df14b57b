// Package oauth runs the PKCE authorization-code flow for the OAuth-backed
// upstreams, exchanges and refreshes tokens, and performs the Google
// workspace onboarding call that provisions a project id.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Davincible/claude-proxy/internal/credentials"
)

// RefreshWindow is how close to expiry a token may get before an outbound
// call forces a refresh first.
const RefreshWindow = 5 * time.Minute

// shortCallTimeout bounds refresh, userinfo and onboarding calls.
const shortCallTimeout = 5 * time.Second

var (
	ErrStateMismatch  = fmt.Errorf("oauth state mismatch")
	ErrNoPendingLogin = fmt.Errorf("no pending login for this account")
	ErrRefreshFailed  = fmt.Errorf("token refresh failed")
)

// refreshStyle selects the token-endpoint grant encoding.
type refreshStyle int

const (
	refreshForm refreshStyle = iota // form-urlencoded, client secret included
	refreshJSON                     // JSON body, no client secret
)

// ProviderConfig describes one OAuth-capable upstream.
type ProviderConfig struct {
	Name         string
	AuthURL      string
	TokenURL     string
	UserinfoURL  string
	ClientID     string
	ClientSecret string
	Scopes       []string
	ExtraParams  map[string]string
	style        refreshStyle
}

// Google mirrors the Gemini CLI's installed-app OAuth client.
var Google = ProviderConfig{
	Name:         credentials.ProviderGoogle,
	AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:     "https://oauth2.googleapis.com/token",
	UserinfoURL:  "https://www.googleapis.com/oauth2/v2/userinfo",
	ClientID:     "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
	ClientSecret: "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",
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	},
	ExtraParams: map[string]string{
		"access_type": "offline",
		"prompt":      "consent",
	},
	style: refreshForm,
}

// Codex mirrors the Codex CLI's OAuth client. The extra query parameters
// select the ChatGPT-backed API surface and are required, not optional.
var Codex = ProviderConfig{
	Name:        credentials.ProviderCodex,
	AuthURL:     "https://auth.openai.com/oauth/authorize",
	TokenURL:    "https://auth.openai.com/oauth/token",
	UserinfoURL: "https://auth.openai.com/oauth/userinfo",
	ClientID:    "app_EMoamEEZ73f0CkXaXp7hrann",
	Scopes:      []string{"openid", "profile", "email", "offline_access"},
	ExtraParams: map[string]string{
		"id_token_add_organizations": "true",
		"codex_cli_simplified_flow":  "true",
		"originator":                 "codex_cli_rs",
	},
	style: refreshJSON,
}

// pendingLogin parks the PKCE verifier between /login/start and /callback.
type pendingLogin struct {
	Verifier    string
	State       string
	RedirectURL string
	Slot        int
	CreatedAt   time.Time
}

// Engine drives login and refresh for all configured providers.
type Engine struct {
	store  *credentials.Store
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingLogin // provider/slot

	refreshMu sync.Mutex
	refreshes map[string]*sync.Mutex // provider/slot
}

func NewEngine(store *credentials.Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		client:  &http.Client{},
		logger:  logger,
		pending: make(map[string]*pendingLogin),
		refreshes: make(map[string]*sync.Mutex),
	}
}

func pendingKey(provider string, slot int) string {
	return fmt.Sprintf("%s/%d", provider, slot)
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// BeginLogin generates the PKCE material, parks it in the pending table and
// returns the authorization URL to open in the user's browser.
func (e *Engine) BeginLogin(provider ProviderConfig, slot int, redirectURL string) (string, error) {
	verifier, err := randomToken(32)
	if err != nil {
		return "", err
	}
	state, err := randomToken(16)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", provider.ClientID)
	q.Set("redirect_uri", redirectURL)
	q.Set("scope", strings.Join(provider.Scopes, " "))
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	for k, v := range provider.ExtraParams {
		q.Set(k, v)
	}

	e.mu.Lock()
	e.pending[pendingKey(provider.Name, slot)] = &pendingLogin{
		Verifier:    verifier,
		State:       state,
		RedirectURL: redirectURL,
		Slot:        slot,
		CreatedAt:   time.Now(),
	}
	e.mu.Unlock()

	return provider.AuthURL + "?" + q.Encode(), nil
}

// tokenResponse is the common shape of exchange and refresh replies.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// HandleCallback validates the returned state, exchanges the code and
// persists the resulting token record. For Google it additionally runs the
// workspace onboarding flow.
func (e *Engine) HandleCallback(ctx context.Context, provider ProviderConfig, slot int, code, state string) (*credentials.Tokens, error) {
	key := pendingKey(provider.Name, slot)

	e.mu.Lock()
	pending, ok := e.pending[key]
	delete(e.pending, key)
	e.mu.Unlock()

	if !ok {
		return nil, ErrNoPendingLogin
	}
	if pending.State != state {
		return nil, ErrStateMismatch
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", provider.ClientID)
	if provider.ClientSecret != "" {
		form.Set("client_secret", provider.ClientSecret)
	}
	form.Set("redirect_uri", pending.RedirectURL)
	form.Set("code_verifier", pending.Verifier)

	resp, err := e.postToken(ctx, provider.TokenURL, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("code exchange: %w", err)
	}

	tokens := e.tokensFromResponse(resp)

	if email, err := e.fetchEmail(ctx, provider, tokens.AccessToken); err == nil && email != "" {
		tokens.Email = email
	} else if tokens.Email == "" && resp.IDToken != "" {
		if claims, err := credentials.DecodeJWTClaims(resp.IDToken); err == nil {
			tokens.Email = claims.Email
		}
	}

	if provider.Name == credentials.ProviderGoogle {
		projectID, err := e.onboardWorkspace(ctx, tokens.AccessToken)
		if err != nil {
			e.logger.Warn("workspace onboarding failed, standard API will be used", "error", err)
		} else {
			tokens.ProjectID = projectID
		}
	}

	if err := e.store.Save(provider.Name, slot, tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// tokensFromResponse computes absolute expiry from expires_in and/or the
// access token's exp claim, and lifts identity hints from the JWTs.
func (e *Engine) tokensFromResponse(resp *tokenResponse) *credentials.Tokens {
	tokens := &credentials.Tokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}

	if resp.ExpiresIn > 0 {
		tokens.ExpiresAt = time.Now().UnixMilli() + resp.ExpiresIn*1000
	}

	if claims, err := credentials.DecodeJWTClaims(resp.AccessToken); err == nil {
		if tokens.ExpiresAt == 0 && claims.Exp > 0 {
			tokens.ExpiresAt = claims.Exp * 1000
		}
		tokens.AccountID = claims.AccountID
		tokens.Plan = claims.Plan
	}
	if resp.IDToken != "" {
		if claims, err := credentials.DecodeJWTClaims(resp.IDToken); err == nil && claims.Email != "" {
			tokens.Email = claims.Email
		}
	}

	return tokens
}

func (e *Engine) postToken(ctx context.Context, tokenURL, contentType string, body io.Reader) (*tokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, shortCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	httpResp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var resp tokenResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal token response (%d): %w", httpResp.StatusCode, err)
	}
	if httpResp.StatusCode != http.StatusOK || resp.Error != "" {
		return nil, fmt.Errorf("token endpoint %d: %s %s", httpResp.StatusCode, resp.Error, resp.ErrorDesc)
	}
	return &resp, nil
}

func (e *Engine) fetchEmail(ctx context.Context, provider ProviderConfig, accessToken string) (string, error) {
	if provider.UserinfoURL == "" {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, shortCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.UserinfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	return info.Email, nil
}

// EnsureAccess returns a token record whose access token is valid for at
// least RefreshWindow, refreshing first when needed. Refreshes for one
// (provider, slot) are serialized; reads of other accounts never block.
func (e *Engine) EnsureAccess(ctx context.Context, provider ProviderConfig, slot int) (*credentials.Tokens, error) {
	tokens, err := e.store.Load(provider.Name, slot)
	if err != nil {
		return nil, err
	}
	if !tokens.ExpiresWithin(RefreshWindow) {
		return tokens, nil
	}

	lock := e.refreshLock(provider.Name, slot)
	lock.Lock()
	defer lock.Unlock()

	// Another request may have refreshed while we waited.
	tokens, err = e.store.Load(provider.Name, slot)
	if err != nil {
		return nil, err
	}
	if !tokens.ExpiresWithin(RefreshWindow) {
		return tokens, nil
	}

	return e.Refresh(ctx, provider, slot, tokens)
}

func (e *Engine) refreshLock(provider string, slot int) *sync.Mutex {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	key := pendingKey(provider, slot)
	if _, ok := e.refreshes[key]; !ok {
		e.refreshes[key] = &sync.Mutex{}
	}
	return e.refreshes[key]
}

// Refresh posts the refresh grant in the provider's encoding and persists
// the updated record. Google refreshes form-urlencoded with the client
// secret; Codex refreshes with a JSON body and no secret.
func (e *Engine) Refresh(ctx context.Context, provider ProviderConfig, slot int, tokens *credentials.Tokens) (*credentials.Tokens, error) {
	if tokens.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token stored, login again", ErrRefreshFailed)
	}

	var resp *tokenResponse
	var err error

	switch provider.style {
	case refreshJSON:
		body, _ := json.Marshal(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": tokens.RefreshToken,
			"client_id":     provider.ClientID,
		})
		resp, err = e.postToken(ctx, provider.TokenURL, "application/json", strings.NewReader(string(body)))
	default:
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", tokens.RefreshToken)
		form.Set("client_id", provider.ClientID)
		if provider.ClientSecret != "" {
			form.Set("client_secret", provider.ClientSecret)
		}
		resp, err = e.postToken(ctx, provider.TokenURL, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	updated := e.tokensFromResponse(resp)
	if updated.RefreshToken == "" {
		updated.RefreshToken = tokens.RefreshToken
	}
	if updated.Email == "" {
		updated.Email = tokens.Email
	}
	if updated.AccountID == "" {
		updated.AccountID = tokens.AccountID
	}
	if updated.Plan == "" {
		updated.Plan = tokens.Plan
	}
	updated.ProjectID = tokens.ProjectID

	if err := e.store.Save(provider.Name, slot, updated); err != nil {
		return nil, err
	}

	e.logger.Info("refreshed oauth tokens", "provider", provider.Name, "slot", slot)
	return updated, nil
}

// Logout drops the stored tokens for an account slot.
func (e *Engine) Logout(provider ProviderConfig, slot int) error {
	return e.store.Delete(provider.Name, slot)
}

// Status summarizes the stored account for the introspection endpoints.
func (e *Engine) Status(provider ProviderConfig, slot int) map[string]any {
	tokens, err := e.store.Load(provider.Name, slot)
	if err != nil {
		return map[string]any{"logged_in": false}
	}

	status := map[string]any{
		"logged_in":  true,
		"email":      tokens.Email,
		"expires_at": tokens.ExpiresAt,
		"expired":    tokens.ExpiresWithin(0),
	}
	if tokens.Plan != "" {
		status["plan"] = tokens.Plan
	}
	if tokens.ProjectID != "" {
		status["project_id"] = tokens.ProjectID
	}
	return status
}
