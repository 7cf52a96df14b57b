package oauth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/claude-proxy/internal/credentials"
)

func testEngine(t *testing.T) (*Engine, *credentials.Store) {
	t.Helper()
	store := credentials.NewStore(t.TempDir())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(store, logger), store
}

func TestBeginLogin_AuthURL(t *testing.T) {
	engine, _ := testEngine(t)

	authURL, err := engine.BeginLogin(Codex, 0, "http://127.0.0.1:17870/codex/callback")
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "auth.openai.com", parsed.Host)

	q := parsed.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, Codex.ClientID, q.Get("client_id"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEmpty(t, q.Get("state"))
	assert.Contains(t, q.Get("scope"), "offline_access")

	// The provider-surface selectors mirror the vendor CLI and are required.
	assert.Equal(t, "true", q.Get("id_token_add_organizations"))
	assert.Equal(t, "true", q.Get("codex_cli_simplified_flow"))
	assert.Equal(t, "codex_cli_rs", q.Get("originator"))
}

func TestHandleCallback_StateMismatch(t *testing.T) {
	engine, _ := testEngine(t)

	_, err := engine.BeginLogin(Codex, 0, "http://127.0.0.1:17870/codex/callback")
	require.NoError(t, err)

	_, err = engine.HandleCallback(context.Background(), Codex, 0, "code", "forged-state")
	assert.ErrorIs(t, err, ErrStateMismatch)

	// The pending entry is cleared: a retry with any state now misses.
	_, err = engine.HandleCallback(context.Background(), Codex, 0, "code", "forged-state")
	assert.ErrorIs(t, err, ErrNoPendingLogin)
}

func TestHandleCallback_NoPending(t *testing.T) {
	engine, _ := testEngine(t)

	_, err := engine.HandleCallback(context.Background(), Google, 0, "code", "state")
	assert.ErrorIs(t, err, ErrNoPendingLogin)
}

func TestRefresh_FormEncoded(t *testing.T) {
	engine, store := testEngine(t)

	var gotContentType string
	var gotBody url.Values
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		gotBody, _ = url.ParseQuery(string(data))

		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))
	defer ts.Close()

	provider := Google
	provider.TokenURL = ts.URL

	old := &credentials.Tokens{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(time.Minute).UnixMilli(),
		Email:        "dev@example.com",
		ProjectID:    "proj-1",
	}
	require.NoError(t, store.Save(provider.Name, 0, old))

	before := time.Now().UnixMilli()
	updated, err := engine.Refresh(context.Background(), provider, 0, old)
	require.NoError(t, err)

	assert.Equal(t, "application/x-www-form-urlencoded", gotContentType)
	assert.Equal(t, "refresh_token", gotBody.Get("grant_type"))
	assert.Equal(t, "old-refresh", gotBody.Get("refresh_token"))
	assert.Equal(t, provider.ClientSecret, gotBody.Get("client_secret"))

	assert.Equal(t, "new-access", updated.AccessToken)
	assert.Equal(t, "new-refresh", updated.RefreshToken)
	// expires_at - now >= expires_in*1000 - epsilon
	assert.GreaterOrEqual(t, updated.ExpiresAt-before, int64(3600*1000-5000))

	// Identity hints and the project id survive the refresh.
	assert.Equal(t, "dev@example.com", updated.Email)
	assert.Equal(t, "proj-1", updated.ProjectID)

	// The file was rewritten.
	stored, err := store.Load(provider.Name, 0)
	require.NoError(t, err)
	assert.Equal(t, "new-access", stored.AccessToken)
}

func TestRefresh_JSONBodyNoSecret(t *testing.T) {
	engine, store := testEngine(t)

	var gotContentType string
	var gotBody map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)

		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access",
			"expires_in":   600,
		})
	}))
	defer ts.Close()

	provider := Codex
	provider.TokenURL = ts.URL

	old := &credentials.Tokens{AccessToken: "a", RefreshToken: "r", AccountID: "acct_1"}
	require.NoError(t, store.Save(provider.Name, 0, old))

	updated, err := engine.Refresh(context.Background(), provider, 0, old)
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "refresh_token", gotBody["grant_type"])
	assert.Equal(t, "r", gotBody["refresh_token"])
	assert.NotContains(t, gotBody, "client_secret")

	// The provider returned no rotated refresh token: keep the old one.
	assert.Equal(t, "r", updated.RefreshToken)
	assert.Equal(t, "acct_1", updated.AccountID)
}

func TestRefresh_UpstreamRejection(t *testing.T) {
	engine, _ := testEngine(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
	}))
	defer ts.Close()

	provider := Codex
	provider.TokenURL = ts.URL

	_, err := engine.Refresh(context.Background(), provider, 0,
		&credentials.Tokens{RefreshToken: "dead"})
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.True(t, strings.Contains(err.Error(), "invalid_grant"))
}

func TestEnsureAccess_SkipsFreshToken(t *testing.T) {
	engine, store := testEngine(t)

	called := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer ts.Close()

	provider := Codex
	provider.TokenURL = ts.URL

	fresh := &credentials.Tokens{
		AccessToken:  "fresh",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}
	require.NoError(t, store.Save(provider.Name, 0, fresh))

	tokens, err := engine.EnsureAccess(context.Background(), provider, 0)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tokens.AccessToken)
	assert.False(t, called, "no refresh for a token valid past the window")
}

func TestEnsureAccess_RefreshesNearExpiry(t *testing.T) {
	engine, store := testEngine(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "refreshed",
			"expires_in":   3600,
		})
	}))
	defer ts.Close()

	provider := Codex
	provider.TokenURL = ts.URL

	// Expires in one minute, inside the 5-minute window.
	stale := &credentials.Tokens{
		AccessToken:  "stale",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(time.Minute).UnixMilli(),
	}
	require.NoError(t, store.Save(provider.Name, 0, stale))

	tokens, err := engine.EnsureAccess(context.Background(), provider, 0)
	require.NoError(t, err)
	assert.Equal(t, "refreshed", tokens.AccessToken)
}

func TestPickTier(t *testing.T) {
	load := &loadCodeAssistResponse{}
	load.AllowedTiers = []struct {
		ID        string `json:"id"`
		IsDefault bool   `json:"isDefault"`
	}{
		{ID: "free-tier"},
		{ID: "standard-tier"},
	}
	assert.Equal(t, "standard-tier", pickTier(load))

	load.AllowedTiers[0].ID = "paid-tier"
	assert.Equal(t, "paid-tier", pickTier(load))
}
