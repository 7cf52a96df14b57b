package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/claude-proxy/internal/config"
	"github.com/Davincible/claude-proxy/internal/process"
	"github.com/Davincible/claude-proxy/internal/router"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.NewManager(t.TempDir())
	_, err := cfg.Load()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, process.NewManager(t.TempDir()), logger)
}

// glmUpstream fakes a Protocol-A upstream and records the body it saw.
func glmUpstream(t *testing.T, gotBody *[]byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		*gotBody = body

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
}

func TestDispatch_GLMPassthrough(t *testing.T) {
	var upstreamBody []byte
	upstream := glmUpstream(t, &upstreamBody)
	defer upstream.Close()

	t.Setenv("GLM_UPSTREAM_URL", upstream.URL)
	t.Setenv("ZAI_API_KEY", "glm-key")

	s := testServer(t)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	resp, err := http.Post(gw.URL+"/v1/messages", "application/json",
		strings.NewReader(`{"model":"glm","messages":[{"role":"user","content":"hi"}],"stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Upstream bytes are relayed verbatim.
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "event: message_start")
	assert.Contains(t, string(body), "event: message_stop")

	// The alias was expanded and streaming forced on the upstream body.
	var sent map[string]any
	require.NoError(t, json.Unmarshal(upstreamBody, &sent))
	assert.Equal(t, "glm-4.6", sent["model"])
	assert.Equal(t, true, sent["stream"])
}

func TestDispatch_UpstreamErrorRelayedAsJSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"bad key"}}`)
	}))
	defer upstream.Close()

	t.Setenv("GLM_UPSTREAM_URL", upstream.URL)
	t.Setenv("ZAI_API_KEY", "wrong")

	s := testServer(t)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	resp, err := http.Post(gw.URL+"/v1/messages", "application/json",
		strings.NewReader(`{"model":"glm","messages":[],"stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	// The upstream's own status surfaces because headers were deferred.
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "bad key")
}

func TestDispatch_MissingCredentials(t *testing.T) {
	s := testServer(t)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	resp, err := http.Post(gw.URL+"/v1/messages", "application/json",
		strings.NewReader(`{"model":"openrouter:qwen/qwen3-coder","messages":[]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var errBody map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Equal(t, "error", errBody["type"])
}

func TestActiveSelection_AnthropicDoesNotClobber(t *testing.T) {
	var upstreamBody []byte
	upstream := glmUpstream(t, &upstreamBody)
	defer upstream.Close()

	t.Setenv("GLM_UPSTREAM_URL", upstream.URL)
	t.Setenv("ZAI_API_KEY", "glm-key")
	t.Setenv("ANTHROPIC_UPSTREAM_URL", upstream.URL)
	t.Setenv("ANTHROPIC_API_KEY", "ant-key")

	s := testServer(t)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	post := func(model string) {
		resp, err := http.Post(gw.URL+"/v1/messages", "application/json",
			strings.NewReader(`{"model":"`+model+`","messages":[],"stream":true}`))
		require.NoError(t, err)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	post("glm")
	sel := s.activeSelection()
	require.NotNil(t, sel)
	assert.Equal(t, router.ProviderGLM, sel.Provider)
	assert.Equal(t, "glm-4.6", sel.Model)

	// An internal-looking claude-* request must not override the choice.
	post("claude-haiku-4-5")
	sel = s.activeSelection()
	assert.Equal(t, router.ProviderGLM, sel.Provider)
	assert.Equal(t, "glm-4.6", sel.Model)
}

func TestHealthz(t *testing.T) {
	s := testServer(t)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, true, health["ok"])
	assert.NotZero(t, health["pid"])
}

func TestStatusEndpoint_EmptyBeforeFirstDispatch(t *testing.T) {
	s := testServer(t)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/_status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Empty(t, status)
}

func TestTelemetrySwallowed(t *testing.T) {
	s := testServer(t)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	resp, err := http.Post(gw.URL+"/api/event", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"success":true}`, string(body))
}

func TestOAuthStatus_LoggedOut(t *testing.T) {
	s := testServer(t)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	for _, path := range []string{"/google/status", "/codex/status"} {
		resp, err := http.Get(gw.URL + path)
		require.NoError(t, err)

		var status map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		resp.Body.Close()
		assert.Equal(t, false, status["logged_in"], path)
	}
}

func TestOAuthCallback_WithoutPendingLoginFails(t *testing.T) {
	s := testServer(t)
	gw := httptest.NewServer(s.routes())
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/codex/callback?code=x&state=y")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Login failed")
}
