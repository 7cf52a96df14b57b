package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/Davincible/claude-proxy/internal/oauth"
	"github.com/Davincible/claude-proxy/internal/protocol"
	"github.com/Davincible/claude-proxy/internal/providers"
	"github.com/Davincible/claude-proxy/internal/router"
)

// maxBodySize caps the request body at 100 MiB.
const maxBodySize = 100 << 20

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		s.jsonError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body exceeds 100 MiB")
		return
	}

	req, err := protocol.ParseRequest(body)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	sel := s.router.Resolve(req.Model, s.activeSelection())

	// The anthropic passthrough carries the client's internal side tasks
	// and must not clobber the user's explicit choice. The write happens
	// before any network call so concurrent dispatches never observe a
	// half-applied selection.
	if sel.Provider != router.ProviderAnthropic {
		s.setActive(sel)
	}

	s.logger.Info("dispatching request",
		"provider", sel.Provider,
		"model", sel.Model,
		"reasoning", sel.Reasoning,
		"input_tokens", estimateTokens(body),
	)

	status, err := s.dispatch(w, r, req, body, sel)
	if err != nil {
		s.logger.Error("dispatch failed", "provider", sel.Provider, "error", err)
	}
	s.metrics.ObserveDispatch(sel.Provider, status, started)
}

// dispatch routes to the passthrough or a translating adapter and returns
// the downstream status code for metrics.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *protocol.Request, rawBody []byte, sel router.Selection) (int, error) {
	ctx := r.Context()

	switch sel.Provider {
	case router.ProviderAnthropic, router.ProviderGLM:
		if err := s.validateCredentials(ctx, sel); err != nil {
			return s.credentialError(w, sel, err)
		}

		// The GLM upstream takes no images; substitute descriptions and
		// re-marshal before relaying.
		if sel.Provider == router.ProviderGLM && req.HasImages() {
			s.describer.Rewrite(ctx, req)
			rewritten, err := json.Marshal(req)
			if err != nil {
				s.jsonError(w, http.StatusInternalServerError, "api_error", err.Error())
				return http.StatusInternalServerError, err
			}
			rawBody = rewritten
		}

		if err := s.passthrough.Forward(ctx, w, rawBody, sel); err != nil {
			s.jsonError(w, http.StatusBadGateway, "api_error", err.Error())
			return http.StatusBadGateway, err
		}
		return http.StatusOK, nil
	}

	adapter := s.adapterFor(sel.Provider)
	if adapter == nil {
		err := fmt.Errorf("unknown provider %q", sel.Provider)
		s.jsonError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return http.StatusBadRequest, err
	}

	if err := s.validateCredentials(ctx, sel); err != nil {
		return s.credentialError(w, sel, err)
	}

	if !adapter.SupportsVision() && req.HasImages() {
		s.describer.Rewrite(ctx, req)
	}

	// Credentials are good: commit to the event stream.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	enc := protocol.NewEncoder(w, req.Model)
	if err := adapter.Stream(ctx, enc, req, sel); err != nil {
		if ctx.Err() != nil {
			// Client went away mid-stream; nothing left to tell it.
			return http.StatusOK, nil
		}
		enc.Error(providers.FormatStreamError(adapter.Name(), err))
		return http.StatusOK, err
	}
	return http.StatusOK, nil
}

func (s *Server) adapterFor(provider string) providers.Adapter {
	switch provider {
	case router.ProviderCodexOAuth, router.ProviderOpenAIKey:
		return s.codex
	case router.ProviderGeminiKey, router.ProviderGeminiOAuth:
		return s.gemini
	case router.ProviderOpenRouter:
		return s.openrouter
	default:
		return nil
	}
}

// validateCredentials fails a dispatch before any headers are flushed when
// the provider's key or token is missing or cannot be refreshed.
func (s *Server) validateCredentials(ctx context.Context, sel router.Selection) error {
	cfg := s.cfg.Get()

	switch sel.Provider {
	case router.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is not configured")
		}
	case router.ProviderGLM:
		if cfg.GLMAPIKey == "" {
			return fmt.Errorf("ZAI_API_KEY is not configured")
		}
	case router.ProviderOpenAIKey:
		if cfg.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is not configured")
		}
	case router.ProviderOpenRouter:
		if cfg.OpenRouterAPIKey == "" {
			return fmt.Errorf("OPENROUTER_API_KEY is not configured")
		}
	case router.ProviderGeminiKey:
		if cfg.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is not configured")
		}
	case router.ProviderGeminiOAuth:
		if _, err := s.engine.EnsureAccess(ctx, oauth.Google, 0); err != nil {
			return fmt.Errorf("google login required (visit /google/login): %w", err)
		}
	case router.ProviderCodexOAuth:
		if _, err := s.engine.EnsureAccess(ctx, oauth.Codex, 0); err != nil {
			return fmt.Errorf("codex login required (visit /codex/login): %w", err)
		}
	}
	return nil
}

func (s *Server) credentialError(w http.ResponseWriter, sel router.Selection, err error) (int, error) {
	status := http.StatusUnauthorized
	errType := "authentication_error"

	// A missing key for a passthrough default is a configuration problem,
	// not an auth failure.
	if sel.Provider == router.ProviderAnthropic || sel.Provider == router.ProviderGLM {
		status = http.StatusInternalServerError
		errType = "api_error"
	}

	s.jsonError(w, status, errType, err.Error())
	return status, err
}

func (s *Server) jsonError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"ok":        true,
		"pid":       os.Getpid(),
		"startedAt": s.procMgr.StartedAt(),
	}
	if sel := s.activeSelection(); sel != nil {
		resp["active"] = sel.Provider + ":" + sel.Model
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if sel := s.activeSelection(); sel != nil {
		resp["provider"] = sel.Provider
		resp["model"] = sel.Model
		if sel.Reasoning != "" {
			resp["reasoning"] = sel.Reasoning
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// estimateTokens approximates the prompt size for logging.
func estimateTokens(body []byte) int {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return 0
	}
	return len(enc.Encode(string(body), nil, nil))
}
