package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Davincible/claude-proxy/internal/config"
	"github.com/Davincible/claude-proxy/internal/protocol"
	"github.com/Davincible/claude-proxy/internal/router"
)

// OpenRouterAdapter speaks the OpenAI-compatible Chat Completions dialect,
// with OpenRouter's reasoning delta captured as thinking.
type OpenRouterAdapter struct {
	cfg    *config.Manager
	client *http.Client
	logger *slog.Logger
}

func NewOpenRouterAdapter(cfg *config.Manager, logger *slog.Logger) *OpenRouterAdapter {
	return &OpenRouterAdapter{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
	}
}

func (a *OpenRouterAdapter) Name() string { return "OpenRouter" }

func (a *OpenRouterAdapter) SupportsVision() bool { return true }

func (a *OpenRouterAdapter) Stream(ctx context.Context, enc *protocol.Encoder, req *protocol.Request, sel router.Selection) error {
	cfg := a.cfg.Get()
	if cfg.OpenRouterAPIKey == "" {
		return fmt.Errorf("OPENROUTER_API_KEY is not configured")
	}

	body := map[string]any{
		"model":    sel.Model,
		"messages": buildChatMessages(req),
		"stream":   true,
		"stream_options": map[string]any{
			"include_usage": true,
		},
	}
	if tools := buildChatTools(req); tools != nil {
		body["tools"] = tools
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if sel.Reasoning != "" {
		body["reasoning"] = map[string]any{"effort": sel.Reasoning}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := cfg.OpenRouterBaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.OpenRouterAPIKey)
	httpReq.Header.Set("Accept", "text/event-stream")
	if cfg.OpenRouterReferer != "" {
		httpReq.Header.Set("HTTP-Referer", cfg.OpenRouterReferer)
	}
	if cfg.OpenRouterTitle != "" {
		httpReq.Header.Set("X-Title", cfg.OpenRouterTitle)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openrouter upstream: %w", err)
	}
	if err := checkUpstream(a.Name(), resp); err != nil {
		return err
	}

	return consumeChatStream(ctx, enc, resp, []string{"reasoning"})
}
