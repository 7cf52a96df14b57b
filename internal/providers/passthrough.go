package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Davincible/claude-proxy/internal/config"
	"github.com/Davincible/claude-proxy/internal/router"
)

// PassthroughAdapter relays Protocol-A bodies to an upstream that already
// speaks it (Anthropic or GLM). Response headers are written only once the
// upstream has answered so its own status can surface.
type PassthroughAdapter struct {
	cfg    *config.Manager
	client *http.Client
	logger *slog.Logger
}

func NewPassthroughAdapter(cfg *config.Manager, logger *slog.Logger) *PassthroughAdapter {
	return &PassthroughAdapter{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
	}
}

func (a *PassthroughAdapter) Name() string { return "Passthrough" }

// Forward rewrites the model field, forces streaming, and copies the
// upstream response bytes to the client until EOF.
func (a *PassthroughAdapter) Forward(ctx context.Context, w http.ResponseWriter, rawBody []byte, sel router.Selection) error {
	cfg := a.cfg.Get()

	var baseURL, apiKey, providerName string
	switch sel.Provider {
	case router.ProviderAnthropic:
		baseURL, apiKey, providerName = cfg.AnthropicUpstreamURL, cfg.AnthropicAPIKey, "Anthropic"
	default:
		baseURL, apiKey, providerName = cfg.GLMUpstreamURL, cfg.GLMAPIKey, "GLM"
	}
	if apiKey == "" {
		return fmt.Errorf("no API key configured for %s upstream", providerName)
	}

	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return fmt.Errorf("unmarshal request body: %w", err)
	}
	body["model"] = sel.Model
	body["stream"] = true

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := strings.TrimSuffix(baseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", cfg.AnthropicVersion)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s upstream: %w", providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Relay the upstream's own error as JSON; headers not yet flushed.
		body := readErrorBody(resp)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		if body == "" {
			body = fmt.Sprintf(`{"type":"error","error":{"type":"api_error","message":"%s upstream returned %d"}}`, providerName, resp.StatusCode)
		}
		io.WriteString(w, body)
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	reader := decompressReader(resp)
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client went away; abort the upstream read.
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Warn("passthrough stream ended early", "provider", providerName, "error", err)
			return nil
		}
	}
}
