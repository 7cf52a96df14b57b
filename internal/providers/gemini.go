package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Davincible/claude-proxy/internal/config"
	"github.com/Davincible/claude-proxy/internal/credentials"
	"github.com/Davincible/claude-proxy/internal/oauth"
	"github.com/Davincible/claude-proxy/internal/protocol"
	"github.com/Davincible/claude-proxy/internal/router"
	"github.com/Davincible/claude-proxy/internal/sse"
)

const geminiWorkspaceURL = "https://cloudcode-pa.googleapis.com/v1internal:streamGenerateContent?alt=sse"

// dummyThoughtSignature fills the signature slot on replayed functionCall
// parts; the backend requires the field but does not validate history.
const dummyThoughtSignature = "redacted"

// thinkingBudgets maps reasoning levels to token budgets for the 2.5
// model family.
var thinkingBudgets = map[string]int{
	router.ReasoningLow:    1024,
	router.ReasoningMedium: 8192,
	router.ReasoningHigh:   32768,
	router.ReasoningXHigh:  65536,
}

// GeminiAdapter serves both the standard generative API (key mode) and the
// workspace OAuth backend. The two differ in URL, auth, payload wrapping
// and system-prompt carriage; message translation is shared.
type GeminiAdapter struct {
	cfg    *config.Manager
	engine *oauth.Engine
	store  *credentials.Store
	client *http.Client
	logger *slog.Logger
}

func NewGeminiAdapter(cfg *config.Manager, engine *oauth.Engine, store *credentials.Store, logger *slog.Logger) *GeminiAdapter {
	return &GeminiAdapter{
		cfg:    cfg,
		engine: engine,
		store:  store,
		client: &http.Client{},
		logger: logger,
	}
}

func (a *GeminiAdapter) Name() string { return "Gemini" }

func (a *GeminiAdapter) SupportsVision() bool { return true }

func (a *GeminiAdapter) Stream(ctx context.Context, enc *protocol.Encoder, req *protocol.Request, sel router.Selection) error {
	if sel.Provider == router.ProviderGeminiKey {
		return a.streamStandard(ctx, enc, req, sel)
	}
	return a.streamWorkspace(ctx, enc, req, sel, 0)
}

// --- standard generative API (key mode) ---

func (a *GeminiAdapter) streamStandard(ctx context.Context, enc *protocol.Encoder, req *protocol.Request, sel router.Selection) error {
	cfg := a.cfg.Get()
	if cfg.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is not configured")
	}

	payload := a.buildGenerateRequest(req, sel, false)
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
		strings.TrimSuffix(cfg.GeminiBaseURL, "/"), sel.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", cfg.GeminiAPIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gemini upstream: %w", err)
	}
	if err := checkUpstream(a.Name(), resp); err != nil {
		return err
	}

	return a.consumeStream(ctx, enc, resp)
}

// --- workspace OAuth backend ---

func (a *GeminiAdapter) streamWorkspace(ctx context.Context, enc *protocol.Encoder, req *protocol.Request, sel router.Selection, slot int) error {
	tokens, err := a.engine.EnsureAccess(ctx, oauth.Google, slot)
	if err != nil {
		return fmt.Errorf("gemini credentials: %w", err)
	}

	inner := a.buildGenerateRequest(req, sel, true)
	wrapped := map[string]any{
		"model":          sel.Model,
		"user_prompt_id": uuid.NewString(),
		"request":        inner,
	}
	if tokens.ProjectID != "" {
		wrapped["project"] = tokens.ProjectID
	}

	body, err := json.Marshal(wrapped)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, geminiWorkspaceURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+tokens.AccessToken)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gemini upstream: %w", err)
	}

	// Throttled primary account: fail over to the secondary slot once.
	if resp.StatusCode == http.StatusTooManyRequests && slot == 0 && a.store.HasSecondary(credentials.ProviderGoogle) {
		resp.Body.Close()
		a.logger.Warn("primary gemini account throttled, retrying with secondary")
		return a.streamWorkspace(ctx, enc, req, sel, 1)
	}

	if err := checkUpstream(a.Name(), resp); err != nil {
		return err
	}

	return a.consumeStream(ctx, enc, resp)
}

// --- request translation ---

// buildGenerateRequest converts the canonical request to the Gemini
// generateContent schema. Consecutive same-role messages merge into one
// contents entry; the assistant role is renamed to model. In workspace
// mode the system prompt is folded into the first user message because the
// wrapped schema has no first-class systemInstruction.
func (a *GeminiAdapter) buildGenerateRequest(req *protocol.Request, sel router.Selection, workspace bool) map[string]any {
	var contents []map[string]any

	appendParts := func(role string, parts []map[string]any) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1]["role"] == role {
			existing := contents[n-1]["parts"].([]map[string]any)
			contents[n-1]["parts"] = append(existing, parts...)
			return
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}

	systemPrefix := ""
	if workspace {
		if sys := req.SystemText(); sys != "" {
			systemPrefix = "[System Instructions]\n" + sys + "\n[End System Instructions]\n\n"
		}
	}

	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		var parts []map[string]any
		for _, block := range msg.Content.Blocks {
			switch block.Type {
			case protocol.BlockText:
				text := block.Text
				if systemPrefix != "" && role == "user" {
					text = systemPrefix + text
					systemPrefix = ""
				}
				parts = append(parts, map[string]any{"text": text})

			case protocol.BlockImage:
				if part := geminiImagePart(block.Source); part != nil {
					parts = append(parts, part)
				}

			case protocol.BlockToolUse:
				var args map[string]any
				if len(block.Input) > 0 {
					_ = json.Unmarshal(block.Input, &args)
				}
				if args == nil {
					args = map[string]any{}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{
						"name": block.Name,
						"args": args,
					},
					"thoughtSignature": dummyThoughtSignature,
				})

			case protocol.BlockToolResult:
				name := req.ToolNameByID(block.ToolUseID)
				if name == "" {
					name = block.ToolUseID
				}
				parts = append(parts, map[string]any{
					"functionResponse": map[string]any{
						"name":     name,
						"response": map[string]any{"content": block.ResultText()},
					},
				})
			}
		}
		appendParts(role, parts)
	}

	// A system prompt with no user text to prepend to still has to reach
	// the model in workspace mode.
	if systemPrefix != "" {
		contents = append([]map[string]any{{
			"role":  "user",
			"parts": []map[string]any{{"text": strings.TrimSuffix(systemPrefix, "\n\n")}},
		}}, contents...)
	}

	out := map[string]any{
		"contents":         contents,
		"generationConfig": a.buildGenerationConfig(req, sel),
	}

	if !workspace {
		if sys := req.SystemText(); sys != "" {
			out["systemInstruction"] = map[string]any{
				"parts": []map[string]any{{"text": sys}},
			}
		}
	}

	var declarations []map[string]any
	for _, t := range req.Tools {
		decl := map[string]any{"name": t.Name}
		if t.Description != "" {
			decl["description"] = t.Description
		}
		if len(t.InputSchema) > 0 {
			decl["parameters"] = json.RawMessage(SanitizeGeminiSchema(t.InputSchema))
		}
		declarations = append(declarations, decl)
	}

	tools := []map[string]any{}
	if len(declarations) > 0 {
		tools = append(tools, map[string]any{"functionDeclarations": declarations})
	}
	tools = append(tools, map[string]any{"google_search": map[string]any{}})
	out["tools"] = tools

	return out
}

func geminiImagePart(src *protocol.ImageSource) map[string]any {
	if src == nil {
		return nil
	}
	if src.Data != "" {
		mediaType := src.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		return map[string]any{
			"inlineData": map[string]any{
				"mimeType": mediaType,
				"data":     src.Data,
			},
		}
	}
	if src.URL != "" {
		return map[string]any{
			"fileData": map[string]any{"fileUri": src.URL},
		}
	}
	return nil
}

// buildGenerationConfig maps the reasoning level to the model family's
// thinking control: thinkingLevel for 3.x, thinkingBudget tokens for 2.5.
func (a *GeminiAdapter) buildGenerationConfig(req *protocol.Request, sel router.Selection) map[string]any {
	cfg := map[string]any{}
	if req.MaxTokens > 0 {
		cfg["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		cfg["temperature"] = *req.Temperature
	}

	level := sel.Reasoning
	if level == "" {
		level = router.ReasoningMedium
	}

	thinking := map[string]any{"includeThoughts": true}
	if strings.Contains(sel.Model, "gemini-3") {
		thinking["thinkingLevel"] = geminiThinkingLevel(sel.Model, level)
	} else {
		budget := thinkingBudgets[level]
		if budget == 0 {
			budget = thinkingBudgets[router.ReasoningMedium]
		}
		thinking["thinkingBudget"] = budget
	}
	cfg["thinkingConfig"] = thinking

	return cfg
}

// geminiThinkingLevel clamps to the model's accepted levels: xhigh always
// becomes HIGH, and gemini-3-pro-preview only accepts LOW/HIGH so MEDIUM is
// promoted.
func geminiThinkingLevel(model, level string) string {
	switch level {
	case router.ReasoningLow:
		return "LOW"
	case router.ReasoningMedium:
		if strings.Contains(model, "gemini-3-pro-preview") {
			return "HIGH"
		}
		return "MEDIUM"
	default: // high, xhigh
		return "HIGH"
	}
}

// --- stream translation ---

// consumeStream drives the encoder from a Gemini SSE body. Function calls
// are buffered and emitted as tool_use blocks after the stream ends, since
// Gemini delivers each call whole.
func (a *GeminiAdapter) consumeStream(ctx context.Context, enc *protocol.Encoder, resp *http.Response) error {
	defer resp.Body.Close()

	type bufferedCall struct {
		name string
		args json.RawMessage
	}
	var pendingCalls []bufferedCall
	var usage map[string]any

	scanner := sse.NewScanner(decompressReader(resp))
	for scanner.Next() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var chunk map[string]any
		if err := json.Unmarshal([]byte(scanner.Event().Data), &chunk); err != nil {
			continue
		}

		// Workspace responses wrap the generate payload one level down.
		if inner, ok := chunk["response"].(map[string]any); ok {
			chunk = inner
		}

		if meta, ok := chunk["usageMetadata"].(map[string]any); ok {
			usage = map[string]any{}
			if v, ok := meta["promptTokenCount"].(float64); ok {
				enc.SetInputTokens(int(v))
				usage["input_tokens"] = int(v)
			}
			if v, ok := meta["candidatesTokenCount"].(float64); ok {
				usage["output_tokens"] = int(v)
			}
		}

		candidates, _ := chunk["candidates"].([]any)
		if len(candidates) == 0 {
			continue
		}
		candidate, _ := candidates[0].(map[string]any)
		content, _ := candidate["content"].(map[string]any)
		parts, _ := content["parts"].([]any)

		for _, raw := range parts {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}

			if fc, ok := part["functionCall"].(map[string]any); ok {
				name, _ := fc["name"].(string)
				args, err := json.Marshal(fc["args"])
				if err != nil || string(args) == "null" {
					args = json.RawMessage("{}")
				}
				pendingCalls = append(pendingCalls, bufferedCall{name: name, args: args})
				continue
			}

			text, _ := part["text"].(string)
			if text == "" {
				continue
			}
			if thought, _ := part["thought"].(bool); thought {
				enc.Thinking(text)
			} else {
				enc.Text(text)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read gemini stream: %w", err)
	}

	stopReason := protocol.StopEndTurn
	for _, call := range pendingCalls {
		enc.ToolUseStart("toolu_"+uuid.NewString(), call.name)
		enc.ToolUseDelta(string(call.args))
		enc.ToolUseStop()
		stopReason = protocol.StopToolUse
	}

	enc.FinishWithUsage(stopReason, usage)
	return nil
}
