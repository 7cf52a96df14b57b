package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/Davincible/claude-proxy/internal/config"
	"github.com/Davincible/claude-proxy/internal/oauth"
	"github.com/Davincible/claude-proxy/internal/protocol"
	"github.com/Davincible/claude-proxy/internal/router"
	"github.com/Davincible/claude-proxy/internal/sse"
)

const (
	chatgptResponsesURL = "https://chatgpt.com/backend-api/codex/responses"
	codexUserAgent      = "codex_cli_rs/0.42.0 (claude-proxy)"
	codexOriginator     = "codex_cli_rs"
)

// CodexAdapter speaks the OpenAI Responses API through the ChatGPT-backed
// OAuth endpoint, or plain Chat Completions when invoked with an API key.
type CodexAdapter struct {
	cfg    *config.Manager
	engine *oauth.Engine
	client *http.Client
	logger *slog.Logger
}

func NewCodexAdapter(cfg *config.Manager, engine *oauth.Engine, logger *slog.Logger) *CodexAdapter {
	return &CodexAdapter{
		cfg:    cfg,
		engine: engine,
		client: &http.Client{},
		logger: logger,
	}
}

func (a *CodexAdapter) Name() string { return "Codex" }

func (a *CodexAdapter) SupportsVision() bool { return true }

func (a *CodexAdapter) Stream(ctx context.Context, enc *protocol.Encoder, req *protocol.Request, sel router.Selection) error {
	if sel.Provider == router.ProviderOpenAIKey {
		return a.streamChatCompletions(ctx, enc, req, sel)
	}
	return a.streamResponses(ctx, enc, req, sel)
}

// --- Responses API (OAuth mode) ---

func (a *CodexAdapter) streamResponses(ctx context.Context, enc *protocol.Encoder, req *protocol.Request, sel router.Selection) error {
	tokens, err := a.engine.EnsureAccess(ctx, oauth.Codex, 0)
	if err != nil {
		return fmt.Errorf("codex credentials: %w", err)
	}

	body, err := a.buildResponsesBody(req, sel)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, chatgptResponsesURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("User-Agent", codexUserAgent)
	httpReq.Header.Set("originator", codexOriginator)
	if tokens.AccountID != "" {
		httpReq.Header.Set("chatgpt-account-id", tokens.AccountID)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("codex upstream: %w", err)
	}
	if err := checkUpstream(a.Name(), resp); err != nil {
		return err
	}

	return a.consumeResponsesStream(ctx, enc, resp)
}

// buildResponsesBody converts the canonical request into Responses API
// input items. Tool calls and their observations become adjacent
// function_call / function_call_output items paired by call_id.
func (a *CodexAdapter) buildResponsesBody(req *protocol.Request, sel router.Selection) ([]byte, error) {
	var input []map[string]any

	for _, msg := range req.Messages {
		var content []map[string]any
		textType := "input_text"
		if msg.Role == "assistant" {
			textType = "output_text"
		}

		for _, block := range msg.Content.Blocks {
			switch block.Type {
			case protocol.BlockText:
				content = append(content, map[string]any{"type": textType, "text": block.Text})

			case protocol.BlockImage:
				if url := imageDataURL(block.Source); url != "" {
					content = append(content, map[string]any{"type": "input_image", "image_url": url})
				}

			case protocol.BlockToolUse:
				args := string(block.Input)
				if args == "" {
					args = "{}"
				}
				input = appendContentItem(input, msg.Role, content)
				content = nil
				input = append(input, map[string]any{
					"type":      "function_call",
					"call_id":   block.ID,
					"name":      block.Name,
					"arguments": args,
				})

			case protocol.BlockToolResult:
				input = appendContentItem(input, msg.Role, content)
				content = nil
				input = append(input, map[string]any{
					"type":    "function_call_output",
					"call_id": block.ToolUseID,
					"output":  block.ResultText(),
				})
			}
		}
		input = appendContentItem(input, msg.Role, content)
	}

	tools := []map[string]any{}
	for _, t := range req.Tools {
		tools = append(tools, map[string]any{
			"type":        "function",
			"name":        t.Name,
			"description": t.Description,
			"parameters":  json.RawMessage(t.InputSchema),
		})
	}
	tools = append(tools, map[string]any{"type": "web_search"})

	effort := sel.Reasoning
	if effort == "" {
		effort = a.cfg.Get().CodexReasoningEffort
	}
	if effort == "" {
		effort = router.ReasoningHigh
	}

	body := map[string]any{
		"model":  sel.Model,
		"input":  input,
		"tools":  tools,
		"stream": true,
		"store":  false,
		"reasoning": map[string]any{
			"effort":  effort,
			"summary": "auto",
		},
	}
	if sys := req.SystemText(); sys != "" {
		body["instructions"] = sys
	}

	return json.Marshal(body)
}

func appendContentItem(input []map[string]any, role string, content []map[string]any) []map[string]any {
	if len(content) == 0 {
		return input
	}
	return append(input, map[string]any{
		"type":    "message",
		"role":    role,
		"content": content,
	})
}

// pendingCall tracks a function call being assembled across events,
// keyed by output_index.
type pendingCall struct {
	callID string
	name   string
	opened bool
}

func (a *CodexAdapter) consumeResponsesStream(ctx context.Context, enc *protocol.Encoder, resp *http.Response) error {
	defer resp.Body.Close()

	calls := map[string]*pendingCall{}
	var openCall *pendingCall

	scanner := sse.NewScanner(decompressReader(resp))
	stopReason := protocol.StopEndTurn

	for scanner.Next() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		event := scanner.Event()
		if event.Done() {
			break
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(event.Data), &payload); err != nil {
			continue
		}

		eventType, _ := payload["type"].(string)
		if eventType == "" {
			eventType = event.Name
		}

		switch eventType {
		case "response.reasoning_summary_text.delta":
			if delta, ok := payload["delta"].(string); ok {
				enc.Thinking(delta)
			}

		case "response.output_text.delta":
			if openCall != nil {
				enc.ToolUseStop()
				openCall.opened = false
				openCall = nil
			}
			if delta, ok := payload["delta"].(string); ok {
				enc.Text(delta)
			}

		case "response.output_item.added":
			item, _ := payload["item"].(map[string]any)
			itemType, _ := item["type"].(string)
			key := outputIndexKey(payload)

			switch itemType {
			case "function_call":
				call := &pendingCall{}
				call.callID, _ = item["call_id"].(string)
				call.name, _ = item["name"].(string)
				calls[key] = call
			case "web_search_call":
				a.logger.Debug("upstream issued a web search")
			}

		case "response.function_call_arguments.delta":
			key := outputIndexKey(payload)
			call := calls[key]
			if call == nil {
				continue
			}
			if !call.opened {
				if openCall != nil {
					enc.ToolUseStop()
					openCall.opened = false
				}
				enc.ToolUseStart(call.callID, call.name)
				call.opened = true
				openCall = call
				stopReason = protocol.StopToolUse
			}
			if delta, ok := payload["delta"].(string); ok {
				enc.ToolUseDelta(delta)
			}

		case "response.output_item.done":
			item, _ := payload["item"].(map[string]any)
			itemType, _ := item["type"].(string)
			if itemType != "function_call" {
				continue
			}
			key := outputIndexKey(payload)
			call := calls[key]
			if call == nil {
				continue
			}
			// Seize the final call_id/name; open the block now if no
			// argument deltas ever arrived.
			if id, ok := item["call_id"].(string); ok && id != "" {
				call.callID = id
			}
			if name, ok := item["name"].(string); ok && name != "" {
				call.name = name
			}
			if !call.opened {
				if openCall != nil {
					enc.ToolUseStop()
					openCall.opened = false
				}
				enc.ToolUseStart(call.callID, call.name)
				if args, ok := item["arguments"].(string); ok && args != "" {
					enc.ToolUseDelta(args)
				}
				stopReason = protocol.StopToolUse
			}
			enc.ToolUseStop()
			if openCall == call {
				openCall = nil
			}
			call.opened = false

		case "response.completed", "response.done":
			if usage := responsesUsage(payload); usage != nil {
				if v, ok := usage["input_tokens"].(float64); ok {
					enc.SetInputTokens(int(v))
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read codex stream: %w", err)
	}

	if openCall != nil {
		enc.ToolUseStop()
	}
	enc.Finish(stopReason)
	return nil
}

func outputIndexKey(payload map[string]any) string {
	if idx, ok := payload["output_index"].(float64); ok {
		return strconv.Itoa(int(idx))
	}
	return "0"
}

func responsesUsage(payload map[string]any) map[string]any {
	resp, _ := payload["response"].(map[string]any)
	if resp == nil {
		return nil
	}
	usage, _ := resp["usage"].(map[string]any)
	return usage
}

// --- Chat Completions (API-key mode) ---

func (a *CodexAdapter) streamChatCompletions(ctx context.Context, enc *protocol.Encoder, req *protocol.Request, sel router.Selection) error {
	cfg := a.cfg.Get()
	if cfg.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is not configured")
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
		body["max_completion_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if sel.Reasoning != "" {
		body["reasoning_effort"] = sel.Reasoning
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := cfg.OpenAIBaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.OpenAIAPIKey)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openai upstream: %w", err)
	}
	if err := checkUpstream(a.Name(), resp); err != nil {
		return err
	}

	return consumeChatStream(ctx, enc, resp, []string{"reasoning", "reasoning_content"})
}
