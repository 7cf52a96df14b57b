package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Davincible/claude-proxy/internal/protocol"
	"github.com/Davincible/claude-proxy/internal/sse"
)

// chatMessage is one OpenAI Chat Completions message.
type chatMessage struct {
	Role       string          `json:"role"`
	Content    any             `json:"content,omitempty"`
	ToolCalls  []chatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// buildChatMessages flattens canonical messages into the Chat Completions
// array form: one assistant message carries tool_calls, each tool_result
// becomes a separate tool-role message, the system prompt leads as a
// system-role message.
func buildChatMessages(req *protocol.Request) []chatMessage {
	var messages []chatMessage

	if sys := req.SystemText(); sys != "" {
		messages = append(messages, chatMessage{Role: "system", Content: sys})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			out := chatMessage{Role: "assistant"}
			var text strings.Builder
			for _, block := range msg.Content.Blocks {
				switch block.Type {
				case protocol.BlockText:
					text.WriteString(block.Text)
				case protocol.BlockToolUse:
					args := string(block.Input)
					if args == "" {
						args = "{}"
					}
					out.ToolCalls = append(out.ToolCalls, chatToolCall{
						ID:   block.ID,
						Type: "function",
						Function: chatFunctionCall{
							Name:      block.Name,
							Arguments: args,
						},
					})
				}
			}
			if text.Len() > 0 {
				out.Content = text.String()
			}
			messages = append(messages, out)

		default: // user
			var parts []map[string]any
			var toolMessages []chatMessage
			for _, block := range msg.Content.Blocks {
				switch block.Type {
				case protocol.BlockText:
					parts = append(parts, map[string]any{"type": "text", "text": block.Text})
				case protocol.BlockImage:
					if url := imageDataURL(block.Source); url != "" {
						parts = append(parts, map[string]any{
							"type":      "image_url",
							"image_url": map[string]any{"url": url},
						})
					}
				case protocol.BlockToolResult:
					toolMessages = append(toolMessages, chatMessage{
						Role:       "tool",
						ToolCallID: block.ToolUseID,
						Content:    block.ResultText(),
					})
				}
			}

			// Tool results precede the remaining user content so the
			// observation directly follows the assistant's call.
			messages = append(messages, toolMessages...)
			if len(parts) == 1 {
				if text, ok := parts[0]["text"].(string); ok {
					messages = append(messages, chatMessage{Role: "user", Content: text})
					continue
				}
			}
			if len(parts) > 0 {
				messages = append(messages, chatMessage{Role: "user", Content: parts})
			}
		}
	}

	return messages
}

func imageDataURL(src *protocol.ImageSource) string {
	if src == nil {
		return ""
	}
	if src.URL != "" {
		return src.URL
	}
	if src.Data != "" {
		mediaType := src.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		return fmt.Sprintf("data:%s;base64,%s", mediaType, src.Data)
	}
	return ""
}

func buildChatTools(req *protocol.Request) []chatTool {
	if len(req.Tools) == 0 {
		return nil
	}
	tools := make([]chatTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return tools
}

// chatStreamState assembles tool calls across Chat Completions deltas,
// keyed by the delta's tool_calls index.
type chatStreamState struct {
	openToolIndex int // -1 when no tool call is open
}

// consumeChatStream drives the encoder from a Chat Completions SSE body.
// The reasoningKeys list names the delta fields carrying chain-of-thought
// text ("reasoning" for OpenRouter, "reasoning_content" for some gateways).
func consumeChatStream(ctx context.Context, enc *protocol.Encoder, resp *http.Response, reasoningKeys []string) error {
	defer resp.Body.Close()

	state := chatStreamState{openToolIndex: -1}
	scanner := sse.NewScanner(decompressReader(resp))
	var finish string
	var usage map[string]any

	for scanner.Next() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		event := scanner.Event()
		if event.Done() {
			break
		}

		var chunk map[string]any
		if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
			// Malformed event: skip it and keep consuming.
			continue
		}

		if u, ok := chunk["usage"].(map[string]any); ok {
			usage = convertChatUsage(u)
			if prompt, ok := u["prompt_tokens"].(float64); ok {
				enc.SetInputTokens(int(prompt))
			}
		}

		choices, _ := chunk["choices"].([]any)
		if len(choices) == 0 {
			continue
		}
		choice, _ := choices[0].(map[string]any)
		if choice == nil {
			continue
		}

		if delta, ok := choice["delta"].(map[string]any); ok {
			for _, key := range reasoningKeys {
				if reasoning, ok := delta[key].(string); ok && reasoning != "" {
					enc.Thinking(reasoning)
				}
			}

			if toolCalls, ok := delta["tool_calls"].([]any); ok {
				handleChatToolCalls(enc, &state, toolCalls)
			} else if content, ok := delta["content"].(string); ok && content != "" {
				if state.openToolIndex >= 0 {
					enc.ToolUseStop()
					state.openToolIndex = -1
				}
				enc.Text(content)
			}
		}

		if reason, ok := choice["finish_reason"].(string); ok && reason != "" {
			finish = reason
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read upstream stream: %w", err)
	}

	if state.openToolIndex >= 0 {
		enc.ToolUseStop()
	}
	enc.FinishWithUsage(convertChatFinishReason(finish), usage)
	return nil
}

func handleChatToolCalls(enc *protocol.Encoder, state *chatStreamState, toolCalls []any) {
	for _, raw := range toolCalls {
		tc, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		index := 0
		if idx, ok := tc["index"].(float64); ok {
			index = int(idx)
		}

		id, _ := tc["id"].(string)
		var name, args string
		if fn, ok := tc["function"].(map[string]any); ok {
			name, _ = fn["name"].(string)
			args, _ = fn["arguments"].(string)
		}

		// A new id (or a new index) starts the next tool_use block.
		if id != "" && index != state.openToolIndex {
			if state.openToolIndex >= 0 {
				enc.ToolUseStop()
			}
			enc.ToolUseStart(id, name)
			state.openToolIndex = index
		}

		if args != "" {
			enc.ToolUseDelta(args)
		}
	}
}

func convertChatFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return protocol.StopToolUse
	default:
		return protocol.StopEndTurn
	}
}

func convertChatUsage(usage map[string]any) map[string]any {
	out := map[string]any{}
	if v, ok := usage["prompt_tokens"]; ok {
		out["input_tokens"] = v
	}
	if v, ok := usage["completion_tokens"]; ok {
		out["output_tokens"] = v
	}
	if details, ok := usage["prompt_tokens_details"].(map[string]any); ok {
		if v, ok := details["cached_tokens"]; ok {
			out["cache_read_input_tokens"] = v
		}
	}
	return out
}
