// Package protocol holds the canonical in-memory form of an Anthropic-style
// Messages request and the streaming event encoder. Every provider adapter
// translates from and to these types.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Content block types.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
)

// ContentBlock is the tagged variant carried inside messages. Exactly one
// case is populated, selected by Type.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// ImageSource is either an inline base64 payload or a URL.
type ImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ResultText flattens a tool_result content payload to plain text. The
// payload may be a bare string or an array of text blocks.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var sb strings.Builder
		for _, blk := range blocks {
			if blk.Type == BlockText {
				sb.WriteString(blk.Text)
			}
		}
		return sb.String()
	}

	return string(b.Content)
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent accepts both the bare-string and block-array forms.
type MessageContent struct {
	Blocks []ContentBlock
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Blocks = []ContentBlock{{Type: BlockText, Text: s}}
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("message content is neither string nor block array: %w", err)
	}
	c.Blocks = blocks
	return nil
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Blocks)
}

// Text concatenates the text blocks of the message content.
func (c MessageContent) Text() string {
	var sb strings.Builder
	for _, b := range c.Blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Tool is a declared function the model may call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// SystemPrompt accepts both the bare-string and text-block-array forms and
// normalizes to a single string joined on newline.
type SystemPrompt struct {
	Text string
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.Text = str
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("system prompt is neither string nor block array: %w", err)
	}

	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == BlockText {
			parts = append(parts, b.Text)
		}
	}
	s.Text = strings.Join(parts, "\n")
	return nil
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Text)
}

// Request is the canonical Protocol-A request body.
type Request struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	System      *SystemPrompt   `json:"system,omitempty"`
	Tools       []Tool          `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// SystemText returns the normalized system prompt or "".
func (r *Request) SystemText() string {
	if r.System == nil {
		return ""
	}
	return r.System.Text
}

// ToolNameByID scans the message history for the tool_use with the given id
// and returns its name. Translators need this to pair a tool_result with the
// function the model called.
func (r *Request) ToolNameByID(id string) string {
	for _, msg := range r.Messages {
		for _, block := range msg.Content.Blocks {
			if block.Type == BlockToolUse && block.ID == id {
				return block.Name
			}
		}
	}
	return ""
}

// HasImages reports whether any message carries an image block.
func (r *Request) HasImages() bool {
	for _, msg := range r.Messages {
		for _, block := range msg.Content.Blocks {
			if block.Type == BlockImage {
				return true
			}
		}
	}
	return false
}

// ParseRequest decodes a Protocol-A request body.
func ParseRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("request has no model")
	}
	return &req, nil
}
