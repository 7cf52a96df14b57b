package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Stop reasons.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
)

// Encoder emits the Protocol-A streaming event sequence:
//
//	message_start
//	  ( content_block_start
//	    content_block_delta*
//	    content_block_stop )*
//	message_delta
//	message_stop
//
// message_start is deferred until the first real delta so that an error
// raised before any upstream output can still be surfaced as a complete
// synthetic message. All adapters must emit through an Encoder; the open/
// close and index invariants live here, not in the adapters.
type Encoder struct {
	mu sync.Mutex

	w       io.Writer
	flusher http.Flusher

	model     string
	messageID string

	started      bool
	finished     bool
	index        int
	openKind     string // "", text, thinking, tool_use
	toolJSONSeen bool

	inputTokens int
}

func NewEncoder(w io.Writer, model string) *Encoder {
	enc := &Encoder{
		w:         w,
		model:     model,
		messageID: "msg_" + uuid.NewString(),
	}
	if f, ok := w.(http.Flusher); ok {
		enc.flusher = f
	}
	return enc
}

// SetInputTokens records the prompt token count reported by the upstream so
// message_start carries real usage when available.
func (e *Encoder) SetInputTokens(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		e.inputTokens = n
	}
}

// Started reports whether message_start has been written. The gateway uses
// this to decide between a JSON error reply and a synthetic error stream.
func (e *Encoder) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

func (e *Encoder) writeEvent(event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(`{"error":"failed to marshal event"}`)
	}
	fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, payload)
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

func (e *Encoder) ensureStarted() {
	if e.started {
		return
	}
	e.started = true
	e.writeEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            e.messageID,
			"type":          "message",
			"role":          "assistant",
			"model":         e.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  e.inputTokens,
				"output_tokens": 1,
			},
		},
	})
}

func (e *Encoder) closeOpenBlock() {
	if e.openKind == "" {
		return
	}
	e.writeEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": e.index,
	})
	e.openKind = ""
	e.index++
}

// Text streams a text delta, opening a text block as needed. An open
// thinking block is auto-closed first: thinking precedes text at the same
// logical position.
func (e *Encoder) Text(delta string) {
	if delta == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return
	}
	e.ensureStarted()

	if e.openKind != BlockText {
		e.closeOpenBlock()
		e.writeEvent("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": e.index,
			"content_block": map[string]any{
				"type": "text",
				"text": "",
			},
		})
		e.openKind = BlockText
	}

	e.writeEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": e.index,
		"delta": map[string]any{
			"type": "text_delta",
			"text": delta,
		},
	})
}

// Thinking streams a thinking delta, opening a thinking block as needed.
func (e *Encoder) Thinking(delta string) {
	if delta == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return
	}
	e.ensureStarted()

	if e.openKind != BlockThinking {
		e.closeOpenBlock()
		e.writeEvent("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": e.index,
			"content_block": map[string]any{
				"type":     "thinking",
				"thinking": "",
			},
		})
		e.openKind = BlockThinking
	}

	e.writeEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": e.index,
		"delta": map[string]any{
			"type":     "thinking_delta",
			"thinking": delta,
		},
	})
}

// ToolUseStart opens a tool_use block. Any open block is closed first; each
// tool call occupies its own index.
func (e *Encoder) ToolUseStart(id, name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return
	}
	e.ensureStarted()
	e.closeOpenBlock()

	e.writeEvent("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": e.index,
		"content_block": map[string]any{
			"type":  "tool_use",
			"id":    id,
			"name":  name,
			"input": map[string]any{},
		},
	})
	e.openKind = BlockToolUse
	e.toolJSONSeen = false
}

// ToolUseDelta streams a fragment of the tool call's JSON arguments.
func (e *Encoder) ToolUseDelta(partialJSON string) {
	if partialJSON == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished || e.openKind != BlockToolUse {
		return
	}
	e.toolJSONSeen = true
	e.writeEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": e.index,
		"delta": map[string]any{
			"type":         "input_json_delta",
			"partial_json": partialJSON,
		},
	})
}

// ToolUseStop closes the current tool_use block. A tool call that streamed
// no argument bytes gets an empty JSON object so the accumulated string is
// valid JSON at content_block_stop.
func (e *Encoder) ToolUseStop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished || e.openKind != BlockToolUse {
		return
	}
	if !e.toolJSONSeen {
		e.writeEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.index,
			"delta": map[string]any{
				"type":         "input_json_delta",
				"partial_json": "{}",
			},
		})
	}
	e.closeOpenBlock()
}

// Finish closes any open block and terminates the stream with the given
// stop reason. Safe to call once; later calls are no-ops.
func (e *Encoder) Finish(stopReason string) {
	e.finishWithUsage(stopReason, nil)
}

// FinishWithUsage is Finish carrying upstream-reported output usage.
func (e *Encoder) FinishWithUsage(stopReason string, usage map[string]any) {
	e.finishWithUsage(stopReason, usage)
}

func (e *Encoder) finishWithUsage(stopReason string, usage map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return
	}
	e.ensureStarted()
	e.closeOpenBlock()

	delta := map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
	}
	if len(usage) > 0 {
		delta["usage"] = usage
	}
	e.writeEvent("message_delta", delta)
	e.writeEvent("message_stop", map[string]any{"type": "message_stop"})
	e.finished = true
}

// Error terminates the stream with a synthetic text block holding the error
// message, keeping the grammar valid even when the upstream died mid-reply.
// Any open block is closed first so the error occupies its own index.
func (e *Encoder) Error(message string) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.ensureStarted()
	e.closeOpenBlock()
	e.mu.Unlock()

	e.Text(message)
	e.Finish(StopEndTurn)
}
