package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parsedEvent is one decoded SSE frame from the encoder's output.
type parsedEvent struct {
	Name string
	Data map[string]any
}

func parseStream(t *testing.T, raw string) []parsedEvent {
	t.Helper()

	var events []parsedEvent
	for _, frame := range strings.Split(raw, "\n\n") {
		if strings.TrimSpace(frame) == "" {
			continue
		}
		lines := strings.Split(frame, "\n")
		require.Len(t, lines, 2, "frame %q", frame)
		require.True(t, strings.HasPrefix(lines[0], "event: "))
		require.True(t, strings.HasPrefix(lines[1], "data: "))

		var data map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &data))
		events = append(events, parsedEvent{
			Name: strings.TrimPrefix(lines[0], "event: "),
			Data: data,
		})
	}
	return events
}

// verifyGrammar checks the streaming grammar: message_start first, balanced
// block open/close with monotonically increasing indices, message_delta
// then message_stop last.
func verifyGrammar(t *testing.T, events []parsedEvent) {
	t.Helper()
	require.NotEmpty(t, events)

	assert.Equal(t, "message_start", events[0].Name)
	assert.Equal(t, "message_stop", events[len(events)-1].Name)
	assert.Equal(t, "message_delta", events[len(events)-2].Name)

	openIndex := -1
	nextIndex := 0
	for _, ev := range events[1 : len(events)-2] {
		index := int(ev.Data["index"].(float64))
		switch ev.Name {
		case "content_block_start":
			require.Equal(t, -1, openIndex, "block opened while another is open")
			require.Equal(t, nextIndex, index, "indices must be monotonic")
			openIndex = index
		case "content_block_delta":
			require.Equal(t, openIndex, index, "delta outside an open block")
		case "content_block_stop":
			require.Equal(t, openIndex, index)
			openIndex = -1
			nextIndex++
		default:
			t.Fatalf("unexpected event %s inside message", ev.Name)
		}
	}
	assert.Equal(t, -1, openIndex, "a block was left open")
}

func TestEncoder_TextOnly(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, "test-model")

	enc.Text("Hello")
	enc.Text(" world")
	enc.Finish(StopEndTurn)

	events := parseStream(t, buf.String())
	verifyGrammar(t, events)

	// One text block, two deltas.
	var deltas []string
	for _, ev := range events {
		if ev.Name == "content_block_delta" {
			delta := ev.Data["delta"].(map[string]any)
			assert.Equal(t, "text_delta", delta["type"])
			deltas = append(deltas, delta["text"].(string))
		}
	}
	assert.Equal(t, []string{"Hello", " world"}, deltas)

	stop := events[len(events)-2].Data["delta"].(map[string]any)
	assert.Equal(t, "end_turn", stop["stop_reason"])
}

func TestEncoder_ThinkingPrecedesText(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, "test-model")

	enc.Thinking("hmm")
	enc.Text("answer")
	enc.Finish(StopEndTurn)

	events := parseStream(t, buf.String())
	verifyGrammar(t, events)

	var kinds []string
	for _, ev := range events {
		if ev.Name == "content_block_start" {
			block := ev.Data["content_block"].(map[string]any)
			kinds = append(kinds, block["type"].(string))
		}
	}
	assert.Equal(t, []string{"thinking", "text"}, kinds)
}

func TestEncoder_ToolUse(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, "test-model")

	enc.Text("calling")
	enc.ToolUseStart("toolu_1", "search")
	enc.ToolUseDelta(`{"q":`)
	enc.ToolUseDelta(`"X"}`)
	enc.ToolUseStop()
	enc.Finish(StopToolUse)

	events := parseStream(t, buf.String())
	verifyGrammar(t, events)

	// The accumulated input_json must be valid JSON at block stop.
	var args strings.Builder
	for _, ev := range events {
		if ev.Name == "content_block_delta" {
			delta := ev.Data["delta"].(map[string]any)
			if delta["type"] == "input_json_delta" {
				args.WriteString(delta["partial_json"].(string))
			}
		}
	}
	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(args.String()), &parsed))
	assert.Equal(t, "X", parsed["q"])
}

func TestEncoder_ToolUseWithoutArgs(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, "test-model")

	enc.ToolUseStart("toolu_1", "ping")
	enc.ToolUseStop()
	enc.Finish(StopToolUse)

	events := parseStream(t, buf.String())
	verifyGrammar(t, events)

	// An argument-less call still closes with valid JSON.
	found := false
	for _, ev := range events {
		if ev.Name == "content_block_delta" {
			delta := ev.Data["delta"].(map[string]any)
			assert.Equal(t, "{}", delta["partial_json"])
			found = true
		}
	}
	assert.True(t, found)
}

func TestEncoder_LazyMessageStart(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, "test-model")

	assert.False(t, enc.Started())
	assert.Empty(t, buf.String(), "nothing written before the first delta")

	enc.Text("x")
	assert.True(t, enc.Started())
}

func TestEncoder_ErrorMidStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, "test-model")

	enc.Text("partial ")
	enc.Text("output")
	enc.Error("[Gemini Error] HTTP 500: boom")

	events := parseStream(t, buf.String())
	verifyGrammar(t, events)

	// The error surfaces as a synthetic text block after the original one.
	starts := 0
	lastText := ""
	for _, ev := range events {
		switch ev.Name {
		case "content_block_start":
			starts++
		case "content_block_delta":
			delta := ev.Data["delta"].(map[string]any)
			if delta["type"] == "text_delta" {
				lastText = delta["text"].(string)
			}
		}
	}
	assert.Equal(t, 2, starts)
	assert.Contains(t, lastText, "[Gemini Error]")

	stop := events[len(events)-2].Data["delta"].(map[string]any)
	assert.Equal(t, "end_turn", stop["stop_reason"])
}

func TestEncoder_ErrorBeforeOutput(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, "test-model")

	enc.Error("[Codex Error] HTTP 401: no token")

	events := parseStream(t, buf.String())
	verifyGrammar(t, events)
	assert.Equal(t, "message_start", events[0].Name)
}

func TestEncoder_FinishIdempotent(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, "test-model")

	enc.Text("x")
	enc.Finish(StopEndTurn)
	size := buf.Len()

	enc.Finish(StopEndTurn)
	enc.Text("ignored")
	enc.Error("ignored")
	assert.Equal(t, size, buf.Len(), "no events after message_stop")
}
