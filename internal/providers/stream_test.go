package providers

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// testEvent is one decoded frame of encoder output, shared by the adapter
// stream tests.
type testEvent struct {
	Name string
	Data map[string]any
}

func parseEncodedStream(t *testing.T, raw string) []testEvent {
	t.Helper()

	var events []testEvent
	for _, frame := range strings.Split(raw, "\n\n") {
		if strings.TrimSpace(frame) == "" {
			continue
		}
		lines := strings.SplitN(frame, "\n", 2)
		require.Len(t, lines, 2, "frame %q", frame)

		var data map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &data))
		events = append(events, testEvent{
			Name: strings.TrimPrefix(lines[0], "event: "),
			Data: data,
		})
	}
	return events
}

// collectText gathers all text deltas, thinking deltas and tool blocks from
// a parsed stream.
type streamSummary struct {
	Text     string
	Thinking string
	Tools    []toolSummary
	Stop     string
}

type toolSummary struct {
	ID   string
	Name string
	Args string
}

func summarize(events []testEvent) streamSummary {
	var sum streamSummary
	var openTool *toolSummary

	for _, ev := range events {
		switch ev.Name {
		case "content_block_start":
			block := ev.Data["content_block"].(map[string]any)
			if block["type"] == "tool_use" {
				openTool = &toolSummary{
					ID:   block["id"].(string),
					Name: block["name"].(string),
				}
			}
		case "content_block_delta":
			delta := ev.Data["delta"].(map[string]any)
			switch delta["type"] {
			case "text_delta":
				sum.Text += delta["text"].(string)
			case "thinking_delta":
				sum.Thinking += delta["thinking"].(string)
			case "input_json_delta":
				if openTool != nil {
					openTool.Args += delta["partial_json"].(string)
				}
			}
		case "content_block_stop":
			if openTool != nil {
				sum.Tools = append(sum.Tools, *openTool)
				openTool = nil
			}
		case "message_delta":
			delta := ev.Data["delta"].(map[string]any)
			if reason, ok := delta["stop_reason"].(string); ok {
				sum.Stop = reason
			}
		}
	}
	return sum
}
