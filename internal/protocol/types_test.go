package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest_StringContent(t *testing.T) {
	body := []byte(`{"model":"glm","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	req, err := ParseRequest(body)
	require.NoError(t, err)

	assert.Equal(t, "glm", req.Model)
	assert.True(t, req.Stream)
	require.Len(t, req.Messages, 1)
	require.Len(t, req.Messages[0].Content.Blocks, 1)
	assert.Equal(t, BlockText, req.Messages[0].Content.Blocks[0].Type)
	assert.Equal(t, "hi", req.Messages[0].Content.Blocks[0].Text)
}

func TestParseRequest_BlockContent(t *testing.T) {
	body := []byte(`{
		"model": "codex",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "look"},
				{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "aGk="}}
			]},
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_1", "name": "search", "input": {"q": "X"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "ok"}
			]}
		]
	}`)

	req, err := ParseRequest(body)
	require.NoError(t, err)

	assert.True(t, req.HasImages())
	assert.Equal(t, "search", req.ToolNameByID("toolu_1"))
	assert.Empty(t, req.ToolNameByID("toolu_unknown"))

	result := req.Messages[2].Content.Blocks[0]
	assert.Equal(t, BlockToolResult, result.Type)
	assert.Equal(t, "ok", result.ResultText())
}

func TestResultText_BlockArray(t *testing.T) {
	block := ContentBlock{
		Type:    BlockToolResult,
		Content: []byte(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`),
	}
	assert.Equal(t, "ab", block.ResultText())
}

func TestSystemPrompt_Forms(t *testing.T) {
	req, err := ParseRequest([]byte(`{"model":"m","messages":[],"system":"be nice"}`))
	require.NoError(t, err)
	assert.Equal(t, "be nice", req.SystemText())

	req, err = ParseRequest([]byte(`{"model":"m","messages":[],"system":[
		{"type":"text","text":"one"},{"type":"text","text":"two"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", req.SystemText())
}

func TestParseRequest_MissingModel(t *testing.T) {
	_, err := ParseRequest([]byte(`{"messages":[]}`))
	assert.Error(t, err)
}
