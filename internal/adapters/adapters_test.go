package adapters

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaudeRequest_ContentForms(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4-5",
		"system": "be brief",
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [{"type": "text", "text": "hi", "cache_control": {"type": "ephemeral"}}]},
			{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "toolu_1", "content": [{"type": "text", "text": "a"}, {"type": "text", "text": "b"}]}]}
		],
		"thinking": {"type": "enabled", "budget_tokens": 2048}
	}`
	var req ClaudeRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	assert.Equal(t, "be brief", req.System.Text())
	require.Len(t, req.Messages, 3)
	assert.Equal(t, MessageContent{{Type: BlockText, Text: "hello"}}, req.Messages[0].Content)
	assert.JSONEq(t, `{"type":"ephemeral"}`, string(req.Messages[1].Content[0].CacheControl))
	assert.Equal(t, "a\nb", req.Messages[2].Content[0].ResultText())
	assert.True(t, req.Thinking.Enabled())

	var nilThinking *ThinkingConfig
	assert.False(t, nilThinking.Enabled())
}

func TestContentBlock_ResultText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"string", `"done"`, "done"},
		{"blocks", `[{"type":"text","text":"x"}]`, "x"},
		{"empty", ``, ""},
		{"object", `{"k":1}`, `{"k":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := ContentBlock{Type: BlockToolResult, Content: json.RawMessage(tt.content)}
			assert.Equal(t, tt.want, b.ResultText())
		})
	}
}

func TestConvertOpenAIRequest(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4-5",
		"stream": true,
		"max_completion_tokens": 512,
		"stop": "END",
		"reasoning_effort": "low",
		"messages": [
			{"role": "system", "content": "sys"},
			{"role": "user", "content": [
				{"type": "text", "text": "look"},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,AAAA"}}
			]},
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "read_file", "arguments": "{\"path\":\"a.go\"}"}},
				{"id": "call_2", "type": "function", "function": {"name": "noop", "arguments": "not json"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "package main"}
		],
		"tools": [
			{"type": "function", "function": {"name": "read_file", "description": "Read", "parameters": {"type":"object","properties":{"path":{"type":"string"}}}}},
			{"type": "function", "function": {"name": "noop"}}
		]
	}`
	var chat ChatRequest
	require.NoError(t, json.Unmarshal([]byte(body), &chat))

	req, err := ConvertOpenAIRequest(&chat)
	require.NoError(t, err)

	assert.True(t, req.Stream)
	assert.Equal(t, 512, req.MaxTokens)
	assert.Equal(t, []string{"END"}, req.StopSequences)
	assert.Equal(t, "sys", req.System.Text())
	require.NotNil(t, req.Thinking)
	assert.Equal(t, 4096, req.Thinking.BudgetTokens)

	require.Len(t, req.Messages, 3)
	user := req.Messages[0].Content
	require.Len(t, user, 2)
	assert.Equal(t, BlockImage, user[1].Type)
	assert.Equal(t, "image/png", user[1].Source.MediaType)
	assert.Equal(t, "AAAA", user[1].Source.Data)

	assistant := req.Messages[1].Content
	require.Len(t, assistant, 2)
	assert.Equal(t, BlockToolUse, assistant[0].Type)
	assert.JSONEq(t, `{"path":"a.go"}`, string(assistant[0].Input))
	assert.JSONEq(t, `{}`, string(assistant[1].Input))

	result := req.Messages[2]
	assert.Equal(t, "user", result.Role)
	assert.Equal(t, "call_1", result.Content[0].ToolUseID)
	assert.Equal(t, "package main", result.Content[0].ResultText())

	require.Len(t, req.Tools, 2)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(req.Tools[1].InputSchema))
}

func TestConvertOpenAIRequest_RejectsUnknownRole(t *testing.T) {
	_, err := ConvertOpenAIRequest(&ChatRequest{Messages: []ChatMessage{{Role: "oracle", Content: json.RawMessage(`"x"`)}}})
	assert.Error(t, err)
}
