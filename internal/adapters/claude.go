package adapters

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Content block types.
const (
	BlockText             = "text"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
	BlockToolUse          = "tool_use"
	BlockToolResult       = "tool_result"
	BlockImage            = "image"
	BlockDocument         = "document"
)

// =============================================================================
// REQUEST TYPES - Anthropic Messages API
// =============================================================================

// ClaudeRequest is a POST /v1/messages body.
type ClaudeRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        SystemPrompt    `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []ClaudeTool    `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
}

// ThinkingConfig enables extended thinking.
type ThinkingConfig struct {
	Type         string `json:"type"` // "enabled" | "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Enabled reports whether thinking was requested.
func (t *ThinkingConfig) Enabled() bool {
	return t != nil && t.Type == "enabled"
}

// Metadata carries the client's user id, which some clients use as a session key.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent accepts either a plain string or an array of blocks and
// always marshals as an array.
type MessageContent []ContentBlock

// UnmarshalJSON implements json.Unmarshaler.
func (m *MessageContent) UnmarshalJSON(data []byte) error {
	blocks, err := unmarshalBlocks(data)
	if err != nil {
		return err
	}
	*m = blocks
	return nil
}

// SystemPrompt accepts either a plain string or an array of text blocks.
type SystemPrompt []ContentBlock

// UnmarshalJSON implements json.Unmarshaler.
func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	blocks, err := unmarshalBlocks(data)
	if err != nil {
		return err
	}
	*s = blocks
	return nil
}

// Text joins the text of every block.
func (s SystemPrompt) Text() string {
	parts := make([]string, 0, len(s))
	for _, b := range s {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func unmarshalBlocks(data []byte) ([]ContentBlock, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return nil, err
		}
		return []ContentBlock{{Type: BlockText, Text: text}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// ContentBlock is a union of every block type the gateway understands.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking / redacted_thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image / document
	Source *MediaSource `json:"source,omitempty"`

	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// MediaSource is a base64 or URL image/document source.
type MediaSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ResultText flattens a tool_result's content (a string or a list of text blocks).
func (b ContentBlock) ResultText() string {
	raw := bytes.TrimSpace(b.Content)
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	}
	var blocks []ContentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		parts := make([]string, 0, len(blocks))
		for _, inner := range blocks {
			if inner.Type == BlockText || inner.Text != "" {
				parts = append(parts, inner.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// ClaudeTool is a tool definition. Server tools (web_search) carry only Type and Name.
type ClaudeTool struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// IsWebSearch reports whether the tool is the hosted web search tool.
func (t ClaudeTool) IsWebSearch() bool {
	return strings.HasPrefix(t.Type, "web_search") || t.Name == "web_search" || t.Name == "google_search"
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ClaudeResponse is a non-streaming /v1/messages response.
type ClaudeResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Model        string          `json:"model"`
	Content      []ResponseBlock `json:"content"`
	StopReason   string          `json:"stop_reason"`
	StopSequence *string         `json:"stop_sequence"`
	Usage        ClaudeUsage     `json:"usage"`
}

// ResponseBlock is an outbound content block with exact per-type fields.
type ResponseBlock struct {
	Type      string          `json:"type"`
	Text      *string         `json:"text,omitempty"`
	Thinking  *string         `json:"thinking,omitempty"`
	Signature *string         `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ClaudeUsage is the Anthropic usage object.
type ClaudeUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens,omitempty"`
}

// ClaudeError is the Anthropic error envelope.
type ClaudeError struct {
	Type  string          `json:"type"`
	Error ClaudeErrorBody `json:"error"`
}

// ClaudeErrorBody is the inner error object.
type ClaudeErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// CountTokensResponse is the /v1/messages/count_tokens response.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}
