package adapters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// REQUEST TYPES - OpenAI Chat Completions
// =============================================================================

// ChatRequest is a POST /v1/chat/completions body.
type ChatRequest struct {
	Model               string          `json:"model"`
	Messages            []ChatMessage   `json:"messages"`
	Stream              bool            `json:"stream,omitempty"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Tools               []Tool          `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	ReasoningEffort     string          `json:"reasoning_effort,omitempty"`
	User                string          `json:"user,omitempty"`
}

// ChatMessage is one OpenAI message. Content is a string, an array of parts, or null.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ToolCall is an assistant function call.
type ToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction holds the call name and JSON-encoded arguments.
type ToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type chatPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ChatCompletion is a non-streaming response or a streaming chunk.
type ChatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

// ChatChoice holds either a full message or a streaming delta.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      *ChatOutput `json:"message,omitempty"`
	Delta        *ChatOutput `json:"delta,omitempty"`
	FinishReason *string     `json:"finish_reason"`
}

// ChatOutput is an assistant message or delta.
type ChatOutput struct {
	Role             string     `json:"role,omitempty"`
	Content          *string    `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// ChatUsage is the OpenAI usage object.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelList is the /v1/models response.
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// ModelEntry is one listed model.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// OpenAIError is the OpenAI error envelope.
type OpenAIError struct {
	Error OpenAIErrorBody `json:"error"`
}

// OpenAIErrorBody is the inner error object.
type OpenAIErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// =============================================================================
// CONVERSION - OpenAI -> Claude
// =============================================================================

var reasoningBudgets = map[string]int{
	"minimal": 1024,
	"low":     4096,
	"medium":  8192,
	"high":    16000,
}

// ConvertOpenAIRequest maps a chat request onto the Claude request shape.
func ConvertOpenAIRequest(req *ChatRequest) (*ClaudeRequest, error) {
	if req == nil {
		return nil, fmt.Errorf("empty request")
	}
	out := &ClaudeRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxCompletionTokens > 0 {
		out.MaxTokens = req.MaxCompletionTokens
	}
	if req.User != "" {
		out.Metadata = &Metadata{UserID: req.User}
	}

	stops, err := parseStop(req.Stop)
	if err != nil {
		return nil, err
	}
	out.StopSequences = stops

	for i, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			text, _, err := chatContent(m.Content)
			if err != nil {
				return nil, fmt.Errorf("messages[%d]: %w", i, err)
			}
			if text != "" {
				out.System = append(out.System, ContentBlock{Type: BlockText, Text: text})
			}
		case "user":
			_, blocks, err := chatContent(m.Content)
			if err != nil {
				return nil, fmt.Errorf("messages[%d]: %w", i, err)
			}
			out.Messages = append(out.Messages, Message{Role: "user", Content: blocks})
		case "assistant":
			_, blocks, err := chatContent(m.Content)
			if err != nil {
				return nil, fmt.Errorf("messages[%d]: %w", i, err)
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(strings.TrimSpace(tc.Function.Arguments))
				if len(input) == 0 || !json.Valid(input) {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, ContentBlock{Type: BlockToolUse, ID: tc.ID, Name: tc.Function.Name, Input: input})
			}
			if len(blocks) == 0 {
				continue
			}
			out.Messages = append(out.Messages, Message{Role: "assistant", Content: blocks})
		case "tool", "function":
			text, _, err := chatContent(m.Content)
			if err != nil {
				return nil, fmt.Errorf("messages[%d]: %w", i, err)
			}
			content, _ := json.Marshal(text)
			out.Messages = append(out.Messages, Message{Role: "user", Content: MessageContent{{
				Type:      BlockToolResult,
				ToolUseID: m.ToolCallID,
				Content:   content,
			}}})
		default:
			return nil, fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
	}

	for _, t := range req.Tools {
		if t.Function.Name == "" {
			continue
		}
		schema := t.Function.Parameters
		if len(bytes.TrimSpace(schema)) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out.Tools = append(out.Tools, ClaudeTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		})
	}

	if budget, ok := reasoningBudgets[strings.ToLower(req.ReasoningEffort)]; ok {
		out.Thinking = &ThinkingConfig{Type: "enabled", BudgetTokens: budget}
	}
	return out, nil
}

// chatContent returns the flattened text and the Claude blocks of a message content.
func chatContent(raw json.RawMessage) (string, []ContentBlock, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", nil, err
		}
		if s == "" {
			return "", nil, nil
		}
		return s, []ContentBlock{{Type: BlockText, Text: s}}, nil
	}

	var parts []chatPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, fmt.Errorf("invalid content: %w", err)
	}
	var texts []string
	var blocks []ContentBlock
	for _, p := range parts {
		switch p.Type {
		case "text", "input_text":
			if p.Text == "" {
				continue
			}
			texts = append(texts, p.Text)
			blocks = append(blocks, ContentBlock{Type: BlockText, Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if src := dataURLSource(p.ImageURL.URL); src != nil {
				blocks = append(blocks, ContentBlock{Type: BlockImage, Source: src})
			}
		}
	}
	return strings.Join(texts, "\n"), blocks, nil
}

// dataURLSource decodes "data:image/png;base64,...." into a media source.
func dataURLSource(url string) *MediaSource {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return &MediaSource{Type: "url", URL: url}
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return nil
	}
	mediaType, _, _ := strings.Cut(meta, ";")
	return &MediaSource{Type: "base64", MediaType: mediaType, Data: data}
}

func parseStop(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("invalid stop: %w", err)
	}
	return list, nil
}
