// Package streaming converts backend response chunks into Anthropic SSE events.
package streaming

import (
	"bytes"
	"encoding/json"

	"github.com/compresr/relay-gateway/internal/adapters"
	"github.com/compresr/relay-gateway/internal/utils"
)

// SSE event names.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventError             = "error"
)

// Delta subtypes.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaSignature = "signature_delta"
	DeltaInputJSON = "input_json_delta"
)

// Stop reasons.
const (
	StopEndTurn   = "end_turn"
	StopMaxTokens = "max_tokens"
	StopToolUse   = "tool_use"
)

// Event is one Anthropic SSE event. Data is one of the payload types below.
type Event struct {
	Name string
	Data any
}

// Encode renders the event in SSE framing.
func (e Event) Encode() []byte {
	data, err := utils.MarshalNoEscape(e.Data)
	if err != nil {
		data = []byte(`{"type":"error","error":{"type":"api_error","message":"event encoding failed"}}`)
	}
	out := make([]byte, 0, len(e.Name)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, e.Name...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}

// =============================================================================
// PAYLOADS
// =============================================================================

// MessageStart opens the message.
type MessageStart struct {
	Type    string        `json:"type"`
	Message MessageHeader `json:"message"`
}

// MessageHeader is the message skeleton sent with message_start.
type MessageHeader struct {
	ID           string                   `json:"id"`
	Type         string                   `json:"type"`
	Role         string                   `json:"role"`
	Model        string                   `json:"model"`
	Content      []adapters.ResponseBlock `json:"content"`
	StopReason   *string                  `json:"stop_reason"`
	StopSequence *string                  `json:"stop_sequence"`
	Usage        adapters.ClaudeUsage     `json:"usage"`
}

// BlockStart opens a content block.
type BlockStart struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index"`
	ContentBlock adapters.ResponseBlock `json:"content_block"`
}

// BlockDelta appends to the open content block.
type BlockDelta struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta Delta  `json:"delta"`
}

// Delta is a typed block delta.
type Delta struct {
	Type        string  `json:"type"`
	Text        *string `json:"text,omitempty"`
	Thinking    *string `json:"thinking,omitempty"`
	Signature   *string `json:"signature,omitempty"`
	PartialJSON *string `json:"partial_json,omitempty"`
}

// BlockStop closes a content block.
type BlockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDelta carries the stop reason and final usage.
type MessageDelta struct {
	Type  string       `json:"type"`
	Delta StopDelta    `json:"delta"`
	Usage MessageUsage `json:"usage"`
}

// StopDelta is the message_delta body.
type StopDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// MessageUsage is the usage reported with message_delta.
type MessageUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens,omitempty"`
}

// MessageStop closes the message.
type MessageStop struct {
	Type string `json:"type"`
}

// ErrorPayload is an in-stream error.
type ErrorPayload struct {
	Type  string                   `json:"type"`
	Error adapters.ClaudeErrorBody `json:"error"`
}

// ErrorEvent builds an in-stream error event.
func ErrorEvent(errType, message string) Event {
	return Event{Name: EventError, Data: ErrorPayload{
		Type:  "error",
		Error: adapters.ClaudeErrorBody{Type: errType, Message: message},
	}}
}

func ptr[T any](v T) *T { return &v }

// rawJSON returns v when it is a JSON object, otherwise an empty object.
func rawJSON(v []byte) json.RawMessage {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || v[0] != '{' || !json.Valid(v) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(v)
}
