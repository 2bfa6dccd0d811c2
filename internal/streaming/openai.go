package streaming

import (
	"encoding/json"
	"strings"

	"github.com/compresr/relay-gateway/internal/adapters"
)

// FinishReason maps an Anthropic stop reason onto the OpenAI finish_reason.
func FinishReason(stopReason string) string {
	switch stopReason {
	case StopToolUse:
		return "tool_calls"
	case StopMaxTokens:
		return "length"
	default:
		return "stop"
	}
}

// OpenAIStream translates Anthropic events into chat.completion.chunk objects.
type OpenAIStream struct {
	id      string
	model   string
	created int64
	tools   map[int]int // block index -> tool call index
}

// NewOpenAIStream creates a translator for one response.
func NewOpenAIStream(id, model string, created int64) *OpenAIStream {
	return &OpenAIStream{id: id, model: model, created: created, tools: make(map[int]int)}
}

// Translate converts one event. Events with no OpenAI equivalent yield nothing.
func (s *OpenAIStream) Translate(ev Event) []adapters.ChatCompletion {
	switch d := ev.Data.(type) {
	case MessageStart:
		return s.chunk(&adapters.ChatOutput{Role: "assistant", Content: ptr("")}, nil, nil)

	case BlockStart:
		if d.ContentBlock.Type != adapters.BlockToolUse {
			return nil
		}
		idx := len(s.tools)
		s.tools[d.Index] = idx
		return s.chunk(&adapters.ChatOutput{ToolCalls: []adapters.ToolCall{{
			Index:    ptr(idx),
			ID:       d.ContentBlock.ID,
			Type:     "function",
			Function: adapters.ToolCallFunction{Name: d.ContentBlock.Name},
		}}}, nil, nil)

	case BlockDelta:
		switch d.Delta.Type {
		case DeltaText:
			return s.chunk(&adapters.ChatOutput{Content: d.Delta.Text}, nil, nil)
		case DeltaThinking:
			return s.chunk(&adapters.ChatOutput{ReasoningContent: deref(d.Delta.Thinking)}, nil, nil)
		case DeltaInputJSON:
			idx, ok := s.tools[d.Index]
			if !ok {
				return nil
			}
			return s.chunk(&adapters.ChatOutput{ToolCalls: []adapters.ToolCall{{
				Index:    ptr(idx),
				Function: adapters.ToolCallFunction{Arguments: deref(d.Delta.PartialJSON)},
			}}}, nil, nil)
		}

	case MessageDelta:
		usage := &adapters.ChatUsage{
			PromptTokens:     d.Usage.InputTokens + d.Usage.CacheReadInputTokens,
			CompletionTokens: d.Usage.OutputTokens,
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		return s.chunk(&adapters.ChatOutput{}, ptr(FinishReason(d.Delta.StopReason)), usage)
	}
	return nil
}

func (s *OpenAIStream) chunk(delta *adapters.ChatOutput, finish *string, usage *adapters.ChatUsage) []adapters.ChatCompletion {
	return []adapters.ChatCompletion{{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []adapters.ChatChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}}
}

// EncodeChunk renders a chunk as an SSE data line.
func EncodeChunk(c adapters.ChatCompletion) []byte {
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	return append(append([]byte("data: "), data...), '\n', '\n')
}

// DoneLine terminates an OpenAI stream.
var DoneLine = []byte("data: [DONE]\n\n")

// Completion converts a collected message into a chat.completion object.
func Completion(resp *adapters.ClaudeResponse, id, model string, created int64) adapters.ChatCompletion {
	var text, reasoning strings.Builder
	var calls []adapters.ToolCall
	for _, b := range resp.Content {
		switch b.Type {
		case adapters.BlockText:
			text.WriteString(deref(b.Text))
		case adapters.BlockThinking:
			reasoning.WriteString(deref(b.Thinking))
		case adapters.BlockToolUse:
			calls = append(calls, adapters.ToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: adapters.ToolCallFunction{Name: b.Name, Arguments: string(b.Input)},
			})
		}
	}
	msg := &adapters.ChatOutput{Role: "assistant", ReasoningContent: reasoning.String(), ToolCalls: calls}
	if text.Len() > 0 || len(calls) == 0 {
		msg.Content = ptr(text.String())
	}
	usage := &adapters.ChatUsage{
		PromptTokens:     resp.Usage.InputTokens + resp.Usage.CacheReadInputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return adapters.ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []adapters.ChatChoice{{Index: 0, Message: msg, FinishReason: ptr(FinishReason(resp.StopReason))}},
		Usage:   usage,
	}
}
