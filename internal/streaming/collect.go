package streaming

import (
	"fmt"
	"strings"

	"github.com/compresr/relay-gateway/internal/adapters"
)

// StreamError is an error event seen while collecting a stream.
type StreamError struct {
	Type    string
	Message string
}

func (e *StreamError) Error() string { return fmt.Sprintf("%s: %s", e.Type, e.Message) }

// Collector folds events into a non-streaming response.
type Collector struct {
	resp   adapters.ClaudeResponse
	blocks []*collected
	err    *StreamError
}

type collected struct {
	block     adapters.ResponseBlock
	text      strings.Builder
	thinking  strings.Builder
	signature string
	input     strings.Builder
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{resp: adapters.ClaudeResponse{Type: "message", Role: "assistant"}}
}

// Add consumes events in stream order.
func (c *Collector) Add(events ...Event) {
	for _, ev := range events {
		switch d := ev.Data.(type) {
		case MessageStart:
			c.resp.ID = d.Message.ID
			c.resp.Model = d.Message.Model
			c.resp.Usage = d.Message.Usage
		case BlockStart:
			c.blocks = append(c.blocks, &collected{block: d.ContentBlock})
		case BlockDelta:
			if len(c.blocks) == 0 {
				continue
			}
			b := c.blocks[len(c.blocks)-1]
			switch d.Delta.Type {
			case DeltaText:
				b.text.WriteString(deref(d.Delta.Text))
			case DeltaThinking:
				b.thinking.WriteString(deref(d.Delta.Thinking))
			case DeltaSignature:
				b.signature = deref(d.Delta.Signature)
			case DeltaInputJSON:
				b.input.WriteString(deref(d.Delta.PartialJSON))
			}
		case MessageDelta:
			c.resp.StopReason = d.Delta.StopReason
			c.resp.Usage = adapters.ClaudeUsage{
				InputTokens:          d.Usage.InputTokens,
				OutputTokens:         d.Usage.OutputTokens,
				CacheReadInputTokens: d.Usage.CacheReadInputTokens,
			}
		case ErrorPayload:
			c.err = &StreamError{Type: d.Error.Type, Message: d.Error.Message}
		}
	}
}

// Response returns the assembled message, or the stream's error event.
func (c *Collector) Response() (*adapters.ClaudeResponse, error) {
	if c.err != nil {
		return nil, c.err
	}
	resp := c.resp
	resp.Content = make([]adapters.ResponseBlock, 0, len(c.blocks))
	for _, b := range c.blocks {
		out := adapters.ResponseBlock{Type: b.block.Type}
		switch b.block.Type {
		case adapters.BlockText:
			out.Text = ptr(b.text.String())
		case adapters.BlockThinking:
			out.Thinking = ptr(b.thinking.String())
			out.Signature = ptr(b.signature)
		case adapters.BlockToolUse:
			out.ID = b.block.ID
			out.Name = b.block.Name
			out.Input = rawJSON([]byte(b.input.String()))
		}
		resp.Content = append(resp.Content, out)
	}
	if resp.StopReason == "" {
		resp.StopReason = StopEndTurn
	}
	return &resp, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
