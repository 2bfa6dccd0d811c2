// Package transform builds backend-native requests from Claude-shaped requests.
//
// DESIGN: Build runs a fixed pipeline, order matters:
//  1. merge consecutive same-role messages
//  2. strip cache_control annotations
//  3. move thinking blocks ahead of text/tool blocks in assistant turns
//  4. decide thinking admission
//  5. generation config (thinking budget capped for constrained models)
//  6. system instruction (identity + MCP hint)
//  7. contents and tool declarations
//  8. envelope with request id and project
package transform

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/compresr/relay-gateway/internal/adapters"
	"github.com/compresr/relay-gateway/internal/config"
	"github.com/compresr/relay-gateway/internal/signature"
)

// Error is a malformed client request. Never retried.
type Error struct {
	Message string
}

func (e *Error) Error() string { return "invalid request: " + e.Message }

func invalid(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Transformer is safe for concurrent use.
type Transformer struct {
	models *ModelMapper
	cache  *signature.Cache
}

// New creates a transformer. cache may be nil.
func New(models *ModelMapper, cache *signature.Cache) *Transformer {
	return &Transformer{models: models, cache: cache}
}

// Models returns the model mapper.
func (t *Transformer) Models() *ModelMapper { return t.models }

// BuildOptions carries per-request context.
type BuildOptions struct {
	SessionID string
	// DisableThinking forces thinking off, used after the backend rejected a signature.
	DisableThinking bool
}

// Result is a built backend request.
type Result struct {
	Envelope        adapters.Envelope
	Body            []byte
	MappedModel     string
	SessionID       string
	ThinkingEnabled bool
	ThinkingOff     string
	MessageCount    int
}

// Build converts a Claude request into a backend envelope.
func (t *Transformer) Build(req *adapters.ClaudeRequest, projectID string, opts BuildOptions) (*Result, error) {
	if req == nil {
		return nil, invalid("empty request")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, invalid("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, invalid("messages must not be empty")
	}
	for i, m := range req.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return nil, invalid("messages[%d]: unsupported role %q", i, m.Role)
		}
	}

	base := t.models.Resolve(req.Model)
	model := t.models.ResolveThinking(req.Model, req.Thinking.Enabled())
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = DeriveSessionID(req)
	}

	messages := MergeConsecutive(req.Messages)
	messages = StripCacheControl(messages)
	messages = ReorderThinking(messages)

	thinking, off := t.thinkingAdmission(req, messages, model, sessionID, opts)
	if !thinking && model != base {
		model = base
	}
	if !thinking && off != ThinkingOffNotRequested {
		log.Info().Str("model", model).Str("session", sessionID).Str("reason", off).Msg("transform: thinking disabled")
	}

	contents, err := t.buildContents(messages, model, sessionID, thinking)
	if err != nil {
		return nil, err
	}

	tools, toolConfig, err := buildTools(req.Tools, req.ToolChoice)
	if err != nil {
		return nil, err
	}

	native := adapters.GeminiRequest{
		Contents:          contents,
		SystemInstruction: buildSystemInstruction(req.System, req.Tools),
		GenerationConfig:  buildGenerationConfig(req, model, thinking),
		Tools:             tools,
		ToolConfig:        toolConfig,
		SessionID:         sessionID,
	}
	env := adapters.Envelope{
		Project:     projectID,
		RequestID:   "agent-" + uuid.NewString(),
		Request:     native,
		Model:       model,
		UserAgent:   "antigravity",
		RequestType: "agent",
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	return &Result{
		Envelope:        env,
		Body:            body,
		MappedModel:     model,
		SessionID:       sessionID,
		ThinkingEnabled: thinking,
		ThinkingOff:     off,
		MessageCount:    len(req.Messages),
	}, nil
}

// DeriveSessionID returns a stable conversation key: the client's user id when
// present, otherwise a hash of the first user text.
func DeriveSessionID(req *adapters.ClaudeRequest) string {
	if req.Metadata != nil && req.Metadata.UserID != "" {
		return req.Metadata.UserID
	}
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		for _, b := range m.Content {
			if b.Type == adapters.BlockText && b.Text != "" {
				h := sha256.Sum256([]byte(b.Text))
				n := int64(binary.BigEndian.Uint64(h[:8])) & 0x7FFFFFFFFFFFFFFF
				return "-" + strconv.FormatInt(n, 10)
			}
		}
	}
	return ""
}

// MergeConsecutive joins adjacent messages with the same role. The input is not modified.
func MergeConsecutive(messages []adapters.Message) []adapters.Message {
	out := make([]adapters.Message, 0, len(messages))
	for _, m := range messages {
		blocks := append(adapters.MessageContent(nil), m.Content...)
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, adapters.Message{Role: m.Role, Content: blocks})
	}
	return out
}

// StripCacheControl removes cache_control from every block.
func StripCacheControl(messages []adapters.Message) []adapters.Message {
	for i := range messages {
		for j := range messages[i].Content {
			messages[i].Content[j].CacheControl = nil
		}
	}
	return messages
}

// ReorderThinking moves thinking blocks to the front of assistant turns, keeping relative order.
func ReorderThinking(messages []adapters.Message) []adapters.Message {
	for i, m := range messages {
		if m.Role != "assistant" {
			continue
		}
		thinking := make(adapters.MessageContent, 0, len(m.Content))
		rest := make(adapters.MessageContent, 0, len(m.Content))
		for _, b := range m.Content {
			if b.Type == adapters.BlockThinking || b.Type == adapters.BlockRedactedThinking {
				thinking = append(thinking, b)
			} else {
				rest = append(rest, b)
			}
		}
		messages[i].Content = append(thinking, rest...)
	}
	return messages
}

func buildGenerationConfig(req *adapters.ClaudeRequest, model string, thinking bool) *adapters.GenerationConfig {
	gc := &adapters.GenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.StopSequences,
	}
	if !thinking {
		return gc
	}
	budget := config.DefaultThinkingBudget
	if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
		budget = req.Thinking.BudgetTokens
	}
	if ConstrainedThinking(model) && budget > config.ConstrainedThinkingBudget {
		budget = config.ConstrainedThinkingBudget
	}
	if gc.MaxOutputTokens > 0 && gc.MaxOutputTokens <= budget {
		gc.MaxOutputTokens = budget + config.ThinkingOutputHeadroom
	}
	gc.ThinkingConfig = &adapters.GeminiThinkingConfig{IncludeThoughts: true, ThinkingBudget: budget}
	return gc
}
