// Package adapters defines the wire types of the three client protocols and
// the backend's native protocol.
//
// DESIGN: Every inbound protocol converges on the Claude Messages shape:
//   - Anthropic:  used as-is
//   - OpenAI:     converted with ConvertOpenAIRequest
//   - Gemini:     native, passed through inside the backend envelope
//
// All types needed by transform, streaming and gateway are defined here.
// This eliminates circular imports and provides clear contracts.
package adapters

import "encoding/json"

// =============================================================================
// PROVIDER TYPES - Used for identification and error rendering
// =============================================================================

// Provider identifies which client protocol a request arrived in.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
)

// String returns the provider name.
func (p Provider) String() string {
	return string(p)
}

// =============================================================================
// TOOL TYPES - OpenAI function tool representation
// =============================================================================

// Tool represents a tool definition in OpenAI format.
type Tool struct {
	Type     string       `json:"type"` // Always "function"
	Function ToolFunction `json:"function"`
}

// ToolFunction contains the function schema.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema
}

// =============================================================================
// USAGE TYPES - Token usage extracted from the backend response
// =============================================================================

// UsageInfo holds token usage reported by the backend.
type UsageInfo struct {
	InputTokens          int
	OutputTokens         int
	TotalTokens          int
	CacheReadInputTokens int // prompt tokens served from the backend's context cache
	ThinkingTokens       int
}
