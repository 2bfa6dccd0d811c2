package transform

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/compresr/relay-gateway/internal/adapters"
)

// =============================================================================
// SYSTEM INSTRUCTION
// =============================================================================

// identityMarker is looked for in the caller's system prompt before injecting the default identity.
const identityMarker = "You are Antigravity"

const defaultIdentity = "You are Antigravity, a powerful agentic AI coding assistant. " +
	"You are pair programming with a USER to solve their coding task. " +
	"Follow the user's instructions and use the provided tools when they help."

const mcpToolHint = "When calling a tool whose name starts with mcp__, emit a function call with the exact tool name " +
	"and a JSON object of arguments matching its schema. If function calls are unavailable, wrap the call as " +
	"<mcp__toolname>{\"arg\":\"value\"}</mcp__toolname> in plain text."

// MCPPrefix is the namespace prefix of MCP-provided tools.
const MCPPrefix = "mcp__"

func buildSystemInstruction(system adapters.SystemPrompt, tools []adapters.ClaudeTool) *adapters.Content {
	text := system.Text()
	var parts []adapters.Part
	if !strings.Contains(text, identityMarker) {
		parts = append(parts, adapters.Part{Text: defaultIdentity})
	}
	if strings.TrimSpace(text) != "" {
		parts = append(parts, adapters.Part{Text: text})
	}
	for _, t := range tools {
		if strings.HasPrefix(t.Name, MCPPrefix) {
			parts = append(parts, adapters.Part{Text: mcpToolHint})
			break
		}
	}
	return &adapters.Content{Role: "user", Parts: parts}
}

// =============================================================================
// CONTENTS
// =============================================================================

func (t *Transformer) buildContents(messages []adapters.Message, model, sessionID string, thinking bool) ([]adapters.Content, error) {
	toolNames := make(map[string]string)
	for _, m := range messages {
		for _, b := range m.Content {
			if b.Type == adapters.BlockToolUse && b.ID != "" {
				toolNames[b.ID] = b.Name
			}
		}
	}

	contents := make([]adapters.Content, 0, len(messages))
	for i, m := range messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		turnSig := ""
		if thinking && m.Role == "assistant" {
			turnSig = t.signatureFor(m, model, sessionID)
		}

		parts := make([]adapters.Part, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case adapters.BlockText:
				if strings.TrimSpace(b.Text) == "" {
					continue
				}
				parts = append(parts, adapters.Part{Text: b.Text})

			case adapters.BlockThinking:
				// Unsigned or foreign thoughts cannot be replayed. A signed block
				// with its text stripped still carries the signature.
				if !thinking || !t.usableSignature(b.Signature, model) {
					continue
				}
				parts = append(parts, adapters.Part{Text: b.Thinking, Thought: true, ThoughtSignature: b.Signature})

			case adapters.BlockRedactedThinking:
				continue

			case adapters.BlockToolUse:
				if b.Name == "" {
					return nil, invalid("messages[%d]: tool_use without a name", i)
				}
				args := b.Input
				if len(bytes.TrimSpace(args)) == 0 || !json.Valid(args) {
					args = json.RawMessage(`{}`)
				}
				p := adapters.Part{FunctionCall: &adapters.FunctionCall{ID: b.ID, Name: b.Name, Args: args}}
				if thinking {
					p.ThoughtSignature = t.toolSignature(b.ID, turnSig, model)
				}
				parts = append(parts, p)

			case adapters.BlockToolResult:
				name := toolNames[b.ToolUseID]
				if name == "" {
					name = b.ToolUseID
				}
				text := b.ResultText()
				if strings.TrimSpace(text) == "" {
					text = "(no output)"
				}
				key := "result"
				if b.IsError {
					key = "error"
				}
				parts = append(parts, adapters.Part{FunctionResponse: &adapters.FunctionResponse{
					ID:       b.ToolUseID,
					Name:     name,
					Response: map[string]any{key: text},
				}})

			case adapters.BlockImage, adapters.BlockDocument:
				if b.Source == nil {
					continue
				}
				if b.Source.Type == "base64" && b.Source.Data != "" {
					parts = append(parts, adapters.Part{InlineData: &adapters.InlineData{MimeType: b.Source.MediaType, Data: b.Source.Data}})
				} else if b.Source.URL != "" {
					parts = append(parts, adapters.Part{Text: b.Source.URL})
				}
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, adapters.Content{Role: role, Parts: parts})
	}
	if len(contents) == 0 {
		return nil, invalid("messages contain no content")
	}
	return contents, nil
}

// toolSignature picks the signature sent alongside a function call.
func (t *Transformer) toolSignature(toolID, turnSig, model string) string {
	if t.cache != nil && toolID != "" {
		if sig, ok := t.cache.ToolSignature(toolID); ok && t.usableSignature(sig, model) {
			return sig
		}
	}
	return turnSig
}

// =============================================================================
// TOOLS
// =============================================================================

func buildTools(tools []adapters.ClaudeTool, choice json.RawMessage) ([]adapters.GeminiTool, *adapters.ToolConfig, error) {
	if len(tools) == 0 {
		return nil, nil, nil
	}
	var decls []adapters.FunctionDeclaration
	search := false
	for _, tool := range tools {
		if tool.IsWebSearch() {
			search = true
			continue
		}
		if tool.Name == "" {
			return nil, nil, invalid("tool without a name")
		}
		params, err := CleanSchema(tool.InputSchema)
		if err != nil {
			return nil, nil, invalid("tool %q: %v", tool.Name, err)
		}
		decls = append(decls, adapters.FunctionDeclaration{Name: tool.Name, Description: tool.Description, Parameters: params})
	}

	// The backend does not combine hosted search with function declarations.
	if len(decls) == 0 {
		if search {
			return []adapters.GeminiTool{{GoogleSearch: &struct{}{}}}, nil, nil
		}
		return nil, nil, nil
	}
	return []adapters.GeminiTool{{FunctionDeclarations: decls}}, toolConfig(choice), nil
}

func toolConfig(choice json.RawMessage) *adapters.ToolConfig {
	fc := &adapters.FunctionCallingConfig{Mode: "VALIDATED"}
	var c struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if len(bytes.TrimSpace(choice)) > 0 && json.Unmarshal(choice, &c) == nil {
		switch c.Type {
		case "any":
			fc.Mode = "ANY"
		case "none":
			fc.Mode = "NONE"
		case "tool":
			fc.Mode = "ANY"
			if c.Name != "" {
				fc.AllowedFunctionNames = []string{c.Name}
			}
		}
	}
	return &adapters.ToolConfig{FunctionCallingConfig: fc}
}
