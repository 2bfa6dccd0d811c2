package compression

import (
	"context"
	"fmt"
	"strings"

	"github.com/compresr/relay-gateway/internal/adapters"
)

// Summarizer produces a summary of a conversation prefix with one backend call.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// SummaryRequest is the input of one summary call.
type SummaryRequest struct {
	Model    string
	System   string
	Prompt   string
	Messages []adapters.Message
}

// SummarySystemPrompt instructs the backend to write an XML state snapshot.
const SummarySystemPrompt = `You compress long agentic coding conversations into a state snapshot that lets the assistant continue the work without the original history.

Write ONLY the following XML, filling every section. Be specific: keep file paths, function names, commands, error messages and decisions verbatim.

<state_snapshot>
  <overall_goal>The user's high-level objective.</overall_goal>
  <key_knowledge>Facts, constraints and conventions discovered so far.</key_knowledge>
  <file_system_state>Files read, created or modified, with the relevant details.</file_system_state>
  <recent_actions>The last actions taken and their outcomes.</recent_actions>
  <current_plan>Numbered plan with [DONE], [IN PROGRESS] and [TODO] markers.</current_plan>
  <continuation_signature>Copy the signature given in the request verbatim, or leave empty.</continuation_signature>
</state_snapshot>`

// SummaryAck is the synthetic assistant turn that follows the summary.
const SummaryAck = "Understood. I have the full context from the summary above and will continue from where we left off."

// BuildSummaryRequest renders a history prefix into a single summary request.
func BuildSummaryRequest(model string, history []adapters.Message, signature string) SummaryRequest {
	var b strings.Builder
	b.WriteString("Summarize the following conversation.\n\n")
	if signature != "" {
		fmt.Fprintf(&b, "<continuation_signature>%s</continuation_signature>\n\n", signature)
	}
	b.WriteString(FormatMessages(history))
	prompt := b.String()
	return SummaryRequest{
		Model:  model,
		System: SummarySystemPrompt,
		Prompt: prompt,
		Messages: []adapters.Message{{
			Role:    "user",
			Content: adapters.MessageContent{{Type: adapters.BlockText, Text: prompt}},
		}},
	}
}

// FormatMessages renders messages as a plain-text transcript.
func FormatMessages(messages []adapters.Message) string {
	var b strings.Builder
	for _, m := range messages {
		for _, blk := range m.Content {
			switch blk.Type {
			case adapters.BlockText:
				fmt.Fprintf(&b, "[%s]: %s\n\n", m.Role, blk.Text)
			case adapters.BlockToolUse:
				fmt.Fprintf(&b, "[%s called %s]: %s\n\n", m.Role, blk.Name, string(blk.Input))
			case adapters.BlockToolResult:
				label := "tool result"
				if blk.IsError {
					label = "tool error"
				}
				fmt.Fprintf(&b, "[%s]: %s\n\n", label, blk.ResultText())
			case adapters.BlockImage, adapters.BlockDocument:
				fmt.Fprintf(&b, "[%s attached %s]\n\n", m.Role, blk.Type)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// summaryPrefix builds the synthetic two-message prefix that replaces the history.
func summaryPrefix(summary string) []adapters.Message {
	return []adapters.Message{
		{
			Role: "user",
			Content: adapters.MessageContent{{
				Type: adapters.BlockText,
				Text: "<conversation_summary>\n" + strings.TrimSpace(summary) + "\n</conversation_summary>",
			}},
		},
		{
			Role:    "assistant",
			Content: adapters.MessageContent{{Type: adapters.BlockText, Text: SummaryAck}},
		},
	}
}
