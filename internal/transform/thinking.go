package transform

import (
	"github.com/compresr/relay-gateway/internal/adapters"
	"github.com/compresr/relay-gateway/internal/signature"
)

// Reasons thinking was switched off for a request.
const (
	ThinkingOffNotRequested   = "not_requested"
	ThinkingOffUnsupported    = "model_unsupported"
	ThinkingOffIncompatible   = "incompatible_history"
	ThinkingOffNoSignature    = "missing_signature"
	ThinkingOffSessionFlagged = "signature_rejected"
)

// thinkingAdmission decides whether thinking can be enabled for this turn.
// Returns the decision and, when off, the reason.
func (t *Transformer) thinkingAdmission(req *adapters.ClaudeRequest, messages []adapters.Message, model, sessionID string, opts BuildOptions) (bool, string) {
	requested := req.Thinking.Enabled() || ImpliesThinking(model) || ImpliesThinking(req.Model)
	if !requested {
		return false, ThinkingOffNotRequested
	}
	if opts.DisableThinking {
		return false, ThinkingOffSessionFlagged
	}
	if !SupportsThinking(model) {
		return false, ThinkingOffUnsupported
	}
	if incompatibleHistory(messages) {
		return false, ThinkingOffIncompatible
	}
	if idx := lastToolTurn(messages); idx >= 0 {
		if t.signatureFor(messages[idx], model, sessionID) == "" {
			return false, ThinkingOffNoSignature
		}
	}
	return true, ""
}

// incompatibleHistory reports whether the latest assistant turn called a tool
// without a thinking block. The backend rejects enabling thinking mid tool loop
// for such a history.
func incompatibleHistory(messages []adapters.Message) bool {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != "assistant" {
			continue
		}
		usesTool, hasThinking := false, false
		for _, b := range m.Content {
			switch b.Type {
			case adapters.BlockToolUse:
				usesTool = true
			case adapters.BlockThinking, adapters.BlockRedactedThinking:
				hasThinking = true
			}
		}
		return usesTool && !hasThinking
	}
	return false
}

// lastToolTurn returns the index of the latest assistant message carrying a tool call.
func lastToolTurn(messages []adapters.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "assistant" {
			continue
		}
		for _, b := range messages[i].Content {
			if b.Type == adapters.BlockToolUse {
				return i
			}
		}
		return -1
	}
	return -1
}

// signatureFor finds a replayable signature for an assistant turn:
// its own thinking block first, then the tool cache, then the session cache.
func (t *Transformer) signatureFor(m adapters.Message, model, sessionID string) string {
	for _, b := range m.Content {
		if b.Type == adapters.BlockThinking && t.usableSignature(b.Signature, model) {
			return b.Signature
		}
	}
	if t.cache == nil {
		return ""
	}
	for _, b := range m.Content {
		if b.Type != adapters.BlockToolUse {
			continue
		}
		if sig, ok := t.cache.ToolSignature(b.ID); ok && t.usableSignature(sig, model) {
			return sig
		}
	}
	if sig, ok := t.cache.SessionSignature(sessionID); ok && t.usableSignature(sig, model) {
		return sig
	}
	return ""
}

// usableSignature rejects noise and signatures issued by another model family.
func (t *Transformer) usableSignature(sig, model string) bool {
	if !signature.Valid(sig) {
		return false
	}
	if t.cache == nil {
		return true
	}
	if fam, ok := t.cache.Family(sig); ok && fam != Family(model) {
		return false
	}
	return true
}
