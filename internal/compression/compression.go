// Package compression shrinks oversized conversation histories in three tiers.
//
// DESIGN: tiers run in ascending severity and each one re-estimates usage:
//  1. tool-result trimming (keep the last N results)
//  2. thinking compression (keep signatures, drop text outside the last N turns)
//  3. fork + summarize (one backend call replaces the history)
//
// A tier runs only while calibrated usage is still at or above its threshold.
package compression

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/compresr/relay-gateway/internal/adapters"
	"github.com/compresr/relay-gateway/internal/config"
)

// ErrContextTooLong means the request still does not fit after every tier.
var ErrContextTooLong = errors.New("context too long")

// trimmedToolOutput replaces tool results removed by tier 1.
const trimmedToolOutput = "[tool output removed to save context]"

// Tier is a compression level.
type Tier int

const (
	TierToolTrim Tier = iota + 1
	TierThinking
	TierSummary
)

func (t Tier) String() string {
	switch t {
	case TierToolTrim:
		return "tool_trim"
	case TierThinking:
		return "thinking"
	case TierSummary:
		return "summary"
	default:
		return "none"
	}
}

// Result describes what Apply did.
type Result struct {
	Tiers  []Tier
	Before int // calibrated tokens before compression
	After  int
	Limit  int
}

// Compressed reports whether any tier ran.
func (r *Result) Compressed() bool { return r != nil && len(r.Tiers) > 0 }

// Compressor applies progressive compression. Safe for concurrent use.
type Compressor struct {
	cfg        config.CompressionConfig
	estimator  Estimator
	calibrator *Calibrator
	summarizer Summarizer
}

// New creates a compressor. summarizer may be nil, in which case tier 3 fails.
func New(cfg config.CompressionConfig, estimator Estimator, calibrator *Calibrator, summarizer Summarizer) *Compressor {
	if estimator == nil {
		estimator = CharEstimator{}
	}
	return &Compressor{cfg: cfg, estimator: estimator, calibrator: calibrator, summarizer: summarizer}
}

// Estimate returns the calibrated token estimate of a request.
func (c *Compressor) Estimate(req *adapters.ClaudeRequest, model string) int {
	return c.calibrator.Adjust(model, c.estimator.Estimate(req))
}

// Raw returns the uncalibrated estimate, used to feed the calibrator.
func (c *Compressor) Raw(req *adapters.ClaudeRequest) int {
	return c.estimator.Estimate(req)
}

// Apply compresses req.Messages in place when usage crosses the thresholds.
// signature is the last valid continuation signature, passed to the summary call.
func (c *Compressor) Apply(ctx context.Context, req *adapters.ClaudeRequest, model string, limit int, signature string) (*Result, error) {
	if limit <= 0 {
		limit = c.cfg.DefaultContextLimit
	}
	res := &Result{Limit: limit}
	res.Before = c.Estimate(req, model)
	res.After = res.Before
	if !c.cfg.Enabled || limit <= 0 {
		return res, nil
	}

	usage := func() float64 { return float64(res.After) / float64(limit) }

	if usage() >= c.cfg.ToolTrimThreshold {
		n := trimToolResults(req.Messages, c.cfg.KeepToolMessages)
		res.Tiers = append(res.Tiers, TierToolTrim)
		res.After = c.Estimate(req, model)
		log.Info().Str("model", model).Int("trimmed", n).Int("tokens", res.After).Float64("usage", usage()).Msg("compression: tool results trimmed")
	}
	if usage() >= c.cfg.ThinkingThreshold {
		n := stripThinking(req.Messages, c.cfg.KeepThinkingTurns)
		res.Tiers = append(res.Tiers, TierThinking)
		res.After = c.Estimate(req, model)
		log.Info().Str("model", model).Int("stripped", n).Int("tokens", res.After).Float64("usage", usage()).Msg("compression: thinking stripped")
	}
	if usage() >= c.cfg.SummaryThreshold {
		res.Tiers = append(res.Tiers, TierSummary)
		if err := c.summarize(ctx, req, model, signature); err != nil {
			log.Error().Err(err).Str("model", model).Msg("compression: summary failed")
			return res, fmt.Errorf("%w: %w", ErrContextTooLong, err)
		}
		res.After = c.Estimate(req, model)
		log.Info().Str("model", model).Int("messages", len(req.Messages)).Int("tokens", res.After).Msg("compression: history summarized")
	}
	if usage() >= 1 {
		return res, fmt.Errorf("%w: %d estimated tokens exceed the %d token limit", ErrContextTooLong, res.After, limit)
	}
	return res, nil
}

// =============================================================================
// TIERS
// =============================================================================

// trimToolResults empties every tool result except those in the last keep
// result-bearing messages. The blocks stay so call/result pairing remains valid.
func trimToolResults(messages []adapters.Message, keep int) int {
	seen, trimmed := 0, 0
	for i := len(messages) - 1; i >= 0; i-- {
		if !hasToolResult(messages[i]) {
			continue
		}
		seen++
		if seen <= keep {
			continue
		}
		content := make(adapters.MessageContent, len(messages[i].Content))
		for j, b := range messages[i].Content {
			if b.Type == adapters.BlockToolResult && b.ResultText() != trimmedToolOutput {
				b.Content = []byte(`"` + trimmedToolOutput + `"`)
				trimmed++
			}
			content[j] = b
		}
		messages[i].Content = content
	}
	return trimmed
}

// stripThinking clears thinking text outside the last keep assistant turns,
// leaving signatures in place.
func stripThinking(messages []adapters.Message, keep int) int {
	seen, stripped := 0, 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "assistant" {
			continue
		}
		seen++
		if seen <= keep {
			continue
		}
		content := make(adapters.MessageContent, len(messages[i].Content))
		for j, b := range messages[i].Content {
			if b.Type == adapters.BlockThinking && b.Thinking != "" {
				b.Thinking = ""
				stripped++
			}
			content[j] = b
		}
		messages[i].Content = content
	}
	return stripped
}

func (c *Compressor) summarize(ctx context.Context, req *adapters.ClaudeRequest, model, signature string) error {
	if c.summarizer == nil {
		return errors.New("no summarizer configured")
	}
	cut := tailStart(req.Messages)
	if cut <= 0 {
		return errors.New("nothing to summarize before the last turn")
	}

	summaryModel := c.cfg.SummaryModel
	if summaryModel == "" {
		summaryModel = model
	}
	summary, err := c.summarizer.Summarize(ctx, BuildSummaryRequest(summaryModel, req.Messages[:cut], signature))
	if err != nil {
		return err
	}
	if summary == "" {
		return errors.New("empty summary")
	}

	tail := req.Messages[cut:]
	out := make([]adapters.Message, 0, 2+len(tail))
	out = append(out, summaryPrefix(summary)...)
	out = append(out, tail...)
	req.Messages = out
	return nil
}

// tailStart returns the index where the kept tail begins: the last user turn,
// plus the tool call it answers when it carries tool results.
func tailStart(messages []adapters.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		if hasToolResult(messages[i]) && i > 0 && messages[i-1].Role == "assistant" {
			return i - 1
		}
		return i
	}
	return -1
}

func hasToolResult(m adapters.Message) bool {
	if m.Role != "user" {
		return false
	}
	for _, b := range m.Content {
		if b.Type == adapters.BlockToolResult {
			return true
		}
	}
	return false
}
