package compression

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/relay-gateway/internal/adapters"
	"github.com/compresr/relay-gateway/internal/config"
)

const million = 1_000_000

type fakeSummarizer struct {
	calls   []SummaryRequest
	summary string
	err     error
}

func (f *fakeSummarizer) Summarize(_ context.Context, req SummaryRequest) (string, error) {
	f.calls = append(f.calls, req)
	return f.summary, f.err
}

func testConfig() config.CompressionConfig {
	return config.CompressionConfig{
		Enabled:             true,
		ToolTrimThreshold:   0.70,
		ThinkingThreshold:   0.85,
		SummaryThreshold:    0.90,
		KeepToolMessages:    1,
		KeepThinkingTurns:   1,
		DefaultContextLimit: million,
	}
}

func text(role, s string) adapters.Message {
	return adapters.Message{Role: role, Content: adapters.MessageContent{{Type: adapters.BlockText, Text: s}}}
}

// tokens returns a string the CharEstimator counts as n tokens.
func tokens(n int) string { return strings.Repeat("abcd", n) }

func toolRound(id string, outputTokens int) []adapters.Message {
	result, _ := json.Marshal(tokens(outputTokens))
	return []adapters.Message{
		{Role: "assistant", Content: adapters.MessageContent{{Type: adapters.BlockToolUse, ID: id, Name: "read", Input: json.RawMessage(`{}`)}}},
		{Role: "user", Content: adapters.MessageContent{{Type: adapters.BlockToolResult, ToolUseID: id, Content: result}}},
	}
}

func TestApply_ToolTrimAloneSuffices(t *testing.T) {
	// 20k of prompt + 9 tool results of 100k each: 92% of a 1M window.
	msgs := []adapters.Message{text("user", tokens(20_000))}
	for i := range 9 {
		msgs = append(msgs, toolRound(fmt.Sprintf("t%d", i), 100_000)...)
	}
	req := &adapters.ClaudeRequest{Messages: msgs}

	sum := &fakeSummarizer{summary: "s"}
	c := New(testConfig(), CharEstimator{}, NewCalibrator(), sum)
	res, err := c.Apply(context.Background(), req, "m", million, "")
	require.NoError(t, err)

	assert.InDelta(t, 0.92, float64(res.Before)/million, 0.01)
	assert.Equal(t, []Tier{TierToolTrim}, res.Tiers)
	assert.Less(t, float64(res.After)/million, 0.70)
	assert.Empty(t, sum.calls)

	require.Len(t, req.Messages, 19, "tier 1 keeps every message")
	assert.Equal(t, trimmedToolOutput, req.Messages[2].Content[0].ResultText())
	assert.Equal(t, tokens(100_000), req.Messages[18].Content[0].ResultText())
}

func TestApply_FallsThroughToSummary(t *testing.T) {
	// Plain text history at 92%: tiers 1 and 2 free nothing, tier 3 forks.
	var msgs []adapters.Message
	for range 4 {
		msgs = append(msgs, text("user", tokens(115_000)), text("assistant", tokens(115_000)))
	}
	msgs = append(msgs, text("user", "what next?"))
	req := &adapters.ClaudeRequest{Messages: msgs}
	sig := strings.Repeat("z", 80)

	sum := &fakeSummarizer{summary: "<state_snapshot>done</state_snapshot>"}
	c := New(testConfig(), CharEstimator{}, NewCalibrator(), sum)
	res, err := c.Apply(context.Background(), req, "claude-sonnet-4-5", million, sig)
	require.NoError(t, err)

	assert.Equal(t, []Tier{TierToolTrim, TierThinking, TierSummary}, res.Tiers)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content[0].Text, "<state_snapshot>done</state_snapshot>")
	assert.Equal(t, "assistant", req.Messages[1].Role)
	assert.Equal(t, SummaryAck, req.Messages[1].Content[0].Text)
	assert.Equal(t, "what next?", req.Messages[2].Content[0].Text)

	require.Len(t, sum.calls, 1)
	assert.Contains(t, sum.calls[0].Prompt, "<continuation_signature>"+sig+"</continuation_signature>")
	assert.Equal(t, SummarySystemPrompt, sum.calls[0].System)
	assert.Equal(t, "claude-sonnet-4-5", sum.calls[0].Model)
}

func TestApply_SummaryKeepsToolCallWithResultTail(t *testing.T) {
	msgs := []adapters.Message{
		text("user", tokens(310_000)),
		text("assistant", tokens(310_000)),
		text("user", tokens(310_000)),
	}
	msgs = append(msgs, toolRound("last", 10)...)
	req := &adapters.ClaudeRequest{Messages: msgs}

	cfg := testConfig()
	cfg.KeepToolMessages = 5
	c := New(cfg, CharEstimator{}, nil, &fakeSummarizer{summary: "s"})
	_, err := c.Apply(context.Background(), req, "m", million, "")
	require.NoError(t, err)

	require.Len(t, req.Messages, 4)
	assert.Equal(t, adapters.BlockToolUse, req.Messages[2].Content[0].Type)
	assert.Equal(t, adapters.BlockToolResult, req.Messages[3].Content[0].Type)
}

func TestApply_SummaryFailureIsTerminal(t *testing.T) {
	req := &adapters.ClaudeRequest{Messages: []adapters.Message{
		text("user", tokens(500_000)), text("assistant", tokens(450_000)), text("user", "next"),
	}}
	boom := errors.New("backend down")
	c := New(testConfig(), CharEstimator{}, nil, &fakeSummarizer{err: boom})

	_, err := c.Apply(context.Background(), req, "m", million, "")
	require.ErrorIs(t, err, ErrContextTooLong)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, req.Messages, 3, "history untouched on failure")
}

func TestApply_StillTooLongAfterSummary(t *testing.T) {
	req := &adapters.ClaudeRequest{Messages: []adapters.Message{
		text("user", tokens(10)), text("assistant", tokens(10)), text("user", tokens(1_200_000)),
	}}
	c := New(testConfig(), CharEstimator{}, nil, &fakeSummarizer{summary: "s"})
	_, err := c.Apply(context.Background(), req, "m", million, "")
	assert.ErrorIs(t, err, ErrContextTooLong)
}

func TestApply_BelowThresholdOrDisabled(t *testing.T) {
	req := &adapters.ClaudeRequest{Messages: []adapters.Message{text("user", tokens(100))}}
	c := New(testConfig(), CharEstimator{}, nil, nil)
	res, err := c.Apply(context.Background(), req, "m", 1000, "")
	require.NoError(t, err)
	assert.False(t, res.Compressed())

	cfg := testConfig()
	cfg.Enabled = false
	c = New(cfg, CharEstimator{}, nil, nil)
	res, err = c.Apply(context.Background(), req, "m", 50, "")
	require.NoError(t, err)
	assert.False(t, res.Compressed())
	assert.Equal(t, 100, res.Before)
}

func TestStripThinking_KeepsSignatures(t *testing.T) {
	sig := strings.Repeat("q", 60)
	msgs := []adapters.Message{
		{Role: "assistant", Content: adapters.MessageContent{{Type: adapters.BlockThinking, Thinking: "old", Signature: sig}, {Type: adapters.BlockText, Text: "a"}}},
		text("user", "u"),
		{Role: "assistant", Content: adapters.MessageContent{{Type: adapters.BlockThinking, Thinking: "new", Signature: sig}}},
	}
	assert.Equal(t, 1, stripThinking(msgs, 1))
	assert.Equal(t, "", msgs[0].Content[0].Thinking)
	assert.Equal(t, sig, msgs[0].Content[0].Signature)
	assert.Equal(t, "new", msgs[2].Content[0].Thinking)
}

func TestCalibrator(t *testing.T) {
	c := NewCalibrator()
	assert.Equal(t, 1000, c.Adjust("m", 1000))

	c.Observe("m", 1000, 1500)
	assert.InDelta(t, 1.5, c.Ratio("m"), 1e-9)
	c.Observe("m", 1000, 1000)
	assert.InDelta(t, 1.35, c.Ratio("m"), 1e-9)

	c.Observe("wild", 100, 10_000)
	assert.InDelta(t, maxRatio, c.Ratio("wild"), 1e-9)
	c.Observe("m", 0, 10)
	assert.InDelta(t, 1.35, c.Ratio("m"), 1e-9)

	var nilCal *Calibrator
	assert.Equal(t, 7, nilCal.Adjust("m", 7))
}

func TestCharEstimator(t *testing.T) {
	req := &adapters.ClaudeRequest{
		System:   adapters.SystemPrompt{{Type: adapters.BlockText, Text: "abcd"}},
		Messages: []adapters.Message{text("user", "abcdefgh")},
	}
	assert.Equal(t, 3, CharEstimator{}.Estimate(req))
}

func TestFormatMessages(t *testing.T) {
	msgs := append([]adapters.Message{text("user", "hi")}, toolRound("t1", 1)...)
	out := FormatMessages(msgs)
	assert.Contains(t, out, "[user]: hi")
	assert.Contains(t, out, "[assistant called read]: {}")
	assert.Contains(t, out, "[tool result]: abcd")
}
