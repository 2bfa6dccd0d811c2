package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/compresr/relay-gateway/internal/accounts"
	"github.com/compresr/relay-gateway/internal/adapters"
	"github.com/compresr/relay-gateway/internal/compression"
	"github.com/compresr/relay-gateway/internal/streaming"
	"github.com/compresr/relay-gateway/internal/transform"
	"github.com/compresr/relay-gateway/internal/upstream"
)

const summaryMaxTokens = 8192

// backendSummarizer runs compression summaries through the account pool like
// any other request, with thinking disabled.
type backendSummarizer struct {
	g *Gateway
}

// Summarize implements compression.Summarizer.
func (s *backendSummarizer) Summarize(ctx context.Context, sreq compression.SummaryRequest) (string, error) {
	g := s.g
	req := &adapters.ClaudeRequest{
		Model:     sreq.Model,
		Messages:  sreq.Messages,
		MaxTokens: summaryMaxTokens,
		Thinking:  &adapters.ThinkingConfig{Type: "disabled"},
	}
	if sreq.System != "" {
		req.System = adapters.SystemPrompt{{Type: adapters.BlockText, Text: sreq.System}}
	}
	mapped := g.transformer.Models().Resolve(sreq.Model)
	// A fresh session keeps summary signatures out of the conversation's cache entry.
	sessionID := "summary-" + uuid.NewString()

	call := &upstreamCall{
		requestID:       "summary-" + uuid.NewString(),
		model:           mapped,
		sessionID:       sessionID,
		method:          upstream.MethodStreamGenerate,
		query:           upstream.StreamQuery,
		disableThinking: true,
		build: func(lease *accounts.Lease, _ bool) ([]byte, *transform.Result, error) {
			built, err := g.transformer.Build(req, lease.ProjectID, transform.BuildOptions{
				SessionID:       sessionID,
				DisableThinking: true,
			})
			if err != nil {
				return nil, nil, err
			}
			return built.Body, built, nil
		},
	}
	result, err := g.execute(ctx, call)
	if err != nil {
		return "", fmt.Errorf("summary call: %w", err)
	}
	defer result.Close()

	proc := streaming.NewProcessor(streaming.Options{Model: sreq.Model, Family: transform.Family(mapped)})
	collector := streaming.NewCollector()
	if err := pump(ctx, result.resp.Body, proc, func(events []streaming.Event) error {
		collector.Add(events...)
		return nil
	}); err != nil {
		return "", fmt.Errorf("summary stream: %w", err)
	}
	resp, err := collector.Response()
	if err != nil {
		return "", fmt.Errorf("summary stream: %w", err)
	}
	usage := proc.Usage()
	g.metrics.RecordAPIUsage(usage.InputTokens, usage.OutputTokens, usage.CacheReadInputTokens)

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == adapters.BlockText && block.Text != nil {
			b.WriteString(*block.Text)
		}
	}
	summary := strings.TrimSpace(b.String())
	if summary == "" {
		return "", errors.New("summary call returned no text")
	}
	return summary, nil
}
