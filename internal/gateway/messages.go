// Package gateway - messages.go serves the Anthropic Messages API.
//
// FLOW:
//  1. Decode and validate the request
//  2. Compress the history when it approaches the context limit
//  3. Run the retry loop with a per-account body builder
//  4. Convert the backend SSE stream into Anthropic events, either
//     forwarded as SSE or folded into one JSON message
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/relay-gateway/internal/accounts"
	"github.com/compresr/relay-gateway/internal/adapters"
	"github.com/compresr/relay-gateway/internal/compression"
	"github.com/compresr/relay-gateway/internal/streaming"
	"github.com/compresr/relay-gateway/internal/transform"
	"github.com/compresr/relay-gateway/internal/upstream"
	"github.com/compresr/relay-gateway/internal/utils"
)

// errClientGone stops a pump once the client stopped reading.
var errClientGone = errors.New("client disconnected")

// claudeRun is an accepted backend stream for a Claude-shaped request.
type claudeRun struct {
	result *upstreamResult
	opts   streaming.Options
	mapped string
	raw    int // uncalibrated estimate of the final request
}

func (run *claudeRun) Close() { run.result.Close() }

// newProcessor starts the event state machine for the run.
func (run *claudeRun) newProcessor() *streaming.Processor {
	return streaming.NewProcessor(run.opts)
}

// setHeaders exposes the serving account and backend model.
func (run *claudeRun) setHeaders(w http.ResponseWriter) {
	w.Header().Set(HeaderAccountEmail, run.result.lease.Email)
	w.Header().Set(HeaderMappedModel, run.mapped)
}

// handleMessages serves POST /v1/messages.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	rec := newRecord(r, adapters.ProviderAnthropic)
	body, gerr := readBody(w, r)
	if gerr != nil {
		g.complete(w, rec, gerr)
		return
	}
	var req adapters.ClaudeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		g.complete(w, rec, invalidRequest("invalid JSON body: %v", err))
		return
	}
	rec.event.Stream = req.Stream

	run, err := g.startClaude(r.Context(), rec, &req)
	if err != nil {
		g.complete(w, rec, err)
		return
	}
	defer run.Close()

	if req.Stream {
		g.complete(w, rec, g.streamClaude(r.Context(), w, rec, run))
		return
	}
	resp, err := g.collectClaude(r.Context(), rec, run)
	if err != nil {
		g.complete(w, rec, err)
		return
	}
	run.setHeaders(w)
	writeJSON(w, http.StatusOK, resp)
	rec.started = true
	g.complete(w, rec, nil)
}

// handleCountTokens serves POST /v1/messages/count_tokens from the local estimator.
func (g *Gateway) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, gerr := readBody(w, r)
	if gerr != nil {
		writeError(w, adapters.ProviderAnthropic, gerr)
		return
	}
	var req adapters.ClaudeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, adapters.ProviderAnthropic, invalidRequest("invalid JSON body: %v", err))
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeError(w, adapters.ProviderAnthropic, invalidRequest("model is required"))
		return
	}
	mapped := g.transformer.Models().Resolve(req.Model)
	writeJSON(w, http.StatusOK, adapters.CountTokensResponse{InputTokens: g.compressor.Estimate(&req, mapped)})
}

// startClaude compresses, then leases accounts until the backend accepts the
// request. The caller must Close the run.
func (g *Gateway) startClaude(ctx context.Context, rec *requestRecord, req *adapters.ClaudeRequest) (*claudeRun, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, invalidRequest("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, invalidRequest("messages must not be empty")
	}
	for i, m := range req.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return nil, invalidRequest("messages.%d.role: unexpected role %q", i, m.Role)
		}
	}

	models := g.transformer.Models()
	mapped := models.ResolveThinking(req.Model, req.Thinking.Enabled())
	sessionID := transform.DeriveSessionID(req)
	rec.event.Model = req.Model
	rec.event.MappedModel = mapped
	rec.event.SessionID = sessionID

	signature, _ := g.cache.SessionSignature(sessionID)
	cres, err := g.compressor.Apply(ctx, req, mapped, models.ContextLimit(mapped), signature)
	rec.applyCompression(cres)
	if cres.Compressed() {
		g.metrics.RecordCompression(slices.Contains(cres.Tiers, compression.TierSummary))
	}
	if err != nil {
		if errors.Is(err, compression.ErrContextTooLong) {
			g.metrics.RecordContextTooLong()
		}
		return nil, err
	}
	raw := g.compressor.Raw(req)

	call := &upstreamCall{
		requestID: rec.event.RequestID,
		model:     mapped,
		sessionID: sessionID,
		method:    upstream.MethodStreamGenerate,
		query:     upstream.StreamQuery,
		build: func(lease *accounts.Lease, disableThinking bool) ([]byte, *transform.Result, error) {
			built, err := g.transformer.Build(req, lease.ProjectID, transform.BuildOptions{
				SessionID:       sessionID,
				DisableThinking: disableThinking,
			})
			if err != nil {
				return nil, nil, err
			}
			return built.Body, built, nil
		},
	}
	rec.upstreamStart = time.Now()
	result, err := g.execute(ctx, call)
	rec.applyCall(call)
	if err != nil {
		return nil, err
	}
	rec.event.ThinkingEnabled = result.built.ThinkingEnabled
	mapped = result.built.MappedModel
	rec.event.MappedModel = mapped

	return &claudeRun{
		result: result,
		mapped: mapped,
		raw:    raw,
		opts: streaming.Options{
			Model:        req.Model,
			InputTokens:  cres.After,
			SessionID:    sessionID,
			MessageCount: result.built.MessageCount,
			Family:       transform.Family(mapped),
			Cache:        g.cache,
		},
	}, nil
}

// pump feeds the backend stream through proc and hands every batch to emit.
func pump(ctx context.Context, body io.Reader, proc *streaming.Processor, emit func([]streaming.Event) error) error {
	reader := streaming.NewReader(body)
	for {
		data, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return emit(proc.Finish())
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("read backend stream: %w", err)
		}
		if err := emit(proc.ProcessChunk(data)); err != nil {
			return err
		}
		if proc.Failed() {
			return nil
		}
	}
}

// streamClaude forwards the run as Anthropic SSE.
func (g *Gateway) streamClaude(ctx context.Context, w http.ResponseWriter, rec *requestRecord, run *claudeRun) error {
	flusher, _ := w.(http.Flusher)
	run.setHeaders(w)
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	rec.started = true

	proc := run.newProcessor()
	err := pump(ctx, run.result.resp.Body, proc, func(events []streaming.Event) error {
		for _, ev := range events {
			if _, err := w.Write(ev.Encode()); err != nil {
				return errClientGone
			}
		}
		if flusher != nil && len(events) > 0 {
			flusher.Flush()
		}
		return nil
	})
	g.finishUsage(rec, run, proc.Usage())

	switch {
	case err == nil && proc.Failed():
		return &gatewayError{Kind: KindUpstreamServerError, Status: http.StatusBadGateway, Message: "backend stream aborted"}
	case errors.Is(err, errClientGone):
		return context.Canceled
	case err != nil && ctx.Err() == nil:
		log.Error().Err(err).Str("request_id", rec.event.RequestID).Msg("gateway: backend stream failed")
		_, _ = w.Write(streaming.ErrorEvent("api_error", "backend stream interrupted").Encode())
		if flusher != nil {
			flusher.Flush()
		}
		return &gatewayError{Kind: KindUpstreamServerError, Status: http.StatusBadGateway, Message: "backend stream interrupted", Err: err}
	}
	return err
}

// collectClaude drains the run into one Anthropic message.
func (g *Gateway) collectClaude(ctx context.Context, rec *requestRecord, run *claudeRun) (*adapters.ClaudeResponse, error) {
	proc := run.newProcessor()
	collector := streaming.NewCollector()
	err := pump(ctx, run.result.resp.Body, proc, func(events []streaming.Event) error {
		collector.Add(events...)
		return nil
	})
	g.finishUsage(rec, run, proc.Usage())
	if err != nil {
		return nil, err
	}
	resp, err := collector.Response()
	if err != nil {
		var serr *streaming.StreamError
		if errors.As(err, &serr) {
			return nil, &gatewayError{Kind: KindUpstreamServerError, Status: http.StatusBadGateway, Message: serr.Message, Err: err}
		}
		return nil, err
	}
	return resp, nil
}

// finishUsage records backend usage and feeds the estimate calibrator.
func (g *Gateway) finishUsage(rec *requestRecord, run *claudeRun, usage adapters.ClaudeUsage) {
	rec.applyUsage(adapters.UsageInfo{
		InputTokens:          usage.InputTokens,
		OutputTokens:         usage.OutputTokens,
		CacheReadInputTokens: usage.CacheReadInputTokens,
	})
	if actual := usage.InputTokens + usage.CacheReadInputTokens; actual > 0 {
		g.calibrator.Observe(run.mapped, run.raw, actual)
	}
	g.metrics.RecordAPIUsage(usage.InputTokens, usage.OutputTokens, usage.CacheReadInputTokens)
}

func setSSEHeaders(w http.ResponseWriter) {
	// a stream lasts as long as the client and backend keep it open
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := utils.MarshalNoEscape(v)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
