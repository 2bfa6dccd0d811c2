// Package gateway - gemini.go serves the Gemini-native /v1beta routes.
//
// DESIGN: Native bodies are already in the backend's request shape, so they
// are only wrapped in the envelope and the responses unwrapped. No compression
// or thinking-signature handling applies on this path.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/compresr/relay-gateway/internal/accounts"
	"github.com/compresr/relay-gateway/internal/adapters"
	"github.com/compresr/relay-gateway/internal/streaming"
	"github.com/compresr/relay-gateway/internal/transform"
	"github.com/compresr/relay-gateway/internal/upstream"
)

var geminiMethods = []string{"generateContent", "streamGenerateContent", "countTokens"}

// handleGeminiModels serves GET /v1beta/models.
func (g *Gateway) handleGeminiModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, adapters.GeminiModelList{
		Models: lo.Map(transform.BackendModels, func(id string, _ int) adapters.GeminiModel {
			return g.geminiModel(id)
		}),
	})
}

// handleGeminiModel serves GET /v1beta/models/{model}.
func (g *Gateway) handleGeminiModel(w http.ResponseWriter, r *http.Request) {
	id := g.transformer.Models().Resolve(r.PathValue("model"))
	if !slices.Contains(transform.BackendModels, id) {
		writeError(w, adapters.ProviderGemini, &gatewayError{
			Kind:    KindNotFound,
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("model %q is not served", r.PathValue("model")),
		})
		return
	}
	writeJSON(w, http.StatusOK, g.geminiModel(id))
}

func (g *Gateway) geminiModel(id string) adapters.GeminiModel {
	return adapters.GeminiModel{
		Name:                       "models/" + id,
		DisplayName:                id,
		SupportedGenerationMethods: geminiMethods,
		InputTokenLimit:            g.transformer.Models().ContextLimit(id),
	}
}

// handleGeminiGenerate serves POST /v1beta/models/{model}:{method}.
func (g *Gateway) handleGeminiGenerate(w http.ResponseWriter, r *http.Request) {
	rec := newRecord(r, adapters.ProviderGemini)
	model, method, ok := strings.Cut(r.PathValue("action"), ":")
	if !ok || (method != upstream.MethodGenerate && method != upstream.MethodStreamGenerate) {
		g.complete(w, rec, &gatewayError{
			Kind:    KindNotFound,
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("unsupported method %q", r.PathValue("action")),
		})
		return
	}
	stream := method == upstream.MethodStreamGenerate
	rec.event.Stream = stream

	body, gerr := readBody(w, r)
	if gerr != nil {
		g.complete(w, rec, gerr)
		return
	}
	mapped := g.transformer.Models().Resolve(model)
	sessionID := nativeSessionID(body)
	rec.event.Model = model
	rec.event.MappedModel = mapped
	rec.event.SessionID = sessionID

	call := &upstreamCall{
		requestID: rec.event.RequestID,
		model:     mapped,
		sessionID: sessionID,
		method:    method,
		build: func(lease *accounts.Lease, _ bool) ([]byte, *transform.Result, error) {
			wrapped, err := transform.WrapNative(body, mapped, lease.ProjectID, sessionID)
			return wrapped, nil, err
		},
	}
	if stream {
		call.query = upstream.StreamQuery
	}
	rec.upstreamStart = time.Now()
	result, err := g.execute(r.Context(), call)
	rec.applyCall(call)
	if err != nil {
		g.complete(w, rec, err)
		return
	}
	defer result.Close()

	w.Header().Set(HeaderAccountEmail, result.lease.Email)
	w.Header().Set(HeaderMappedModel, mapped)

	usage := &geminiUsage{}
	if stream {
		err = g.streamGemini(r.Context(), w, rec, result, usage)
	} else {
		err = g.forwardGemini(w, rec, result, usage)
	}
	rec.applyUsage(usage.Usage())
	g.metrics.RecordAPIUsage(usage.usage.InputTokens, usage.usage.OutputTokens, usage.usage.CacheReadInputTokens)
	g.complete(w, rec, err)
}

// streamGemini relays unwrapped SSE chunks.
func (g *Gateway) streamGemini(ctx context.Context, w http.ResponseWriter, rec *requestRecord, result *upstreamResult, usage *geminiUsage) error {
	flusher, _ := w.(http.Flusher)
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	rec.started = true

	reader := streaming.NewReader(result.resp.Body)
	for {
		data, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			log.Error().Err(err).Str("request_id", rec.event.RequestID).Msg("gateway: backend stream failed")
			return &gatewayError{Kind: KindUpstreamServerError, Status: http.StatusBadGateway, Message: "backend stream interrupted", Err: err}
		}
		chunk := transform.UnwrapResponse(data)
		usage.Observe(chunk)
		line := make([]byte, 0, len(chunk)+8)
		line = append(line, "data: "...)
		line = append(line, chunk...)
		line = append(line, '\n', '\n')
		if _, err := w.Write(line); err != nil {
			return context.Canceled
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// forwardGemini buffers a generateContent response and unwraps it.
func (g *Gateway) forwardGemini(w http.ResponseWriter, rec *requestRecord, result *upstreamResult, usage *geminiUsage) error {
	data, err := io.ReadAll(result.resp.Body)
	if err != nil {
		return fmt.Errorf("read backend response: %w", err)
	}
	out := transform.UnwrapResponse(data)
	usage.Observe(out)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	rec.started = true
	_, _ = w.Write(out)
	return nil
}

// nativeSessionID uses the body's sessionId or derives one from the first user text.
func nativeSessionID(body []byte) string {
	if sid := gjson.GetBytes(body, "sessionId").String(); sid != "" {
		return sid
	}
	text := gjson.GetBytes(body, `contents.#(role=="user").parts.0.text`).String()
	if text == "" {
		return ""
	}
	return transform.DeriveSessionID(&adapters.ClaudeRequest{Messages: []adapters.Message{{
		Role:    "user",
		Content: adapters.MessageContent{{Type: adapters.BlockText, Text: text}},
	}}})
}

// =============================================================================
// USAGE
// =============================================================================

// geminiUsage tracks usageMetadata across unwrapped response chunks. Only the
// top-level usageMetadata object is read, never model text.
type geminiUsage struct {
	usage adapters.UsageInfo
}

// Observe reads one unwrapped chunk or response body.
func (u *geminiUsage) Observe(chunk []byte) {
	m := gjson.GetBytes(chunk, "usageMetadata")
	if !m.IsObject() {
		return
	}
	prompt := int(m.Get("promptTokenCount").Int())
	cached := int(m.Get("cachedContentTokenCount").Int())
	if prompt > 0 {
		u.usage.InputTokens = max(prompt-cached, 0)
		u.usage.CacheReadInputTokens = cached
	}
	thoughts := int(m.Get("thoughtsTokenCount").Int())
	if out := int(m.Get("candidatesTokenCount").Int()) + thoughts; out > u.usage.OutputTokens {
		u.usage.OutputTokens = out
		u.usage.ThinkingTokens = thoughts
	}
	u.usage.TotalTokens = u.usage.InputTokens + u.usage.CacheReadInputTokens + u.usage.OutputTokens
}

// Usage returns the latest totals.
func (u *geminiUsage) Usage() adapters.UsageInfo { return u.usage }
