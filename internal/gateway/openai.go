package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/compresr/relay-gateway/internal/adapters"
	"github.com/compresr/relay-gateway/internal/streaming"
	"github.com/compresr/relay-gateway/internal/transform"
)

const modelOwner = "relay-gateway"

// handleChatCompletions serves POST /v1/chat/completions by converting the
// request to the Claude shape and the resulting events back to OpenAI chunks.
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	rec := newRecord(r, adapters.ProviderOpenAI)
	body, gerr := readBody(w, r)
	if gerr != nil {
		g.complete(w, rec, gerr)
		return
	}
	var chat adapters.ChatRequest
	if err := json.Unmarshal(body, &chat); err != nil {
		g.complete(w, rec, invalidRequest("invalid JSON body: %v", err))
		return
	}
	rec.event.Stream = chat.Stream
	req, err := adapters.ConvertOpenAIRequest(&chat)
	if err != nil {
		g.complete(w, rec, invalidRequest("%v", err))
		return
	}

	run, err := g.startClaude(r.Context(), rec, req)
	if err != nil {
		g.complete(w, rec, err)
		return
	}
	defer run.Close()

	id := "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	created := time.Now().Unix()

	if chat.Stream {
		g.complete(w, rec, g.streamOpenAI(r.Context(), w, rec, run, id, chat.Model, created))
		return
	}
	resp, err := g.collectClaude(r.Context(), rec, run)
	if err != nil {
		g.complete(w, rec, err)
		return
	}
	run.setHeaders(w)
	writeJSON(w, http.StatusOK, streaming.Completion(resp, id, chat.Model, created))
	rec.started = true
	g.complete(w, rec, nil)
}

// streamOpenAI forwards the run as chat.completion.chunk SSE lines.
func (g *Gateway) streamOpenAI(ctx context.Context, w http.ResponseWriter, rec *requestRecord, run *claudeRun, id, model string, created int64) error {
	flusher, _ := w.(http.Flusher)
	run.setHeaders(w)
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	rec.started = true

	translator := streaming.NewOpenAIStream(id, model, created)
	var streamErr *streaming.StreamError
	proc := run.newProcessor()
	err := pump(ctx, run.result.resp.Body, proc, func(events []streaming.Event) error {
		wrote := false
		for _, ev := range events {
			if p, ok := ev.Data.(streaming.ErrorPayload); ok {
				streamErr = &streaming.StreamError{Type: p.Error.Type, Message: p.Error.Message}
				continue
			}
			for _, chunk := range translator.Translate(ev) {
				if _, err := w.Write(streaming.EncodeChunk(chunk)); err != nil {
					return errClientGone
				}
				wrote = true
			}
		}
		if flusher != nil && wrote {
			flusher.Flush()
		}
		return nil
	})
	g.finishUsage(rec, run, proc.Usage())

	if err == nil && streamErr != nil {
		err = &gatewayError{Kind: KindUpstreamServerError, Status: http.StatusBadGateway, Message: streamErr.Message, Err: streamErr}
	}
	if errors.Is(err, errClientGone) {
		return context.Canceled
	}
	if err != nil && ctx.Err() == nil {
		gerr := classify(err)
		if body, mErr := json.Marshal(errorBody(adapters.ProviderOpenAI, gerr)); mErr == nil {
			_, _ = w.Write(append(append([]byte("data: "), body...), '\n', '\n'))
		}
	}
	_, _ = w.Write(streaming.DoneLine)
	if flusher != nil {
		flusher.Flush()
	}
	return err
}

// handleOpenAIModels serves GET /v1/models: backend ids plus exact client aliases.
func (g *Gateway) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	aliases := lo.Filter(lo.Keys(g.config.Models.Mapping), func(k string, _ int) bool {
		return !strings.HasSuffix(k, "*")
	})
	sort.Strings(aliases)
	ids := lo.Uniq(append(append([]string{}, transform.BackendModels...), aliases...))

	created := g.metrics.StartedAt().Unix()
	list := adapters.ModelList{
		Object: "list",
		Data: lo.Map(ids, func(id string, _ int) adapters.ModelEntry {
			return adapters.ModelEntry{ID: id, Object: "model", Created: created, OwnedBy: modelOwner}
		}),
	}
	writeJSON(w, http.StatusOK, list)
}
