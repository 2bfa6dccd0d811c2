package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/relay-gateway/internal/adapters"
	"github.com/compresr/relay-gateway/internal/compression"
	"github.com/compresr/relay-gateway/internal/monitoring"
)

const usageDBWriteTimeout = 5 * time.Second

// requestRecord accumulates telemetry for one inbound request.
type requestRecord struct {
	start         time.Time
	upstreamStart time.Time
	protocol      adapters.Provider
	// started is set once response bytes have been written.
	started bool
	event   monitoring.RequestEvent
}

func newRecord(r *http.Request, protocol adapters.Provider) *requestRecord {
	now := time.Now()
	return &requestRecord{
		start:    now,
		protocol: protocol,
		event: monitoring.RequestEvent{
			RequestID: getRequestID(r),
			Timestamp: now,
			Protocol:  string(protocol),
			Path:      r.URL.Path,
			ClientIP:  clientIP(r),
		},
	}
}

// applyCall copies the attempt outcome of the retry loop.
func (rec *requestRecord) applyCall(call *upstreamCall) {
	rec.event.Attempts = call.attempts
	rec.event.Account = call.account
}

func (rec *requestRecord) applyCompression(res *compression.Result) {
	if res == nil {
		return
	}
	rec.event.EstimatedTokens = res.After
	for _, tier := range res.Tiers {
		rec.event.CompressionTiers = append(rec.event.CompressionTiers, tier.String())
	}
}

func (rec *requestRecord) applyUsage(usage adapters.UsageInfo) {
	rec.event.InputTokens = usage.InputTokens
	rec.event.OutputTokens = usage.OutputTokens
	rec.event.CacheReadTokens = usage.CacheReadInputTokens
}

// complete writes the error response when nothing was sent yet and records the
// request. err == nil means success.
func (g *Gateway) complete(w http.ResponseWriter, rec *requestRecord, err error) {
	if err == nil {
		if rec.event.StatusCode == 0 {
			rec.event.StatusCode = http.StatusOK
		}
		rec.event.Success = true
		g.finishRecord(rec)
		return
	}

	gerr := classify(err)
	if !rec.started {
		writeError(w, rec.protocol, gerr)
		rec.event.StatusCode = gerr.Status
	} else if rec.event.StatusCode == 0 {
		rec.event.StatusCode = http.StatusOK
	}
	rec.event.ErrorKind = string(gerr.Kind)
	rec.event.Error = gerr.Message
	g.finishRecord(rec)
}

// finishRecord fans the finished event out to every sink.
func (g *Gateway) finishRecord(rec *requestRecord) {
	now := time.Now()
	ev := &rec.event
	ev.TotalLatencyMs = now.Sub(rec.start).Milliseconds()
	if !rec.upstreamStart.IsZero() {
		ev.UpstreamLatencyMs = now.Sub(rec.upstreamStart).Milliseconds()
	}

	g.metrics.RecordRequest(ev.Success, ev.Stream, now.Sub(rec.start))
	g.tracker.RecordRequest(ev)

	if g.usageDB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), usageDBWriteTimeout)
		if err := g.usageDB.InsertRequest(ctx, ev); err != nil {
			log.Error().Err(err).Str("request_id", ev.RequestID).Msg("gateway: usage db write failed")
		}
		cancel()
	}

	if !ev.Success && ev.ErrorKind != string(KindClientCanceled) {
		g.failures.Record(monitoring.FailureEntry{
			Timestamp:  ev.Timestamp,
			RequestID:  ev.RequestID,
			Model:      ev.Model,
			Account:    ev.Account,
			StatusCode: ev.StatusCode,
			ErrorKind:  ev.ErrorKind,
			Message:    ev.Error,
		})
	}

	logEv := log.Info()
	if !ev.Success {
		logEv = log.Warn().Str("error_kind", ev.ErrorKind).Str("error", ev.Error)
	}
	logEv.
		Str("request_id", ev.RequestID).
		Str("protocol", ev.Protocol).
		Str("model", ev.Model).
		Str("mapped_model", ev.MappedModel).
		Str("account", ev.Account).
		Bool("stream", ev.Stream).
		Int("status", ev.StatusCode).
		Int("attempts", ev.Attempts).
		Int("input_tokens", ev.InputTokens).
		Int("output_tokens", ev.OutputTokens).
		Int64("latency_ms", ev.TotalLatencyMs).
		Msg("request completed")
}
