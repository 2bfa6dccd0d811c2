// Package gateway serves the client-facing APIs and routes every request
// through the account pool to the backend.
//
// DESIGN: One goroutine per inbound request (net/http). Shared state lives in
// the injected collaborators (pool, rate-limit tracker, signature cache) which
// are all safe for concurrent use; the Gateway itself holds no request state.
//
// FILES:
//   - gateway.go:            Gateway construction, routes, server lifecycle
//   - middleware.go:         request id, panic recovery, inbound API key
//   - executor.go:           retry loop over accounts
//   - errors.go:             error taxonomy and protocol-shaped error bodies
//   - messages.go:           Anthropic /v1/messages and count_tokens
//   - openai.go:             OpenAI /v1/chat/completions and /v1/models
//   - gemini.go:             Gemini-native /v1beta routes
//   - summarizer.go:         backend summary calls for context compression
//   - signature_fallback.go: sessions that must skip thinking
//   - stats.go:              /health and /stats
//   - telemetry.go:          per-request telemetry recording
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/compresr/relay-gateway/internal/accounts"
	"github.com/compresr/relay-gateway/internal/compression"
	"github.com/compresr/relay-gateway/internal/config"
	"github.com/compresr/relay-gateway/internal/monitoring"
	"github.com/compresr/relay-gateway/internal/ratelimit"
	"github.com/compresr/relay-gateway/internal/signature"
	"github.com/compresr/relay-gateway/internal/transform"
	"github.com/compresr/relay-gateway/internal/upstream"
)

// Response headers.
const (
	HeaderRequestID    = "X-Request-ID"
	HeaderAccountEmail = "X-Account-Email"
	HeaderMappedModel  = "X-Mapped-Model"
)

// Deps are the long-lived collaborators built by the caller.
type Deps struct {
	Pool     *accounts.Pool
	Limits   *ratelimit.Tracker
	Upstream *upstream.Client
	Cache    *signature.Cache

	// Optional sinks.
	Telemetry *monitoring.Tracker
	UsageDB   *monitoring.UsageDB

	// Estimator defaults to the tiktoken estimator.
	Estimator compression.Estimator
	Version   string
}

// Gateway is the HTTP front of the relay.
type Gateway struct {
	config   *config.Config
	version  string
	pool     *accounts.Pool
	limits   *ratelimit.Tracker
	upstream *upstream.Client
	cache    *signature.Cache

	transformer *transform.Transformer
	compressor  *compression.Compressor
	calibrator  *compression.Calibrator
	sigFallback *signatureFallbackStore

	metrics  *monitoring.MetricsCollector
	tracker  *monitoring.Tracker
	usageDB  *monitoring.UsageDB
	failures *monitoring.FailureLog

	server *http.Server
}

// New wires a gateway. Pool, Limits, Upstream and Cache are required.
func New(cfg *config.Config, deps Deps) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("gateway: nil config")
	}
	if deps.Pool == nil || deps.Limits == nil || deps.Upstream == nil || deps.Cache == nil {
		return nil, errors.New("gateway: pool, limits, upstream and cache are required")
	}

	estimator := deps.Estimator
	if estimator == nil {
		estimator = compression.NewEstimator()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	g := &Gateway{
		config:      cfg,
		version:     version,
		pool:        deps.Pool,
		limits:      deps.Limits,
		upstream:    deps.Upstream,
		cache:       deps.Cache,
		calibrator:  compression.NewCalibrator(),
		sigFallback: newSignatureFallbackStore(config.DefaultSignatureFallbackTTL),
		metrics:     monitoring.NewMetricsCollector(),
		tracker:     deps.Telemetry,
		usageDB:     deps.UsageDB,
		failures:    monitoring.NewFailureLog(),
	}
	models := transform.NewModelMapper(cfg.Models, cfg.Compression.DefaultContextLimit)
	g.transformer = transform.New(models, deps.Cache)
	g.compressor = compression.New(cfg.Compression, estimator, g.calibrator, &backendSummarizer{g: g})

	g.server = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      g.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return g, nil
}

// Handler returns the routed handler with middleware applied.
func (g *Gateway) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/messages", g.handleMessages)
	api.HandleFunc("POST /v1/messages/count_tokens", g.handleCountTokens)
	api.HandleFunc("POST /v1/chat/completions", g.handleChatCompletions)
	api.HandleFunc("GET /v1/models", g.handleOpenAIModels)
	api.HandleFunc("GET /v1beta/models", g.handleGeminiModels)
	api.HandleFunc("GET /v1beta/models/{model}", g.handleGeminiModel)
	api.HandleFunc("POST /v1beta/models/{action}", g.handleGeminiGenerate)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /stats", g.handleStats)
	mux.Handle("/", g.requireAPIKey(api))

	return g.recoverPanics(g.withRequestID(mux))
}

// Start listens and serves until Shutdown. It returns nil after a clean shutdown.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.server.Addr, err)
	}
	return g.Serve(ln)
}

// Serve serves on an existing listener.
func (g *Gateway) Serve(ln net.Listener) error {
	g.tracker.RecordInit(buildInitEvent(g.config, g.pool.Size(), g.upstream.Endpoints(), g.version))
	log.Info().
		Str("addr", ln.Addr().String()).
		Int("accounts", g.pool.Size()).
		Str("strategy", g.config.Scheduling.Strategy).
		Msg("gateway: listening")

	if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops background work owned by the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	err := g.server.Shutdown(ctx)
	g.sigFallback.Stop()
	if cerr := g.tracker.Close(); cerr != nil && err == nil {
		err = cerr
	}
	log.Info().Msg("gateway: stopped")
	return err
}

// Metrics exposes the operational counters.
func (g *Gateway) Metrics() *monitoring.MetricsCollector { return g.metrics }
