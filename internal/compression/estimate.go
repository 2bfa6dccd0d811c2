package compression

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/compresr/relay-gateway/internal/adapters"
)

// Estimator estimates the prompt tokens of a request.
type Estimator interface {
	Estimate(req *adapters.ClaudeRequest) int
}

// =============================================================================
// ESTIMATORS
// =============================================================================

// CharEstimator assumes four characters per token.
type CharEstimator struct{}

// Estimate implements Estimator.
func (CharEstimator) Estimate(req *adapters.ClaudeRequest) int {
	n := 0
	walkText(req, func(s string) { n += len(s) })
	return (n + 3) / 4
}

// TiktokenEstimator counts cl100k_base tokens. The backend tokenizers differ,
// the Calibrator absorbs the skew.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewEstimator returns a tiktoken estimator, or a CharEstimator when the
// encoding cannot be loaded.
func NewEstimator() Estimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Warn().Err(err).Msg("compression: tiktoken unavailable, using character estimate")
		return CharEstimator{}
	}
	return &TiktokenEstimator{enc: enc}
}

// Estimate implements Estimator.
func (e *TiktokenEstimator) Estimate(req *adapters.ClaudeRequest) int {
	n := 0
	walkText(req, func(s string) { n += len(e.enc.Encode(s, nil, nil)) })
	return n
}

// walkText visits every piece of text the backend will tokenize.
func walkText(req *adapters.ClaudeRequest, visit func(string)) {
	if s := req.System.Text(); s != "" {
		visit(s)
	}
	for _, t := range req.Tools {
		visit(t.Name)
		if t.Description != "" {
			visit(t.Description)
		}
		if len(t.InputSchema) > 0 {
			visit(string(t.InputSchema))
		}
	}
	for _, m := range req.Messages {
		for _, b := range m.Content {
			switch b.Type {
			case adapters.BlockText:
				visit(b.Text)
			case adapters.BlockThinking:
				visit(b.Thinking)
			case adapters.BlockToolUse:
				visit(b.Name)
				visit(string(b.Input))
			case adapters.BlockToolResult:
				visit(b.ResultText())
			case adapters.BlockImage, adapters.BlockDocument:
				// Media is billed per item rather than per byte.
				visit(strings.Repeat(" ", 1024*4))
			}
		}
	}
}

// =============================================================================
// CALIBRATION
// =============================================================================

const (
	calibrationWeight = 0.3
	minRatio          = 0.5
	maxRatio          = 3.0
)

// Calibrator tracks, per model, the ratio of backend-reported prompt tokens
// to the local estimate. Safe for concurrent use.
type Calibrator struct {
	mu     sync.RWMutex
	ratios map[string]float64
}

// NewCalibrator creates an empty calibrator.
func NewCalibrator() *Calibrator {
	return &Calibrator{ratios: make(map[string]float64)}
}

// Observe records a backend-reported prompt size for an estimate.
func (c *Calibrator) Observe(model string, estimated, actual int) {
	if estimated <= 0 || actual <= 0 {
		return
	}
	r := clamp(float64(actual)/float64(estimated), minRatio, maxRatio)
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.ratios[model]; ok {
		r = prev*(1-calibrationWeight) + r*calibrationWeight
	}
	c.ratios[model] = r
}

// Ratio returns the current correction factor for a model (1 when unknown).
func (c *Calibrator) Ratio(model string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r, ok := c.ratios[model]; ok {
		return r
	}
	return 1
}

// Adjust applies the correction factor to an estimate.
func (c *Calibrator) Adjust(model string, estimate int) int {
	if c == nil {
		return estimate
	}
	return int(float64(estimate) * c.Ratio(model))
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
