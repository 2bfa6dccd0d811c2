// Package monitoring - telemetry.go records events to JSONL files.
//
// DESIGN: Tracker writes structured events as JSONL (one JSON object per line):
//   - RequestEvent: Every request through the gateway
//   - InitEvent:    Gateway startup, written to init.jsonl next to the request log
//
// Events are appended immediately after each request for real-time logging.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// Tracker handles telemetry event recording to file and stdout.
type Tracker struct {
	config         TelemetryConfig
	requestLogPath string
	initLogPath    string
	requestCount   int
	mu             sync.Mutex
}

// NewTracker creates a new telemetry tracker.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{
		config: cfg,
	}

	if !cfg.Enabled || cfg.LogPath == "" {
		return t, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
		return nil, err
	}
	t.requestLogPath = cfg.LogPath
	t.initLogPath = filepath.Join(filepath.Dir(cfg.LogPath), "init.jsonl")
	for _, p := range []string{t.requestLogPath, t.initLogPath} {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			if f, err := os.Create(p); err == nil {
				_ = f.Close()
			}
		}
	}

	return t, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}

// RecordRequest records a request event.
func (t *Tracker) RecordRequest(event *RequestEvent) {
	if t == nil || !t.config.Enabled || event == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.LogToStdout {
		reqID := event.RequestID
		if len(reqID) > 8 {
			reqID = reqID[:8]
		}
		log.Info().
			Str("request_id", reqID).
			Str("protocol", event.Protocol).
			Str("model", event.MappedModel).
			Int("attempts", event.Attempts).
			Bool("success", event.Success).
			Msg("telemetry")
	}

	if t.requestLogPath != "" {
		if err := appendJSONL(t.requestLogPath, event); err != nil {
			log.Error().Err(err).Str("path", t.requestLogPath).Msg("telemetry: failed to write request event")
		} else {
			t.requestCount++
		}
	}
}

// RecordInit records a gateway initialization event to a dedicated init JSONL.
func (t *Tracker) RecordInit(event *InitEvent) {
	if t == nil || !t.config.Enabled || t.initLogPath == "" || event == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := appendJSONL(t.initLogPath, event); err != nil {
		log.Error().Err(err).Str("path", t.initLogPath).Msg("telemetry: failed to write init event")
	}
}

// Close logs the session summary.
func (t *Tracker) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.requestLogPath != "" && t.requestCount > 0 {
		log.Info().
			Str("path", t.requestLogPath).
			Int("events", t.requestCount).
			Msg("telemetry: session complete")
	}

	return nil
}
