package gateway

import (
	"time"

	"github.com/compresr/relay-gateway/internal/config"
	"github.com/compresr/relay-gateway/internal/monitoring"
)

func buildInitEvent(cfg *config.Config, accounts int, endpoints []string, version string) *monitoring.InitEvent {
	return &monitoring.InitEvent{
		Timestamp:          time.Now(),
		Event:              "gateway_init",
		Version:            version,
		ServerPort:         cfg.Server.Port,
		Accounts:           accounts,
		Strategy:           cfg.Scheduling.Strategy,
		StickySessions:     cfg.Scheduling.StickySessions,
		QuotaProtection:    cfg.Scheduling.QuotaProtection.Enabled,
		CompressionEnabled: cfg.Compression.Enabled,
		Endpoints:          append([]string(nil), endpoints...),
		InboundAuth:        cfg.Server.APIKey != "",
		TelemetryPath:      cfg.Monitoring.TelemetryPath,
		UsageDBPath:        cfg.Monitoring.UsageDBPath,
	}
}
