package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/compresr/relay-gateway/internal/accounts"
	"github.com/compresr/relay-gateway/internal/config"
	"github.com/compresr/relay-gateway/internal/gateway"
	"github.com/compresr/relay-gateway/internal/monitoring"
	"github.com/compresr/relay-gateway/internal/ratelimit"
	"github.com/compresr/relay-gateway/internal/signature"
	"github.com/compresr/relay-gateway/internal/upstream"
)

// runServe wires every component and serves until SIGINT/SIGTERM.
func runServe(parent context.Context, flags *rootFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := accounts.NewFileStore(cfg.Accounts.Dir)
	loaded, err := store.LoadAccounts()
	if err != nil {
		return fmt.Errorf("load accounts from %s: %w", store.Dir(), err)
	}
	if len(loaded) == 0 {
		log.Warn().Str("dir", store.Dir()).Msg("no accounts found; requests will fail until accounts are added")
	}

	client := upstream.NewClient(cfg.Upstream)
	limits := ratelimit.NewTracker(cfg.RateLimit.QuotaBackoffLadder)
	defer limits.Stop()
	cache := signature.NewCache(cfg.SignatureCache.ToolTTL, cfg.SignatureCache.SessionTTL)
	defer cache.Stop()

	opts := accounts.OptionsFromConfig(cfg.Scheduling)
	opts.Refresher = upstream.NewOAuthClient(cfg.Upstream.OAuth, nil)
	opts.Resolver = client
	opts.Store = store
	opts.Limits = limits
	pool := accounts.NewPool(loaded, opts)
	defer pool.Stop()

	telemetry, err := monitoring.NewTracker(monitoring.TelemetryConfig{
		Enabled: cfg.Monitoring.TelemetryPath != "",
		LogPath: cfg.Monitoring.TelemetryPath,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	var usageDB *monitoring.UsageDB
	if cfg.Monitoring.UsageDBPath != "" {
		if usageDB, err = monitoring.OpenUsageDB(cfg.Monitoring.UsageDBPath); err != nil {
			return fmt.Errorf("usage db: %w", err)
		}
		log.Info().Str("path", usageDB.Path()).Msg("usage db opened")
		defer func() {
			if err := usageDB.Close(); err != nil {
				log.Error().Err(err).Msg("usage db close failed")
			}
		}()
	}

	gw, err := gateway.New(cfg, gateway.Deps{
		Pool:      pool,
		Limits:    limits,
		Upstream:  client,
		Cache:     cache,
		Telemetry: telemetry,
		UsageDB:   usageDB,
		Version:   version,
	})
	if err != nil {
		return err
	}

	if cfg.Accounts.Watch {
		go func() {
			err := store.Watch(ctx, func(accs []accounts.Account) {
				pool.Reload(accs)
				log.Info().Int("accounts", len(accs)).Msg("accounts reloaded")
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("account watcher stopped")
			}
		}()
	}
	if cfg.QuotaRefresh.Enabled {
		go accounts.NewQuotaRefresher(pool, client, cfg.QuotaRefresh.Interval).Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
