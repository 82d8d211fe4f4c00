// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command sitewarden starts the monitoring engine: it loads
// configuration, opens the atomic store, wires the governor, circuit
// breaker registry, request manager, and patrol engine together under a
// suture supervisor tree, and serves the optional health/metrics HTTP
// endpoint until it receives SIGINT or SIGTERM.
//
// The chat-presentation layer (command routing, inline buttons, message
// formatting) is out of scope per SPEC_FULL.md §1; this binary exposes
// the Commander surface only to whatever front-end is wired in front of
// it and delivers notifications through a webhook when one is
// configured, logging them otherwise.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sitewarden/engine/internal/apihealth"
	"github.com/sitewarden/engine/internal/breaker"
	"github.com/sitewarden/engine/internal/command"
	"github.com/sitewarden/engine/internal/config"
	"github.com/sitewarden/engine/internal/fetch"
	"github.com/sitewarden/engine/internal/governor"
	"github.com/sitewarden/engine/internal/logging"
	"github.com/sitewarden/engine/internal/notify"
	"github.com/sitewarden/engine/internal/patrol"
	"github.com/sitewarden/engine/internal/store"
	"github.com/sitewarden/engine/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("sitewarden exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Timestamp: true})
	logging.Info().Str("data_dir", cfg.DataDir).Msg("starting sitewarden")

	st, err := store.New(cfg.DataDir, store.Config{
		MinFreeSpaceMB: cfg.Store.MinFreeSpaceMB,
		MaxBackups:     cfg.Store.MaxBackups,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := st.Load(); err != nil {
		return fmt.Errorf("load store: %w", err)
	}

	gov := governor.New(governor.Config{
		FetchRPS:             cfg.Governor.FetchRPS,
		FetchBurst:           cfg.Governor.FetchBurst,
		NotificationDrainRPS: cfg.Governor.NotificationDrainRPS,
		NotificationCapacity: cfg.Governor.NotificationCapacity,
		CongestionThreshold:  cfg.Governor.CongestionThreshold,
	})

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		HalfOpenProbes:   cfg.Breaker.HalfOpenProbes,
	})

	fetchCfg := fetch.DefaultConfig()
	fetchCfg.HardTimeout = cfg.Fetch.HardTimeout
	fetchCfg.InterRequestMin = cfg.Fetch.InterRequestMin
	fetchCfg.InterRequestMax = cfg.Fetch.InterRequestMax
	fetchCfg.CacheTTL = cfg.Fetch.CacheTTL
	fetchCfg.RespectRobots = cfg.Fetch.RespectRobots
	fetcher := fetch.New(fetchCfg, gov, breakers)

	notifier, err := buildNotifier(cfg.Notify.WebhookURL)
	if err != nil {
		return fmt.Errorf("build notifier: %w", err)
	}
	fetcher.SetCooldownNotifier(notifier, cfg.AdminID)

	patrolEngine := patrol.New(patrol.Config{CycleInterval: cfg.Patrol.CycleInterval}, st, gov, breakers, fetcher, notifier)
	commander := command.New(st)

	tree := supervisor.New(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddStoreService(st)
	tree.AddStoreService(gov)
	tree.AddPatrolService(patrolEngine)
	if cfg.API.Addr != "" {
		tree.AddAPIService(apihealth.New(cfg.API.Addr, commander))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := tree.ServeBackground(ctx)
	<-ctx.Done()
	logging.Info().Msg("shutdown signal received, draining")

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor tree stopped with error: %w", err)
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logging.Warn().Int("count", len(report)).Msg("services did not stop within the shutdown timeout")
	}

	logging.Info().Msg("sitewarden stopped cleanly")
	return nil
}

func buildNotifier(webhookURL string) (notify.Notifier, error) {
	if webhookURL == "" {
		return notify.NewLogNotifier(), nil
	}
	return notify.NewWebhookNotifier(webhookURL)
}
