// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/c-moss-talk/eventstore/internal/advisory"
	"github.com/c-moss-talk/eventstore/internal/bus"
	"github.com/c-moss-talk/eventstore/internal/config"
	"github.com/c-moss-talk/eventstore/internal/logging"
	"github.com/c-moss-talk/eventstore/internal/notify"
	"github.com/c-moss-talk/eventstore/internal/observability"
	"github.com/c-moss-talk/eventstore/internal/store"
	"github.com/c-moss-talk/eventstore/internal/subscription"
	"github.com/c-moss-talk/eventstore/pkg/errutil"
)

// newServeCmd creates the serve subcommand: the long-lived process that
// runs the notification pipeline and subscription orchestrator.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the notification pipeline and subscription orchestrator",
		Long: `serve connects to the database, starts the advisory-lock
manager and notification pipeline, and runs the subscription
orchestrator until an interrupt or terminate signal arrives.`,
		RunE: runServe,
	}
	cmd.Flags().String("database.dsn", "", "database connection string (overrides config/env)")
	cmd.Flags().String("observability.addr", "", "metrics/health HTTP address (overrides config/env)")
	cmd.Flags().String("observability.log_format", "", "log format: json or text (overrides config/env)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return oops.Code("config_load_failed").Wrap(err)
	}

	logging.SetDefault("eventstored", version, cfg.Observability.LogFormat)
	slog.Info("eventstored starting", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		return oops.Code("pool_connect_failed").Wrap(err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return oops.Code("pool_ping_failed").Wrap(err)
	}

	gateway := store.NewPostgresGatewayFromPool(pool)
	defer gateway.Close()

	advisoryMgr := advisory.NewManager(pool)
	if err := advisoryMgr.Start(ctx); err != nil {
		return oops.Code("advisory_start_failed").Wrap(err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := advisoryMgr.Close(shutdownCtx); err != nil {
			slog.Warn("error closing advisory lock session", "error", err)
		}
	}()

	regBus := bus.New()

	pipeline := notify.New(pool, gateway, regBus)
	pipelineErrCh := make(chan error, 1)
	go func() {
		pipelineErrCh <- pipeline.Run(ctx)
	}()

	obsServer := observability.NewServer(cfg.Observability.Addr, func() bool { return true })
	if err := obsServer.Start(); err != nil {
		return oops.Code("observability_start_failed").With("addr", cfg.Observability.Addr).Wrap(err)
	}
	slog.Info("observability server started", "addr", obsServer.Addr())

	supervisor := subscription.NewSupervisor(gateway, advisoryMgr, regBus, obsServer.Metrics(), cfg.Subscription.RetryInterval)
	go supervisor.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-pipelineErrCh:
		if err != nil {
			errutil.LogError(slog.Default(), "notification pipeline exited", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down...")
	cancel()
	supervisor.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := obsServer.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping observability server", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
