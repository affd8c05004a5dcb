package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/claudelens/claudelens/internal/backup"
	"github.com/claudelens/claudelens/internal/ingest"
	"github.com/claudelens/claudelens/internal/ownership"
	"github.com/claudelens/claudelens/internal/pricing"
	"github.com/claudelens/claudelens/internal/progress"
	"github.com/claudelens/claudelens/internal/ratelimit"
	"github.com/claudelens/claudelens/internal/restore"
	"github.com/claudelens/claudelens/internal/scheduler"
	"github.com/claudelens/claudelens/internal/server"
	"github.com/claudelens/claudelens/internal/telemetry"
	"github.com/claudelens/claudelens/internal/tenant"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the archive HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := telemetry.Init(ctx, "claudelens", Version); err != nil {
			return err
		}
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(shCtx)
		}()

		rawStore, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = rawStore.Close() }()
		store := telemetry.WrapStore(rawStore)

		pricer, err := pricing.NewService(cfg.PricingURL, nil)
		if err != nil {
			return err
		}

		broadcaster := progress.NewBroadcaster()
		owner := ownership.NewResolver(store)
		limits := ratelimit.NewEngine(store, log)
		resolver := tenant.NewResolver(store, []byte(cfg.SigningSecret), cfg.TrustLoopback, cfg.AdminID)

		maint := scheduler.Maintenance(store, limits, scheduler.MaintenanceConfig{
			BackupDir:        cfg.BackupDir,
			AttemptRetention: cfg.AttemptRetention,
			RollupRetention:  cfg.RollupRetention,
		}, log)
		maint.Start(ctx)
		defer maint.Stop()

		srv := server.New(server.Options{
			Store:       store,
			Resolver:    resolver,
			Owner:       owner,
			Limits:      limits,
			Pipeline:    ingest.NewPipeline(store, pricer, broadcaster, log),
			Backups:     backup.NewEngine(store, owner, broadcaster, cfg.BackupDir, log),
			Restores:    restore.NewEngine(store, broadcaster, log),
			Broadcaster: broadcaster,
			Log:         log,
			Addr:        cfg.ListenAddr,
			Version:     Version,
		})

		log.Info("starting claudelens",
			zap.String("addr", cfg.ListenAddr),
			zap.String("db", cfg.DBPath),
			zap.Bool("trust_loopback", cfg.TrustLoopback))
		if err := srv.Start(ctx); err != nil {
			return err
		}

		// Flush accounting before exit; the scheduler's last tick may be a
		// minute old.
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := limits.Flush(flushCtx); err != nil {
			log.Warn("final usage flush failed", zap.Error(err))
		}
		return nil
	},
}
