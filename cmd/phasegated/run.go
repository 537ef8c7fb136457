package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/phasegate/internal/approval"
	"github.com/fyrsmithlabs/phasegate/internal/config"
	httpapi "github.com/fyrsmithlabs/phasegate/internal/http"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/telemetry"
)

// run starts the daemon and blocks until ctx is cancelled.
//
//  1. Loads and validates configuration
//  2. Initializes telemetry and the logger
//  3. Opens the store, event sinks and executors
//  4. Builds the orchestrator and, when enabled, the Temporal worker
//  5. Serves HTTP and runs the approval expiry sweep
//  6. Shuts everything down on cancellation
func run(ctx context.Context, configPath string) error {
	if configPath == "" {
		if err := config.EnsureConfigDir(); err != nil {
			return err
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logger, err := logging.NewLogger(&cfg.Logging, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting phasegated",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("nats", cfg.Events.Enabled()),
		zap.Bool("temporal", cfg.Temporal.Enabled),
		zap.Bool("telemetry", tel.IsEnabled()),
	)

	a, err := build(ctx, cfg, logger, tel)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := httpapi.NewServer(a.pipeline, logger.Named("http"), &cfg.Server, a.serverOptions()...)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	if a.worker != nil {
		if err := a.worker.Start(); err != nil {
			return fmt.Errorf("failed to start temporal worker: %w", err)
		}
		defer a.worker.Stop()
		logger.Info(ctx, "temporal worker started", zap.String("task_queue", cfg.Temporal.TaskQueue))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})
	if cfg.Approval.SweepInterval > 0 {
		g.Go(func() error {
			sweep(gctx, a.orch, cfg.Approval.SweepInterval, logger.Named("sweep"))
			return nil
		})
	}

	err = g.Wait()
	logger.Info(context.Background(), "phasegated stopped")
	return err
}

// expirer is the orchestrator surface the sweep needs.
type expirer interface {
	ExpireDue(ctx context.Context) ([]approval.Request, error)
}

// sweep expires due approval requests every interval until ctx is done.
func sweep(ctx context.Context, o expirer, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := o.ExpireDue(ctx)
			if err != nil {
				logger.Warn(ctx, "approval expiry sweep failed", zap.Error(err))
				continue
			}
			if len(expired) > 0 {
				logger.Info(ctx, "expired approval requests", zap.Int("count", len(expired)))
			}
		}
	}
}
