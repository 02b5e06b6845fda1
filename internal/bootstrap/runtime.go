package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/target/backup-coordinator/config"
)

// ServiceOrchestrationConfig contains what RunServicesWithShutdown needs.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	DB       *sql.DB
	Logger   *slog.Logger
}

// RunServicesWithShutdown runs the enabled services until SIGINT/SIGTERM or until one of
// them fails, then stops the rest.
func RunServicesWithShutdown(ctx context.Context, cfg *ServiceOrchestrationConfig) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return RunServices(ctx, cfg)
}

// RunServices runs the enabled services in one errgroup. The first failure cancels the others.
func RunServices(ctx context.Context, cfg *ServiceOrchestrationConfig) error {
	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	svc := cfg.Services

	g, gctx := errgroup.WithContext(ctx)

	if enabled[config.ServiceModeHTTP] {
		ln, lerr := Listen(cfg.Config.HTTP)
		if lerr != nil {
			return lerr
		}
		handler := BuildHTTPHandler(&HTTPServerConfig{
			HTTP:     cfg.Config.HTTP,
			Services: svc,
			DB:       cfg.DB,
			Logger:   logger,
		})
		svc.Agents.Start()
		g.Go(func() error {
			defer svc.Agents.Stop()
			return Serve(gctx, ln, handler, cfg.Config.HTTP, logger, func(sctx context.Context) {
				stopControlPlane(sctx, svc, logger)
			})
		})
	}

	if enabled[config.ServiceModeScheduler] {
		g.Go(func() error {
			return RunScheduler(gctx, SchedulerConfig{Scheduler: svc.Scheduler, Logger: logger})
		})
	}

	if enabled[config.ServiceModeReaper] {
		reaperCfg := ReaperConfig{
			DB:      cfg.DB,
			Logger:  logger,
			Config:  cfg.Config.Reaper,
			Metrics: svc.Metrics,
			// A shared fire lock means peers may be driving the open runs.
			SharedControllers: cfg.Config.Redis.Enabled,
		}
		if enabled[config.ServiceModeHTTP] {
			reaperCfg.Active = svc.Orchestrator
		}
		g.Go(func() error {
			return RunReaper(gctx, reaperCfg)
		})
	}

	err = g.Wait()
	logger.Info("all services stopped")
	return err
}

// stopControlPlane stops the orchestrator before dropping agent connections.
func stopControlPlane(ctx context.Context, svc ServiceContainer, logger *slog.Logger) {
	if err := svc.Orchestrator.Shutdown(ctx); err != nil {
		logger.Error("orchestrator shutdown incomplete", "error", err)
	}
	svc.Registry.Close()
	svc.Hub.Wait()
}
