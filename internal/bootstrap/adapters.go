package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/target/backup-coordinator/config"
	"github.com/target/backup-coordinator/internal/adapters/reaper"
	schedrunner "github.com/target/backup-coordinator/internal/adapters/scheduler"
	"github.com/target/backup-coordinator/internal/observability/statsd"
	"github.com/target/backup-coordinator/internal/service"
)

// SchedulerConfig contains configuration for the scheduler runner.
type SchedulerConfig struct {
	Scheduler *service.SchedulerService
	Logger    *slog.Logger
}

// RunScheduler ticks the scheduler once per minute until ctx is cancelled.
func RunScheduler(ctx context.Context, cfg SchedulerConfig) error {
	runner, err := schedrunner.NewRunner(schedrunner.RunnerOptions{
		Scheduler: cfg.Scheduler,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("create scheduler runner: %w", err)
	}

	return runner.Run(ctx)
}

// ReaperConfig contains configuration for the reaper.
type ReaperConfig struct {
	DB      *sql.DB
	Logger  *slog.Logger
	Config  config.ReaperConfig
	Metrics statsd.Sink
	// Active is set when the orchestrator runs in this process.
	Active service.ActiveRunSource
	// SharedControllers is set when replicas coordinate through Redis.
	SharedControllers bool
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:                cfg.DB,
		Config:            cfg.Config,
		Logger:            cfg.Logger,
		Active:            cfg.Active,
		SharedControllers: cfg.SharedControllers,
		Metrics:           cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
