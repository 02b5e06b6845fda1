// Package reaper provides adapters for running the abandoned-run reaper.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/backup-coordinator/config"
	"github.com/target/backup-coordinator/internal/core"
	"github.com/target/backup-coordinator/internal/data"
	"github.com/target/backup-coordinator/internal/observability/statsd"
	"github.com/target/backup-coordinator/internal/service"
)

// Runner provides a simple adapter to run the reaper loop.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.ReaperConfig
	Logger *slog.Logger
	// Active is the orchestrator of this process, when the http service runs here.
	Active service.ActiveRunSource
	// SharedControllers disables the startup sweep when replicas share the database.
	SharedControllers bool

	// Optional dependency injection for testing/decoupling
	Runs    core.JobRunRepository
	Tasks   core.JobRunTaskRepository
	Metrics statsd.Sink
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Runs:              opts.Runs,
		Tasks:             opts.Tasks,
		Config:            opts.Config,
		Active:            opts.Active,
		SharedControllers: opts.SharedControllers,
		Logger:            opts.Logger,
		Metrics:           opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{reaper: reaper, logger: opts.Logger}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Runs == nil || opts.Tasks == nil {
		if opts.DB == nil {
			return errors.New("database connection is required")
		}
		if opts.Runs == nil {
			opts.Runs = data.NewJobRunRepo(opts.DB)
		}
		if opts.Tasks == nil {
			opts.Tasks = data.NewJobRunTaskRepo(opts.DB)
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}
