package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/backup-coordinator/internal/core"
	"github.com/target/backup-coordinator/internal/domain/scheduler"
	"github.com/target/backup-coordinator/internal/observability/metrics"
	"github.com/target/backup-coordinator/internal/observability/statsd"
)

// SchedulerServiceOptions holds the dependencies for creating a SchedulerService.
type SchedulerServiceOptions struct {
	Jobs    core.JobRepository   // Required: source of enabled jobs
	Starter scheduler.RunStarter // Required: opens runs for due jobs
	// Lock claims fire keys across replicas. Optional for a single controller.
	Lock      scheduler.FireLock
	Processor *scheduler.TaskProcessor
	Logger    *slog.Logger
	Metrics   statsd.Sink
}

// SchedulerService evaluates every enabled job once per minute and starts the due variant.
type SchedulerService struct {
	jobs      core.JobRepository
	starter   scheduler.RunStarter
	lock      scheduler.FireLock
	processor *scheduler.TaskProcessor
	logger    *slog.Logger
	metrics   statsd.Sink
}

// TickResult summarises one scheduler tick.
type TickResult struct {
	Jobs      int
	Fired     int
	Conflicts int
	Failed    int
}

// NewSchedulerService constructs a SchedulerService.
func NewSchedulerService(opts SchedulerServiceOptions) (*SchedulerService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Starter == nil {
		return nil, errors.New("RunStarter is required")
	}
	if opts.Processor == nil {
		opts.Processor = scheduler.NewTaskProcessor(scheduler.TaskProcessorOptions{})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = statsd.Noop{}
	}
	return &SchedulerService{
		jobs:      opts.Jobs,
		starter:   opts.Starter,
		lock:      opts.Lock,
		processor: opts.Processor,
		logger:    opts.Logger.With("component", "scheduler_service"),
		metrics:   opts.Metrics,
	}, nil
}

// Tick processes every enabled job against the minute containing now. A failure on one job
// is logged and counted; it does not stop the others.
func (s *SchedulerService) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	start := time.Now()
	jobs, err := s.jobs.List(ctx, true)
	if err != nil {
		return TickResult{}, fmt.Errorf("list enabled jobs: %w", err)
	}

	res := TickResult{Jobs: len(jobs)}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		pr, perr := s.processor.Process(ctx, scheduler.ProcessParams{
			Job:     job,
			Now:     now,
			Starter: s.starter,
			Lock:    s.lock,
		})
		if perr != nil {
			res.Failed++
			s.logger.ErrorContext(ctx, "scheduled job failed to start", "job_id", job.ID, "job", job.Name, "error", perr)
			continue
		}
		for _, cerr := range pr.CronErrors {
			s.logger.WarnContext(ctx, "invalid cron expression", "job_id", job.ID, "job", job.Name, "error", cerr)
		}
		switch {
		case pr.Started:
			res.Fired++
			s.logger.InfoContext(ctx, "scheduled run started",
				"job_id", job.ID,
				"job", job.Name,
				"backup_type", pr.BackupType,
				"run_id", pr.Run.ID,
			)
		case pr.Conflict:
			res.Conflicts++
			s.logger.WarnContext(ctx, "scheduled run skipped, job already running",
				"job_id", job.ID,
				"job", job.Name,
				"backup_type", pr.BackupType,
			)
		case pr.Due && !pr.Claimed:
			s.logger.DebugContext(ctx, "fire key held by another controller", "job_id", job.ID, "fire_key", pr.FireKey)
		}
	}

	metrics.EmitTick(s.metrics, metrics.TickMetric{
		Jobs:      res.Jobs,
		Fired:     res.Fired,
		Conflicts: res.Conflicts,
		Failed:    res.Failed,
		Duration:  time.Since(start),
	})
	return res, nil
}
