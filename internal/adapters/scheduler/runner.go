// Package scheduler provides adapters for running the job scheduler.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/target/backup-coordinator/internal/service"
)

// Ticker evaluates all jobs against one minute.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (service.TickResult, error)
}

// Runner drives a Ticker once per wall-clock minute.
type Runner struct {
	scheduler Ticker
	logger    *slog.Logger
	now       func() time.Time
	// offset is how far into each minute the tick fires.
	offset time.Duration
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Scheduler Ticker
	Logger    *slog.Logger
	// Offset delays each tick past the minute boundary. Defaults to one second.
	Offset time.Duration
	Now    func() time.Time
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}
	return &Runner{
		scheduler: opts.Scheduler,
		logger:    opts.Logger.With("component", "scheduler_runner"),
		now:       opts.Now,
		offset:    opts.Offset,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.Scheduler == nil {
		return errors.New("scheduler is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Offset <= 0 || opts.Offset >= time.Minute {
		opts.Offset = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return nil
}

// untilNextTick returns the wait until offset past the next minute boundary.
func (r *Runner) untilNextTick() time.Duration {
	now := r.now()
	next := now.Truncate(time.Minute).Add(r.offset)
	if !next.After(now) {
		next = next.Add(time.Minute)
	}
	return next.Sub(now)
}

// Run ticks once per minute until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner", "offset", r.offset)

	timer := time.NewTimer(r.untilNextTick())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-timer.C:
			res, err := r.scheduler.Tick(ctx, r.now())
			if err != nil {
				// Continue running despite errors
				r.logger.ErrorContext(ctx, "scheduler tick error", "error", err)
			} else if res.Fired > 0 || res.Conflicts > 0 {
				r.logger.InfoContext(ctx, "scheduler tick",
					"jobs", res.Jobs,
					"fired", res.Fired,
					"conflicts", res.Conflicts,
					"failed", res.Failed,
				)
			}
			timer.Reset(r.untilNextTick())
		}
	}
}
