package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/backup-coordinator/config"
	"github.com/target/backup-coordinator/internal/core"
	"github.com/target/backup-coordinator/internal/domain/model"
	obserrors "github.com/target/backup-coordinator/internal/observability/errors"
	"github.com/target/backup-coordinator/internal/observability/metrics"
	"github.com/target/backup-coordinator/internal/observability/statsd"
)

// AbandonedResult is recorded on items of runs that no controller is driving any more.
const AbandonedResult = "Abandoned: controller restarted"

// ActiveRunSource reports the runs driven by this process.
type ActiveRunSource interface {
	ActiveRuns() []*model.JobRun
}

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Runs   core.JobRunRepository     // Required: run repository
	Tasks  core.JobRunTaskRepository // Required: item repository
	Config config.ReaperConfig       // Required: reaper configuration
	// Active is the orchestrator of this process. Without it the startup sweep is skipped,
	// since open runs may belong to a live controller elsewhere.
	Active ActiveRunSource
	// SharedControllers is set when several controllers share the database. The startup
	// sweep is skipped since open runs may belong to a peer; only stale runs are failed.
	SharedControllers bool
	Logger            *slog.Logger // Optional: structured logger
	Metrics           statsd.Sink  // Optional: metrics sink (StatsD-compatible)
	Now               func() time.Time
}

// ReaperService fails runs abandoned by a controller that stopped while driving them.
//
// Runs are never resumed. At startup of a sole controller every open run not driven by this
// process is failed; afterwards only runs older than StaleRunAfter are.
type ReaperService struct {
	runs    core.JobRunRepository
	tasks   core.JobRunTaskRepository
	active  ActiveRunSource
	shared  bool
	config  config.ReaperConfig
	logger  *slog.Logger
	metrics statsd.Sink
	now     func() time.Time
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Runs == nil || opts.Tasks == nil {
		return nil, errors.New("run and task repositories are required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"stale_run_after", opts.Config.StaleRunAfter,
			"fail_open_on_startup", opts.Config.FailOpenOnStartup,
			"shared_controllers", opts.SharedControllers,
		)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &ReaperService{
		runs:    opts.Runs,
		tasks:   opts.Tasks,
		active:  opts.Active,
		shared:  opts.SharedControllers,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
		now:     opts.Now,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	switch {
	case !s.config.FailOpenOnStartup || s.active == nil:
	case s.shared:
		if s.logger != nil {
			s.logger.InfoContext(ctx, "skipping startup sweep, controllers are shared",
				"stale_run_after", s.config.StaleRunAfter)
		}
	default:
		if err := s.runCleanup(ctx, s.startupStep()); err != nil {
			s.logCleanupError(err, "startup sweep")
		}
	}

	// Add jitter to prevent thundering herd if multiple instances start together
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.runCleanup(ctx, s.staleStep()); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	// Use modulo on uint64 before converting to avoid overflow
	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (s *ReaperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.runCleanup(ctx, s.staleStep()); err != nil {
				s.logCleanupError(err, "cleanup")
			}
		}
	}
}

type cleanupFunc func(context.Context) (int64, error)

type cleanupStep struct {
	fn        cleanupFunc
	label     string
	operation string
}

func (s *ReaperService) startupStep() cleanupStep {
	return cleanupStep{fn: s.failAllOpenRuns, label: "fail open runs", operation: "fail_open"}
}

func (s *ReaperService) staleStep() cleanupStep {
	return cleanupStep{fn: s.failStaleRuns, label: "fail stale runs", operation: "fail_stale"}
}

// Sweep runs one stale-run pass and returns the number of runs failed.
func (s *ReaperService) Sweep(ctx context.Context) (int64, error) {
	return s.failStaleRuns(ctx)
}

// SweepAll fails every open run not driven by this process.
func (s *ReaperService) SweepAll(ctx context.Context) (int64, error) {
	return s.failAllOpenRuns(ctx)
}

func (s *ReaperService) runCleanup(ctx context.Context, step cleanupStep) error {
	start := time.Now()
	count, err := step.fn(ctx)
	s.emitCleanupMetrics(step.operation, count, suppressContextCancellation(err), time.Since(start))
	if err != nil {
		if isContextCancellation(err) {
			return context.Canceled
		}
		return fmt.Errorf("%s: %w", step.label, err)
	}
	return nil
}

func (s *ReaperService) failAllOpenRuns(ctx context.Context) (int64, error) {
	return s.failRuns(ctx, time.Time{})
}

func (s *ReaperService) failStaleRuns(ctx context.Context) (int64, error) {
	return s.failRuns(ctx, s.now().Add(-s.config.StaleRunAfter))
}

// failRuns fails open runs started before cutoff, or all open runs when cutoff is zero.
// Runs driven by this process are skipped.
func (s *ReaperService) failRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	open, err := s.runs.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open runs: %w", err)
	}
	local := s.localRuns()

	var (
		failed int64
		errs   []error
	)
	for _, run := range open {
		if ctx.Err() != nil {
			return failed, ctx.Err()
		}
		if local[run.ID] || (!cutoff.IsZero() && !run.StartedAt.Before(cutoff)) {
			continue
		}
		if err := s.failRun(ctx, run); err != nil {
			errs = append(errs, err)
			continue
		}
		failed++
	}

	if failed > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "failed abandoned runs", "count", failed, "cutoff", cutoff)
	}
	return failed, errors.Join(errs...)
}

func (s *ReaperService) failRun(ctx context.Context, run *model.JobRun) error {
	at := s.now()
	items, err := s.tasks.FailOpen(ctx, run.ID, AbandonedResult, at)
	if err != nil {
		return fmt.Errorf("fail items of run %s: %w", run.ID, err)
	}
	if err := s.runs.Complete(ctx, run.ID, at, true); err != nil {
		return fmt.Errorf("complete run %s: %w", run.ID, err)
	}
	if s.logger != nil {
		s.logger.WarnContext(ctx, "abandoned run failed",
			"run_id", run.ID,
			"job_id", run.JobID,
			"backup_type", run.BackupType,
			"started_at", run.StartedAt,
			"items_failed", items,
		)
	}
	return nil
}

func (s *ReaperService) localRuns() map[string]bool {
	if s.active == nil {
		return nil
	}
	runs := s.active.ActiveRuns()
	out := make(map[string]bool, len(runs))
	for _, r := range runs {
		out[r.ID] = true
	}
	return out
}

func (s *ReaperService) emitCleanupMetrics(operation string, count int64, err error, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}

	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup", 1, tags)

	if elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", elapsed, metrics.CloneTags(tags))
	}

	if err == nil && count > 0 {
		s.metrics.Count("reaper.runs_failed", count, metrics.CloneTags(tags))
	}

	if err == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
