// Package scheduler decides which backup variant of a job is due at a given minute and
// hands due jobs to the run starter.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
)

// RunStarter opens a JobRun. It returns an AlreadyRunning error when the job has an open run.
type RunStarter interface {
	StartRun(ctx context.Context, jobID string, bt model.BackupType, trigger model.RunTrigger) (*model.JobRun, error)
}

// FireLock claims a fire key so only one controller triggers a given minute.
type FireLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// TaskProcessorOptions configures TaskProcessor defaults.
type TaskProcessorOptions struct {
	// Location is the reference zone for jobs without their own time zone.
	Location  *time.Location
	Lookahead time.Duration
	FireTTL   time.Duration
}

// TaskProcessor evaluates one job per call and triggers at most one run for it.
type TaskProcessor struct {
	loc       *time.Location
	lookahead time.Duration
	fireTTL   time.Duration
}

// NewTaskProcessor constructs a TaskProcessor with sane defaults.
func NewTaskProcessor(opts TaskProcessorOptions) *TaskProcessor {
	p := &TaskProcessor{loc: opts.Location, lookahead: opts.Lookahead, fireTTL: opts.FireTTL}
	if p.loc == nil {
		p.loc = time.UTC
	}
	if p.lookahead <= 0 {
		p.lookahead = DefaultLookahead
	}
	if p.fireTTL <= 0 {
		p.fireTTL = 2 * time.Minute
	}
	return p
}

// Evaluation is the due state of one job at one minute.
type Evaluation struct {
	Due        bool
	BackupType model.BackupType
	Minute     time.Time
	// CronErrors holds one error per unparsable expression.
	CronErrors []error
}

// Evaluate checks the job's three expressions against the minute containing now.
// When several match, the highest priority variant wins: Full, then Differential, then TransactionLog.
func (p *TaskProcessor) Evaluate(job *model.Job, now time.Time) Evaluation {
	loc := p.locationFor(job)
	ev := Evaluation{Minute: now.In(loc).Truncate(time.Minute)}
	for _, bt := range model.BackupTypes {
		expr := job.Cron(bt)
		if expr == "" {
			continue
		}
		ok, err := MatchesMinute(expr, now, loc, p.lookahead)
		if err != nil {
			ev.CronErrors = append(ev.CronErrors, fmt.Errorf("%s: %w", bt, err))
			continue
		}
		if ok && !ev.Due {
			ev.Due = true
			ev.BackupType = bt
		}
	}
	return ev
}

func (p *TaskProcessor) locationFor(job *model.Job) *time.Location {
	if job.TimeZone == "" {
		return p.loc
	}
	loc, err := time.LoadLocation(job.TimeZone)
	if err != nil {
		return p.loc
	}
	return loc
}

// ProcessParams supplies the per-invocation collaborators for Process.
type ProcessParams struct {
	Job     *model.Job
	Now     time.Time
	Starter RunStarter
	// Lock is optional. Without it every matching tick triggers.
	Lock FireLock
}

// ProcessResult captures the outcome of processing a job.
type ProcessResult struct {
	Evaluation
	FireKey string
	// Claimed is false when another controller already holds the fire key.
	Claimed  bool
	Started  bool
	Conflict bool
	Run      *model.JobRun
}

// Process evaluates a job and, when due, triggers one run. An open run is reported as
// Conflict rather than an error so the caller can continue with other jobs.
func (p *TaskProcessor) Process(ctx context.Context, params ProcessParams) (*ProcessResult, error) {
	if params.Job == nil {
		return nil, errors.New("job is required")
	}
	if params.Starter == nil {
		return nil, errors.New("run starter is required")
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now()
	}

	result := &ProcessResult{Evaluation: p.Evaluate(params.Job, now)}
	if !params.Job.Enabled || !result.Due {
		return result, nil
	}

	result.FireKey = ComputeFireKey(params.Job.ID, result.Minute)
	if params.Lock != nil {
		claimed, err := params.Lock.Acquire(ctx, result.FireKey, p.fireTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire fire key: %w", err)
		}
		if !claimed {
			return result, nil
		}
	}
	result.Claimed = true

	run, err := params.Starter.StartRun(ctx, params.Job.ID, result.BackupType, model.RunTriggerSchedule)
	if err != nil {
		if apperrors.IsAlreadyRunning(err) {
			result.Conflict = true
			return result, nil
		}
		return nil, fmt.Errorf("start run: %w", err)
	}
	result.Started = true
	result.Run = run
	return result, nil
}

// ComputeFireKey derives an idempotent fire key for a job at a minute.
func ComputeFireKey(jobID string, minute time.Time) string {
	return fmt.Sprintf("sched:fire:%s:%d", jobID, minute.Unix()/60)
}
