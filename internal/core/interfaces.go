// Package core defines the repository ports the services depend on. The data package
// provides the Postgres and Redis implementations.
package core

import (
	"context"
	"time"

	"github.com/target/backup-coordinator/internal/domain/model"
)

// AgentRepository persists registered agents.
type AgentRepository interface {
	Create(ctx context.Context, req *model.CreateAgentRequest) (*model.Agent, error)
	GetByID(ctx context.Context, id string) (*model.Agent, error)
	GetByKey(ctx context.Context, key string) (*model.Agent, error)
	List(ctx context.Context) ([]*model.Agent, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// JobRepository persists job definitions and their ordered stages.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	// Get returns the job with its tasks in ascending order.
	Get(ctx context.Context, id string) (*model.Job, error)
	GetByName(ctx context.Context, name string) (*model.Job, error)
	// List returns jobs with their tasks. enabledOnly restricts the set to schedulable jobs.
	List(ctx context.Context, enabledOnly bool) ([]*model.Job, error)
	// Delete fails with ErrJobHasOpenRun while the job has an open run.
	Delete(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// StartJobRunParams groups the fields of a new run.
type StartJobRunParams struct {
	JobID      string
	BackupType model.BackupType
	Trigger    model.RunTrigger
	StartedAt  time.Time
}

// JobRunRepository persists runs. Create enforces one open run per job.
type JobRunRepository interface {
	// Create returns an AlreadyRunning error when the job has an open run.
	Create(ctx context.Context, p StartJobRunParams) (*model.JobRun, error)
	Complete(ctx context.Context, id string, completedAt time.Time, isError bool) error
	Get(ctx context.Context, id string) (*model.JobRun, error)
	HasOpenRun(ctx context.Context, jobID string) (bool, error)
	ListOpen(ctx context.Context) ([]*model.JobRun, error)
	ListByJob(ctx context.Context, jobID string, limit int) ([]*model.JobRun, error)
}

// JobRunTaskRepository persists run items.
type JobRunTaskRepository interface {
	// CreateBatch inserts all items of one stage in a single transaction and fills in their IDs.
	CreateBatch(ctx context.Context, tasks []*model.JobRunTask) error
	Start(ctx context.Context, id string, startedAt time.Time) error
	// Complete records the terminal outcome. It returns false when the item was already terminal.
	Complete(ctx context.Context, id string, c model.TaskCompletion) (bool, error)
	Get(ctx context.Context, id string) (*model.JobRunTask, error)
	ListByRun(ctx context.Context, runID string) ([]*model.JobRunTask, error)
	ListByRunStage(ctx context.Context, runID string, taskOrder int) ([]*model.JobRunTask, error)
	// FailOpen marks every non-terminal item of a run errored with the given result.
	FailOpen(ctx context.Context, runID, result string, at time.Time) (int64, error)
}

// JobRunTaskLogRepository appends and reads item logs.
type JobRunTaskLogRepository interface {
	Append(ctx context.Context, log *model.JobRunTaskLog) error
	ListByTask(ctx context.Context, jobRunTaskID string, limit int) ([]*model.JobRunTaskLog, error)
}
