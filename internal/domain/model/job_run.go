package model

import "time"

// RunTrigger records what started a run.
type RunTrigger string

const (
	// RunTriggerSchedule marks runs fired by a cron match.
	RunTriggerSchedule RunTrigger = "schedule"
	// RunTriggerManual marks runs started by an operator.
	RunTriggerManual RunTrigger = "manual"
)

// JobRun is one triggered execution of a Job.
type JobRun struct {
	ID          string     `json:"id"                     db:"id"`
	JobID       string     `json:"job_id"                 db:"job_id"`
	BackupType  BackupType `json:"backup_type"            db:"backup_type"`
	Trigger     RunTrigger `json:"trigger"                db:"run_trigger"`
	StartedAt   time.Time  `json:"started_at"             db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	IsError     bool       `json:"is_error"               db:"is_error"`
}

// Open reports whether the run has not completed.
func (r *JobRun) Open() bool {
	return r.CompletedAt == nil
}

// JobRunTask is one item of work within one stage of one run.
type JobRunTask struct {
	ID             string        `json:"id"                        db:"id"`
	JobRunID       string        `json:"job_run_id"                db:"job_run_id"`
	JobTaskID      string        `json:"job_task_id"               db:"job_task_id"`
	TaskType       TaskType      `json:"task_type"                 db:"task_type"`
	TaskOrder      int           `json:"task_order"                db:"task_order"`
	ItemOrder      int           `json:"item_order"                db:"item_order"`
	ItemName       string        `json:"item_name"                 db:"item_name"`
	InputArtifact  *string       `json:"input_artifact,omitempty"  db:"input_artifact"`
	StartedAt      *time.Time    `json:"started_at,omitempty"      db:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"    db:"completed_at"`
	RunTime        time.Duration `json:"run_time"                  db:"run_time_ms"`
	IsError        bool          `json:"is_error"                  db:"is_error"`
	Result         string        `json:"result"                    db:"result"`
	OutputArtifact *string       `json:"output_artifact,omitempty" db:"output_artifact"`
}

// Terminal reports whether the item has succeeded or errored.
func (t *JobRunTask) Terminal() bool {
	return t.CompletedAt != nil
}

// Succeeded reports whether the item completed without error.
func (t *JobRunTask) Succeeded() bool {
	return t.Terminal() && !t.IsError
}

// Artifact returns the output artifact or an empty string.
func (t *JobRunTask) Artifact() string {
	if t.OutputArtifact == nil {
		return ""
	}
	return *t.OutputArtifact
}

// TaskCompletion is the terminal outcome recorded for a JobRunTask.
type TaskCompletion struct {
	CompletedAt    time.Time
	IsError        bool
	Result         string
	OutputArtifact *string
}

// JobRunTaskLog is an append-only message attached to a JobRunTask.
type JobRunTaskLog struct {
	ID           int64     `json:"id"              db:"id"`
	JobRunTaskID string    `json:"job_run_task_id" db:"job_run_task_id"`
	IsError      bool      `json:"is_error"        db:"is_error"`
	Message      string    `json:"message"         db:"message"`
	CreatedAt    time.Time `json:"created_at"      db:"created_at"`
}
