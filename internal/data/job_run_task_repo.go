package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/target/backup-coordinator/internal/core"
	"github.com/target/backup-coordinator/internal/data/pgxutil"
	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
)

var _ core.JobRunTaskRepository = (*JobRunTaskRepo)(nil)

const jobRunTaskColumns = `
  id,
  job_run_id,
  job_task_id,
  task_type,
  task_order,
  item_order,
  item_name,
  input_artifact,
  started_at,
  completed_at,
  run_time_ms,
  is_error,
  result,
  output_artifact
`

// JobRunTaskRepo provides database operations for run items.
type JobRunTaskRepo struct {
	DB *sql.DB
}

// NewJobRunTaskRepo creates a new JobRunTaskRepo.
func NewJobRunTaskRepo(db *sql.DB) *JobRunTaskRepo {
	return &JobRunTaskRepo{DB: db}
}

func scanJobRunTask(row pgx.CollectableRow) (*model.JobRunTask, error) {
	var (
		t         model.JobRunTask
		runTimeMS int64
	)
	err := row.Scan(
		&t.ID, &t.JobRunID, &t.JobTaskID, &t.TaskType, &t.TaskOrder, &t.ItemOrder, &t.ItemName,
		&t.InputArtifact, &t.StartedAt, &t.CompletedAt, &runTimeMS, &t.IsError, &t.Result, &t.OutputArtifact,
	)
	if err != nil {
		return nil, err
	}
	t.RunTime = time.Duration(runTimeMS) * time.Millisecond
	return &t, nil
}

// CreateBatch inserts one stage's items in a single transaction. Items pre-marked terminal
// (missing input) are stored with their completion. IDs are written back into tasks.
func (r *JobRunTaskRepo) CreateBatch(ctx context.Context, tasks []*model.JobRunTask) error {
	if len(tasks) == 0 {
		return nil
	}
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{Fn: func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, t := range tasks {
			batch.Queue(`
				INSERT INTO job_run_tasks (
					job_run_id, job_task_id, task_type, task_order, item_order, item_name,
					input_artifact, completed_at, is_error, result
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				RETURNING id`,
				t.JobRunID, t.JobTaskID, string(t.TaskType), t.TaskOrder, t.ItemOrder, t.ItemName,
				t.InputArtifact, t.CompletedAt, t.IsError, t.Result,
			)
		}
		br := tx.SendBatch(ctx, batch)
		for _, t := range tasks {
			if err := br.QueryRow().Scan(&t.ID); err != nil {
				_ = br.Close()
				return err
			}
		}
		return br.Close()
	}})
	if err != nil {
		return fmt.Errorf("create job run tasks: %w", apperrors.MapDBError(err))
	}
	return nil
}

// Start stamps the item's start time once.
func (r *JobRunTaskRepo) Start(ctx context.Context, id string, startedAt time.Time) error {
	if _, err := r.DB.ExecContext(ctx,
		`UPDATE job_run_tasks SET started_at = $2 WHERE id = $1 AND started_at IS NULL`, id, startedAt.UTC(),
	); err != nil {
		return fmt.Errorf("start job run task: %w", apperrors.MapDBError(err))
	}
	return nil
}

// Complete records the terminal outcome and run time. A second completion is ignored.
func (r *JobRunTaskRepo) Complete(ctx context.Context, id string, c model.TaskCompletion) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_run_tasks SET
			completed_at = $2,
			is_error = $3,
			result = $4,
			output_artifact = $5,
			run_time_ms = CASE WHEN started_at IS NULL THEN 0
				ELSE GREATEST(0, (EXTRACT(EPOCH FROM ($2 - started_at)) * 1000)::bigint) END
		WHERE id = $1 AND completed_at IS NULL`,
		id, c.CompletedAt.UTC(), c.IsError, c.Result, c.OutputArtifact,
	)
	if err != nil {
		return false, fmt.Errorf("complete job run task: %w", apperrors.MapDBError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete job run task rows affected: %w", err)
	}
	return n > 0, nil
}

// Get returns an item by ID.
func (r *JobRunTaskRepo) Get(ctx context.Context, id string) (*model.JobRunTask, error) {
	t, err := pgxutil.SelectOne(ctx, r.DB, scanJobRunTask, `SELECT `+jobRunTaskColumns+` FROM job_run_tasks WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFoundf("job run task %s not found", id)
		}
		return nil, fmt.Errorf("get job run task: %w", apperrors.MapDBError(err))
	}
	return t, nil
}

// ListByRun returns a run's items in stage then item order.
func (r *JobRunTaskRepo) ListByRun(ctx context.Context, runID string) ([]*model.JobRunTask, error) {
	out, err := pgxutil.Select(ctx, r.DB, scanJobRunTask,
		`SELECT `+jobRunTaskColumns+` FROM job_run_tasks WHERE job_run_id = $1 ORDER BY task_order, item_order`, runID)
	if err != nil {
		return nil, fmt.Errorf("list job run tasks: %w", err)
	}
	return out, nil
}

// ListByRunStage returns one stage's items in item order.
func (r *JobRunTaskRepo) ListByRunStage(ctx context.Context, runID string, taskOrder int) ([]*model.JobRunTask, error) {
	out, err := pgxutil.Select(ctx, r.DB, scanJobRunTask,
		`SELECT `+jobRunTaskColumns+` FROM job_run_tasks WHERE job_run_id = $1 AND task_order = $2 ORDER BY item_order`,
		runID, taskOrder)
	if err != nil {
		return nil, fmt.Errorf("list job run stage tasks: %w", err)
	}
	return out, nil
}

// FailOpen marks every non-terminal item of a run errored.
func (r *JobRunTaskRepo) FailOpen(ctx context.Context, runID, result string, at time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE job_run_tasks SET completed_at = $3, is_error = TRUE, result = $2
		WHERE job_run_id = $1 AND completed_at IS NULL`, runID, result, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("fail open job run tasks: %w", apperrors.MapDBError(err))
	}
	return res.RowsAffected()
}
