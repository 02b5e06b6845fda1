package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/target/backup-coordinator/internal/core"
	"github.com/target/backup-coordinator/internal/data/pgxutil"
	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
)

var _ core.JobRunTaskLogRepository = (*JobRunTaskLogRepo)(nil)

// JobRunTaskLogRepo appends and reads item logs.
type JobRunTaskLogRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewJobRunTaskLogRepo creates a new JobRunTaskLogRepo.
func NewJobRunTaskLogRepo(db *sql.DB) *JobRunTaskLogRepo {
	return &JobRunTaskLogRepo{DB: db, timeProvider: RealTimeProvider{}}
}

// Append stores a log line and fills in its ID and timestamp.
func (r *JobRunTaskLogRepo) Append(ctx context.Context, log *model.JobRunTaskLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = r.timeProvider.Now().UTC()
	}
	if err := r.DB.QueryRowContext(ctx, `
		INSERT INTO job_run_task_logs (job_run_task_id, is_error, message, created_at)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		log.JobRunTaskID, log.IsError, log.Message, log.CreatedAt,
	).Scan(&log.ID); err != nil {
		return fmt.Errorf("append job run task log: %w", apperrors.MapDBError(err))
	}
	return nil
}

// ListByTask returns an item's logs in append order.
func (r *JobRunTaskLogRepo) ListByTask(ctx context.Context, jobRunTaskID string, limit int) ([]*model.JobRunTaskLog, error) {
	if limit <= 0 {
		limit = 1000
	}
	logs, err := pgxutil.Select(ctx, r.DB, pgx.RowToAddrOfStructByName[model.JobRunTaskLog], `
		SELECT id, job_run_task_id, is_error, message, created_at
		FROM job_run_task_logs WHERE job_run_task_id = $1 ORDER BY id LIMIT $2`, jobRunTaskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job run task logs: %w", err)
	}
	return logs, nil
}
