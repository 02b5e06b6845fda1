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

var _ core.JobRunRepository = (*JobRunRepo)(nil)

const jobRunColumns = `id, job_id, backup_type, run_trigger, started_at, completed_at, is_error`

// JobRunRepo provides database operations for job runs.
type JobRunRepo struct {
	DB *sql.DB
}

// NewJobRunRepo creates a new JobRunRepo.
func NewJobRunRepo(db *sql.DB) *JobRunRepo {
	return &JobRunRepo{DB: db}
}

// Create opens a run. The job_runs_one_open_per_job index turns a second open run
// into an AlreadyRunning error.
func (r *JobRunRepo) Create(ctx context.Context, p core.StartJobRunParams) (*model.JobRun, error) {
	if !p.BackupType.Valid() {
		return nil, apperrors.Validationf("invalid backup type %q", p.BackupType)
	}
	trigger := p.Trigger
	if trigger == "" {
		trigger = model.RunTriggerSchedule
	}
	startedAt := p.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	run, err := pgxutil.SelectOne(ctx, r.DB, pgx.RowToAddrOfStructByName[model.JobRun], `
		INSERT INTO job_runs (job_id, backup_type, run_trigger, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING `+jobRunColumns,
		p.JobID, string(p.BackupType), string(trigger), startedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("create job run: %w", apperrors.MapDBError(err))
	}
	return run, nil
}

// Complete closes an open run.
func (r *JobRunRepo) Complete(ctx context.Context, id string, completedAt time.Time, isError bool) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE job_runs SET completed_at = $2, is_error = $3 WHERE id = $1 AND completed_at IS NULL`,
		id, completedAt.UTC(), isError)
	if err != nil {
		return fmt.Errorf("complete job run: %w", apperrors.MapDBError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFoundf("open job run %s not found", id)
	}
	return nil
}

// Get returns a run by ID.
func (r *JobRunRepo) Get(ctx context.Context, id string) (*model.JobRun, error) {
	run, err := pgxutil.SelectOne(ctx, r.DB, pgx.RowToAddrOfStructByName[model.JobRun],
		`SELECT `+jobRunColumns+` FROM job_runs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFoundf("job run %s not found", id)
		}
		return nil, fmt.Errorf("get job run: %w", apperrors.MapDBError(err))
	}
	return run, nil
}

// HasOpenRun reports whether the job has a run without CompletedAt.
func (r *JobRunRepo) HasOpenRun(ctx context.Context, jobID string) (bool, error) {
	var open bool
	if err := r.DB.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM job_runs WHERE job_id = $1 AND completed_at IS NULL)`, jobID,
	).Scan(&open); err != nil {
		return false, fmt.Errorf("check open run: %w", apperrors.MapDBError(err))
	}
	return open, nil
}

// ListOpen returns every open run, oldest first.
func (r *JobRunRepo) ListOpen(ctx context.Context) ([]*model.JobRun, error) {
	runs, err := pgxutil.Select(ctx, r.DB, pgx.RowToAddrOfStructByName[model.JobRun],
		`SELECT `+jobRunColumns+` FROM job_runs WHERE completed_at IS NULL ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list open runs: %w", err)
	}
	return runs, nil
}

// ListByJob returns the most recent runs of a job, newest first.
func (r *JobRunRepo) ListByJob(ctx context.Context, jobID string, limit int) ([]*model.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	runs, err := pgxutil.Select(ctx, r.DB, pgx.RowToAddrOfStructByName[model.JobRun],
		`SELECT `+jobRunColumns+` FROM job_runs WHERE job_id = $1 ORDER BY started_at DESC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	return runs, nil
}
