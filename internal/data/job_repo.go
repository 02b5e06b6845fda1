package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/target/backup-coordinator/internal/core"
	"github.com/target/backup-coordinator/internal/data/pgxutil"
	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
)

var _ core.JobRepository = (*JobRepo)(nil)

const jobColumns = `
  id,
  name,
  description,
  enabled,
  cron_full,
  cron_diff,
  cron_log,
  time_zone,
  item_timeout_ms,
  created_at,
  updated_at
`

const jobTaskColumns = `id, job_id, type, task_order, parallelism, agent_id, input_from_order, settings`

// JobRepo provides database operations for job definitions and their stages.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewJobRepo creates a new JobRepo instance with the given database connection.
func NewJobRepo(db *sql.DB) *JobRepo {
	return &JobRepo{DB: db, timeProvider: RealTimeProvider{}}
}

// NewJobRepoWithTimeProvider creates a JobRepo with a custom time provider (useful for tests).
func NewJobRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *JobRepo {
	return &JobRepo{DB: db, timeProvider: tp}
}

func scanJob(row pgx.CollectableRow) (*model.Job, error) {
	var (
		j         model.Job
		timeoutMS int64
	)
	err := row.Scan(
		&j.ID, &j.Name, &j.Description, &j.Enabled,
		&j.CronFull, &j.CronDiff, &j.CronLog, &j.TimeZone,
		&timeoutMS, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.ItemTimeout = time.Duration(timeoutMS) * time.Millisecond
	return &j, nil
}

// Create validates req, resolves stage agent keys and inserts the job with its stages in one transaction.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	now := r.timeProvider.Now().UTC()

	var jobID string
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{Fn: func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO jobs (name, description, enabled, cron_full, cron_diff, cron_log, time_zone, item_timeout_ms, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			RETURNING id`,
			strings.TrimSpace(req.Name), req.Description, enabled,
			strings.TrimSpace(req.CronFull), strings.TrimSpace(req.CronDiff), strings.TrimSpace(req.CronLog),
			req.TimeZone, req.ItemTimeout.Milliseconds(), now,
		).Scan(&jobID); err != nil {
			return err
		}
		return insertJobTasks(ctx, tx, jobID, req.Tasks)
	}})
	if err != nil {
		if errors.Is(err, ErrUnknownAgentKey) {
			return nil, err
		}
		return nil, fmt.Errorf("create job: %w", apperrors.MapDBError(err))
	}
	return r.Get(ctx, jobID)
}

func insertJobTasks(ctx context.Context, tx pgx.Tx, jobID string, tasks []model.CreateJobTask) error {
	for i, t := range tasks {
		var agentID string
		if err := tx.QueryRow(ctx, `SELECT id FROM agents WHERE key = $1`, t.AgentKey).Scan(&agentID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("task %d agent %q: %w", i, t.AgentKey, ErrUnknownAgentKey)
			}
			return err
		}
		parallelism := max(t.Parallelism, 1)
		if _, err := tx.Exec(ctx, `
			INSERT INTO job_tasks (job_id, type, task_order, parallelism, agent_id, input_from_order, settings)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			jobID, string(t.Type), i, parallelism, agentID, t.InputFromOrder, t.Settings,
		); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the job with its tasks in ascending order.
func (r *JobRepo) Get(ctx context.Context, id string) (*model.Job, error) {
	return r.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
}

// GetByName returns the job with the given name.
func (r *JobRepo) GetByName(ctx context.Context, name string) (*model.Job, error) {
	return r.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE name = $1`, name)
}

func (r *JobRepo) getOne(ctx context.Context, query, arg string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, arg)
		if err != nil {
			return err
		}
		if job, err = pgx.CollectExactlyOneRow(rows, scanJob); err != nil {
			return err
		}
		rows, err = conn.Query(ctx, `SELECT `+jobTaskColumns+` FROM job_tasks WHERE job_id = $1 ORDER BY task_order`, job.ID)
		if err != nil {
			return err
		}
		job.Tasks, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.JobTask])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFoundf("job %s not found", arg)
		}
		return nil, fmt.Errorf("get job: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// List returns jobs ordered by name with their tasks attached.
func (r *JobRepo) List(ctx context.Context, enabledOnly bool) ([]*model.Job, error) {
	var jobs []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE ($1 = false OR enabled) ORDER BY name`, enabledOnly)
		if err != nil {
			return err
		}
		if jobs, err = pgx.CollectRows(rows, scanJob); err != nil {
			return err
		}
		rows, err = conn.Query(ctx, `
			SELECT t.id, t.job_id, t.type, t.task_order, t.parallelism, t.agent_id, t.input_from_order, t.settings
			FROM job_tasks t JOIN jobs j ON j.id = t.job_id
			WHERE ($1 = false OR j.enabled)
			ORDER BY t.job_id, t.task_order`, enabledOnly)
		if err != nil {
			return err
		}
		tasks, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.JobTask])
		if err != nil {
			return err
		}
		byJob := make(map[string]*model.Job, len(jobs))
		for _, j := range jobs {
			byJob[j.ID] = j
		}
		for _, t := range tasks {
			if j, ok := byJob[t.JobID]; ok {
				j.Tasks = append(j.Tasks, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Delete removes a job and its history. It fails with ErrJobHasOpenRun while a run is open.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{Fn: func(tx pgx.Tx) error {
		var locked string
		if err := tx.QueryRow(ctx, `SELECT id FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&locked); err != nil {
			return err
		}
		var open bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM job_runs WHERE job_id = $1 AND completed_at IS NULL)`, id,
		).Scan(&open); err != nil {
			return err
		}
		if open {
			return ErrJobHasOpenRun
		}
		_, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
		return err
	}})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrJobHasOpenRun):
		return fmt.Errorf("delete job %s: %w", id, ErrJobHasOpenRun)
	case errors.Is(err, pgx.ErrNoRows):
		return apperrors.NotFoundf("job %s not found", id)
	default:
		return fmt.Errorf("delete job: %w", apperrors.MapDBError(err))
	}
}

// SetEnabled toggles whether the scheduler considers the job.
func (r *JobRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET enabled = $2, updated_at = $3 WHERE id = $1`, id, enabled, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("set job enabled: %w", apperrors.MapDBError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFoundf("job %s not found", id)
	}
	return nil
}
