package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/backup-coordinator/internal/domain/model"
	"github.com/target/backup-coordinator/internal/domain/scheduler"
	apperrors "github.com/target/backup-coordinator/internal/errors"
)

type startCall struct {
	jobID string
	bt    model.BackupType
}

type stubStarter struct {
	err   error
	calls []startCall
}

func (s *stubStarter) StartRun(
	ctx context.Context,
	jobID string,
	bt model.BackupType,
	trigger model.RunTrigger,
) (*model.JobRun, error) {
	s.calls = append(s.calls, startCall{jobID: jobID, bt: bt})
	if s.err != nil {
		return nil, s.err
	}
	return &model.JobRun{ID: "run-1", JobID: jobID, BackupType: bt, Trigger: trigger}, nil
}

type stubLock struct {
	held map[string]bool
	err  error
}

func (s *stubLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if s.held == nil {
		s.held = map[string]bool{}
	}
	if s.held[key] {
		return false, nil
	}
	s.held[key] = true
	return true, nil
}

func midnight() time.Time {
	return time.Date(2024, 3, 10, 0, 0, 27, 0, time.UTC)
}

func TestTaskProcessor_FullAtMidnight(t *testing.T) {
	p := scheduler.NewTaskProcessor(scheduler.TaskProcessorOptions{})
	starter := &stubStarter{}
	job := &model.Job{ID: "job-1", Enabled: true, CronFull: "0 0 * * *"}

	res, err := p.Process(context.Background(), scheduler.ProcessParams{Job: job, Now: midnight(), Starter: starter})

	require.NoError(t, err)
	assert.True(t, res.Started)
	assert.Equal(t, model.BackupTypeFull, res.BackupType)
	require.Len(t, starter.calls, 1)
	assert.Equal(t, startCall{jobID: "job-1", bt: model.BackupTypeFull}, starter.calls[0])
}

func TestTaskProcessor_NotDue(t *testing.T) {
	p := scheduler.NewTaskProcessor(scheduler.TaskProcessorOptions{})
	starter := &stubStarter{}
	job := &model.Job{ID: "job-1", Enabled: true, CronFull: "0 0 * * *"}

	res, err := p.Process(context.Background(), scheduler.ProcessParams{
		Job:     job,
		Now:     midnight().Add(time.Minute),
		Starter: starter,
	})

	require.NoError(t, err)
	assert.False(t, res.Due)
	assert.Empty(t, starter.calls)
}

func TestTaskProcessor_Priority(t *testing.T) {
	tests := []struct {
		name string
		job  model.Job
		want model.BackupType
	}{
		{
			name: "all three match",
			job:  model.Job{CronFull: "0 0 * * *", CronDiff: "0 * * * *", CronLog: "*/5 * * * *"},
			want: model.BackupTypeFull,
		},
		{
			name: "diff and log match",
			job:  model.Job{CronFull: "0 1 * * *", CronDiff: "0 * * * *", CronLog: "*/5 * * * *"},
			want: model.BackupTypeDifferential,
		},
		{
			name: "only log matches",
			job:  model.Job{CronFull: "0 1 * * *", CronDiff: "30 * * * *", CronLog: "*/5 * * * *"},
			want: model.BackupTypeTransactionLog,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := scheduler.NewTaskProcessor(scheduler.TaskProcessorOptions{})
			starter := &stubStarter{}
			job := tt.job
			job.ID = "job-1"
			job.Enabled = true

			res, err := p.Process(context.Background(), scheduler.ProcessParams{Job: &job, Now: midnight(), Starter: starter})

			require.NoError(t, err)
			require.Len(t, starter.calls, 1)
			assert.Equal(t, tt.want, starter.calls[0].bt)
			assert.Equal(t, tt.want, res.BackupType)
		})
	}
}

func TestTaskProcessor_AlreadyRunningIsConflict(t *testing.T) {
	p := scheduler.NewTaskProcessor(scheduler.TaskProcessorOptions{})
	starter := &stubStarter{err: apperrors.ErrAlreadyRunning}
	job := &model.Job{ID: "job-1", Enabled: true, CronLog: "* * * * *"}

	res, err := p.Process(context.Background(), scheduler.ProcessParams{Job: job, Now: midnight(), Starter: starter})

	require.NoError(t, err)
	assert.True(t, res.Conflict)
	assert.False(t, res.Started)
	assert.Nil(t, res.Run)
}

func TestTaskProcessor_StartErrorPropagates(t *testing.T) {
	p := scheduler.NewTaskProcessor(scheduler.TaskProcessorOptions{})
	starter := &stubStarter{err: errors.New("db down")}
	job := &model.Job{ID: "job-1", Enabled: true, CronLog: "* * * * *"}

	_, err := p.Process(context.Background(), scheduler.ProcessParams{Job: job, Now: midnight(), Starter: starter})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestTaskProcessor_FireLockDedupes(t *testing.T) {
	p := scheduler.NewTaskProcessor(scheduler.TaskProcessorOptions{})
	starter := &stubStarter{}
	lock := &stubLock{}
	job := &model.Job{ID: "job-1", Enabled: true, CronFull: "0 0 * * *"}
	params := scheduler.ProcessParams{Job: job, Now: midnight(), Starter: starter, Lock: lock}

	first, err := p.Process(context.Background(), params)
	require.NoError(t, err)
	assert.True(t, first.Claimed)

	params.Now = midnight().Add(20 * time.Second)
	second, err := p.Process(context.Background(), params)
	require.NoError(t, err)
	assert.False(t, second.Claimed)
	assert.Len(t, starter.calls, 1)
}

func TestTaskProcessor_DisabledJob(t *testing.T) {
	p := scheduler.NewTaskProcessor(scheduler.TaskProcessorOptions{})
	starter := &stubStarter{}
	job := &model.Job{ID: "job-1", Enabled: false, CronFull: "0 0 * * *"}

	res, err := p.Process(context.Background(), scheduler.ProcessParams{Job: job, Now: midnight(), Starter: starter})

	require.NoError(t, err)
	assert.True(t, res.Due)
	assert.Empty(t, starter.calls)
}

func TestTaskProcessor_InvalidCronReported(t *testing.T) {
	p := scheduler.NewTaskProcessor(scheduler.TaskProcessorOptions{})
	job := &model.Job{ID: "job-1", Enabled: true, CronFull: "not a cron", CronLog: "* * * * *"}

	ev := p.Evaluate(job, midnight())

	assert.True(t, ev.Due)
	assert.Equal(t, model.BackupTypeTransactionLog, ev.BackupType)
	require.Len(t, ev.CronErrors, 1)
	assert.Contains(t, ev.CronErrors[0].Error(), "Full")
}

func TestTaskProcessor_TimeZone(t *testing.T) {
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	p := scheduler.NewTaskProcessor(scheduler.TaskProcessorOptions{Location: loc})
	job := &model.Job{ID: "job-1", Enabled: true, CronFull: "0 0 * * *"}

	// Midnight in Chicago on 2024-03-10 is 06:00 UTC.
	assert.True(t, p.Evaluate(job, time.Date(2024, 3, 10, 6, 0, 10, 0, time.UTC)).Due)
	assert.False(t, p.Evaluate(job, midnight()).Due)

	job.TimeZone = "UTC"
	assert.True(t, p.Evaluate(job, midnight()).Due)
}

func TestNextOccurrences(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	occ, err := scheduler.NextOccurrences("0 */6 * * *", from, 24*time.Hour)

	require.NoError(t, err)
	require.Len(t, occ, 4)
	assert.Equal(t, from.Add(6*time.Hour), occ[0])
	assert.Equal(t, from.Add(24*time.Hour), occ[3])

	daily, err := scheduler.NextOccurrences("@daily", from, scheduler.DefaultLookahead)
	require.NoError(t, err)
	assert.Len(t, daily, 2)

	_, err = scheduler.NextOccurrences("61 * * * *", from, time.Hour)
	assert.Error(t, err)
}

func TestComputeFireKey(t *testing.T) {
	a := scheduler.ComputeFireKey("job-1", midnight().Truncate(time.Minute))
	b := scheduler.ComputeFireKey("job-1", midnight().Truncate(time.Minute))
	c := scheduler.ComputeFireKey("job-1", midnight().Truncate(time.Minute).Add(time.Minute))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
