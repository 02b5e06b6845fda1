package data

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/backup-coordinator/internal/core"
	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
	"github.com/target/backup-coordinator/internal/testutil"
)

func TestAgentRepo_CreateGetList(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	repo := NewAgentRepo(db)

	a, err := repo.Create(ctx, &model.CreateAgentRequest{
		Key:      "db-01",
		Name:     "Primary DB host",
		Settings: model.AgentSettings{Engines: []string{"postgres"}, MaxConcurrency: 4},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, []string{"postgres"}, a.Settings.Engines)

	_, err = repo.Create(ctx, &model.CreateAgentRequest{Key: "db-01", Name: "dup"})
	assert.True(t, apperrors.IsConflict(err), "got %v", err)

	got, err := repo.GetByKey(ctx, "db-01")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = repo.GetByKey(ctx, "nope")
	assert.True(t, apperrors.IsNotFound(err))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestJobRepo_CreateWithStages(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	_, err := NewAgentRepo(db).Create(ctx, &model.CreateAgentRequest{Key: "db-01", Name: "db"})
	require.NoError(t, err)
	jobs := NewJobRepo(db)

	job, err := jobs.Create(ctx, testutil.BackupPipeline("db-01"))
	require.NoError(t, err)
	require.Len(t, job.Tasks, 3)
	assert.Equal(t, model.TaskTypeCreateBackup, job.Tasks[0].Type)
	assert.Equal(t, 2, job.Tasks[2].Order)
	assert.Equal(t, time.Hour, job.ItemTimeout)
	assert.True(t, job.Tasks[0].Settings.Filter.ExcludeSystemDatabases)

	listed, err := jobs.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Len(t, listed[0].Tasks, 3)

	_, err = jobs.Create(ctx, testutil.NewJobRequest().
		WithStage(model.TaskTypeCreateBackup, "ghost", model.TaskSettings{
			Connection: &model.ConnectionInfo{Engine: "postgres"},
		}).Build())
	assert.ErrorIs(t, err, ErrUnknownAgentKey)
}

func TestJobRepo_SetEnabledStampsUpdatedAt(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	_, err := NewAgentRepo(db).Create(ctx, &model.CreateAgentRequest{Key: "db-01", Name: "db"})
	require.NoError(t, err)

	clock := NewFixedTimeProvider(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	jobs := NewJobRepoWithTimeProvider(db, clock)
	job, err := jobs.Create(ctx, testutil.BackupPipeline("db-01"))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, jobs.SetEnabled(ctx, job.ID, false))

	got, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.True(t, got.UpdatedAt.Equal(clock.Now()), "updated_at %v", got.UpdatedAt)

	err = jobs.SetEnabled(ctx, "00000000-0000-0000-0000-000000000000", true)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestJobRunRepo_OneOpenRunPerJob(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	_, err := NewAgentRepo(db).Create(ctx, &model.CreateAgentRequest{Key: "db-01", Name: "db"})
	require.NoError(t, err)
	job, err := NewJobRepo(db).Create(ctx, testutil.BackupPipeline("db-01"))
	require.NoError(t, err)

	runs := NewJobRunRepo(db)
	run, err := runs.Create(ctx, core.StartJobRunParams{JobID: job.ID, BackupType: model.BackupTypeFull})
	require.NoError(t, err)
	assert.True(t, run.Open())
	assert.Equal(t, model.RunTriggerSchedule, run.Trigger)

	_, err = runs.Create(ctx, core.StartJobRunParams{JobID: job.ID, BackupType: model.BackupTypeTransactionLog})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyRunning)

	err = NewJobRepo(db).Delete(ctx, job.ID)
	assert.True(t, errors.Is(err, ErrJobHasOpenRun))

	require.NoError(t, runs.Complete(ctx, run.ID, time.Now(), true))
	open, err := runs.HasOpenRun(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, open)

	_, err = runs.Create(ctx, core.StartJobRunParams{JobID: job.ID, BackupType: model.BackupTypeDifferential})
	require.NoError(t, err)
}

func TestJobRunTaskRepo_BatchCompleteAndLogs(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	_, err := NewAgentRepo(db).Create(ctx, &model.CreateAgentRequest{Key: "db-01", Name: "db"})
	require.NoError(t, err)
	job, err := NewJobRepo(db).Create(ctx, testutil.BackupPipeline("db-01"))
	require.NoError(t, err)
	run, err := NewJobRunRepo(db).Create(ctx, core.StartJobRunParams{JobID: job.ID, BackupType: model.BackupTypeFull})
	require.NoError(t, err)

	repo := NewJobRunTaskRepo(db)
	items := []*model.JobRunTask{
		{JobRunID: run.ID, JobTaskID: job.Tasks[0].ID, TaskType: model.TaskTypeCreateBackup, ItemOrder: 0, ItemName: "app"},
		{JobRunID: run.ID, JobTaskID: job.Tasks[0].ID, TaskType: model.TaskTypeCreateBackup, ItemOrder: 1, ItemName: "billing"},
	}
	require.NoError(t, repo.CreateBatch(ctx, items))
	require.NotEmpty(t, items[0].ID)
	require.NotEmpty(t, items[1].ID)

	start := time.Now().Add(-3 * time.Second)
	require.NoError(t, repo.Start(ctx, items[0].ID, start))
	artifact := "app_Full_20240101120000.bak"
	ok, err := repo.Complete(ctx, items[0].ID, model.TaskCompletion{
		CompletedAt: start.Add(3 * time.Second), Result: "done", OutputArtifact: &artifact,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Complete(ctx, items[0].ID, model.TaskCompletion{CompletedAt: time.Now(), IsError: true})
	require.NoError(t, err)
	assert.False(t, ok, "second completion must be ignored")

	n, err := repo.FailOpen(ctx, run.ID, "Abandoned: controller restarted", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stage, err := repo.ListByRunStage(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, stage, 2)
	assert.True(t, stage[0].Succeeded())
	assert.Equal(t, artifact, stage[0].Artifact())
	assert.InDelta(t, 3*time.Second, stage[0].RunTime, float64(50*time.Millisecond))
	assert.True(t, stage[1].IsError)

	logs := NewJobRunTaskLogRepo(db)
	require.NoError(t, logs.Append(ctx, &model.JobRunTaskLog{JobRunTaskID: items[0].ID, Message: "line 1"}))
	require.NoError(t, logs.Append(ctx, &model.JobRunTaskLog{JobRunTaskID: items[0].ID, Message: "line 2", IsError: true}))
	got, err := logs.ListByTask(ctx, items[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "line 1", got[0].Message)
	assert.True(t, got[1].IsError)
}
