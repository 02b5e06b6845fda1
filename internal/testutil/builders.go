package testutil

import (
	"fmt"
	"time"

	"github.com/target/backup-coordinator/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a builder for an enabled job with no stages and a unique name.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			Name:        fmt.Sprintf("job-%d", time.Now().UnixNano()),
			ItemTimeout: time.Hour,
		},
	}
}

// WithName sets the job name.
func (b *JobRequestBuilder) WithName(name string) *JobRequestBuilder {
	b.req.Name = name
	return b
}

// WithCron sets the cron expression for a backup type.
func (b *JobRequestBuilder) WithCron(bt model.BackupType, expr string) *JobRequestBuilder {
	switch bt {
	case model.BackupTypeFull:
		b.req.CronFull = expr
	case model.BackupTypeDifferential:
		b.req.CronDiff = expr
	case model.BackupTypeTransactionLog:
		b.req.CronLog = expr
	}
	return b
}

// Disabled marks the job disabled.
func (b *JobRequestBuilder) Disabled() *JobRequestBuilder {
	enabled := false
	b.req.Enabled = &enabled
	return b
}

// WithStage appends a stage running on agentKey.
func (b *JobRequestBuilder) WithStage(tt model.TaskType, agentKey string, settings model.TaskSettings) *JobRequestBuilder {
	b.req.Tasks = append(b.req.Tasks, model.CreateJobTask{
		Type:        tt,
		Parallelism: 2,
		AgentKey:    agentKey,
		Settings:    settings,
	})
	return b
}

// Build returns the built request.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// BackupPipeline returns a create-backup, compress, upload request targeting agentKey.
func BackupPipeline(agentKey string) *model.CreateJobRequest {
	return NewJobRequest().
		WithCron(model.BackupTypeFull, "0 2 * * *").
		WithCron(model.BackupTypeTransactionLog, "*/15 * * * *").
		WithStage(model.TaskTypeCreateBackup, agentKey, model.TaskSettings{
			Connection:      &model.ConnectionInfo{Engine: "postgres", Host: "db", User: "backup"},
			Filter:          model.FilterSettings{ExcludeSystemDatabases: true},
			DestinationPath: "/var/backups",
		}).
		WithStage(model.TaskTypeCompress, agentKey, model.TaskSettings{}).
		WithStage(model.TaskTypeUpload, agentKey, model.TaskSettings{
			Storage: &model.StorageSettings{Kind: model.StorageFilesystem, Path: "/mnt/archive"},
		}).
		Build()
}
