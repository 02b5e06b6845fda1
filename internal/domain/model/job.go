// Package model defines the core data types shared by the coordinator, its repositories and the agents.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskType tags a pipeline stage with the work its items perform.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type TaskType string

const (
	// TaskTypeCreateBackup dumps each selected database on the stage agent.
	TaskTypeCreateBackup TaskType = "create-backup"
	// TaskTypeCompress gzips the artifact produced upstream.
	TaskTypeCompress TaskType = "compress"
	// TaskTypeUpload copies the upstream artifact into remote storage.
	TaskTypeUpload TaskType = "upload"
	// TaskTypeDownload fetches the newest stored artifact per logical item.
	TaskTypeDownload TaskType = "download"
	// TaskTypeDecompress restores a gzip artifact to its original form.
	TaskTypeDecompress TaskType = "decompress"
	// TaskTypeRestoreBackup restores a backup artifact into a database.
	TaskTypeRestoreBackup TaskType = "restore-backup"
)

// UnmarshalText implements encoding.TextUnmarshaler for TaskType.
func (t *TaskType) UnmarshalText(text []byte) error {
	v := TaskType(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid TaskType: %q", v)
	}
	*t = v
	return nil
}

// Valid returns true if the TaskType is known.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeCreateBackup, TaskTypeCompress, TaskTypeUpload,
		TaskTypeDownload, TaskTypeDecompress, TaskTypeRestoreBackup:
		return true
	}
	return false
}

// Fanout reports whether the stage builds its own item set instead of mirroring its input.
func (t TaskType) Fanout() bool {
	return t == TaskTypeCreateBackup || t == TaskTypeDownload
}

// BackupType is the variant a run was triggered for.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type BackupType string

const (
	// BackupTypeFull is a complete backup.
	BackupTypeFull BackupType = "Full"
	// BackupTypeDifferential captures changes since the last full backup.
	BackupTypeDifferential BackupType = "Differential"
	// BackupTypeTransactionLog captures the transaction log.
	BackupTypeTransactionLog BackupType = "TransactionLog"
)

// BackupTypes lists variants in priority order, highest first.
var BackupTypes = []BackupType{BackupTypeFull, BackupTypeDifferential, BackupTypeTransactionLog}

// UnmarshalText accepts the canonical names and the short forms full, diff and log.
func (b *BackupType) UnmarshalText(text []byte) error {
	v, err := ParseBackupType(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// ParseBackupType parses a backup type name, case-insensitive.
func ParseBackupType(s string) (BackupType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full":
		return BackupTypeFull, nil
	case "differential", "diff":
		return BackupTypeDifferential, nil
	case "transactionlog", "transaction-log", "log":
		return BackupTypeTransactionLog, nil
	}
	return "", fmt.Errorf("invalid BackupType: %q", s)
}

// Valid returns true if the BackupType is known.
func (b BackupType) Valid() bool {
	return b == BackupTypeFull || b == BackupTypeDifferential || b == BackupTypeTransactionLog
}

// Job is a named, scheduled backup or restore definition.
type Job struct {
	ID          string        `json:"id"                    db:"id"`
	Name        string        `json:"name"                  db:"name"`
	Description string        `json:"description,omitempty" db:"description"`
	Enabled     bool          `json:"enabled"               db:"enabled"`
	CronFull    string        `json:"cron_full,omitempty"   db:"cron_full"`
	CronDiff    string        `json:"cron_diff,omitempty"   db:"cron_diff"`
	CronLog     string        `json:"cron_log,omitempty"    db:"cron_log"`
	TimeZone    string        `json:"time_zone,omitempty"   db:"time_zone"`
	ItemTimeout time.Duration `json:"item_timeout"          db:"item_timeout_ms"`
	Tasks       []JobTask     `json:"tasks"                 db:"-"`
	CreatedAt   time.Time     `json:"created_at"            db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"            db:"updated_at"`
}

// Cron returns the expression configured for a backup type.
func (j *Job) Cron(bt BackupType) string {
	switch bt {
	case BackupTypeFull:
		return j.CronFull
	case BackupTypeDifferential:
		return j.CronDiff
	case BackupTypeTransactionLog:
		return j.CronLog
	}
	return ""
}

// JobTask is one ordered pipeline stage.
type JobTask struct {
	ID             string       `json:"id"                          db:"id"`
	JobID          string       `json:"job_id"                      db:"job_id"`
	Type           TaskType     `json:"type"                        db:"type"`
	Order          int          `json:"order"                       db:"task_order"`
	Parallelism    int          `json:"parallelism"                 db:"parallelism"`
	AgentID        string       `json:"agent_id"                    db:"agent_id"`
	InputFromOrder *int         `json:"input_from_order,omitempty"  db:"input_from_order"`
	Settings       TaskSettings `json:"settings"                    db:"settings"`
}

// MaxParallel returns the concurrency ceiling for the stage, never below one.
func (t *JobTask) MaxParallel() int {
	if t.Parallelism < 1 {
		return 1
	}
	return t.Parallelism
}

// ConnectionInfo describes how an agent reaches a database server.
type ConnectionInfo struct {
	Engine   string `json:"engine"             yaml:"engine"`
	Host     string `json:"host,omitempty"     yaml:"host,omitempty"`
	Port     int    `json:"port,omitempty"     yaml:"port,omitempty"`
	User     string `json:"user,omitempty"     yaml:"user,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	Instance string `json:"instance,omitempty" yaml:"instance,omitempty"`
	SSLMode  string `json:"ssl_mode,omitempty" yaml:"ssl_mode,omitempty"`
}

// Secrets returns values that must never appear in progress output.
func (c *ConnectionInfo) Secrets() []string {
	if c == nil || c.Password == "" {
		return nil
	}
	return []string{c.Password}
}

// FilterSettings selects databases or files for a stage.
type FilterSettings struct {
	ManualInclude          string `json:"manual_include,omitempty"           yaml:"manual_include,omitempty"`
	ManualExclude          string `json:"manual_exclude,omitempty"           yaml:"manual_exclude,omitempty"`
	IncludeRegex           string `json:"include_regex,omitempty"            yaml:"include_regex,omitempty"`
	ExcludeRegex           string `json:"exclude_regex,omitempty"            yaml:"exclude_regex,omitempty"`
	ExcludeSystemDatabases bool   `json:"exclude_system_databases,omitempty" yaml:"exclude_system_databases,omitempty"`
	DefaultExclude         bool   `json:"default_exclude,omitempty"          yaml:"default_exclude,omitempty"`
}

// StorageKind selects the storage backend an agent uses.
type StorageKind string

const (
	// StorageFilesystem stores artifacts under a local or mounted path.
	StorageFilesystem StorageKind = "filesystem"
	// StorageHTTP stores artifacts behind an HTTP object gateway.
	StorageHTTP StorageKind = "http"
)

// StorageSettings configures remote storage for upload and download stages.
type StorageSettings struct {
	Kind    StorageKind `json:"kind"                      yaml:"kind"`
	Path    string      `json:"path"                      yaml:"path"`
	BaseURL string      `json:"base_url,omitempty"        yaml:"base_url,omitempty"`
	// ListExpression is a JMESPath projection yielding [{name, modified, path}] from the list response.
	ListExpression string `json:"list_expression,omitempty" yaml:"list_expression,omitempty"`
	Token          string `json:"token,omitempty"           yaml:"token,omitempty"`
}

// TaskSettings is the per-type settings payload of a stage.
type TaskSettings struct {
	Connection       *ConnectionInfo  `json:"connection,omitempty"        yaml:"connection,omitempty"`
	Filter           FilterSettings   `json:"filter"                      yaml:"filter"`
	DestinationPath  string           `json:"destination_path,omitempty"  yaml:"destination_path,omitempty"`
	Storage          *StorageSettings `json:"storage,omitempty"           yaml:"storage,omitempty"`
	CompressionLevel int              `json:"compression_level,omitempty" yaml:"compression_level,omitempty"`
	DeleteSource     bool             `json:"delete_source,omitempty"     yaml:"delete_source,omitempty"`
}

// Secrets returns every secret value carried by the settings.
func (s *TaskSettings) Secrets() []string {
	out := s.Connection.Secrets()
	if s.Storage != nil && s.Storage.Token != "" {
		out = append(out, s.Storage.Token)
	}
	return out
}

// CreateJobRequest represents a request to create a job with its stages.
type CreateJobRequest struct {
	Name        string          `json:"name"                  yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"     yaml:"enabled,omitempty"`
	CronFull    string          `json:"cron_full,omitempty"   yaml:"cron_full,omitempty"`
	CronDiff    string          `json:"cron_diff,omitempty"   yaml:"cron_diff,omitempty"`
	CronLog     string          `json:"cron_log,omitempty"    yaml:"cron_log,omitempty"`
	TimeZone    string          `json:"time_zone,omitempty"   yaml:"time_zone,omitempty"`
	ItemTimeout time.Duration   `json:"item_timeout,omitempty" yaml:"item_timeout,omitempty"`
	Tasks       []CreateJobTask `json:"tasks"                 yaml:"tasks"`
}

// CreateJobTask describes one stage of a CreateJobRequest.
type CreateJobTask struct {
	Type           TaskType     `json:"type"                       yaml:"type"`
	Parallelism    int          `json:"parallelism,omitempty"      yaml:"parallelism,omitempty"`
	AgentKey       string       `json:"agent"                      yaml:"agent"`
	InputFromOrder *int         `json:"input_from_order,omitempty" yaml:"input_from_order,omitempty"`
	Settings       TaskSettings `json:"settings"                   yaml:"settings"`
}

// Validate validates the CreateJobRequest fields. Stage order is the slice position.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if len(r.Tasks) == 0 {
		return errors.New("at least one task is required")
	}
	if r.ItemTimeout < 0 {
		return errors.New("item timeout must be >= 0")
	}
	for i, t := range r.Tasks {
		if !t.Type.Valid() {
			return fmt.Errorf("task %d: invalid type %q", i, t.Type)
		}
		if t.AgentKey == "" {
			return fmt.Errorf("task %d: agent is required", i)
		}
		if i == 0 && !t.Type.Fanout() {
			return fmt.Errorf("task %d: first stage must be %s or %s", i, TaskTypeCreateBackup, TaskTypeDownload)
		}
		if t.InputFromOrder != nil && (*t.InputFromOrder < 0 || *t.InputFromOrder >= i) {
			return fmt.Errorf("task %d: input_from_order must reference an earlier stage", i)
		}
		if err := t.validateSettings(); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
	}
	return nil
}

func (t *CreateJobTask) validateSettings() error {
	switch t.Type {
	case TaskTypeCreateBackup, TaskTypeRestoreBackup:
		if t.Settings.Connection == nil || t.Settings.Connection.Engine == "" {
			return errors.New("connection engine is required")
		}
	case TaskTypeUpload, TaskTypeDownload:
		if t.Settings.Storage == nil || t.Settings.Storage.Path == "" {
			return errors.New("storage path is required")
		}
	case TaskTypeCompress, TaskTypeDecompress:
	}
	return nil
}
