// Package executor performs the work of backup and restore pipeline items on an agent host.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/target/backup-coordinator/config"
	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
	"github.com/target/backup-coordinator/internal/rpc"
)

type fileOpener func(name string) (io.ReadCloser, error)

// Result is the outcome of a successful dump or restore.
type Result struct {
	Artifact string
	Message  string
}

// Outcome is the terminal report of one executed item. Message is already redacted.
type Outcome struct {
	Artifact *string
	Message  string
	IsError  bool
}

// Options configures an Executor.
type Options struct {
	Tools   config.ToolPaths
	WorkDir string
	// Fs is used for every local file operation; nil means the OS filesystem.
	Fs         afero.Fs
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
	// Backends overrides the engine implementations, keyed by engine name.
	Backends map[string]Backend
}

// Executor runs pipeline items on the local host.
type Executor struct {
	fs       afero.Fs
	workDir  string
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
	backends map[string]Backend
}

// New constructs an Executor.
func New(opts Options) (*Executor, error) {
	if opts.WorkDir == "" {
		return nil, errors.New("work dir is required")
	}
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	backends := opts.Backends
	if backends == nil {
		backends = defaultBackends(opts.Tools, func(name string) (io.ReadCloser, error) { return fsys.Open(name) })
	}
	return &Executor{
		fs:       fsys,
		workDir:  opts.WorkDir,
		client:   opts.HTTPClient,
		logger:   logger.With("component", "executor"),
		now:      now,
		backends: backends,
	}, nil
}

func (e *Executor) backend(engine string) (Backend, error) {
	b, ok := e.backends[strings.ToLower(strings.TrimSpace(engine))]
	if !ok {
		return nil, apperrors.Validationf("unsupported database engine %q", engine)
	}
	return b, nil
}

// ListDatabases returns the databases on the server ordered by name.
func (e *Executor) ListDatabases(ctx context.Context, conn model.ConnectionInfo) ([]model.DatabaseInfo, error) {
	b, err := e.backend(conn.Engine)
	if err != nil {
		return nil, err
	}
	dbs, err := b.ListDatabases(ctx, conn)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(dbs, func(i, j int) bool { return dbs[i].Name < dbs[j].Name })
	if dbs == nil {
		dbs = []model.DatabaseInfo{}
	}
	return dbs, nil
}

// ListFiles returns the artifacts in storage ordered by name.
func (e *Executor) ListFiles(ctx context.Context, settings model.StorageSettings) ([]model.FileInfo, error) {
	st, err := NewStorage(settings, e.fs, e.client)
	if err != nil {
		return nil, err
	}
	files, err := st.List(ctx)
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []model.FileInfo{}
	}
	return files, nil
}

// CreateBackup dumps item into dest and returns the artifact path.
func (e *Executor) CreateBackup(
	ctx context.Context,
	conn model.ConnectionInfo,
	item string,
	bt model.BackupType,
	dest string,
	onProgress ProgressFunc,
) (Result, error) {
	if err := requireDatabase(item); err != nil {
		return Result{}, err
	}
	b, err := e.backend(conn.Engine)
	if err != nil {
		return Result{}, err
	}
	if dest == "" {
		dest = e.workDir
	}
	if err := e.fs.MkdirAll(dest, 0o750); err != nil {
		return Result{}, fmt.Errorf("create destination %s: %w", dest, err)
	}
	artifact := filepath.Join(dest, model.ArtifactName(item, bt, e.now(), b.Extension(bt)))
	err = b.CreateBackup(ctx, BackupRequest{
		Connection:  conn,
		Database:    item,
		BackupType:  bt,
		Destination: artifact,
	}, NewSecretRedactor(conn.Secrets()...), onProgress)
	if err != nil {
		_ = e.fs.Remove(artifact)
		return Result{}, err
	}
	return Result{Artifact: artifact, Message: "Success"}, nil
}

// RestoreBackup restores source into the database named item.
func (e *Executor) RestoreBackup(
	ctx context.Context,
	conn model.ConnectionInfo,
	item string,
	bt model.BackupType,
	source string,
	onProgress ProgressFunc,
) (Result, error) {
	if err := requireDatabase(item); err != nil {
		return Result{}, err
	}
	b, err := e.backend(conn.Engine)
	if err != nil {
		return Result{}, err
	}
	if err := e.requireInput(source); err != nil {
		return Result{}, err
	}
	err = b.RestoreBackup(ctx, RestoreRequest{
		Connection: conn,
		Database:   item,
		BackupType: bt,
		Source:     source,
	}, NewSecretRedactor(conn.Secrets()...), onProgress)
	if err != nil {
		return Result{}, err
	}
	return Result{Message: "Success"}, nil
}

func (e *Executor) requireInput(p string) error {
	if p == "" {
		return apperrors.Wrap(apperrors.ErrMissingInput, apperrors.ErrCodeMissingInput, "no input artifact")
	}
	if _, err := e.fs.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apperrors.Wrapf(apperrors.ErrMissingInput, apperrors.ErrCodeMissingInput, "input %s not found", p)
		}
		return fmt.Errorf("stat input %s: %w", p, err)
	}
	return nil
}

// Execute runs one item and renders its terminal report. Every failure becomes an errored Outcome.
func (e *Executor) Execute(ctx context.Context, req rpc.ExecuteRequest, onProgress ProgressFunc) Outcome {
	if onProgress == nil {
		onProgress = func(bool, string) {}
	}
	redactor := NewSecretRedactor(req.Settings.Secrets()...)
	start := e.now()
	res, err := e.execute(ctx, req, onProgress)
	if err != nil {
		e.logger.WarnContext(ctx, "item failed",
			"job_run_task_id", req.JobRunTaskID,
			"task_type", req.TaskType,
			"item", req.ItemName,
			"error", redactor.RedactString(err.Error()),
		)
		return Outcome{IsError: true, Message: redactor.RedactString(describeFailure(ctx, err))}
	}
	e.logger.InfoContext(ctx, "item completed",
		"job_run_task_id", req.JobRunTaskID,
		"task_type", req.TaskType,
		"item", req.ItemName,
		"duration", e.now().Sub(start),
	)
	out := Outcome{Message: redactor.RedactString(res.Message)}
	if out.Message == "" {
		out.Message = "Success"
	}
	if res.Artifact != "" {
		artifact := res.Artifact
		out.Artifact = &artifact
	}
	return out
}

func describeFailure(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return "Cancelled: " + err.Error()
	case apperrors.GetCode(err) == apperrors.ErrCodeMissingInput:
		return "MissingInput: " + err.Error()
	}
	return "ExecutionError: " + err.Error()
}

func (e *Executor) execute(ctx context.Context, req rpc.ExecuteRequest, onProgress ProgressFunc) (Result, error) {
	s := req.Settings
	switch req.TaskType {
	case model.TaskTypeCreateBackup:
		if s.Connection == nil {
			return Result{}, apperrors.ValidationField("connection", "connection settings are required")
		}
		return e.CreateBackup(ctx, *s.Connection, req.ItemName, req.BackupType, s.DestinationPath, onProgress)

	case model.TaskTypeRestoreBackup:
		if s.Connection == nil {
			return Result{}, apperrors.ValidationField("connection", "connection settings are required")
		}
		return e.RestoreBackup(ctx, *s.Connection, req.ItemName, req.BackupType, req.InputArtifact, onProgress)

	case model.TaskTypeCompress:
		if err := e.requireInput(req.InputArtifact); err != nil {
			return Result{}, err
		}
		out, err := Compress(ctx, e.fs, req.InputArtifact, s.CompressionLevel, s.DeleteSource)
		return Result{Artifact: out, Message: "Success"}, err

	case model.TaskTypeDecompress:
		if err := e.requireInput(req.InputArtifact); err != nil {
			return Result{}, err
		}
		out, err := Decompress(ctx, e.fs, req.InputArtifact, s.DeleteSource)
		return Result{Artifact: out, Message: "Success"}, err

	case model.TaskTypeUpload:
		st, err := e.storageFor(s)
		if err != nil {
			return Result{}, err
		}
		if err := e.requireInput(req.InputArtifact); err != nil {
			return Result{}, err
		}
		onProgress(false, "uploading "+filepath.Base(req.InputArtifact))
		loc, err := st.Upload(ctx, req.InputArtifact)
		if err != nil {
			return Result{}, err
		}
		if err := removeSource(e.fs, req.InputArtifact, s.DeleteSource); err != nil {
			return Result{}, err
		}
		return Result{Artifact: loc, Message: "Success"}, nil

	case model.TaskTypeDownload:
		st, err := e.storageFor(s)
		if err != nil {
			return Result{}, err
		}
		if req.InputArtifact == "" {
			return Result{}, apperrors.Wrap(apperrors.ErrMissingInput, apperrors.ErrCodeMissingInput, "no artifact to download")
		}
		dest := s.DestinationPath
		if dest == "" {
			dest = e.workDir
		}
		onProgress(false, "downloading "+req.InputArtifact)
		local, err := st.Download(ctx, req.InputArtifact, dest)
		return Result{Artifact: local, Message: "Success"}, err
	}
	return Result{}, apperrors.Validationf("unsupported task type %q", req.TaskType)
}

func (e *Executor) storageFor(s model.TaskSettings) (Storage, error) {
	if s.Storage == nil {
		return nil, apperrors.ValidationField("storage", "storage settings are required")
	}
	return NewStorage(*s.Storage, e.fs, e.client)
}
