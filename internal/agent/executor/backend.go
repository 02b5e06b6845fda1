package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/target/backup-coordinator/config"
	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
)

// ErrUnsupportedBackupType is returned by engines that cannot produce or restore a variant.
var ErrUnsupportedBackupType = errors.New("backup type not supported by engine")

// Engine names accepted in ConnectionInfo.Engine.
const (
	EnginePostgres  = "postgres"
	EngineMySQL     = "mysql"
	EngineSQLServer = "sqlserver"
)

// BackupRequest is one database dump.
type BackupRequest struct {
	Connection  model.ConnectionInfo
	Database    string
	BackupType  model.BackupType
	Destination string
}

// RestoreRequest is one database restore from a local artifact.
type RestoreRequest struct {
	Connection model.ConnectionInfo
	Database   string
	BackupType model.BackupType
	Source     string
}

// Backend drives the dump and restore tooling of one database engine.
type Backend interface {
	// Extension is the artifact file extension for a backup variant.
	Extension(bt model.BackupType) string
	ListDatabases(ctx context.Context, conn model.ConnectionInfo) ([]model.DatabaseInfo, error)
	CreateBackup(ctx context.Context, req BackupRequest, redactor SecretRedactor, onProgress ProgressFunc) error
	RestoreBackup(ctx context.Context, req RestoreRequest, redactor SecretRedactor, onProgress ProgressFunc) error
}

func defaultBackends(tools config.ToolPaths, opener fileOpener) map[string]Backend {
	return map[string]Backend{
		EnginePostgres:  &postgresBackend{tools: tools},
		EngineMySQL:     &mysqlBackend{tools: tools, open: opener},
		EngineSQLServer: &sqlServerBackend{tools: tools},
	}
}

func unsupported(engine string, bt model.BackupType) error {
	return apperrors.Wrapf(ErrUnsupportedBackupType, apperrors.ErrCodeExecution, "%s %s backup", engine, bt)
}

func hostPort(conn model.ConnectionInfo, defaultPort int) (string, string) {
	host := conn.Host
	if host == "" {
		host = "localhost"
	}
	port := conn.Port
	if port <= 0 {
		port = defaultPort
	}
	return host, strconv.Itoa(port)
}

// parseDelimited splits "name|flag" rows produced by the command line clients.
func parseDelimited(lines []string, sep string) []model.DatabaseInfo {
	out := make([]model.DatabaseInfo, 0, len(lines))
	for _, line := range lines {
		name, flag, hasFlag := strings.Cut(line, sep)
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		access := true
		if hasFlag {
			access = strings.TrimSpace(flag) == "1"
		}
		out = append(out, model.DatabaseInfo{Name: name, HasAccess: access})
	}
	return out
}

func requireDatabase(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperrors.ValidationField("item_name", "database name is required")
	}
	return nil
}

func engineError(engine, op string, err error) error {
	return fmt.Errorf("%s %s: %w", engine, op, err)
}
