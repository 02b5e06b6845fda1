package executor

import (
	"context"
	"fmt"

	"github.com/target/backup-coordinator/config"
	"github.com/target/backup-coordinator/internal/domain/model"
)

const mysqlDefaultPort = 3306

// mysqlBackend dumps with mysqldump and restores by feeding the dump to the mysql client.
type mysqlBackend struct {
	tools config.ToolPaths
	open  fileOpener
}

var _ Backend = (*mysqlBackend)(nil)

func (b *mysqlBackend) Extension(model.BackupType) string { return "sql" }

func (b *mysqlBackend) connArgs(conn model.ConnectionInfo) []string {
	host, port := hostPort(conn, mysqlDefaultPort)
	args := []string{"--host=" + host, "--port=" + port}
	if conn.User != "" {
		args = append(args, "--user="+conn.User)
	}
	if conn.SSLMode != "" {
		args = append(args, "--ssl-mode="+conn.SSLMode)
	}
	return args
}

func mysqlEnv(conn model.ConnectionInfo) []string {
	if conn.Password == "" {
		return nil
	}
	return []string{"MYSQL_PWD=" + conn.Password}
}

// ListDatabases relies on SHOW DATABASES listing only databases the user can access.
func (b *mysqlBackend) ListDatabases(ctx context.Context, conn model.ConnectionInfo) ([]model.DatabaseInfo, error) {
	args := append(b.connArgs(conn), "--batch", "--skip-column-names", "--execute=SHOW DATABASES")
	out, err := RunProcess(ctx, Command{Path: b.tools.MySQL, Args: args, Env: mysqlEnv(conn), Capture: true},
		NewSecretRedactor(conn.Secrets()...), nil)
	if err != nil {
		return nil, engineError(EngineMySQL, "list databases", err)
	}
	return parseDelimited(out.Stdout, "\t"), nil
}

func (b *mysqlBackend) CreateBackup(
	ctx context.Context,
	req BackupRequest,
	redactor SecretRedactor,
	onProgress ProgressFunc,
) error {
	if req.BackupType != model.BackupTypeFull {
		return unsupported(EngineMySQL, req.BackupType)
	}
	args := append(b.connArgs(req.Connection),
		"--single-transaction", "--routines", "--triggers",
		"--result-file="+req.Destination, req.Database)
	_, err := RunProcess(ctx, Command{Path: b.tools.MySQLDump, Args: args, Env: mysqlEnv(req.Connection)}, redactor, onProgress)
	return err
}

func (b *mysqlBackend) RestoreBackup(
	ctx context.Context,
	req RestoreRequest,
	redactor SecretRedactor,
	onProgress ProgressFunc,
) error {
	if req.BackupType != model.BackupTypeFull {
		return unsupported(EngineMySQL, req.BackupType)
	}
	src, err := b.open(req.Source)
	if err != nil {
		return fmt.Errorf("open restore source: %w", err)
	}
	defer func() { _ = src.Close() }()

	args := append(b.connArgs(req.Connection), req.Database)
	_, err = RunProcess(ctx, Command{Path: b.tools.MySQL, Args: args, Env: mysqlEnv(req.Connection), Stdin: src},
		redactor, onProgress)
	return err
}
