package executor

import (
	"context"
	"net/url"

	"github.com/jackc/pgx/v5"

	"github.com/target/backup-coordinator/config"
	"github.com/target/backup-coordinator/internal/domain/model"
)

const postgresDefaultPort = 5432

// postgresBackend dumps with pg_dump in custom format and restores with pg_restore.
type postgresBackend struct {
	tools config.ToolPaths
}

var _ Backend = (*postgresBackend)(nil)

func (b *postgresBackend) Extension(model.BackupType) string { return "dump" }

// postgresURL builds a connection URL for the maintenance database.
func postgresURL(conn model.ConnectionInfo, database string) string {
	host, port := hostPort(conn, postgresDefaultPort)
	u := url.URL{Scheme: "postgres", Host: host + ":" + port, Path: "/" + database}
	if conn.User != "" {
		u.User = url.UserPassword(conn.User, conn.Password)
		if conn.Password == "" {
			u.User = url.User(conn.User)
		}
	}
	if conn.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {conn.SSLMode}}.Encode()
	}
	return u.String()
}

func (b *postgresBackend) ListDatabases(ctx context.Context, conn model.ConnectionInfo) ([]model.DatabaseInfo, error) {
	c, err := pgx.Connect(ctx, postgresURL(conn, "postgres"))
	if err != nil {
		return nil, engineError(EnginePostgres, "connect", err)
	}
	defer func() { _ = c.Close(context.WithoutCancel(ctx)) }()

	rows, err := c.Query(ctx,
		`SELECT datname, has_database_privilege(datname, 'CONNECT') FROM pg_database ORDER BY datname`)
	if err != nil {
		return nil, engineError(EnginePostgres, "list databases", err)
	}
	defer rows.Close()

	var out []model.DatabaseInfo
	for rows.Next() {
		var db model.DatabaseInfo
		if err := rows.Scan(&db.Name, &db.HasAccess); err != nil {
			return nil, engineError(EnginePostgres, "scan database", err)
		}
		out = append(out, db)
	}
	if err := rows.Err(); err != nil {
		return nil, engineError(EnginePostgres, "list databases", err)
	}
	return out, nil
}

func (b *postgresBackend) connArgs(conn model.ConnectionInfo) []string {
	host, port := hostPort(conn, postgresDefaultPort)
	args := []string{"--host", host, "--port", port, "--no-password"}
	if conn.User != "" {
		args = append(args, "--username", conn.User)
	}
	return args
}

func postgresEnv(conn model.ConnectionInfo) []string {
	var env []string
	if conn.Password != "" {
		env = append(env, "PGPASSWORD="+conn.Password)
	}
	if conn.SSLMode != "" {
		env = append(env, "PGSSLMODE="+conn.SSLMode)
	}
	return env
}

func (b *postgresBackend) CreateBackup(
	ctx context.Context,
	req BackupRequest,
	redactor SecretRedactor,
	onProgress ProgressFunc,
) error {
	if req.BackupType != model.BackupTypeFull {
		return unsupported(EnginePostgres, req.BackupType)
	}
	args := append(b.connArgs(req.Connection), "--format", "custom", "--file", req.Destination, req.Database)
	_, err := RunProcess(ctx, Command{Path: b.tools.PgDump, Args: args, Env: postgresEnv(req.Connection)}, redactor, onProgress)
	return err
}

func (b *postgresBackend) RestoreBackup(
	ctx context.Context,
	req RestoreRequest,
	redactor SecretRedactor,
	onProgress ProgressFunc,
) error {
	if req.BackupType != model.BackupTypeFull {
		return unsupported(EnginePostgres, req.BackupType)
	}
	args := append(b.connArgs(req.Connection),
		"--dbname", req.Database, "--clean", "--if-exists", "--no-owner", req.Source)
	_, err := RunProcess(ctx, Command{Path: b.tools.PgRestore, Args: args, Env: postgresEnv(req.Connection)}, redactor, onProgress)
	return err
}
