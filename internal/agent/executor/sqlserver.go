package executor

import (
	"context"
	"strings"

	"github.com/target/backup-coordinator/config"
	"github.com/target/backup-coordinator/internal/domain/model"
)

const sqlServerDefaultPort = 1433

// sqlServerBackend issues native BACKUP and RESTORE statements through sqlcmd. It is the only
// engine supporting differential and transaction log backups.
type sqlServerBackend struct {
	tools config.ToolPaths
}

var _ Backend = (*sqlServerBackend)(nil)

func (b *sqlServerBackend) Extension(bt model.BackupType) string {
	if bt == model.BackupTypeTransactionLog {
		return "trn"
	}
	return "bak"
}

func sqlServerAddress(conn model.ConnectionInfo) string {
	host, port := hostPort(conn, sqlServerDefaultPort)
	if conn.Instance != "" {
		return host + `\` + conn.Instance
	}
	return host + "," + port
}

func (b *sqlServerBackend) run(
	ctx context.Context,
	conn model.ConnectionInfo,
	query string,
	capture bool,
	redactor SecretRedactor,
	onProgress ProgressFunc,
) (ProcessOutput, error) {
	// -b exits non-zero on SQL errors; -h -1 -W -s "|" produce bare pipe-separated rows.
	args := []string{"-S", sqlServerAddress(conn), "-b", "-h", "-1", "-W", "-s", "|"}
	var env []string
	if conn.User != "" {
		args = append(args, "-U", conn.User)
		env = append(env, "SQLCMDPASSWORD="+conn.Password)
	} else {
		args = append(args, "-E")
	}
	args = append(args, "-Q", query)
	return RunProcess(ctx, Command{Path: b.tools.SQLCmd, Args: args, Env: env, Capture: capture}, redactor, onProgress)
}

func (b *sqlServerBackend) ListDatabases(ctx context.Context, conn model.ConnectionInfo) ([]model.DatabaseInfo, error) {
	const q = "SET NOCOUNT ON; SELECT name, HAS_DBACCESS(name) FROM sys.databases ORDER BY name"
	out, err := b.run(ctx, conn, q, true, NewSecretRedactor(conn.Secrets()...), nil)
	if err != nil {
		return nil, engineError(EngineSQLServer, "list databases", err)
	}
	return parseDelimited(out.Stdout, "|"), nil
}

// backupStatement renders the BACKUP statement for a variant.
func backupStatement(database string, bt model.BackupType, dest string) (string, error) {
	db, disk := quoteIdent(database), quoteString(dest)
	switch bt {
	case model.BackupTypeFull:
		return "BACKUP DATABASE " + db + " TO DISK = " + disk + " WITH INIT, CHECKSUM", nil
	case model.BackupTypeDifferential:
		return "BACKUP DATABASE " + db + " TO DISK = " + disk + " WITH DIFFERENTIAL, INIT, CHECKSUM", nil
	case model.BackupTypeTransactionLog:
		return "BACKUP LOG " + db + " TO DISK = " + disk + " WITH INIT, CHECKSUM", nil
	}
	return "", unsupported(EngineSQLServer, bt)
}

// restoreStatement renders the RESTORE statement for a variant.
func restoreStatement(database string, bt model.BackupType, src string) (string, error) {
	db, disk := quoteIdent(database), quoteString(src)
	switch bt {
	case model.BackupTypeFull, model.BackupTypeDifferential:
		return "RESTORE DATABASE " + db + " FROM DISK = " + disk + " WITH REPLACE, RECOVERY", nil
	case model.BackupTypeTransactionLog:
		return "RESTORE LOG " + db + " FROM DISK = " + disk + " WITH RECOVERY", nil
	}
	return "", unsupported(EngineSQLServer, bt)
}

func (b *sqlServerBackend) CreateBackup(
	ctx context.Context,
	req BackupRequest,
	redactor SecretRedactor,
	onProgress ProgressFunc,
) error {
	stmt, err := backupStatement(req.Database, req.BackupType, req.Destination)
	if err != nil {
		return err
	}
	_, err = b.run(ctx, req.Connection, stmt, false, redactor, onProgress)
	return err
}

func (b *sqlServerBackend) RestoreBackup(
	ctx context.Context,
	req RestoreRequest,
	redactor SecretRedactor,
	onProgress ProgressFunc,
) error {
	stmt, err := restoreStatement(req.Database, req.BackupType, req.Source)
	if err != nil {
		return err
	}
	_, err = b.run(ctx, req.Connection, stmt, false, redactor, onProgress)
	return err
}

func quoteIdent(s string) string {
	return "[" + strings.ReplaceAll(s, "]", "]]") + "]"
}

func quoteString(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}
