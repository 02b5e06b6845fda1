package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/target/backup-coordinator/internal/bootstrap"
	"github.com/target/backup-coordinator/internal/core"
	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
)

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultCommandTimeout   = time.Minute
	timeLayout              = "2006-01-02 15:04:05"
)

// withDB connects to Postgres for the duration of fn.
func withDB(cmdCtx *commandContext, timeout time.Duration, fn func(ctx context.Context, db *sql.DB) error) error {
	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", closeErr)
		}
	}()
	return fn(ctx, db)
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	timeout := fs.Duration("timeout", defaultMigrationTimeout, "Maximum duration for migrations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	return withDB(cmdCtx, *timeout, func(ctx context.Context, db *sql.DB) error {
		cmdCtx.Logger.Info("running database migrations")
		if err := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); err != nil {
			return err
		}
		cmdCtx.Logger.Info("migrations completed successfully")
		return nil
	})
}

func runAgentAdd(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("agent-add", flag.ContinueOnError)
	engines := fs.String("engines", "", "Comma-separated database engines the agent has tooling for")
	maxConcurrency := fs.Int("max-concurrency", 0, "Concurrent items the agent accepts (0 = agent default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: agent-add [-engines list] [-max-concurrency n] <key> <name>")
	}

	req := &model.CreateAgentRequest{
		Key:  fs.Arg(0),
		Name: fs.Arg(1),
		Settings: model.AgentSettings{
			Engines:        splitList(*engines),
			MaxConcurrency: *maxConcurrency,
		},
	}
	if err := req.Validate(); err != nil {
		return err
	}

	return withDB(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		agent, err := bootstrap.BuildRepositories(db).Agents.Create(ctx, req)
		if err != nil {
			return err
		}
		return writef(cmdCtx.Out, "agent %s registered (id %s)\n", agent.Key, agent.ID)
	})
}

func runAgentRemove(cmdCtx *commandContext, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: agent-remove <key>")
	}
	return withDB(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		repo := bootstrap.BuildRepositories(db).Agents
		agent, err := repo.GetByKey(ctx, args[0])
		if err != nil {
			return err
		}
		if _, err := repo.Delete(ctx, agent.ID); err != nil {
			return fmt.Errorf("remove agent %s: %w", agent.Key, err)
		}
		return writef(cmdCtx.Out, "agent %s removed\n", agent.Key)
	})
}

func runAgents(cmdCtx *commandContext, _ []string) error {
	return withDB(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		agents, err := bootstrap.BuildRepositories(db).Agents.List(ctx)
		if err != nil {
			return err
		}
		return printAgents(cmdCtx.Out, agents)
	})
}

func printAgents(out io.Writer, agents []*model.Agent) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if err := writeln(w, "KEY\tNAME\tENGINES\tMAX CONCURRENCY\tID"); err != nil {
		return err
	}
	for _, a := range agents {
		if err := writef(w, "%s\t%s\t%s\t%d\t%s\n",
			a.Key, a.Name, strings.Join(a.Settings.Engines, ","), a.Settings.MaxConcurrency, a.ID); err != nil {
			return err
		}
	}
	return w.Flush()
}

func runImportJob(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("import-job", flag.ContinueOnError)
	replace := fs.Bool("replace", false, "Delete an existing job of the same name, with its history, before importing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: import-job [-replace] <file.yaml>")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("open job file: %w", err)
	}
	defer f.Close()

	req, err := parseJobFile(f)
	if err != nil {
		return err
	}

	return withDB(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		repos := bootstrap.BuildRepositories(db)
		if *replace {
			if err := removeExistingJob(ctx, repos.Jobs, repos.Runs, req.Name, cmdCtx.Logger); err != nil {
				return err
			}
		}
		job, cerr := repos.Jobs.Create(ctx, req)
		if cerr != nil {
			return cerr
		}
		return writef(cmdCtx.Out, "job %q imported (id %s, %d stages)\n", job.Name, job.ID, len(job.Tasks))
	})
}

// openRunChecker reports whether a job still has a run in progress.
type openRunChecker interface {
	HasOpenRun(ctx context.Context, jobID string) (bool, error)
}

// removeExistingJob deletes the job called name, with its history, unless one of its runs
// is still open. A missing job is not an error.
func removeExistingJob(ctx context.Context, jobs core.JobRepository, runs openRunChecker, name string, logger *slog.Logger) error {
	existing, err := jobs.GetByName(ctx, name)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	open, err := runs.HasOpenRun(ctx, existing.ID)
	if err != nil {
		return fmt.Errorf("check open runs of job %q: %w", name, err)
	}
	if open {
		return apperrors.Conflict(fmt.Sprintf("job %q has a run in progress; cancel it before replacing", name))
	}
	if err := jobs.Delete(ctx, existing.ID); err != nil {
		return err
	}
	logger.Info("replaced existing job", "job_id", existing.ID, "name", existing.Name)
	return nil
}

func runJobs(cmdCtx *commandContext, _ []string) error {
	return withDB(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		jobs, err := bootstrap.BuildRepositories(db).Jobs.List(ctx, false)
		if err != nil {
			return err
		}
		return printJobs(cmdCtx.Out, jobs)
	})
}

func printJobs(out io.Writer, jobs []*model.Job) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if err := writeln(w, "NAME\tENABLED\tFULL\tDIFF\tLOG\tSTAGES\tID"); err != nil {
		return err
	}
	for _, j := range jobs {
		stages := make([]string, 0, len(j.Tasks))
		for _, t := range j.Tasks {
			stages = append(stages, string(t.Type))
		}
		if err := writef(w, "%s\t%t\t%s\t%s\t%s\t%s\t%s\n",
			j.Name, j.Enabled, dash(j.CronFull), dash(j.CronDiff), dash(j.CronLog),
			strings.Join(stages, " > "), j.ID); err != nil {
			return err
		}
	}
	return w.Flush()
}

func runEnable(cmdCtx *commandContext, args []string) error {
	return setEnabled(cmdCtx, args, true)
}

func runDisable(cmdCtx *commandContext, args []string) error {
	return setEnabled(cmdCtx, args, false)
}

func setEnabled(cmdCtx *commandContext, args []string, enabled bool) error {
	if len(args) != 1 {
		return errors.New("usage: enable|disable <jobID>")
	}
	return withDB(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		if err := bootstrap.BuildRepositories(db).Jobs.SetEnabled(ctx, args[0], enabled); err != nil {
			return err
		}
		return writef(cmdCtx.Out, "job %s enabled=%t\n", args[0], enabled)
	})
}

func runRuns(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "Maximum number of runs to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: runs [-limit n] <jobID>")
	}
	return withDB(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		runs, err := bootstrap.BuildRepositories(db).Runs.ListByJob(ctx, fs.Arg(0), *limit)
		if err != nil {
			return err
		}
		return printRuns(cmdCtx.Out, runs)
	})
}

func printRuns(out io.Writer, runs []*model.JobRun) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if err := writeln(w, "ID\tTYPE\tTRIGGER\tSTARTED\tCOMPLETED\tSTATUS"); err != nil {
		return err
	}
	for _, r := range runs {
		if err := writef(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.BackupType, r.Trigger, r.StartedAt.UTC().Format(timeLayout),
			formatTime(r.CompletedAt), runStatus(r)); err != nil {
			return err
		}
	}
	return w.Flush()
}

func runTasks(cmdCtx *commandContext, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: tasks <runID>")
	}
	return withDB(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		tasks, err := bootstrap.BuildRepositories(db).Tasks.ListByRun(ctx, args[0])
		if err != nil {
			return err
		}
		return printTasks(cmdCtx.Out, tasks)
	})
}

func printTasks(out io.Writer, tasks []*model.JobRunTask) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if err := writeln(w, "STAGE\tITEM\tTYPE\tNAME\tSTATUS\tRUN TIME\tRESULT\tARTIFACT\tID"); err != nil {
		return err
	}
	for _, t := range tasks {
		status := "pending"
		switch {
		case t.Terminal() && t.IsError:
			status = "error"
		case t.Terminal():
			status = "ok"
		case t.StartedAt != nil:
			status = "running"
		}
		artifact := ""
		if t.OutputArtifact != nil {
			artifact = *t.OutputArtifact
		}
		if err := writef(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.TaskOrder, t.ItemOrder, t.TaskType, t.ItemName, status,
			t.RunTime.Round(time.Second), dash(t.Result), dash(artifact), t.ID); err != nil {
			return err
		}
	}
	return w.Flush()
}

func runLogs(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	limit := fs.Int("limit", 500, "Maximum number of lines to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: logs [-limit n] <taskID>")
	}
	return withDB(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		logs, err := bootstrap.BuildRepositories(db).TaskLogs.ListByTask(ctx, fs.Arg(0), *limit)
		if err != nil {
			return err
		}
		for _, l := range logs {
			stream := "out"
			if l.IsError {
				stream = "err"
			}
			if err := writef(cmdCtx.Out, "%s %s %s\n", l.CreatedAt.UTC().Format(timeLayout), stream, l.Message); err != nil {
				return err
			}
		}
		return nil
	})
}

func runStatus(r *model.JobRun) string {
	switch {
	case r.Open():
		return "running"
	case r.IsError:
		return "error"
	}
	return "ok"
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
