// Command coordinator-admin manages agents, jobs and runs of the backup coordinator.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/caarlos0/env/v11"

	"github.com/target/backup-coordinator/config"
	"github.com/target/backup-coordinator/internal/bootstrap"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
	Admin  config.AdminConfig
	Out    io.Writer
}

func main() {
	logger := bootstrap.NewLogger(os.Stderr, config.LogConfig{Level: "info", Format: "text"})

	if len(os.Args) < 2 {
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(os.Stderr); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}
	var admin config.AdminConfig
	if err := env.Parse(&admin); err != nil {
		logger.ErrorContext(context.Background(), "load admin config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}
	admin.Sanitize()

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
		Admin:  admin,
		Out:    os.Stdout,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	list := []command{
		{"migrate", "Run database migrations", runMigrations},
		{"agent-add", "Register an agent: agent-add <key> <name> [-engines postgres,mysql]", runAgentAdd},
		{"agent-remove", "Remove a registered agent: agent-remove <key>", runAgentRemove},
		{"agents", "List registered agents", runAgents},
		{"import-job", "Create a job from a YAML definition: import-job [-replace] <file.yaml>", runImportJob},
		{"jobs", "List jobs", runJobs},
		{"enable", "Enable scheduling of a job: enable <jobID>", runEnable},
		{"disable", "Disable scheduling of a job: disable <jobID>", runDisable},
		{"runs", "List recent runs of a job: runs <jobID> [-limit n]", runRuns},
		{"tasks", "List the items of a run with their results: tasks <runID>", runTasks},
		{"logs", "Show the log lines of one item: logs <taskID> [-limit n]", runLogs},
		{"trigger", "Start a run through the controller: trigger <jobID> [full|diff|log]", runTrigger},
		{"cancel", "Cancel an active run through the controller: cancel <runID>", runCancel},
		{"sessions", "List live agent sessions on the controller", runSessions},
	}
	out := make(map[string]command, len(list))
	for _, c := range list {
		out[c.name] = c
	}
	return out
}

func printUsage(w io.Writer) error {
	if err := writef(w, "Usage: coordinator-admin <command> [flags] [args]\n\n"); err != nil {
		return err
	}
	if err := writef(w, "Available commands:\n"); err != nil {
		return err
	}
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writef(w, "  %-14s %s\n", name, cmds[name].description); err != nil {
			return err
		}
	}
	return nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, s string) error {
	_, err := fmt.Fprintln(w, s)
	return err
}
