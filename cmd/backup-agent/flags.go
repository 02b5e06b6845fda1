package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/target/backup-coordinator/config"
)

// agentFlags override the environment configuration when set on the command line.
type agentFlags struct {
	coordinatorURL string
	key            string
	workDir        string
	maxConcurrency int
	reconnect      time.Duration
	logLevel       string
	logFormat      string
}

func (f *agentFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.coordinatorURL, "coordinator-url", "", "websocket URL of the coordinator hub (AGENT_COORDINATOR_URL)")
	fl.StringVar(&f.key, "key", "", "registered agent key (AGENT_KEY)")
	fl.StringVar(&f.workDir, "work-dir", "", "directory for dumps and intermediate artifacts (AGENT_WORK_DIR)")
	fl.IntVar(&f.maxConcurrency, "max-concurrency", 0, "concurrently executing items (AGENT_MAX_CONCURRENCY)")
	fl.DurationVar(&f.reconnect, "reconnect-interval", 0, "minimum spacing of reconnect attempts (AGENT_RECONNECT_INTERVAL)")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	fl.StringVar(&f.logFormat, "log-format", "", "json or text (LOG_FORMAT)")
}

// apply copies every flag the user set onto cfg.
func (f *agentFlags) apply(cmd *cobra.Command, cfg *config.AgentConfig) {
	fl := cmd.Flags()
	if fl.Changed("coordinator-url") {
		cfg.CoordinatorURL = f.coordinatorURL
	}
	if fl.Changed("key") {
		cfg.Key = f.key
	}
	if fl.Changed("work-dir") {
		cfg.WorkDir = f.workDir
	}
	if fl.Changed("max-concurrency") {
		cfg.MaxConcurrency = f.maxConcurrency
	}
	if fl.Changed("reconnect-interval") {
		cfg.ReconnectInterval = f.reconnect
	}
	if fl.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fl.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
}
