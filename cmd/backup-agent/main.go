// Command backup-agent connects to the coordinator hub and runs backup, restore and
// transfer items against the databases and storage it can reach.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/target/backup-coordinator/config"
	"github.com/target/backup-coordinator/internal/adapters/oidc"
	"github.com/target/backup-coordinator/internal/agent"
	"github.com/target/backup-coordinator/internal/agent/executor"
	"github.com/target/backup-coordinator/internal/bootstrap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func newRootCmd() *cobra.Command {
	var flags agentFlags
	cmd := &cobra.Command{
		Use:           "backup-agent",
		Short:         "Run database backup and restore items for the backup coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := bootstrap.LoadAgentConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd, &cfg)
			cfg.Sanitize()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	flags.register(cmd)
	return cmd
}

func run(ctx context.Context, cfg config.AgentConfig) error {
	logger := bootstrap.InitLogger(cfg.Log)

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(cfg.WorkDir, 0o750); err != nil {
		logger.ErrorContext(ctx, "create work dir", "work_dir", cfg.WorkDir, "error", err)
		return fmt.Errorf("create work dir: %w", err)
	}

	exec, err := executor.New(executor.Options{
		Tools:   cfg.Tools,
		WorkDir: cfg.WorkDir,
		Fs:      fs,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	var tokens oauth2.TokenSource
	if cfg.Auth.Enabled() {
		tokens, err = oidc.TokenSource(ctx, oidc.ClientCredentialsConfig{
			IssuerURL:    cfg.Auth.IssuerURL,
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Scopes:       cfg.Auth.Scopes,
			Audience:     cfg.Auth.Audience,
		})
		if err != nil {
			logger.ErrorContext(ctx, "agent token source", "error", err)
			return err
		}
	}

	client, err := agent.New(agent.Options{
		Config:   cfg,
		Executor: exec,
		Tokens:   tokens,
		Logger:   logger,
	})
	if err != nil {
		logger.ErrorContext(ctx, "invalid agent configuration", "error", err)
		return err
	}

	logger.InfoContext(ctx, "starting backup agent",
		"coordinator_url", cfg.CoordinatorURL,
		"work_dir", cfg.WorkDir,
		"max_concurrency", cfg.MaxConcurrency,
		"methods", client.Methods(),
	)
	return client.Run(ctx)
}
