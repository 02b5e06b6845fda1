package main

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/backup-coordinator/config"
)

func TestAgentFlags_OverrideOnlyWhenSet(t *testing.T) {
	cmd := &cobra.Command{Use: "backup-agent"}
	var flags agentFlags
	flags.register(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{
		"--key", "db-07",
		"--max-concurrency", "8",
		"--reconnect-interval", "2s",
		"--log-level", "debug",
	}))

	cfg := config.AgentConfig{
		CoordinatorURL: "wss://coordinator.example/agent/ws",
		Key:            "from-env",
		WorkDir:        "/var/lib/backup-agent",
		MaxConcurrency: 4,
	}
	flags.apply(cmd, &cfg)

	assert.Equal(t, "db-07", cfg.Key)
	assert.Equal(t, 8, cfg.MaxConcurrency)
	assert.Equal(t, 2*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "wss://coordinator.example/agent/ws", cfg.CoordinatorURL)
	assert.Equal(t, "/var/lib/backup-agent", cfg.WorkDir)
}

func TestRootCmd_RegistersFlags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"coordinator-url", "key", "work-dir", "max-concurrency", "reconnect-interval", "log-level", "log-format"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}
