package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// AgentConfig is the backup agent configuration. Command-line flags override it.
type AgentConfig struct {
	IsDev bool `env:"DEV" envDefault:"false"`
	Log   LogConfig

	// CoordinatorURL is the websocket endpoint of the coordinator hub.
	CoordinatorURL string `env:"AGENT_COORDINATOR_URL" envDefault:"ws://localhost:8080/agent/ws"`

	// Key identifies this agent; it must be registered on the coordinator.
	Key string `env:"AGENT_KEY"`

	Auth AgentAuthConfig `envPrefix:"AGENT_OAUTH_"`

	// WorkDir is where dumps and intermediate artifacts are written.
	WorkDir string `env:"AGENT_WORK_DIR" envDefault:"/var/lib/backup-agent"`

	// MaxConcurrency caps concurrently executing items; excess ExecuteTask calls are rejected.
	MaxConcurrency int `env:"AGENT_MAX_CONCURRENCY" envDefault:"4"`

	// ReconnectInterval and ReconnectBurst rate-limit reconnect attempts.
	ReconnectInterval time.Duration `env:"AGENT_RECONNECT_INTERVAL" envDefault:"5s"`
	ReconnectBurst    int           `env:"AGENT_RECONNECT_BURST"    envDefault:"3"`

	WriteTimeout time.Duration `env:"AGENT_WRITE_TIMEOUT" envDefault:"10s"`
	PongWait     time.Duration `env:"AGENT_PONG_WAIT"     envDefault:"75s"`

	// EventBufferTTL bounds how long events produced while offline are kept for replay.
	EventBufferTTL  time.Duration `env:"AGENT_EVENT_BUFFER_TTL"  envDefault:"24h"`
	EventBufferSize uint64        `env:"AGENT_EVENT_BUFFER_SIZE" envDefault:"10000"`

	Tools ToolPaths `envPrefix:"AGENT_TOOL_"`
}

// AgentAuthConfig configures client-credentials tokens for the hub. An empty issuer
// connects without a bearer token.
type AgentAuthConfig struct {
	IssuerURL    string   `env:"ISSUER"`
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	Audience     string   `env:"AUDIENCE"`
	Scopes       []string `env:"SCOPES" envSeparator:" "`
}

// Enabled reports whether the agent should present a bearer token.
func (c AgentAuthConfig) Enabled() bool {
	return c.IssuerURL != ""
}

// ToolPaths locates the external dump and restore programs.
type ToolPaths struct {
	PgDump    string `env:"PG_DUMP"    envDefault:"pg_dump"`
	PgRestore string `env:"PG_RESTORE" envDefault:"pg_restore"`
	MySQLDump string `env:"MYSQLDUMP"  envDefault:"mysqldump"`
	MySQL     string `env:"MYSQL"      envDefault:"mysql"`
	SQLCmd    string `env:"SQLCMD"     envDefault:"sqlcmd"`
}

// Sanitize applies guardrails to agent configuration values.
func (c *AgentConfig) Sanitize() {
	c.Log.Sanitize(c.IsDev)
	c.CoordinatorURL = strings.TrimSpace(c.CoordinatorURL)
	c.Key = strings.TrimSpace(c.Key)
	c.Auth.IssuerURL = strings.TrimSpace(c.Auth.IssuerURL)
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = 1
	}
	if c.ReconnectInterval < 100*time.Millisecond {
		c.ReconnectInterval = 100 * time.Millisecond
	}
	if c.ReconnectBurst < 1 {
		c.ReconnectBurst = 1
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait < time.Second {
		c.PongWait = time.Second
	}
	if c.EventBufferTTL < time.Minute {
		c.EventBufferTTL = time.Minute
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = 10000
	}
}

// Validate reports settings the agent cannot start without.
func (c *AgentConfig) Validate() error {
	if c.Key == "" {
		return errors.New("agent key is required")
	}
	u, err := url.Parse(c.CoordinatorURL)
	if err != nil {
		return fmt.Errorf("parse coordinator url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("coordinator url must use ws or wss, got %q", u.Scheme)
	}
	if c.Auth.Enabled() && (c.Auth.ClientID == "" || c.Auth.ClientSecret == "") {
		return errors.New("client id and secret are required when an oauth issuer is set")
	}
	return nil
}
