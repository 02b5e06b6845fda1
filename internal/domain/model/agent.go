package model

import (
	"errors"
	"regexp"
	"time"
)

var agentKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Agent is a registered remote execution endpoint. Live session state is not persisted.
type Agent struct {
	ID        string        `json:"id"         db:"id"`
	Key       string        `json:"key"        db:"key"`
	Name      string        `json:"name"       db:"name"`
	Settings  AgentSettings `json:"settings"   db:"settings"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
}

// AgentSettings carries the capability settings of an agent.
type AgentSettings struct {
	// Engines lists database engines the agent has tooling for (postgres, mysql, sqlserver).
	Engines []string `json:"engines,omitempty"`
	// MaxConcurrency caps concurrent task executions on the agent. Zero means unlimited.
	MaxConcurrency int               `json:"max_concurrency,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// CreateAgentRequest represents a request to register an agent.
type CreateAgentRequest struct {
	Key      string        `json:"key"`
	Name     string        `json:"name"`
	Settings AgentSettings `json:"settings"`
}

// Validate validates the CreateAgentRequest fields.
func (r *CreateAgentRequest) Validate() error {
	if !agentKeyPattern.MatchString(r.Key) {
		return errors.New("key must be 1-128 characters of letters, digits, '.', '_' or '-'")
	}
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.Settings.MaxConcurrency < 0 {
		return errors.New("max concurrency must be >= 0")
	}
	return nil
}

// AgentSession is the ephemeral state of a live agent connection.
type AgentSession struct {
	AgentID         string    `json:"agent_id"`
	Key             string    `json:"key"`
	ConnectionID    string    `json:"connection_id"`
	ProtocolVersion int       `json:"protocol_version"`
	ConnectedAt     time.Time `json:"connected_at"`
}
