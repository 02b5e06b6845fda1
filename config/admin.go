package config

import (
	"strings"
	"time"
)

// AdminConfig configures how coordinator-admin reaches the controller's operations API.
type AdminConfig struct {
	CoordinatorURL string        `env:"COORDINATOR_URL"     envDefault:"http://localhost:8080"`
	Token          string        `env:"COORDINATOR_TOKEN"`
	Timeout        time.Duration `env:"COORDINATOR_TIMEOUT" envDefault:"30s"`
}

// Sanitize trims the URL and enforces a minimum timeout.
func (c *AdminConfig) Sanitize() {
	c.CoordinatorURL = strings.TrimRight(strings.TrimSpace(c.CoordinatorURL), "/")
	c.Token = strings.TrimSpace(c.Token)
	if c.Timeout < time.Second {
		c.Timeout = time.Second
	}
}
