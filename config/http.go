package config

import "time"

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// MaxConnections caps concurrent connections on the listener, agent sockets included.
	MaxConnections int `env:"HTTP_MAX_CONNECTIONS" envDefault:"1024"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"10s"`

	// ShutdownTimeout bounds graceful shutdown of the server and the active runs.
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	if h.MaxConnections < 1 {
		h.MaxConnections = 1
	}
	if h.ReadHeaderTimeout <= 0 {
		h.ReadHeaderTimeout = 10 * time.Second
	}
	if h.ShutdownTimeout < time.Second {
		h.ShutdownTimeout = time.Second
	}
}

// HubConfig contains agent websocket hub configuration.
type HubConfig struct {
	HandshakeTimeout time.Duration `env:"HUB_HANDSHAKE_TIMEOUT"  envDefault:"10s"`
	WriteTimeout     time.Duration `env:"HUB_WRITE_TIMEOUT"      envDefault:"10s"`
	PingInterval     time.Duration `env:"HUB_PING_INTERVAL"      envDefault:"30s"`
	PongWait         time.Duration `env:"HUB_PONG_WAIT"          envDefault:"60s"`
	MaxMessageBytes  int64         `env:"HUB_MAX_MESSAGE_BYTES"  envDefault:"4194304"`
	// InvokeTimeout applies to agent calls made without an explicit timeout.
	InvokeTimeout time.Duration `env:"HUB_INVOKE_TIMEOUT" envDefault:"30s"`
	// AgentCacheTTL is how long a registered agent lookup is cached.
	AgentCacheTTL time.Duration `env:"HUB_AGENT_CACHE_TTL" envDefault:"1m"`
}

// Sanitize applies guardrails to hub configuration values.
func (h *HubConfig) Sanitize() {
	if h.PingInterval < time.Second {
		h.PingInterval = time.Second
	}
	if h.PongWait <= h.PingInterval {
		h.PongWait = 2 * h.PingInterval
	}
	if h.MaxMessageBytes < 64<<10 {
		h.MaxMessageBytes = 64 << 10
	}
	if h.InvokeTimeout < time.Second {
		h.InvokeTimeout = time.Second
	}
	if h.AgentCacheTTL <= 0 {
		h.AgentCacheTTL = time.Minute
	}
}
