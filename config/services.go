package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the agent hub, the operations API and the orchestrator.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeScheduler runs the cron scheduler.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeReaper fails runs abandoned by a previous controller process.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeScheduler,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// The scheduler starts runs on agents connected to this process, so it requires http.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeScheduler, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, scheduler, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}
	if services[ServiceModeScheduler] && !services[ServiceModeHTTP] {
		return nil, errors.New("scheduler requires the http service in the same process")
	}

	return services, nil
}

// SchedulerConfig contains scheduler service configuration.
type SchedulerConfig struct {
	// TimeZone is the reference zone for jobs without their own time zone.
	TimeZone string `env:"SCHEDULER_TIME_ZONE" envDefault:"UTC"`

	// Lookahead is the window searched for the next occurrences of a cron expression.
	Lookahead time.Duration `env:"SCHEDULER_LOOKAHEAD" envDefault:"48h"`

	// FireTTL is how long a claimed fire key is kept in Redis.
	FireTTL time.Duration `env:"SCHEDULER_FIRE_TTL" envDefault:"2m"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.TimeZone = strings.TrimSpace(s.TimeZone); s.TimeZone == "" {
		s.TimeZone = "UTC"
	}
	if s.Lookahead < time.Minute {
		s.Lookahead = time.Minute
	}
	if s.FireTTL < time.Minute {
		s.FireTTL = time.Minute
	}
}

// Location resolves TimeZone, falling back to UTC.
func (s *SchedulerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// OrchestratorConfig contains pipeline orchestrator configuration.
type OrchestratorConfig struct {
	// ListTimeout bounds ListDatabases, ListFiles and FlushEvents calls.
	ListTimeout time.Duration `env:"ORCHESTRATOR_LIST_TIMEOUT" envDefault:"30s"`

	// AckTimeout bounds the ExecuteTask acknowledgement.
	AckTimeout time.Duration `env:"ORCHESTRATOR_ACK_TIMEOUT" envDefault:"15s"`

	// DefaultItemTimeout bounds an item when its job sets no timeout.
	DefaultItemTimeout time.Duration `env:"ORCHESTRATOR_ITEM_TIMEOUT" envDefault:"6h"`

	// ReconnectGrace is how long in-flight items wait for a disconnected agent.
	ReconnectGrace time.Duration `env:"ORCHESTRATOR_RECONNECT_GRACE" envDefault:"30s"`

	// BusyRetryInterval is the first delay before re-offering an item an agent refused at capacity.
	BusyRetryInterval time.Duration `env:"ORCHESTRATOR_BUSY_RETRY_INTERVAL" envDefault:"1s"`
}

// Sanitize applies guardrails to orchestrator configuration values.
func (o *OrchestratorConfig) Sanitize() {
	if o.ListTimeout < time.Second {
		o.ListTimeout = time.Second
	}
	if o.AckTimeout < time.Second {
		o.AckTimeout = time.Second
	}
	if o.DefaultItemTimeout < time.Minute {
		o.DefaultItemTimeout = time.Minute
	}
	if o.ReconnectGrace < 0 {
		o.ReconnectGrace = 0
	}
	if o.BusyRetryInterval < 100*time.Millisecond {
		o.BusyRetryInterval = 100 * time.Millisecond
	}
}

// ReaperConfig contains abandoned-run reaper configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// StaleRunAfter is the age after which an open run no longer driven by this
	// process is failed.
	StaleRunAfter time.Duration `env:"REAPER_STALE_RUN_AFTER" envDefault:"24h"`

	// FailOpenOnStartup fails every open run when the reaper starts.
	FailOpenOnStartup bool `env:"REAPER_FAIL_OPEN_ON_STARTUP" envDefault:"true"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.StaleRunAfter < 5*time.Minute {
		r.StaleRunAfter = 5 * time.Minute
	}
}
