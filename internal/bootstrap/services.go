package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/target/backup-coordinator/config"
	"github.com/target/backup-coordinator/internal/adapters/hub"
	"github.com/target/backup-coordinator/internal/core"
	"github.com/target/backup-coordinator/internal/data"
	"github.com/target/backup-coordinator/internal/domain/scheduler"
	"github.com/target/backup-coordinator/internal/observability/statsd"
	"github.com/target/backup-coordinator/internal/rpc"
	"github.com/target/backup-coordinator/internal/service"
)

// Repositories groups the Postgres repositories backing the service ports.
type Repositories struct {
	Agents   *data.AgentRepo
	Jobs     *data.JobRepo
	Runs     *data.JobRunRepo
	Tasks    *data.JobRunTaskRepo
	TaskLogs *data.JobRunTaskLogRepo
}

// ServiceContainer holds the wired controller components.
type ServiceContainer struct {
	Repos        Repositories
	Agents       *hub.CachedAgents
	Registry     *rpc.Registry
	Hub          *hub.Hub
	Orchestrator *service.Orchestrator
	Scheduler    *service.SchedulerService
	Metrics      statsd.Sink
	Verifiers    Verifiers
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient // optional
	Logger      *slog.Logger
}

// BuildRepositories builds the repositories; no business rules here.
func BuildRepositories(db *sql.DB) Repositories {
	return Repositories{
		Agents:   data.NewAgentRepo(db),
		Jobs:     data.NewJobRepo(db),
		Runs:     data.NewJobRunRepo(db),
		Tasks:    data.NewJobRunTaskRepo(db),
		TaskLogs: data.NewJobRunTaskLogRepo(db),
	}
}

// buildMetrics returns the statsd sink, or Noop when metrics are disabled or unreachable.
//
//nolint:ireturn // callers depend on the Sink port.
func buildMetrics(logger *slog.Logger, cfg config.ObservabilityMetricsConfig) statsd.Sink {
	sink, err := statsd.NewSink(statsd.Config{
		Enabled: cfg.IsEnabled(),
		Address: cfg.StatsdAddress,
		Prefix:  cfg.Prefix,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to initialise statsd client", "error", err)
		return statsd.Noop{}
	}
	return sink
}

// buildFireLock selects the Redis fire lock when a client is available.
//
//nolint:ireturn // the scheduler depends on the FireLock port.
func buildFireLock(client redis.UniversalClient, logger *slog.Logger) scheduler.FireLock {
	if client == nil {
		return core.LocalFireLock{}
	}
	owner, err := os.Hostname()
	if err != nil || owner == "" {
		owner = "coordinator"
	}
	logger.Info("scheduler fire lock uses redis", "owner", owner)
	return core.NewCacheFireLock(data.NewRedisCacheRepo(client), owner)
}

// NewServices wires the registry, hub, orchestrator and scheduler. Bearer verifiers are
// resolved through issuer discovery, so ctx bounds startup.
func NewServices(ctx context.Context, deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil || deps.DB == nil {
		return ServiceContainer{}, errors.New("config and database are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	metrics := buildMetrics(logger, cfg.Observability.Metrics)
	repos := BuildRepositories(deps.DB)

	verifiers, err := BuildVerifiers(ctx, cfg.Auth, logger)
	if err != nil {
		return ServiceContainer{}, err
	}

	agents := hub.NewCachedAgents(repos.Agents, cfg.Hub.AgentCacheTTL)
	registry := rpc.NewRegistry(rpc.RegistryOptions{
		Agents:         agents,
		Logger:         logger,
		Metrics:        metrics,
		DefaultTimeout: cfg.Hub.InvokeTimeout,
	})

	hubOpts := hub.Options{
		Registry:         registry,
		Logger:           logger,
		HandshakeTimeout: cfg.Hub.HandshakeTimeout,
		WriteTimeout:     cfg.Hub.WriteTimeout,
		PingInterval:     cfg.Hub.PingInterval,
		PongWait:         cfg.Hub.PongWait,
		MaxMessageBytes:  cfg.Hub.MaxMessageBytes,
	}
	if verifiers.Agent != nil {
		hubOpts.Verifier = verifiers.Agent
	}

	orchestrator, err := service.NewOrchestrator(service.OrchestratorOptions{
		Repos: service.OrchestratorRepos{
			Jobs:   repos.Jobs,
			Runs:   repos.Runs,
			Tasks:  repos.Tasks,
			Logs:   repos.TaskLogs,
			Agents: repos.Agents,
		},
		RPC: registry,
		Config: service.OrchestratorConfig{
			ListTimeout:        cfg.Orchestrator.ListTimeout,
			AckTimeout:         cfg.Orchestrator.AckTimeout,
			DefaultItemTimeout: cfg.Orchestrator.DefaultItemTimeout,
			ReconnectGrace:     cfg.Orchestrator.ReconnectGrace,
			BusyRetryInterval:  cfg.Orchestrator.BusyRetryInterval,
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create orchestrator: %w", err)
	}
	registry.Subscribe(orchestrator)

	sched, err := service.NewSchedulerService(service.SchedulerServiceOptions{
		Jobs:    repos.Jobs,
		Starter: orchestrator,
		Lock:    buildFireLock(deps.RedisClient, logger),
		Processor: scheduler.NewTaskProcessor(scheduler.TaskProcessorOptions{
			Location:  cfg.Scheduler.Location(),
			Lookahead: cfg.Scheduler.Lookahead,
			FireTTL:   cfg.Scheduler.FireTTL,
		}),
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create scheduler: %w", err)
	}

	return ServiceContainer{
		Repos:        repos,
		Agents:       agents,
		Registry:     registry,
		Hub:          hub.New(hubOpts),
		Orchestrator: orchestrator,
		Scheduler:    sched,
		Metrics:      metrics,
		Verifiers:    verifiers,
	}, nil
}
