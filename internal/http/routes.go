// Package httpx serves the coordinator's HTTP surface: the agent websocket endpoint, health
// probes and the operations API.
package httpx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/target/backup-coordinator/internal/core"
	"github.com/target/backup-coordinator/internal/domain/model"
)

// RunController starts and cancels runs in this process.
type RunController interface {
	StartRun(ctx context.Context, jobID string, bt model.BackupType, trigger model.RunTrigger) (*model.JobRun, error)
	CancelRun(runID string) error
	ActiveRuns() []*model.JobRun
}

// SessionLister reports live agent connections.
type SessionLister interface {
	Sessions() []model.AgentSession
}

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Runs     RunController
	Sessions SessionLister
	// AgentHub serves GET /agent/ws.
	AgentHub http.Handler

	Jobs     core.JobRepository
	JobRuns  core.JobRunRepository
	RunTasks core.JobRunTaskRepository
	TaskLogs core.JobRunTaskLogRepository

	// DB backs the readiness probe. Optional.
	DB Pinger
	// OpsVerifier guards /api/v1. Nil leaves the API open.
	OpsVerifier TokenVerifier
	Logger      *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(Recover(logger))

	r.Get("/healthz", healthHandler)
	r.Head("/healthz", healthHandler)
	r.Get("/readyz", readyHandler(services.DB, logger))
	if services.AgentHub != nil {
		// The hub logs connection lifetimes itself; request logging would report at close.
		r.Method(http.MethodGet, "/agent/ws", services.AgentHub)
	}

	h := &OpsHandlers{
		Runs:     services.Runs,
		Sessions: services.Sessions,
		Jobs:     services.Jobs,
		JobRuns:  services.JobRuns,
		RunTasks: services.RunTasks,
		TaskLogs: services.TaskLogs,
		Logger:   logger,
	}
	r.Route("/api/v1", func(api chi.Router) {
		api.Use(Logging(logger))
		api.Use(RequireBearer(services.OpsVerifier, logger))
		registerOpsRoutes(api, h)
	})
	return r
}

func registerOpsRoutes(r chi.Router, h *OpsHandlers) {
	r.Get("/sessions", h.ListSessions)

	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{id}", h.GetJob)
	r.Get("/jobs/{id}/runs", h.ListJobRuns)
	r.Post("/jobs/{id}/runs", h.TriggerRun)

	r.Get("/runs/active", h.ListActiveRuns)
	r.Get("/runs/{id}", h.GetRun)
	r.Get("/runs/{id}/tasks", h.ListRunTasks)
	r.Post("/runs/{id}/cancel", h.CancelRun)

	r.Get("/tasks/{id}/logs", h.ListTaskLogs)
}
