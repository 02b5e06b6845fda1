package httpx

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/target/backup-coordinator/internal/core"
	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// OpsHandlers serves the operations API.
type OpsHandlers struct {
	Runs     RunController
	Sessions SessionLister
	Jobs     core.JobRepository
	JobRuns  core.JobRunRepository
	RunTasks core.JobRunTaskRepository
	TaskLogs core.JobRunTaskLogRepository
	Logger   *slog.Logger
}

// TriggerRunRequest is the body of POST /api/v1/jobs/{id}/runs.
type TriggerRunRequest struct {
	BackupType model.BackupType `json:"backup_type"`
}

// TriggerRun starts a manual run. It answers 202 with the opened run.
func (h *OpsHandlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var req TriggerRunRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.BackupType == "" {
		req.BackupType = model.BackupTypeFull
	}
	jobID := chi.URLParam(r, "id")

	run, err := h.Runs.StartRun(r.Context(), jobID, req.BackupType, model.RunTriggerManual)
	if err != nil {
		RenderError(w, r, h.Logger, err)
		return
	}
	h.Logger.InfoContext(r.Context(), "manual run triggered",
		"job_id", jobID,
		"run_id", run.ID,
		"backup_type", run.BackupType,
		"actor", actor(r.Context()),
	)
	WriteJSON(w, http.StatusAccepted, run)
}

// CancelRun cancels a run driven by this process.
func (h *OpsHandlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if err := h.Runs.CancelRun(runID); err != nil {
		RenderError(w, r, h.Logger, err)
		return
	}
	h.Logger.InfoContext(r.Context(), "run cancel requested", "run_id", runID, "actor", actor(r.Context()))
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "run_id": runID})
}

// ListActiveRuns returns the runs driven by this process.
func (h *OpsHandlers) ListActiveRuns(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.Runs.ActiveRuns())
}

// ListSessions returns live agent connections.
func (h *OpsHandlers) ListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := h.Sessions.Sessions()
	if sessions == nil {
		sessions = []model.AgentSession{}
	}
	WriteJSON(w, http.StatusOK, sessions)
}

// ListJobs returns every job with its stages.
func (h *OpsHandlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Jobs.List(r.Context(), r.URL.Query().Get("enabled") == "true")
	if err != nil {
		RenderError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, nonNil(jobs))
}

// GetJob returns one job.
func (h *OpsHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		RenderError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// ListJobRuns returns the job's most recent runs.
func (h *OpsHandlers) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.JobRuns.ListByJob(r.Context(), chi.URLParam(r, "id"), ParseLimit(r, defaultListLimit, maxListLimit))
	if err != nil {
		RenderError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, nonNil(runs))
}

// GetRun returns one run.
func (h *OpsHandlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.JobRuns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		RenderError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

// ListRunTasks returns the run's items in stage and item order.
func (h *OpsHandlers) ListRunTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.RunTasks.ListByRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		RenderError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, nonNil(tasks))
}

// ListTaskLogs returns an item's log lines.
func (h *OpsHandlers) ListTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		RenderError(w, r, h.Logger, apperrors.ValidationField("id", "task id is required"))
		return
	}
	logs, err := h.TaskLogs.ListByTask(r.Context(), id, ParseLimit(r, 500, 10000))
	if err != nil {
		RenderError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, nonNil(logs))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
