package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/backup-coordinator/internal/adapters/oidc"
	"github.com/target/backup-coordinator/internal/core"
	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
	"github.com/target/backup-coordinator/internal/mocks"
)

type startCall struct {
	jobID   string
	bt      model.BackupType
	trigger model.RunTrigger
}

type stubRuns struct {
	startErr  error
	cancelErr error
	started   []startCall
	cancelled []string
	active    []*model.JobRun
}

func (s *stubRuns) StartRun(_ context.Context, jobID string, bt model.BackupType, trigger model.RunTrigger) (*model.JobRun, error) {
	s.started = append(s.started, startCall{jobID: jobID, bt: bt, trigger: trigger})
	if s.startErr != nil {
		return nil, s.startErr
	}
	return &model.JobRun{ID: "run-1", JobID: jobID, BackupType: bt, Trigger: trigger}, nil
}

func (s *stubRuns) CancelRun(runID string) error {
	s.cancelled = append(s.cancelled, runID)
	return s.cancelErr
}

func (s *stubRuns) ActiveRuns() []*model.JobRun { return s.active }

type stubSessions []model.AgentSession

func (s stubSessions) Sessions() []model.AgentSession { return s }

type stubRunRepo struct {
	core.JobRunRepository
	runs map[string]*model.JobRun
}

func (s stubRunRepo) Get(_ context.Context, id string) (*model.JobRun, error) {
	if r, ok := s.runs[id]; ok {
		return r, nil
	}
	return nil, apperrors.NotFoundf("run %s not found", id)
}

type stubTaskRepo struct {
	core.JobRunTaskRepository
	tasks []*model.JobRunTask
}

func (s stubTaskRepo) ListByRun(context.Context, string) ([]*model.JobRunTask, error) {
	return s.tasks, nil
}

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, raw string) (oidc.Identity, error) {
	if raw != "good-token" {
		return oidc.Identity{}, errors.New("signature mismatch")
	}
	return oidc.Identity{Subject: "ops", ClientID: "ops-cli"}, nil
}

type stubPinger struct{ err error }

func (p stubPinger) PingContext(context.Context) error { return p.err }

func serve(t *testing.T, h http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	t.Run("healthz", func(t *testing.T) {
		rec := serve(t, NewRouter(RouterServices{}), http.MethodGet, "/healthz", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, healthResponse, rec.Body.String())
	})

	t.Run("readyz with healthy db", func(t *testing.T) {
		rec := serve(t, NewRouter(RouterServices{DB: stubPinger{}}), http.MethodGet, "/readyz", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("readyz with failing db", func(t *testing.T) {
		rec := serve(t, NewRouter(RouterServices{DB: stubPinger{err: errors.New("dial tcp: refused")}}),
			http.MethodGet, "/readyz", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestRouter_AgentHubMounted(t *testing.T) {
	called := false
	hub := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	rec := serve(t, NewRouter(RouterServices{AgentHub: hub}), http.MethodGet, "/agent/ws", "", nil)
	assert.True(t, called)
	assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)
}

func TestOpsHandlers_TriggerRun(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		startErr   error
		wantStatus int
		wantBT     model.BackupType
		wantCode   string
	}{
		{
			name:       "accepted",
			body:       `{"backup_type":"Differential"}`,
			wantStatus: http.StatusAccepted,
			wantBT:     model.BackupTypeDifferential,
		},
		{
			name:       "defaults to full",
			wantStatus: http.StatusAccepted,
			wantBT:     model.BackupTypeFull,
		},
		{
			name:       "already running",
			body:       `{"backup_type":"Full"}`,
			startErr:   apperrors.ErrAlreadyRunning,
			wantStatus: http.StatusConflict,
			wantBT:     model.BackupTypeFull,
			wantCode:   "already_running",
		},
		{
			name:       "unknown job",
			body:       `{"backup_type":"Full"}`,
			startErr:   apperrors.NotFoundf("job job-1 not found"),
			wantStatus: http.StatusNotFound,
			wantBT:     model.BackupTypeFull,
			wantCode:   "not_found",
		},
		{
			name:       "invalid backup type",
			body:       `{"backup_type":"Weekly"}`,
			startErr:   apperrors.ValidationField("backup_type", `invalid backup type "Weekly"`),
			wantStatus: http.StatusBadRequest,
			wantBT:     "Weekly",
			wantCode:   "validation",
		},
		{
			name:       "unknown field",
			body:       `{"type":"Full"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := &stubRuns{startErr: tt.startErr}
			router := NewRouter(RouterServices{Runs: runs})

			rec := serve(t, router, http.MethodPost, "/api/v1/jobs/job-1/runs", tt.body, nil)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantCode != "" {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, tt.wantCode, body["error"])
			}
			if tt.wantBT == "" {
				assert.Empty(t, runs.started)
				return
			}
			require.Len(t, runs.started, 1)
			assert.Equal(t, startCall{jobID: "job-1", bt: tt.wantBT, trigger: model.RunTriggerManual}, runs.started[0])

			if tt.wantStatus == http.StatusAccepted {
				var run model.JobRun
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
				assert.Equal(t, "run-1", run.ID)
			}
		})
	}
}

func TestOpsHandlers_CancelRun(t *testing.T) {
	runs := &stubRuns{}
	router := NewRouter(RouterServices{Runs: runs})

	rec := serve(t, router, http.MethodPost, "/api/v1/runs/run-7/cancel", "", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"run-7"}, runs.cancelled)

	runs.cancelErr = apperrors.NotFoundf("run run-8 is not active")
	rec = serve(t, router, http.MethodPost, "/api/v1/runs/run-8/cancel", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpsHandlers_Reads(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobRepository(ctrl)
	started := time.Date(2026, 1, 5, 2, 0, 0, 0, time.UTC)

	router := NewRouter(RouterServices{
		Runs:     &stubRuns{active: []*model.JobRun{{ID: "run-1", JobID: "job-1", StartedAt: started}}},
		Sessions: stubSessions{{Key: "db-agent-1", ConnectionID: "conn-1"}},
		Jobs:     jobs,
		JobRuns:  stubRunRepo{runs: map[string]*model.JobRun{"run-1": {ID: "run-1", JobID: "job-1"}}},
		RunTasks: stubTaskRepo{tasks: []*model.JobRunTask{{ID: "item-1", ItemName: "app1"}}},
	})

	t.Run("sessions", func(t *testing.T) {
		rec := serve(t, router, http.MethodGet, "/api/v1/sessions", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var sessions []model.AgentSession
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
		require.Len(t, sessions, 1)
		assert.Equal(t, "db-agent-1", sessions[0].Key)
	})

	t.Run("active runs", func(t *testing.T) {
		rec := serve(t, router, http.MethodGet, "/api/v1/runs/active", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"id":"run-1"`)
	})

	t.Run("jobs", func(t *testing.T) {
		jobs.EXPECT().List(gomock.Any(), false).Return(nil, nil)
		rec := serve(t, router, http.MethodGet, "/api/v1/jobs", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("job not found", func(t *testing.T) {
		jobs.EXPECT().Get(gomock.Any(), "job-9").Return(nil, apperrors.NotFoundf("job job-9 not found"))
		rec := serve(t, router, http.MethodGet, "/api/v1/jobs/job-9", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("run and tasks", func(t *testing.T) {
		rec := serve(t, router, http.MethodGet, "/api/v1/runs/run-1", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = serve(t, router, http.MethodGet, "/api/v1/runs/run-1/tasks", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"item_name":"app1"`)
	})

	t.Run("internal error detail is hidden", func(t *testing.T) {
		jobs.EXPECT().List(gomock.Any(), true).Return(nil, errors.New("pq: password authentication failed"))
		rec := serve(t, router, http.MethodGet, "/api/v1/jobs?enabled=true", "", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "password")
	})
}

func TestRequireBearer(t *testing.T) {
	runs := &stubRuns{}
	router := NewRouter(RouterServices{Runs: runs, OpsVerifier: stubVerifier{}})

	rec := serve(t, router, http.MethodGet, "/api/v1/runs/active", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, router, http.MethodGet, "/api/v1/runs/active", "", http.Header{"Authorization": {"Bearer bad"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, router, http.MethodGet, "/api/v1/runs/active", "", http.Header{"Authorization": {"Bearer good-token"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, router, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDetermineErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperrors.ErrAlreadyRunning, http.StatusConflict},
		{apperrors.NotFoundf("x"), http.StatusNotFound},
		{apperrors.Validationf("x"), http.StatusBadRequest},
		{apperrors.ErrAgentUnreachable, http.StatusServiceUnavailable},
		{apperrors.ErrTimeout, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := DetermineErrorStatus(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}
