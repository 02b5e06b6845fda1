package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/target/backup-coordinator/internal/core"
	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
)

// memStore is an in-memory backing store shared by the fake repositories.
type memStore struct {
	mu     sync.Mutex
	seq    int
	agents map[string]*model.Agent
	jobs   map[string]*model.Job
	runs   map[string]*model.JobRun
	tasks  map[string]*model.JobRunTask
	logs   []*model.JobRunTaskLog

	failOpenCalls int
}

func newMemStore() *memStore {
	return &memStore{
		agents: make(map[string]*model.Agent),
		jobs:   make(map[string]*model.Job),
		runs:   make(map[string]*model.JobRun),
		tasks:  make(map[string]*model.JobRunTask),
	}
}

func (s *memStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *memStore) repos() OrchestratorRepos {
	return OrchestratorRepos{
		Jobs:   memJobs{s},
		Runs:   memRuns{s},
		Tasks:  memTasks{s},
		Logs:   memLogs{s},
		Agents: memAgents{s},
	}
}

func (s *memStore) addAgent(key string) *model.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &model.Agent{ID: s.nextID("agent"), Key: key, Name: key}
	s.agents[a.ID] = a
	return a
}

func (s *memStore) addJob(job *model.Job) *model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.ID = s.nextID("job")
	for i := range job.Tasks {
		job.Tasks[i].ID = s.nextID("stage")
		job.Tasks[i].JobID = job.ID
	}
	s.jobs[job.ID] = job
	return job
}

func (s *memStore) stageItems(runID string, order int) []*model.JobRunTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.JobRunTask
	for _, t := range s.tasks {
		if t.JobRunID == runID && t.TaskOrder == order {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemOrder < out[j].ItemOrder })
	return out
}

func (s *memStore) run(id string) *model.JobRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *s.runs[id]
	return &c
}

func (s *memStore) logsFor(taskID string) []*model.JobRunTaskLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.JobRunTaskLog
	for _, l := range s.logs {
		if l.JobRunTaskID == taskID {
			out = append(out, l)
		}
	}
	return out
}

type memAgents struct{ s *memStore }

func (m memAgents) Create(_ context.Context, req *model.CreateAgentRequest) (*model.Agent, error) {
	return m.s.addAgent(req.Key), nil
}

func (m memAgents) GetByID(_ context.Context, id string) (*model.Agent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if a, ok := m.s.agents[id]; ok {
		return a, nil
	}
	return nil, apperrors.NotFoundf("agent %s not found", id)
}

func (m memAgents) GetByKey(_ context.Context, key string) (*model.Agent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, a := range m.s.agents {
		if a.Key == key {
			return a, nil
		}
	}
	return nil, apperrors.NotFoundf("agent %q not found", key)
}

func (m memAgents) List(context.Context) ([]*model.Agent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]*model.Agent, 0, len(m.s.agents))
	for _, a := range m.s.agents {
		out = append(out, a)
	}
	return out, nil
}

func (m memAgents) Delete(_ context.Context, id string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	_, ok := m.s.agents[id]
	delete(m.s.agents, id)
	return ok, nil
}

type memJobs struct{ s *memStore }

func (m memJobs) Create(context.Context, *model.CreateJobRequest) (*model.Job, error) {
	return nil, apperrors.Internal("not supported by the in-memory store")
}

func (m memJobs) Get(_ context.Context, id string) (*model.Job, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if j, ok := m.s.jobs[id]; ok {
		return j, nil
	}
	return nil, apperrors.NotFoundf("job %s not found", id)
}

func (m memJobs) GetByName(_ context.Context, name string) (*model.Job, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, j := range m.s.jobs {
		if j.Name == name {
			return j, nil
		}
	}
	return nil, apperrors.NotFoundf("job %q not found", name)
}

func (m memJobs) List(_ context.Context, enabledOnly bool) ([]*model.Job, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*model.Job
	for _, j := range m.s.jobs {
		if enabledOnly && !j.Enabled {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (m memJobs) Delete(_ context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	delete(m.s.jobs, id)
	return nil
}

func (m memJobs) SetEnabled(_ context.Context, id string, enabled bool) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if j, ok := m.s.jobs[id]; ok {
		j.Enabled = enabled
		return nil
	}
	return apperrors.NotFoundf("job %s not found", id)
}

type memRuns struct{ s *memStore }

func (m memRuns) Create(_ context.Context, p core.StartJobRunParams) (*model.JobRun, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, r := range m.s.runs {
		if r.JobID == p.JobID && r.Open() {
			return nil, apperrors.ErrAlreadyRunning
		}
	}
	r := &model.JobRun{
		ID:         m.s.nextID("run"),
		JobID:      p.JobID,
		BackupType: p.BackupType,
		Trigger:    p.Trigger,
		StartedAt:  p.StartedAt,
	}
	m.s.runs[r.ID] = r
	c := *r
	return &c, nil
}

func (m memRuns) Complete(_ context.Context, id string, completedAt time.Time, isError bool) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.runs[id]
	if !ok {
		return apperrors.NotFoundf("run %s not found", id)
	}
	r.CompletedAt = &completedAt
	r.IsError = isError
	return nil
}

func (m memRuns) Get(_ context.Context, id string) (*model.JobRun, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if r, ok := m.s.runs[id]; ok {
		c := *r
		return &c, nil
	}
	return nil, apperrors.NotFoundf("run %s not found", id)
}

func (m memRuns) HasOpenRun(_ context.Context, jobID string) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, r := range m.s.runs {
		if r.JobID == jobID && r.Open() {
			return true, nil
		}
	}
	return false, nil
}

func (m memRuns) ListOpen(context.Context) ([]*model.JobRun, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*model.JobRun
	for _, r := range m.s.runs {
		if r.Open() {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m memRuns) ListByJob(_ context.Context, jobID string, limit int) ([]*model.JobRun, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*model.JobRun
	for _, r := range m.s.runs {
		if r.JobID == jobID {
			c := *r
			out = append(out, &c)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memTasks struct{ s *memStore }

func (m memTasks) CreateBatch(_ context.Context, tasks []*model.JobRunTask) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, t := range tasks {
		t.ID = m.s.nextID("item")
		c := *t
		m.s.tasks[t.ID] = &c
	}
	return nil
}

func (m memTasks) Start(_ context.Context, id string, startedAt time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t, ok := m.s.tasks[id]
	if !ok {
		return apperrors.NotFoundf("job run task %s not found", id)
	}
	if t.StartedAt == nil {
		t.StartedAt = &startedAt
	}
	return nil
}

func (m memTasks) Complete(_ context.Context, id string, c model.TaskCompletion) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t, ok := m.s.tasks[id]
	if !ok {
		return false, apperrors.NotFoundf("job run task %s not found", id)
	}
	if t.CompletedAt != nil {
		return false, nil
	}
	at := c.CompletedAt
	t.CompletedAt = &at
	t.IsError = c.IsError
	t.Result = c.Result
	t.OutputArtifact = c.OutputArtifact
	if t.StartedAt != nil {
		t.RunTime = at.Sub(*t.StartedAt)
	}
	return true, nil
}

func (m memTasks) Get(_ context.Context, id string) (*model.JobRunTask, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if t, ok := m.s.tasks[id]; ok {
		c := *t
		return &c, nil
	}
	return nil, apperrors.NotFoundf("job run task %s not found", id)
}

func (m memTasks) ListByRun(_ context.Context, runID string) ([]*model.JobRunTask, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*model.JobRunTask
	for _, t := range m.s.tasks {
		if t.JobRunID == runID {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskOrder != out[j].TaskOrder {
			return out[i].TaskOrder < out[j].TaskOrder
		}
		return out[i].ItemOrder < out[j].ItemOrder
	})
	return out, nil
}

func (m memTasks) ListByRunStage(_ context.Context, runID string, order int) ([]*model.JobRunTask, error) {
	return m.s.stageItems(runID, order), nil
}

func (m memTasks) FailOpen(_ context.Context, runID, result string, at time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.failOpenCalls++
	var n int64
	for _, t := range m.s.tasks {
		if t.JobRunID == runID && t.CompletedAt == nil {
			completedAt := at
			t.CompletedAt = &completedAt
			t.IsError = true
			t.Result = result
			n++
		}
	}
	return n, nil
}

type memLogs struct{ s *memStore }

func (m memLogs) Append(_ context.Context, l *model.JobRunTaskLog) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	l.ID = int64(len(m.s.logs) + 1)
	m.s.logs = append(m.s.logs, l)
	return nil
}

func (m memLogs) ListByTask(_ context.Context, id string, limit int) ([]*model.JobRunTaskLog, error) {
	out := m.s.logsFor(id)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// invokeFunc answers one agent call.
type invokeFunc func(ctx context.Context, agentKey, method string, payload any) (any, error)

// fakeInvoker routes calls to a test-provided function and records the methods it saw.
type fakeInvoker struct {
	mu    sync.Mutex
	fn    invokeFunc
	calls []string
}

func (f *fakeInvoker) Invoke(
	ctx context.Context,
	agentKey, method string,
	payload any,
	_ time.Duration,
) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	fn := f.fn
	f.mu.Unlock()

	res, err := fn(ctx, agentKey, method, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func (f *fakeInvoker) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}
