package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/target/backup-coordinator/internal/core"
	"github.com/target/backup-coordinator/internal/domain/model"
	"github.com/target/backup-coordinator/internal/domain/scheduler"
	apperrors "github.com/target/backup-coordinator/internal/errors"
	"github.com/target/backup-coordinator/internal/observability/metrics"
	"github.com/target/backup-coordinator/internal/observability/statsd"
	"github.com/target/backup-coordinator/internal/rpc"
)

// AgentInvoker performs correlated calls against a connected agent.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentKey, method string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// OrchestratorConfig tunes the orchestrator's timeouts.
type OrchestratorConfig struct {
	// ListTimeout bounds ListDatabases, ListFiles and FlushEvents calls.
	ListTimeout time.Duration
	// AckTimeout bounds the ExecuteTask acknowledgement and CancelTask calls.
	AckTimeout time.Duration
	// DefaultItemTimeout bounds an item's wait for completion when the job sets no timeout.
	DefaultItemTimeout time.Duration
	// ReconnectGrace is how long in-flight items wait for a disconnected agent to return.
	ReconnectGrace time.Duration
	// BusyRetryInterval is the first delay before an item refused at capacity is offered
	// again. The delay doubles up to maxBusyRetryInterval.
	BusyRetryInterval time.Duration
}

// OrchestratorRepos groups the repositories the orchestrator persists through.
type OrchestratorRepos struct {
	Jobs   core.JobRepository
	Runs   core.JobRunRepository
	Tasks  core.JobRunTaskRepository
	Logs   core.JobRunTaskLogRepository
	Agents core.AgentRepository
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	Repos   OrchestratorRepos
	RPC     AgentInvoker
	Config  OrchestratorConfig
	Logger  *slog.Logger
	Metrics statsd.Sink
	Now     func() time.Time
}

// Orchestrator drives JobRuns through their ordered stages. It subscribes to agent events
// to collect item progress and completion.
type Orchestrator struct {
	repos   OrchestratorRepos
	rpc     AgentInvoker
	cfg     OrchestratorConfig
	logger  *slog.Logger
	metrics statsd.Sink
	now     func() time.Time
	setups  map[model.TaskType]StageSetup

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	runs    map[string]*activeRun
	waiters map[string]*itemWaiter
	grace   map[string]*graceTimer
	slots   map[string]*agentSlots
}

type activeRun struct {
	run    *model.JobRun
	cancel context.CancelFunc
	done   chan struct{}
}

var (
	_ scheduler.RunStarter = (*Orchestrator)(nil)
	_ rpc.EventSink        = (*Orchestrator)(nil)
)

// NewOrchestrator constructs an Orchestrator with sane defaults.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	r := opts.Repos
	if r.Jobs == nil || r.Runs == nil || r.Tasks == nil || r.Logs == nil || r.Agents == nil {
		return nil, errors.New("all orchestrator repositories are required")
	}
	if opts.RPC == nil {
		return nil, errors.New("agent invoker is required")
	}

	cfg := opts.Config
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 30 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 15 * time.Second
	}
	if cfg.DefaultItemTimeout <= 0 {
		cfg.DefaultItemTimeout = 6 * time.Hour
	}
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = 30 * time.Second
	}
	if cfg.BusyRetryInterval <= 0 {
		cfg.BusyRetryInterval = time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Metrics
	if sink == nil {
		sink = statsd.Noop{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	baseCtx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		repos:   r,
		rpc:     opts.RPC,
		cfg:     cfg,
		logger:  logger.With("component", "orchestrator"),
		metrics: sink,
		now:     now,
		baseCtx: baseCtx,
		stop:    stop,
		runs:    make(map[string]*activeRun),
		waiters: make(map[string]*itemWaiter),
		grace:   make(map[string]*graceTimer),
		slots:   make(map[string]*agentSlots),
	}
	o.setups = defaultStageSetups(opts.RPC, cfg.ListTimeout)
	return o, nil
}

// StartRun opens a JobRun for the job and drives it in the background. It returns an
// AlreadyRunning error when the job has an open run. The run outlives ctx.
func (o *Orchestrator) StartRun(
	ctx context.Context,
	jobID string,
	bt model.BackupType,
	trigger model.RunTrigger,
) (*model.JobRun, error) {
	if !bt.Valid() {
		return nil, apperrors.ValidationField("backup_type", fmt.Sprintf("invalid backup type %q", bt))
	}
	job, err := o.repos.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if len(job.Tasks) == 0 {
		return nil, apperrors.Validationf("job %q has no stages", job.Name)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, errors.New("orchestrator is shutting down")
	}
	o.wg.Add(1)
	o.mu.Unlock()

	run, err := o.repos.Runs.Create(ctx, core.StartJobRunParams{
		JobID:      job.ID,
		BackupType: bt,
		Trigger:    trigger,
		StartedAt:  o.now(),
	})
	if err != nil {
		o.wg.Done()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	ar := &activeRun{run: run, cancel: cancel, done: make(chan struct{})}
	o.mu.Lock()
	o.runs[run.ID] = ar
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer close(ar.done)
		defer cancel()
		o.executeRun(runCtx, job, run)
		o.mu.Lock()
		delete(o.runs, run.ID)
		o.mu.Unlock()
	}()

	o.logger.InfoContext(ctx, "job run started",
		"job_id", job.ID,
		"job_name", job.Name,
		"run_id", run.ID,
		"backup_type", bt,
		"trigger", trigger,
	)
	return run, nil
}

// Wait blocks until the run is no longer active in this process or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, runID string) error {
	o.mu.Lock()
	ar := o.runs[runID]
	o.mu.Unlock()
	if ar == nil {
		return nil
	}
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelRun cancels an active run. Outstanding calls fail with Cancelled and the remaining
// items are recorded as cancelled. It returns NotFound when the run is not active here.
func (o *Orchestrator) CancelRun(runID string) error {
	o.mu.Lock()
	ar := o.runs[runID]
	o.mu.Unlock()
	if ar == nil {
		return apperrors.NotFoundf("run %s is not active", runID)
	}
	ar.cancel()
	o.logger.Info("job run cancel requested", "run_id", runID, "job_id", ar.run.JobID)
	return nil
}

// ActiveRuns returns the runs currently driven by this process.
func (o *Orchestrator) ActiveRuns() []*model.JobRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*model.JobRun, 0, len(o.runs))
	for _, ar := range o.runs {
		out = append(out, ar.run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Shutdown stops accepting runs, cancels the active ones and waits for them to record
// their outcome.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for key, g := range o.grace {
		g.t.Stop()
		delete(o.grace, key)
	}
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

// runState is owned by one run's goroutine.
type runState struct {
	job    *model.Job
	run    *model.JobRun
	logger *slog.Logger
	agents map[string]*model.Agent
}

func (rs *runState) agent(ctx context.Context, agents core.AgentRepository, agentID string) (*model.Agent, error) {
	if a, ok := rs.agents[agentID]; ok {
		return a, nil
	}
	a, err := agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("resolve agent %s: %w", agentID, err)
	}
	rs.agents[agentID] = a
	return a, nil
}

func (rs *runState) itemTimeout(fallback time.Duration) time.Duration {
	if rs.job.ItemTimeout > 0 {
		return rs.job.ItemTimeout
	}
	return fallback
}

func (o *Orchestrator) executeRun(ctx context.Context, job *model.Job, run *model.JobRun) {
	rs := &runState{
		job: job,
		run: run,
		logger: o.logger.With(
			"job_id", job.ID,
			"job_name", job.Name,
			"run_id", run.ID,
			"backup_type", run.BackupType,
		),
		agents: make(map[string]*model.Agent),
	}

	stages := make([]model.JobTask, len(job.Tasks))
	copy(stages, job.Tasks)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].Order < stages[j].Order })

	start := o.now()
	isError := false
	outputs := make(map[int][]*model.JobRunTask, len(stages))
	var previous []*model.JobRunTask

	for i := range stages {
		stage := &stages[i]
		if ctx.Err() != nil {
			isError = true
			rs.logger.WarnContext(ctx, "job run cancelled, skipping remaining stages", "task_order", stage.Order)
			break
		}

		upstream := previous
		if stage.InputFromOrder != nil {
			upstream = outputs[*stage.InputFromOrder]
		}

		items, agentKey, err := o.setupStage(ctx, rs, stage, upstream)
		if err != nil {
			isError = true
			rs.logger.ErrorContext(ctx, "stage setup failed",
				"task_order", stage.Order,
				"task_type", stage.Type,
				"error", err,
			)
			outputs[stage.Order] = nil
			previous = nil
			continue
		}

		o.dispatchStage(ctx, rs, stage, agentKey, items)

		failed := 0
		for _, item := range items {
			if item.IsError {
				failed++
			}
		}
		if failed > 0 {
			isError = true
		}
		rs.logger.InfoContext(ctx, "stage completed",
			"task_order", stage.Order,
			"task_type", stage.Type,
			"items", len(items),
			"failed", failed,
		)
		outputs[stage.Order] = items
		previous = items
	}

	completedAt := o.now()
	if err := o.repos.Runs.Complete(context.WithoutCancel(ctx), run.ID, completedAt, isError); err != nil {
		rs.logger.ErrorContext(ctx, "failed to complete job run", "error", err)
	}

	duration := completedAt.Sub(start)
	metrics.EmitRunCompleted(o.metrics, string(run.BackupType), isError, duration)
	rs.logger.InfoContext(ctx, "job run completed", "is_error", isError, "duration", duration)
}
