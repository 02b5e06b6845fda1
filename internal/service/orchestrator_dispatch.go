package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
	"github.com/target/backup-coordinator/internal/observability/metrics"
	"github.com/target/backup-coordinator/internal/rpc"
)

// itemOutcome is the terminal state of one item before it is persisted.
type itemOutcome struct {
	IsError  bool
	Result   string
	Artifact *string
	Err      error
}

const resultSuccess = "Success"

// outcomeFromError renders a dispatch failure as "<Kind>: <detail>".
func outcomeFromError(err error) itemOutcome {
	kind := "Error"
	switch {
	case apperrors.IsAgentUnreachable(err):
		kind = "AgentUnreachable"
	case apperrors.IsTimeout(err):
		kind = "Timeout"
	case apperrors.IsCanceled(err):
		kind = "Cancelled"
	}
	return itemOutcome{IsError: true, Result: kind + ": " + err.Error(), Err: err}
}

type itemWaiter struct {
	agentKey string
	ch       chan itemOutcome
}

func (w *itemWaiter) deliver(out itemOutcome) bool {
	select {
	case w.ch <- out:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) addWaiter(itemID, agentKey string) *itemWaiter {
	w := &itemWaiter{agentKey: agentKey, ch: make(chan itemOutcome, 1)}
	o.mu.Lock()
	o.waiters[itemID] = w
	o.mu.Unlock()
	return w
}

func (o *Orchestrator) dropWaiter(itemID string) {
	o.mu.Lock()
	delete(o.waiters, itemID)
	o.mu.Unlock()
}

// maxBusyRetryInterval caps the delay between offers of an item refused at capacity.
const maxBusyRetryInterval = 30 * time.Second

// errAgentBusy reports an ExecuteTask the agent refused because it is at capacity.
var errAgentBusy = errors.New("agent at capacity")

// agentSlots bounds the items in flight on one agent across every run of this process.
type agentSlots struct {
	size int
	sem  *semaphore.Weighted
}

// capacityGate returns the shared capacity gate for agent, or nil when its settings leave
// concurrency unlimited. A changed MaxConcurrency takes effect for newly dispatched items.
func (o *Orchestrator) capacityGate(agent *model.Agent) *semaphore.Weighted {
	if agent == nil || agent.Settings.MaxConcurrency <= 0 {
		return nil
	}
	size := agent.Settings.MaxConcurrency
	o.mu.Lock()
	defer o.mu.Unlock()
	slots, ok := o.slots[agent.Key]
	if !ok || slots.size != size {
		slots = &agentSlots{size: size, sem: semaphore.NewWeighted(int64(size))}
		o.slots[agent.Key] = slots
	}
	return slots.sem
}

// dispatchStage runs the stage's open items in item order with at most MaxParallel in
// flight, and no more than the agent's MaxConcurrency across runs. It returns once every
// item is terminal.
func (o *Orchestrator) dispatchStage(
	ctx context.Context,
	rs *runState,
	stage *model.JobTask,
	agentKey string,
	items []*model.JobRunTask,
) {
	sem := semaphore.NewWeighted(int64(stage.MaxParallel()))
	slots := o.capacityGate(rs.agents[stage.AgentID])
	notDispatched := itemOutcome{
		IsError: true,
		Result:  "Cancelled: run cancelled before dispatch",
		Err:     apperrors.ErrCancelled,
	}

	var wg sync.WaitGroup
	for _, item := range items {
		if item.Terminal() {
			continue
		}
		if ctx.Err() != nil || sem.Acquire(ctx, 1) != nil {
			o.finishItem(ctx, rs, item, notDispatched)
			continue
		}
		if slots != nil && slots.Acquire(ctx, 1) != nil {
			sem.Release(1)
			o.finishItem(ctx, rs, item, notDispatched)
			continue
		}
		wg.Add(1)
		go func(item *model.JobRunTask) {
			defer wg.Done()
			defer sem.Release(1)
			if slots != nil {
				defer slots.Release(1)
			}
			o.runItem(ctx, rs, stage, agentKey, item)
		}(item)
	}
	wg.Wait()
}

// runItem executes one item on the agent and waits for its Complete event, the item
// timeout, or run cancellation. An agent refusing at capacity is offered the item again
// with a growing delay until the item timeout.
func (o *Orchestrator) runItem(
	ctx context.Context,
	rs *runState,
	stage *model.JobTask,
	agentKey string,
	item *model.JobRunTask,
) {
	w := o.addWaiter(item.ID, agentKey)
	defer o.dropWaiter(item.ID)

	startedAt := o.now()
	if err := o.repos.Tasks.Start(ctx, item.ID, startedAt); err != nil {
		o.finishItem(ctx, rs, item, outcomeFromError(err))
		return
	}
	item.StartedAt = &startedAt

	req := rpc.ExecuteRequest{
		JobRunTaskID: item.ID,
		TaskType:     item.TaskType,
		ItemName:     item.ItemName,
		BackupType:   rs.run.BackupType,
		Settings:     stage.Settings,
	}
	if item.InputArtifact != nil {
		req.InputArtifact = *item.InputArtifact
	}

	timeout := rs.itemTimeout(o.cfg.DefaultItemTimeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	timedOut := itemOutcome{
		IsError: true,
		Result:  fmt.Sprintf("Timeout: no completion within %s", timeout),
		Err:     apperrors.ErrTimeout,
	}
	cancelled := itemOutcome{
		IsError: true,
		Result:  "Cancelled: run cancelled",
		Err:     apperrors.ErrCancelled,
	}

	backoff := o.cfg.BusyRetryInterval
	for {
		err := o.execute(ctx, agentKey, req)
		if err == nil {
			break
		}
		if !errors.Is(err, errAgentBusy) {
			if apperrors.IsCanceled(err) || apperrors.IsTimeout(err) {
				o.cancelRemote(ctx, agentKey, item.ID)
			}
			o.finishItem(ctx, rs, item, outcomeFromError(err))
			return
		}
		rs.logger.DebugContext(ctx, "agent at capacity, requeueing item",
			"job_run_task_id", item.ID, "agent", agentKey, "retry_in", backoff)
		retry := time.NewTimer(backoff)
		select {
		case <-retry.C:
		case <-timer.C:
			retry.Stop()
			o.finishItem(ctx, rs, item, timedOut)
			return
		case <-ctx.Done():
			retry.Stop()
			o.finishItem(ctx, rs, item, cancelled)
			return
		}
		backoff = min(backoff*2, maxBusyRetryInterval)
	}

	select {
	case out := <-w.ch:
		o.finishItem(ctx, rs, item, out)
	case <-timer.C:
		o.cancelRemote(ctx, agentKey, item.ID)
		o.finishItem(ctx, rs, item, timedOut)
	case <-ctx.Done():
		o.cancelRemote(ctx, agentKey, item.ID)
		o.finishItem(ctx, rs, item, cancelled)
	}
}

func (o *Orchestrator) execute(ctx context.Context, agentKey string, req rpc.ExecuteRequest) error {
	raw, err := o.rpc.Invoke(ctx, agentKey, rpc.MethodExecuteTask, req, o.cfg.AckTimeout)
	if err != nil {
		return err
	}
	var ack rpc.ExecuteAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return fmt.Errorf("decode execute ack: %w", err)
	}
	if !ack.Accepted {
		return fmt.Errorf("agent %q refused item %s: %w", agentKey, req.JobRunTaskID, errAgentBusy)
	}
	return nil
}

// cancelRemote asks the agent to stop an item. Failure is logged only.
func (o *Orchestrator) cancelRemote(ctx context.Context, agentKey, itemID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.AckTimeout)
	defer cancel()
	_, err := o.rpc.Invoke(cctx, agentKey, rpc.MethodCancelTask, rpc.CancelTaskRequest{JobRunTaskID: itemID}, o.cfg.AckTimeout)
	if err != nil {
		o.logger.DebugContext(ctx, "cancel task not delivered", "agent", agentKey, "job_run_task_id", itemID, "error", err)
	}
}

// finishItem persists the item's terminal state. When an event already finalized the row,
// the stored state wins.
func (o *Orchestrator) finishItem(ctx context.Context, rs *runState, item *model.JobRunTask, out itemOutcome) {
	wctx := context.WithoutCancel(ctx)
	if !out.IsError && out.Result == "" {
		out.Result = resultSuccess
	}

	completedAt := o.now()
	updated, err := o.repos.Tasks.Complete(wctx, item.ID, model.TaskCompletion{
		CompletedAt:    completedAt,
		IsError:        out.IsError,
		Result:         out.Result,
		OutputArtifact: out.Artifact,
	})
	if err != nil {
		rs.logger.ErrorContext(ctx, "failed to complete job run task", "job_run_task_id", item.ID, "error", err)
	}
	if err == nil && !updated {
		if stored, gerr := o.repos.Tasks.Get(wctx, item.ID); gerr == nil && stored.Terminal() {
			*item = *stored
			return
		}
	}

	item.CompletedAt = &completedAt
	item.IsError = out.IsError
	item.Result = out.Result
	item.OutputArtifact = out.Artifact
	if item.StartedAt != nil {
		item.RunTime = completedAt.Sub(*item.StartedAt)
	}
	o.recordItemTerminal(ctx, rs, item, out)
}

// recordItemTerminal appends the error log entry and emits item metrics.
func (o *Orchestrator) recordItemTerminal(ctx context.Context, rs *runState, item *model.JobRunTask, out itemOutcome) {
	result := metrics.ResultSuccess
	if out.IsError {
		result = metrics.ResultError
		entry := &model.JobRunTaskLog{
			JobRunTaskID: item.ID,
			IsError:      true,
			Message:      out.Result,
			CreatedAt:    o.now(),
		}
		if err := o.repos.Logs.Append(context.WithoutCancel(ctx), entry); err != nil {
			rs.logger.WarnContext(ctx, "failed to append job run task log", "job_run_task_id", item.ID, "error", err)
		}
	}
	metrics.EmitItemCompleted(o.metrics, metrics.ItemMetric{
		TaskType:   string(item.TaskType),
		BackupType: string(rs.run.BackupType),
		Result:     result,
		Duration:   item.RunTime,
		Err:        out.Err,
	})
	rs.logger.InfoContext(ctx, "job run task completed",
		"job_run_task_id", item.ID,
		"task_order", item.TaskOrder,
		"item", item.ItemName,
		"is_error", out.IsError,
		"result", out.Result,
	)
}
