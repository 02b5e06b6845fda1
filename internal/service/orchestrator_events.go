package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
	"github.com/target/backup-coordinator/internal/rpc"
)

type graceTimer struct {
	t *time.Timer
}

// OnClientConnect cancels a pending disconnect expiry for the agent and, when the agent
// buffered events while offline, asks it to replay them.
func (o *Orchestrator) OnClientConnect(ctx context.Context, sess model.AgentSession, hasPendingEvents bool) {
	o.mu.Lock()
	if g := o.grace[sess.Key]; g != nil {
		g.t.Stop()
		delete(o.grace, sess.Key)
	}
	closed := o.closed
	o.mu.Unlock()

	o.logger.InfoContext(ctx, "agent connected",
		"agent", sess.Key,
		"connection_id", sess.ConnectionID,
		"has_pending_events", hasPendingEvents,
	)
	if hasPendingEvents && !closed {
		// Callbacks run on the agent's read loop; the replay must not block it.
		go o.flushEvents(sess.Key)
	}
}

func (o *Orchestrator) flushEvents(agentKey string) {
	ctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.ListTimeout)
	defer cancel()
	raw, err := o.rpc.Invoke(ctx, agentKey, rpc.MethodFlushEvents, struct{}{}, o.cfg.ListTimeout)
	if err != nil {
		o.logger.WarnContext(ctx, "flush events failed", "agent", agentKey, "error", err)
		return
	}
	var resp rpc.FlushEventsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		o.logger.WarnContext(ctx, "decode flush events response", "agent", agentKey, "error", err)
		return
	}
	o.logger.InfoContext(ctx, "agent replayed buffered events", "agent", agentKey, "replayed", resp.Replayed)
}

// OnClientDisconnect starts the reconnect grace period for the agent. Items still waiting
// on it when the period ends fail with AgentUnreachable.
func (o *Orchestrator) OnClientDisconnect(ctx context.Context, sess model.AgentSession) {
	key := sess.Key
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if g := o.grace[key]; g != nil {
		g.t.Stop()
	}
	g := &graceTimer{}
	g.t = time.AfterFunc(o.cfg.ReconnectGrace, func() { o.expireAgent(key, g) })
	o.grace[key] = g
	o.mu.Unlock()

	o.logger.WarnContext(ctx, "agent disconnected",
		"agent", key,
		"connection_id", sess.ConnectionID,
		"grace", o.cfg.ReconnectGrace,
	)
}

func (o *Orchestrator) expireAgent(key string, g *graceTimer) {
	o.mu.Lock()
	if o.grace[key] != g {
		o.mu.Unlock()
		return
	}
	delete(o.grace, key)
	var stranded []*itemWaiter
	for _, w := range o.waiters {
		if w.agentKey == key {
			stranded = append(stranded, w)
		}
	}
	o.mu.Unlock()

	if len(stranded) == 0 {
		return
	}
	err := apperrors.AgentUnreachablef("agent %q did not reconnect within %s", key, o.cfg.ReconnectGrace)
	for _, w := range stranded {
		w.deliver(itemOutcome{IsError: true, Result: "AgentUnreachable: " + err.Error(), Err: err})
	}
	o.logger.Warn("failed items stranded on disconnected agent", "agent", key, "items", len(stranded))
}

// OnProgress appends the event to the item's log.
func (o *Orchestrator) OnProgress(ctx context.Context, sess model.AgentSession, ev rpc.ProgressEvent) {
	entry := &model.JobRunTaskLog{
		JobRunTaskID: ev.JobRunTaskID,
		IsError:      ev.IsError,
		Message:      ev.Message,
		CreatedAt:    o.now(),
	}
	if err := o.repos.Logs.Append(ctx, entry); err != nil {
		o.logger.WarnContext(ctx, "failed to append progress",
			"agent", sess.Key,
			"job_run_task_id", ev.JobRunTaskID,
			"error", err,
		)
	}
}

// OnComplete wakes the item's dispatch slot. Events with no live waiter, such as replays
// after a controller restart, are written straight to the item when it is still open.
func (o *Orchestrator) OnComplete(ctx context.Context, sess model.AgentSession, ev rpc.CompleteEvent) {
	out := itemOutcome{IsError: ev.IsError, Result: ev.Message, Artifact: ev.ResultArtifact}
	if out.IsError && out.Result == "" {
		out.Result = "Error: agent reported failure"
	}

	o.mu.Lock()
	w := o.waiters[ev.JobRunTaskID]
	o.mu.Unlock()

	if w != nil {
		if w.agentKey != sess.Key {
			o.logger.WarnContext(ctx, "ignoring completion from unexpected agent",
				"agent", sess.Key,
				"expected_agent", w.agentKey,
				"job_run_task_id", ev.JobRunTaskID,
			)
			return
		}
		if !w.deliver(out) {
			o.logger.DebugContext(ctx, "duplicate completion ignored", "job_run_task_id", ev.JobRunTaskID)
		}
		return
	}

	if !out.IsError && out.Result == "" {
		out.Result = resultSuccess
	}
	updated, err := o.repos.Tasks.Complete(ctx, ev.JobRunTaskID, model.TaskCompletion{
		CompletedAt:    o.now(),
		IsError:        out.IsError,
		Result:         out.Result,
		OutputArtifact: out.Artifact,
	})
	if err != nil {
		o.logger.WarnContext(ctx, "failed to record late completion",
			"agent", sess.Key,
			"job_run_task_id", ev.JobRunTaskID,
			"error", fmt.Errorf("complete job run task: %w", err),
		)
		return
	}
	o.logger.InfoContext(ctx, "late completion received",
		"agent", sess.Key,
		"job_run_task_id", ev.JobRunTaskID,
		"recorded", updated,
	)
}
