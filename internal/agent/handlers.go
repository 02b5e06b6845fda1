package agent

import (
	"context"

	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
	"github.com/target/backup-coordinator/internal/rpc"
)

func (c *Client) buildHandlers() *rpc.HandlerRegistry {
	h := rpc.NewHandlerRegistry()
	h.Register(rpc.MethodListDatabases, rpc.Handle(c.listDatabases))
	h.Register(rpc.MethodListFiles, rpc.Handle(c.listFiles))
	h.Register(rpc.MethodExecuteTask, rpc.Handle(c.executeTask))
	h.Register(rpc.MethodCancelTask, rpc.Handle(c.cancelTask))
	h.Register(rpc.MethodFlushEvents, rpc.Handle(c.flushEvents))
	return h
}

func (c *Client) listDatabases(ctx context.Context, req rpc.ListDatabasesRequest) ([]model.DatabaseInfo, error) {
	return c.exec.ListDatabases(ctx, req.Connection)
}

func (c *Client) listFiles(ctx context.Context, req rpc.ListFilesRequest) ([]model.FileInfo, error) {
	return c.exec.ListFiles(ctx, req.Storage)
}

// executeTask accepts the item and runs it in the background. Items beyond MaxConcurrency
// are refused; a repeated request for a running item is acknowledged without a second start.
func (c *Client) executeTask(ctx context.Context, req rpc.ExecuteRequest) (rpc.ExecuteAck, error) {
	if req.JobRunTaskID == "" {
		return rpc.ExecuteAck{}, apperrors.ValidationField("jobRunTaskId", "job run task id is required")
	}

	c.mu.Lock()
	if _, dup := c.running[req.JobRunTaskID]; dup {
		c.mu.Unlock()
		return rpc.ExecuteAck{Accepted: true}, nil
	}
	if len(c.running) >= c.cfg.MaxConcurrency {
		c.mu.Unlock()
		c.logger.WarnContext(ctx, "refusing item at capacity",
			"job_run_task_id", req.JobRunTaskID,
			"running", c.cfg.MaxConcurrency,
		)
		return rpc.ExecuteAck{Accepted: false}, nil
	}
	taskCtx, cancel := context.WithCancel(c.taskCtx)
	c.running[req.JobRunTaskID] = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go c.runTask(taskCtx, cancel, req)
	return rpc.ExecuteAck{Accepted: true}, nil
}

func (c *Client) runTask(ctx context.Context, cancel context.CancelFunc, req rpc.ExecuteRequest) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.running, req.JobRunTaskID)
		c.mu.Unlock()
		cancel()
	}()

	c.logger.InfoContext(ctx, "item started",
		"job_run_task_id", req.JobRunTaskID,
		"task_type", req.TaskType,
		"item", req.ItemName,
	)
	out := c.exec.Execute(ctx, req, func(isError bool, message string) {
		c.emit(rpc.KindProgress, rpc.ProgressEvent{
			JobRunTaskID: req.JobRunTaskID,
			IsError:      isError,
			Message:      message,
		})
	})
	c.emit(rpc.KindComplete, rpc.CompleteEvent{
		JobRunTaskID:   req.JobRunTaskID,
		Message:        out.Message,
		ResultArtifact: out.Artifact,
		IsError:        out.IsError,
	})
}

func (c *Client) cancelTask(ctx context.Context, req rpc.CancelTaskRequest) (rpc.CancelTaskResponse, error) {
	c.mu.Lock()
	cancel, ok := c.running[req.JobRunTaskID]
	c.mu.Unlock()
	if ok {
		cancel()
		c.logger.InfoContext(ctx, "item cancelled", "job_run_task_id", req.JobRunTaskID)
	}
	return rpc.CancelTaskResponse{Cancelled: ok}, nil
}

func (c *Client) flushEvents(ctx context.Context, _ struct{}) (rpc.FlushEventsResponse, error) {
	n, err := c.flush(ctx)
	if err != nil {
		return rpc.FlushEventsResponse{Replayed: n}, err
	}
	if n > 0 {
		c.logger.InfoContext(ctx, "replayed buffered events", "replayed", n)
	}
	return rpc.FlushEventsResponse{Replayed: n}, nil
}
