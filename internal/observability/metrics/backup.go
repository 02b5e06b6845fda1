// Package metrics emits the coordinator's standard metric families.
package metrics

import (
	"time"

	obserrors "github.com/target/backup-coordinator/internal/observability/errors"
	"github.com/target/backup-coordinator/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultConflict = "conflict"
	ResultNoop     = "noop"
)

// ItemMetric describes one terminal JobRunTask.
type ItemMetric struct {
	TaskType   string
	BackupType string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitItemCompleted emits orchestrator.item.completed and orchestrator.item.duration.
func EmitItemCompleted(sink statsd.Sink, in ItemMetric) {
	if sink == nil {
		return
	}
	tags := withErrorClass(map[string]string{
		"task_type":   in.TaskType,
		"backup_type": in.BackupType,
		"result":      in.Result,
	}, in.Result, in.Err)

	sink.Count("orchestrator.item.completed", 1, tags)
	if in.Duration > 0 {
		sink.Timing("orchestrator.item.duration", in.Duration, CloneTags(tags))
	}
}

// EmitRunCompleted emits orchestrator.run.completed with the run outcome.
func EmitRunCompleted(sink statsd.Sink, backupType string, isError bool, duration time.Duration) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	if isError {
		result = ResultError
	}
	tags := map[string]string{"backup_type": backupType, "result": result}
	sink.Count("orchestrator.run.completed", 1, tags)
	sink.Timing("orchestrator.run.duration", duration, CloneTags(tags))
}

// InvokeMetric describes one RPC invocation.
type InvokeMetric struct {
	Method   string
	Duration time.Duration
	Err      error
}

// EmitInvoke emits rpc.invoke counters and latency.
func EmitInvoke(sink statsd.Sink, in InvokeMetric) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	if in.Err != nil {
		result = ResultError
	}
	tags := withErrorClass(map[string]string{"method": in.Method, "result": result}, result, in.Err)
	sink.Count("rpc.invoke", 1, tags)
	sink.Timing("rpc.invoke.duration", in.Duration, CloneTags(tags))
}

// TickMetric summarises one scheduler tick.
type TickMetric struct {
	Jobs      int
	Fired     int
	Conflicts int
	Failed    int
	Duration  time.Duration
}

// EmitTick emits scheduler.tick, scheduler.fired and scheduler.conflicts.
func EmitTick(sink statsd.Sink, in TickMetric) {
	if sink == nil {
		return
	}
	result := ResultSuccess
	switch {
	case in.Failed > 0:
		result = ResultError
	case in.Fired == 0:
		result = ResultNoop
	}
	sink.Count("scheduler.tick", 1, map[string]string{"result": result})
	sink.Gauge("scheduler.jobs", float64(in.Jobs), nil)
	if in.Fired > 0 {
		sink.Count("scheduler.fired", int64(in.Fired), nil)
	}
	if in.Conflicts > 0 {
		sink.Count("scheduler.conflicts", int64(in.Conflicts), nil)
	}
	sink.Timing("scheduler.tick.duration", in.Duration, nil)
}

// EmitAgentSessions reports the number of live agent connections.
func EmitAgentSessions(sink statsd.Sink, n int) {
	if sink == nil {
		return
	}
	sink.Gauge("hub.sessions", float64(n), nil)
}

func withErrorClass(tags map[string]string, result string, err error) map[string]string {
	if err != nil && result == ResultError {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}
	return tags
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
