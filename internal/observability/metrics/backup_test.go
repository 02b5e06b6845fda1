package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedMetric struct {
	kind  string
	name  string
	value float64
	tags  map[string]string
}

type recordingSink struct {
	metrics []recordedMetric
}

func (r *recordingSink) Count(name string, value int64, tags map[string]string) {
	r.metrics = append(r.metrics, recordedMetric{kind: "count", name: name, value: float64(value), tags: tags})
}

func (r *recordingSink) Gauge(name string, value float64, tags map[string]string) {
	r.metrics = append(r.metrics, recordedMetric{kind: "gauge", name: name, value: value, tags: tags})
}

func (r *recordingSink) Timing(name string, value time.Duration, tags map[string]string) {
	r.metrics = append(r.metrics, recordedMetric{kind: "timing", name: name, value: float64(value), tags: tags})
}

func TestEmitItemCompleted_ErrorClass(t *testing.T) {
	sink := &recordingSink{}

	EmitItemCompleted(sink, ItemMetric{
		TaskType:   "create-backup",
		BackupType: "Full",
		Result:     ResultError,
		Duration:   time.Second,
		Err:        errors.New("exit status 1"),
	})

	require.Len(t, sink.metrics, 2)
	assert.Equal(t, "orchestrator.item.completed", sink.metrics[0].name)
	assert.Equal(t, "errors_errorstring", sink.metrics[0].tags["error_class"])
	assert.Equal(t, "orchestrator.item.duration", sink.metrics[1].name)
}

func TestEmitTick(t *testing.T) {
	sink := &recordingSink{}

	EmitTick(sink, TickMetric{Jobs: 3, Fired: 1, Conflicts: 1, Duration: time.Millisecond})

	names := make([]string, 0, len(sink.metrics))
	for _, m := range sink.metrics {
		names = append(names, m.name)
	}
	assert.Equal(t, []string{
		"scheduler.tick", "scheduler.jobs", "scheduler.fired", "scheduler.conflicts", "scheduler.tick.duration",
	}, names)
	assert.Equal(t, ResultSuccess, sink.metrics[0].tags["result"])
}

func TestEmitters_NilSink(t *testing.T) {
	assert.NotPanics(t, func() {
		EmitItemCompleted(nil, ItemMetric{})
		EmitRunCompleted(nil, "Full", false, 0)
		EmitInvoke(nil, InvokeMetric{})
		EmitTick(nil, TickMetric{})
		EmitAgentSessions(nil, 0)
	})
}
