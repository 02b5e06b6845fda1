package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/backup-coordinator/internal/rpc"
)

func progressEnvelope(t *testing.T, msg string) rpc.Envelope {
	t.Helper()
	env, err := rpc.NewEvent(rpc.KindProgress, rpc.ProgressEvent{JobRunTaskID: "item-1", Message: msg})
	require.NoError(t, err)
	return env
}

func TestEventBuffer_DrainPreservesOrder(t *testing.T) {
	b := NewEventBuffer(time.Minute, 100, nil)
	for _, msg := range []string{"one", "two", "three", "four", "five", "six", "seven", "eight", "nine", "ten", "eleven"} {
		b.Add(progressEnvelope(t, msg))
	}
	require.Equal(t, 11, b.Len())

	got := b.Drain()
	require.Len(t, got, 11)
	assert.JSONEq(t, `{"jobRunTaskId":"item-1","isError":false,"message":"one"}`, string(got[0].Payload))
	assert.JSONEq(t, `{"jobRunTaskId":"item-1","isError":false,"message":"eleven"}`, string(got[10].Payload))
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Drain())
}

func TestEventBuffer_CapacityEvictsOldest(t *testing.T) {
	b := NewEventBuffer(time.Minute, 2, nil)
	b.Add(progressEnvelope(t, "a"))
	b.Add(progressEnvelope(t, "b"))
	b.Add(progressEnvelope(t, "c"))

	got := b.Drain()
	require.Len(t, got, 2)
	assert.Contains(t, string(got[0].Payload), `"b"`)
	assert.Contains(t, string(got[1].Payload), `"c"`)
}

func TestEventBuffer_Expiry(t *testing.T) {
	b := NewEventBuffer(30*time.Millisecond, 10, nil)
	b.Add(progressEnvelope(t, "stale"))
	require.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, b.Drain())
}
