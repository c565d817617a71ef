package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sethdford/vibex-sub011/internal/streaming"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

func appendEvent(t *testing.T, el *EventLog, runID, typ string, payload any) *ControlEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	ev := &ControlEvent{RunID: runID, Type: typ, Payload: raw}
	require.NoError(t, el.Append(context.Background(), ev))
	return ev
}

func TestAppend_SequencesPerRun(t *testing.T) {
	el := NewEventLog(newTestStore(t), nil)

	a1 := appendEvent(t, el, "a", schema.EventStateChanged, map[string]any{"state": "running"})
	a2 := appendEvent(t, el, "a", schema.EventStateChanged, map[string]any{"state": "paused"})
	b1 := appendEvent(t, el, "b", schema.EventStateChanged, map[string]any{"state": "running"})

	assert.Equal(t, int64(1), a1.Sequence)
	assert.Equal(t, int64(2), a2.Sequence)
	assert.Equal(t, int64(1), b1.Sequence)
	assert.False(t, a1.At.IsZero())

	err := el.Append(context.Background(), &ControlEvent{Type: "x"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestEvents_Since(t *testing.T) {
	el := NewEventLog(newTestStore(t), nil)
	for i := 0; i < 3; i++ {
		appendEvent(t, el, "r", schema.EventProgressChanged, map[string]any{"progress": map[string]int{"settled": i}})
	}

	evs, err := el.Events(context.Background(), "r", 1)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(2), evs[0].Sequence)
	assert.JSONEq(t, `{"progress":{"settled":2}}`, string(evs[1].Payload))
}

func TestReplayControl(t *testing.T) {
	el := NewEventLog(newTestStore(t), nil)

	appendEvent(t, el, "r", schema.EventStateChanged, map[string]any{"state": "running", "previous": "idle"})
	appendEvent(t, el, "r", schema.EventBreakpointHit, map[string]any{"state": "debugging", "breakpoint": map[string]any{"step_id": "b"}})
	appendEvent(t, el, "r", schema.EventStateChanged, map[string]any{"state": "debugging", "previous": "running"})
	appendEvent(t, el, "r", schema.EventConfirmationRequested, map[string]any{"pending": map[string]any{"kind": "abort"}})
	appendEvent(t, el, "r", schema.EventProgressChanged, map[string]any{"progress": map[string]int{"settled": 2, "total": 3}})
	appendEvent(t, el, "r", schema.EventRetryRequested, map[string]any{"retry": map[string]any{"step_id": "c"}})
	appendEvent(t, el, "r", schema.EventStateChanged, map[string]any{"state": "failed", "previous": "debugging"})

	tl, err := el.ReplayControl(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, []schema.ControlState{schema.ControlIdle, schema.ControlRunning, schema.ControlDebugging, schema.ControlFailed}, tl.States)
	assert.Equal(t, schema.ControlFailed, tl.Final())
	assert.Equal(t, 1, tl.BreakpointHits["b"])
	assert.Equal(t, 1, tl.Confirmations["abort"])
	assert.Equal(t, 2, tl.Settled)
	assert.Equal(t, 3, tl.Total)
	assert.Equal(t, []string{"c"}, tl.Retries)
}

func TestReplayControl_Errors(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s, nil)

	_, err := el.ReplayControl(context.Background(), "none")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	appendEvent(t, el, "gap", schema.EventStateChanged, map[string]any{"state": "running"})
	_, err = s.DB().Exec(`INSERT INTO control_events (run_id, sequence, event_type, at) VALUES ('gap', 3, 'state-changed', ?)`,
		formatTime(time.Now()))
	require.NoError(t, err)

	_, err = el.ReplayControl(context.Background(), "gap")
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
}

func TestRecord_FromHub(t *testing.T) {
	el := NewEventLog(newTestStore(t), nil)
	hub := streaming.NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())

	done, err := el.Record(ctx, hub)
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{Type: "ignored"}))
	require.NoError(t, hub.Publish(ctx, streaming.StreamEvent{
		RunID:   "r",
		StepID:  "a",
		Type:    schema.EventStateChanged,
		At:      time.Now().UTC(),
		Payload: map[string]any{"state": "running"},
	}))

	require.Eventually(t, func() bool {
		evs, err := el.Events(context.Background(), "r", 0)
		return err == nil && len(evs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop")
	}

	evs, err := el.Events(context.Background(), "r", 0)
	require.NoError(t, err)
	assert.Equal(t, "a", evs[0].StepID)
	assert.JSONEq(t, `{"state":"running"}`, string(evs[0].Payload))
}
