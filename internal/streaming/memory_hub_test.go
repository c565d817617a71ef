package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r1", StepID: "build", Type: "breakpoint-hit"}))

	got := recv(t, ch)
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, "build", got.StepID)
	assert.Equal(t, "breakpoint-hit", got.Type)
}

func TestFilters(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "r1", Types: []string{"state-changed"}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r2", Type: "state-changed"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r1", Type: "progress-changed"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r1", Type: "state-changed", Payload: "paused"}))

	got := recv(t, ch)
	assert.Equal(t, "paused", got.Payload)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers())
}

func TestContextEndsSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx, stop := context.WithCancel(context.Background())
	ch, _, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	stop()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	hub := NewMemoryHubWithBuffer(2)
	ctx := context.Background()
	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{Type: "progress-changed"}))
	}
	assert.Equal(t, uint64(3), hub.Dropped())
}

func TestClose(t *testing.T) {
	hub := NewMemoryHub()
	ch, _, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)

	hub.Close()
	_, ok := <-ch
	assert.False(t, ok)

	_, _, err = hub.Subscribe(context.Background(), EventFilter{})
	assert.ErrorIs(t, err, ErrHubClosed)
	hub.Close()
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewMemoryHubWithBuffer(1000)
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(ctx, StreamEvent{Type: "progress-changed"})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 500)
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, hub.Publish(ctx, StreamEvent{Type: "x"}))
}
