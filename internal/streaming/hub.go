package streaming

import (
	"context"
	"time"
)

// StreamEvent is a live control or progress signal.
type StreamEvent struct {
	RunID      string    `json:"run_id,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
	Type       string    `json:"type"`
	At         time.Time `json:"at"`
	Payload    any       `json:"payload,omitempty"`
}

// EventFilter selects events for a subscriber. Empty fields match everything.
type EventFilter struct {
	RunID string   `json:"run_id,omitempty"`
	Types []string `json:"types,omitempty"`
}

// EventHub is a publish/subscribe transport for live signals.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
