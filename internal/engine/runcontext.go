package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// RunContext is the mutable state of a single run. Steps in the same level
// share it concurrently, so every accessor takes the lock.
type RunContext struct {
	RunID      string
	WorkflowID string

	mu        sync.RWMutex
	completed map[string]struct{}
	failed    map[string]struct{}
	skipped   map[string]struct{}
	state     map[string]any
	logs      []schema.LogEntry
	artifacts map[string]any
}

// NewRunContext creates a RunContext seeded with a copy of initial.
func NewRunContext(runID, workflowID string, initial map[string]any) *RunContext {
	rc := &RunContext{
		RunID:      runID,
		WorkflowID: workflowID,
		completed:  make(map[string]struct{}),
		failed:     make(map[string]struct{}),
		skipped:    make(map[string]struct{}),
		state:      make(map[string]any, len(initial)),
		artifacts:  make(map[string]any),
	}
	for k, v := range initial {
		rc.state[k] = v
	}
	return rc
}

func (rc *RunContext) MarkCompleted(stepID string) { rc.mark(stepID, rc.completed) }
func (rc *RunContext) MarkFailed(stepID string)    { rc.mark(stepID, rc.failed) }
func (rc *RunContext) MarkSkipped(stepID string)   { rc.mark(stepID, rc.skipped) }

// mark moves stepID into exactly one of the outcome sets.
func (rc *RunContext) mark(stepID string, set map[string]struct{}) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.completed, stepID)
	delete(rc.failed, stepID)
	delete(rc.skipped, stepID)
	set[stepID] = struct{}{}
}

func (rc *RunContext) IsCompleted(stepID string) bool { return rc.has(stepID, rc.completed) }
func (rc *RunContext) IsFailed(stepID string) bool    { return rc.has(stepID, rc.failed) }
func (rc *RunContext) IsSkipped(stepID string) bool   { return rc.has(stepID, rc.skipped) }

func (rc *RunContext) has(stepID string, set map[string]struct{}) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	_, ok := set[stepID]
	return ok
}

// Completed returns the sorted ids of completed steps.
func (rc *RunContext) Completed() []string { return rc.ids(rc.completed) }

// Failed returns the sorted ids of failed steps.
func (rc *RunContext) Failed() []string { return rc.ids(rc.failed) }

// Skipped returns the sorted ids of skipped steps.
func (rc *RunContext) Skipped() []string { return rc.ids(rc.skipped) }

func (rc *RunContext) ids(set map[string]struct{}) []string {
	rc.mu.RLock()
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	rc.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Get reads a state key.
func (rc *RunContext) Get(key string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.state[key]
	return v, ok
}

// Set writes a state key.
func (rc *RunContext) Set(key string, value any) {
	rc.mu.Lock()
	rc.state[key] = value
	rc.mu.Unlock()
}

// State returns a shallow copy of the shared state.
func (rc *RunContext) State() map[string]any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]any, len(rc.state))
	for k, v := range rc.state {
		out[k] = v
	}
	return out
}

// Log appends a timestamped event.
func (rc *RunContext) Log(stepID, eventType, message string, attempt int) {
	rc.mu.Lock()
	rc.logs = append(rc.logs, schema.LogEntry{
		Timestamp: time.Now().UTC(),
		StepID:    stepID,
		Type:      eventType,
		Message:   message,
		Attempt:   attempt,
	})
	rc.mu.Unlock()
}

// Logs returns a copy of the event log.
func (rc *RunContext) Logs() []schema.LogEntry {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return append([]schema.LogEntry(nil), rc.logs...)
}

// SetArtifact stores scratch data for a step.
func (rc *RunContext) SetArtifact(stepID string, v any) {
	rc.mu.Lock()
	rc.artifacts[stepID] = v
	rc.mu.Unlock()
}

// Artifact returns the scratch data stored for a step.
func (rc *RunContext) Artifact(stepID string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.artifacts[stepID]
	return v, ok
}

// Artifacts returns a copy of all artifacts keyed by step id.
func (rc *RunContext) Artifacts() map[string]any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]any, len(rc.artifacts))
	for k, v := range rc.artifacts {
		out[k] = v
	}
	return out
}
