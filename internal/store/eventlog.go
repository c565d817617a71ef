package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethdford/vibex-sub011/internal/logging"
	"github.com/sethdford/vibex-sub011/internal/streaming"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// EventLog records live control events per run and replays them.
type EventLog struct {
	store  *LibSQLStore
	logger *slog.Logger
}

// NewEventLog wraps a LibSQLStore. The store must be migrated.
func NewEventLog(s *LibSQLStore, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = logging.Discard()
	}
	return &EventLog{store: s, logger: logger}
}

// Append stores ev with the next per-run sequence number and sets
// ev.Sequence.
func (el *EventLog) Append(ctx context.Context, ev *ControlEvent) error {
	if ev.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "control event has no run id")
	}
	tx, err := el.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin append", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM control_events WHERE run_id = ?`, ev.RunID,
	).Scan(&seq); err != nil {
		return storeError("next sequence", err)
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO control_events (run_id, sequence, event_type, step_id, payload, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, seq, ev.Type, nullStr(ev.StepID), nullRaw(ev.Payload), formatTime(ev.At),
	); err != nil {
		return storeError("insert control event", err)
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit control event", err)
	}
	ev.Sequence = seq
	return nil
}

// Events returns the events of runID with sequence > since, in order.
func (el *EventLog) Events(ctx context.Context, runID string, since int64) ([]*ControlEvent, error) {
	rows, err := el.store.DB().QueryContext(ctx,
		`SELECT run_id, sequence, event_type, step_id, payload, at
		 FROM control_events WHERE run_id = ? AND sequence > ?
		 ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, storeError("query control events", err)
	}
	defer rows.Close()

	var out []*ControlEvent
	for rows.Next() {
		var (
			ev      ControlEvent
			stepID  sql.NullString
			payload sql.NullString
			at      string
		)
		if err := rows.Scan(&ev.RunID, &ev.Sequence, &ev.Type, &stepID, &payload, &at); err != nil {
			return nil, storeError("scan control event", err)
		}
		ev.StepID = stepID.String
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		ev.At = parseTime(at)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// Record subscribes to hub and appends every event that carries a run id
// until ctx is done or the subscription closes. It returns once the
// subscription is established; done is closed when recording stops.
func (el *EventLog) Record(ctx context.Context, hub streaming.EventHub) (done <-chan struct{}, err error) {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("subscribe event log: %w", err)
	}
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer cancel()
		for se := range ch {
			if se.RunID == "" {
				continue
			}
			ev, err := fromStream(se)
			if err != nil {
				el.logger.Warn("event log: encode payload", slog.String("type", se.Type), slog.String("error", err.Error()))
				continue
			}
			// Writes outlive ctx so the tail of a run is not lost on shutdown.
			if err := el.Append(context.WithoutCancel(ctx), ev); err != nil {
				el.logger.Warn("event log: append", slog.String("run_id", se.RunID), slog.String("error", err.Error()))
			}
		}
	}()
	return finished, nil
}

func fromStream(se streaming.StreamEvent) (*ControlEvent, error) {
	ev := &ControlEvent{RunID: se.RunID, Type: se.Type, StepID: se.StepID, At: se.At}
	if se.Payload != nil {
		raw, err := json.Marshal(se.Payload)
		if err != nil {
			return nil, err
		}
		ev.Payload = raw
	}
	return ev, nil
}

// controlPayload is the subset of a control event payload replay reads.
type controlPayload struct {
	State    schema.ControlState `json:"state"`
	Previous schema.ControlState `json:"previous"`
	Progress *struct {
		Settled int `json:"settled"`
		Total   int `json:"total"`
	} `json:"progress"`
	Breakpoint *struct {
		StepID string `json:"step_id"`
	} `json:"breakpoint"`
	Pending *struct {
		Kind string `json:"kind"`
	} `json:"pending"`
	Retry *struct {
		StepID string `json:"step_id"`
	} `json:"retry"`
}

// ReplayControl rebuilds the control timeline of runID. A gap in the
// sequence numbers is reported as a STORE_ERROR.
func (el *EventLog) ReplayControl(ctx context.Context, runID string) (*Timeline, error) {
	events, err := el.Events(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, storeNotFound("control events for run", runID)
	}

	tl := &Timeline{
		RunID:          runID,
		BreakpointHits: make(map[string]int),
		Confirmations:  make(map[string]int),
	}
	for i, ev := range events {
		if want := int64(i + 1); ev.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"control events of %q: expected sequence %d, found %d", runID, want, ev.Sequence)
		}
		var p controlPayload
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, storeError(fmt.Sprintf("decode control event %d", ev.Sequence), err)
			}
		}

		switch ev.Type {
		case schema.EventStateChanged:
			if len(tl.States) == 0 && p.Previous != "" {
				tl.States = append(tl.States, p.Previous)
			}
			if p.State != "" {
				tl.States = append(tl.States, p.State)
			}
		case schema.EventBreakpointHit:
			step := ev.StepID
			if p.Breakpoint != nil && p.Breakpoint.StepID != "" {
				step = p.Breakpoint.StepID
			}
			tl.BreakpointHits[step]++
		case schema.EventProgressChanged:
			if p.Progress != nil {
				tl.Settled = p.Progress.Settled
				tl.Total = p.Progress.Total
			}
		case schema.EventConfirmationRequested:
			if p.Pending != nil {
				tl.Confirmations[p.Pending.Kind]++
			}
		case schema.EventRetryRequested:
			step := ev.StepID
			if p.Retry != nil && p.Retry.StepID != "" {
				step = p.Retry.StepID
			}
			tl.Retries = append(tl.Retries, step)
		}
	}
	return tl, nil
}
