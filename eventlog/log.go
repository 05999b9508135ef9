package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/codebroker/codebroker/storage"
)

// Log publishes events to a task's audit stream. It is safe for concurrent
// use; ordering across concurrent publishers is whatever total order the
// store commits.
type Log struct {
	store storage.Store
}

// New creates a Log over the given store.
func New(store storage.Store) *Log {
	return &Log{store: store}
}

// Publish persists one event and returns the assigned sequence.
//
// If the append fails the caller must abort its current step; a failed
// publish leaves the stream as a prefix of the intended sequence, which is
// acceptable.
func (l *Log) Publish(ctx context.Context, taskID uuid.UUID, payload Payload) (int64, error) {
	eventType := payload.EventType()
	if !eventType.IsValid() {
		return 0, fmt.Errorf("eventlog: unknown event type %q", eventType)
	}

	raw, err := MarshalPayload(payload)
	if err != nil {
		return 0, fmt.Errorf("eventlog: marshal %s payload: %w", eventType, err)
	}

	seq, err := l.store.AppendTaskEvent(ctx, taskID, string(eventType), raw)
	if err != nil {
		return 0, fmt.Errorf("eventlog: append %s: %w", eventType, err)
	}
	return seq, nil
}

// List returns events for a task after the given sequence, oldest first.
func (l *Log) List(ctx context.Context, taskID uuid.UUID, afterSequence int64, limit int) ([]*storage.TaskEvent, error) {
	return l.store.ListTaskEvents(ctx, taskID, afterSequence, limit)
}

// MarshalPayload serializes a payload, merging its Extra map (if any) into
// the top-level object. Declared keys win over Extra keys on collision.
func MarshalPayload(payload Payload) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	extra := extraOf(payload)
	if len(extra) == 0 {
		return raw, nil
	}

	var merged map[string]any
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// extraOf pulls the Extra map off the known payload shapes.
func extraOf(payload Payload) map[string]any {
	switch p := payload.(type) {
	case TaskCreatedPayload:
		return p.Extra
	case TaskQueuedPayload:
		return p.Extra
	case TaskRunningPayload:
		return p.Extra
	case TaskTerminalPayload:
		return p.Extra
	case TaskOutputPayload:
		return p.Extra
	case ToolCallStartedPayload:
		return p.Extra
	case ToolCallCompletedPayload:
		return p.Extra
	case ToolCallFailedPayload:
		return p.Extra
	case ToolCallDeniedPayload:
		return p.Extra
	case ApprovalRequestedPayload:
		return p.Extra
	case ApprovalResolvedPayload:
		return p.Extra
	default:
		return nil
	}
}
