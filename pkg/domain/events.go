package domain

import (
	"context"
	"time"
)

// EventType defines the category of the event.
type EventType string

const (
	EventStateChange  EventType = "state_change"
	EventFunctionCall EventType = "function_call"
	EventRejected     EventType = "rejected"
	EventCleared      EventType = "cleared"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
}

// StateEvent reports a change of the coordinator's RunState.
// Previous is nil for the first state of a run.
type StateEvent struct {
	EventBase
	Previous *RunState `json:"previous,omitempty"`
	Current  RunState  `json:"current"`
}

// FunctionCallEvent is one completed or failed protocol operation, with full
// before/after states. Sequence is assigned by the producer.
type FunctionCallEvent struct {
	EventBase
	CallID       string     `json:"call_id"`
	Sequence     int64      `json:"sequence"`
	MethodName   string     `json:"method_name"`
	Args         any        `json:"args,omitempty"`
	StateBefore  any        `json:"state_before,omitempty"`
	StateAfter   any        `json:"state_after,omitempty"`
	Status       CallStatus `json:"status"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      time.Time  `json:"end_time"`
	DurationMs   int64      `json:"duration_ms"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// RejectedEvent reports a message that was not applied because it would break the state machine.
type RejectedEvent struct {
	EventBase
	MessageType string    `json:"message_type"`
	From        RunStatus `json:"from"`
	Reason      string    `json:"reason"`
}

// LifecycleHooks defines callbacks for coordinator observability.
// Hooks run in event order on a single goroutine that is not the one mutating state.
type LifecycleHooks struct {
	OnStateChange  func(context.Context, *StateEvent)
	OnFunctionCall func(context.Context, *FunctionCallEvent)
	OnRejected     func(context.Context, *RejectedEvent)
	OnCleared      func(context.Context, *EventBase)
}

// CombineHooks fans every event out to all the given hook sets, in order.
func CombineHooks(sets ...LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnStateChange: func(ctx context.Context, e *StateEvent) {
			for _, h := range sets {
				if h.OnStateChange != nil {
					h.OnStateChange(ctx, e)
				}
			}
		},
		OnFunctionCall: func(ctx context.Context, e *FunctionCallEvent) {
			for _, h := range sets {
				if h.OnFunctionCall != nil {
					h.OnFunctionCall(ctx, e)
				}
			}
		},
		OnRejected: func(ctx context.Context, e *RejectedEvent) {
			for _, h := range sets {
				if h.OnRejected != nil {
					h.OnRejected(ctx, e)
				}
			}
		},
		OnCleared: func(ctx context.Context, e *EventBase) {
			for _, h := range sets {
				if h.OnCleared != nil {
					h.OnCleared(ctx, e)
				}
			}
		},
	}
}
