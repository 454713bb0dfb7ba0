package domain

import (
	"strings"
	"time"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusPaused    RunStatus = "paused"
	StatusCompleted RunStatus = "completed" // terminal
	StatusFailed    RunStatus = "failed"    // terminal
	StatusCancelled RunStatus = "cancelled" // terminal
)

// Terminal reports whether no further transitions are possible besides clearing.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus maps a backend status string onto a RunStatus.
func ParseStatus(s string) (RunStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued":
		return StatusPending, true
	case "running", "started":
		return StatusRunning, true
	case "paused":
		return StatusPaused, true
	case "completed", "complete", "succeeded":
		return StatusCompleted, true
	case "failed", "error":
		return StatusFailed, true
	case "cancelled", "canceled":
		return StatusCancelled, true
	}
	return "", false
}

// Mode selects the execution backend of a run.
type Mode string

const (
	ModeRemote Mode = "remote"
	ModeLocal  Mode = "local"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeRemote:
		return ModeRemote, true
	case ModeLocal:
		return ModeLocal, true
	}
	return "", false
}

// RunState is the client-side view of one execution.
type RunState struct {
	RunID        string     `json:"runId"`
	ProtocolName string     `json:"protocolName"`
	Mode         Mode       `json:"mode"`
	Status       RunStatus  `json:"status"`
	Progress     int        `json:"progress"`
	CurrentStep  string     `json:"currentStep,omitempty"`
	Logs         []string   `json:"logs"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime,omitempty"`

	// WellState and Telemetry are replaced wholesale on every update.
	WellState any `json:"wellState,omitempty"`
	Telemetry any `json:"telemetry,omitempty"`

	// Result is the structured value reported with complete.
	Result any `json:"result,omitempty"`

	// Stale is set when the transport gave up or nothing was heard for too long.
	// It never changes Status; any later message clears it.
	Stale       bool   `json:"stale,omitempty"`
	StaleReason string `json:"staleReason,omitempty"`

	// CancelConfirmed is false while Cancelled is only the local override
	// applied by a stop request and the backend has not agreed yet.
	CancelConfirmed bool `json:"cancelConfirmed,omitempty"`

	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
}

// NewRunState creates a pending run.
func NewRunState(runID, protocolName string, mode Mode, now time.Time) *RunState {
	return &RunState{
		RunID:        runID,
		ProtocolName: protocolName,
		Mode:         mode,
		Status:       StatusPending,
		Logs:         []string{},
		StartTime:    now,
	}
}

// Snapshot returns a deep copy that shares nothing with s.
func (s *RunState) Snapshot() RunState {
	out := *s
	out.Logs = append([]string(nil), s.Logs...)
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	out.WellState = CloneValue(s.WellState)
	out.Telemetry = CloneValue(s.Telemetry)
	out.Result = CloneValue(s.Result)
	return out
}

// CloneValue deep-copies the generic JSON shapes (maps and slices).
// Other values are returned as is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = CloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = CloneValue(val)
		}
		return out
	default:
		return v
	}
}
