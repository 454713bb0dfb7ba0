package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// CallStatus is the outcome of one protocol operation.
type CallStatus string

const (
	CallSuccess CallStatus = "success"
	CallFailed  CallStatus = "failed"
)

// StoredState is the persisted form of a state field in a call log entry:
// either a full snapshot or a diff against the run's last saved state, never both.
type StoredState struct {
	Snapshot any
	IsDiff   bool
	Diff     Patch
}

// FullSnapshot wraps a complete state.
func FullSnapshot(v any) *StoredState {
	return &StoredState{Snapshot: v}
}

// DiffState wraps a patch relative to the previous saved state.
func DiffState(p Patch) *StoredState {
	return &StoredState{IsDiff: true, Diff: p}
}

type storedSnapshot struct {
	IsDiff   bool `json:"isDiff"`
	Snapshot any  `json:"snapshot"`
}

type storedDiff struct {
	IsDiff bool  `json:"isDiff"`
	Diff   Patch `json:"diff"`
}

// MarshalJSON tags both forms: {"isDiff":false,"snapshot":...} and
// {"isDiff":true,"diff":[...]}.
func (s StoredState) MarshalJSON() ([]byte, error) {
	if s.IsDiff {
		return json.Marshal(storedDiff{IsDiff: true, Diff: s.Diff})
	}
	return json.Marshal(storedSnapshot{Snapshot: s.Snapshot})
}

// UnmarshalJSON reverses MarshalJSON. A value without an isDiff tag is read
// as a bare snapshot. Numbers keep the precision Normalize gives them.
func (s *StoredState) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return err
		}
		if tag, ok := fields["isDiff"]; ok {
			var isDiff bool
			if err := json.Unmarshal(tag, &isDiff); err != nil {
				return fmt.Errorf("invalid isDiff tag: %w", err)
			}
			if isDiff {
				patch, err := decodePatch(fields["diff"])
				if err != nil {
					return err
				}
				*s = StoredState{IsDiff: true, Diff: patch}
				return nil
			}
			var snapshot any
			if raw, ok := fields["snapshot"]; ok {
				v, err := decodeExact(raw)
				if err != nil {
					return err
				}
				snapshot = v
			}
			*s = StoredState{Snapshot: snapshot}
			return nil
		}
	}

	v, err := decodeExact(trimmed)
	if err != nil {
		return err
	}
	*s = StoredState{Snapshot: v}
	return nil
}

func decodePatch(raw json.RawMessage) (Patch, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: tagged diff has no operations", ErrInvalidPatch)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var patch Patch
	if err := dec.Decode(&patch); err != nil {
		return nil, err
	}
	for i := range patch {
		patch[i].Value = exactNumbers(patch[i].Value)
	}
	return patch, nil
}

// FunctionCallLogEntry is the durable audit record of one protocol operation.
// It is written once and never updated.
type FunctionCallLogEntry struct {
	CallID       string       `json:"callId"`
	RunID        string       `json:"runId"`
	Sequence     int64        `json:"sequence"`
	MethodName   string       `json:"methodName"`
	Args         any          `json:"args,omitempty"`
	StateBefore  *StoredState `json:"stateBefore,omitempty"`
	StateAfter   *StoredState `json:"stateAfter,omitempty"`
	Status       CallStatus   `json:"status"`
	StartTime    time.Time    `json:"startTime"`
	EndTime      time.Time    `json:"endTime"`
	DurationMs   int64        `json:"durationMs"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// RunRecord is the locally persisted mirror of a run.
type RunRecord struct {
	RunID        string         `json:"runId"`
	ProtocolID   string         `json:"protocolId"`
	ProtocolName string         `json:"protocolName"`
	Mode         Mode           `json:"mode"`
	Simulation   bool           `json:"simulation"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Status       RunStatus      `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}
