package audit

import (
	"fmt"
	"sort"

	"github.com/aretw0/labrun/pkg/domain"
)

// ReplayedCall is a call log entry with its states expanded in full.
type ReplayedCall struct {
	domain.FunctionCallLogEntry
	Before any `json:"before"`
	After  any `json:"after"`
}

// Replay reconstructs the full before and after state of every entry.
// Entries are processed in sequence order; an omitted state equals the last
// saved state.
func Replay(entries []domain.FunctionCallLogEntry) ([]ReplayedCall, error) {
	sorted := append([]domain.FunctionCallLogEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Sequence < sorted[j].Sequence
	})

	out := make([]ReplayedCall, 0, len(sorted))
	var state any
	for _, e := range sorted {
		before, err := expand(state, e.StateBefore)
		if err != nil {
			return nil, fmt.Errorf("call %s (seq %d) before: %w", e.CallID, e.Sequence, err)
		}
		after, err := expand(before, e.StateAfter)
		if err != nil {
			return nil, fmt.Errorf("call %s (seq %d) after: %w", e.CallID, e.Sequence, err)
		}
		state = after
		out = append(out, ReplayedCall{FunctionCallLogEntry: e, Before: before, After: after})
	}
	return out, nil
}

// LastState returns the last saved state of a run's log, or nil for an empty log.
func LastState(entries []domain.FunctionCallLogEntry) (any, error) {
	calls, err := Replay(entries)
	if err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return nil, nil
	}
	return calls[len(calls)-1].After, nil
}

func expand(prev any, s *domain.StoredState) (any, error) {
	switch {
	case s == nil:
		return prev, nil
	case s.IsDiff:
		if prev == nil {
			return nil, fmt.Errorf("%w: diff without a base state", domain.ErrInvalidPatch)
		}
		return domain.Apply(prev, s.Diff)
	default:
		return domain.Normalize(s.Snapshot)
	}
}
