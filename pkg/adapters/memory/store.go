package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/labrun/pkg/domain"
)

// Store implements ports.RunStore in memory.
// Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	runs  map[string]domain.RunRecord
	calls map[string]map[string]domain.FunctionCallLogEntry // runID -> callID -> entry
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		runs:  make(map[string]domain.RunRecord),
		calls: make(map[string]map[string]domain.FunctionCallLogEntry),
	}
}

// CreateRun stores a copy of the record.
func (s *Store) CreateRun(ctx context.Context, record domain.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[record.RunID] = copyRecord(record)
	return nil
}

// UpdateRunStatus changes the status and bumps UpdatedAt.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.runs[runID]
	if !ok {
		return domain.ErrRunNotFound
	}
	record.Status = status
	record.UpdatedAt = time.Now().UTC()
	s.runs[runID] = record
	return nil
}

// GetRun returns a copy so the caller can't mutate the stored record.
func (s *Store) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.runs[runID]
	if !ok {
		return domain.RunRecord{}, domain.ErrRunNotFound
	}
	return copyRecord(record), nil
}

// ListRuns returns all records, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CreateFunctionCallLog stores the entry under its call ID. Entries are
// insert-only: a second write of the same call ID returns domain.ErrCallExists.
func (s *Store) CreateFunctionCallLog(ctx context.Context, entry domain.FunctionCallLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byCall, ok := s.calls[entry.RunID]
	if !ok {
		byCall = make(map[string]domain.FunctionCallLogEntry)
		s.calls[entry.RunID] = byCall
	}
	if _, exists := byCall[entry.CallID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrCallExists, entry.CallID)
	}
	byCall[entry.CallID] = copyEntry(entry)
	return nil
}

// ListFunctionCallLogs returns the run's entries in sequence order.
func (s *Store) ListFunctionCallLogs(ctx context.Context, runID string) ([]domain.FunctionCallLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byCall := s.calls[runID]
	out := make([]domain.FunctionCallLogEntry, 0, len(byCall))
	for _, e := range byCall {
		out = append(out, copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func copyRecord(r domain.RunRecord) domain.RunRecord {
	if r.Parameters != nil {
		r.Parameters = domain.CloneValue(r.Parameters).(map[string]any)
	}
	return r
}

func copyEntry(e domain.FunctionCallLogEntry) domain.FunctionCallLogEntry {
	e.Args = domain.CloneValue(e.Args)
	e.StateBefore = copyStored(e.StateBefore)
	e.StateAfter = copyStored(e.StateAfter)
	return e
}

func copyStored(s *domain.StoredState) *domain.StoredState {
	if s == nil {
		return nil
	}
	out := *s
	out.Snapshot = domain.CloneValue(s.Snapshot)
	out.Diff = append(domain.Patch(nil), s.Diff...)
	return &out
}
