package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/labrun/pkg/domain"
)

// Store implements ports.RunStore using the local filesystem.
// Runs live in <base>/runs/<runID>.json and call logs in
// <base>/calls/<runID>/<callID>.json. Every write is atomic.
type Store struct {
	BasePath string

	// mu serializes read-modify-write cycles within this process.
	mu sync.Mutex
}

// New creates a new Store with the given base path.
// If basePath is empty, it defaults to ".labrun/store".
func New(basePath string) *Store {
	if basePath == "" {
		basePath = filepath.Join(".labrun", "store")
	}
	return &Store{BasePath: basePath}
}

func (s *Store) runPath(runID string) string {
	return filepath.Join(s.BasePath, "runs", runID+".json")
}

func (s *Store) callDir(runID string) string {
	return filepath.Join(s.BasePath, "calls", runID)
}

// CreateRun writes the record, replacing any previous one.
func (s *Store) CreateRun(ctx context.Context, record domain.RunRecord) error {
	if err := validID(record.RunID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.runPath(record.RunID), record)
}

// UpdateRunStatus rewrites the record with the new status.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	if err := validID(runID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.readRun(runID)
	if err != nil {
		return err
	}
	record.Status = status
	record.UpdatedAt = time.Now().UTC()
	return writeJSON(s.runPath(runID), record)
}

// GetRun reads one record.
func (s *Store) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	if err := validID(runID); err != nil {
		return domain.RunRecord{}, err
	}
	return s.readRun(runID)
}

func (s *Store) readRun(runID string) (domain.RunRecord, error) {
	var record domain.RunRecord
	data, err := os.ReadFile(s.runPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return record, domain.ErrRunNotFound
		}
		return record, fmt.Errorf("failed to read run file: %w", err)
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return record, fmt.Errorf("failed to unmarshal run record: %w", err)
	}
	return record, nil
}

// ListRuns reads every record, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]domain.RunRecord, error) {
	entries, err := os.ReadDir(filepath.Join(s.BasePath, "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.RunRecord{}, nil
		}
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]domain.RunRecord, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, "tmp-") {
			continue
		}
		record, err := s.readRun(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		runs = append(runs, record)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

// CreateFunctionCallLog writes the entry under its call ID. An existing
// entry is left untouched and domain.ErrCallExists is returned.
func (s *Store) CreateFunctionCallLog(ctx context.Context, entry domain.FunctionCallLogEntry) error {
	if err := validID(entry.RunID); err != nil {
		return err
	}
	if err := validID(entry.CallID); err != nil {
		return err
	}
	err := createJSON(filepath.Join(s.callDir(entry.RunID), entry.CallID+".json"), entry)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", domain.ErrCallExists, entry.CallID)
	}
	return err
}

// ListFunctionCallLogs reads the run's entries in sequence order.
func (s *Store) ListFunctionCallLogs(ctx context.Context, runID string) ([]domain.FunctionCallLogEntry, error) {
	if err := validID(runID); err != nil {
		return nil, err
	}
	dir := s.callDir(runID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.FunctionCallLogEntry{}, nil
		}
		return nil, fmt.Errorf("failed to list call logs: %w", err)
	}

	out := make([]domain.FunctionCallLogEntry, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, "tmp-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read call log: %w", err)
		}
		var entry domain.FunctionCallLogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call log %s: %w", name, err)
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func validID(id string) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}

// writeJSON persists v atomically, replacing destPath.
func writeJSON(destPath string, v any) error {
	tmpPath, err := stageJSON(destPath, v)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmpPath) }() // no-op after a successful rename

	// On Windows, os.Rename fails if dest exists.
	if _, err := os.Stat(destPath); err == nil {
		if err := os.Remove(destPath); err != nil {
			return fmt.Errorf("failed to remove existing file for overwrite: %w", err)
		}
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// createJSON persists v at destPath only if nothing is there yet. The staged
// file is hard-linked into place, so readers never see a partial file.
// It returns fs.ErrExist when destPath already exists.
func createJSON(destPath string, v any) error {
	tmpPath, err := stageJSON(destPath, v)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmpPath) }()

	if err := os.Link(tmpPath, destPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fs.ErrExist
		}
		return fmt.Errorf("failed to link temp file: %w", err)
	}
	return nil
}

// stageJSON writes v to a synced temporary file next to destPath.
func stageJSON(destPath string, v any) (string, error) {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to ensure directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}

	// Same directory, so the rename stays on one filesystem.
	tmpFile, err := os.CreateTemp(dir, "tmp-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	fail := func(err error) (string, error) {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}

	if _, err := tmpFile.Write(data); err != nil {
		return fail(fmt.Errorf("failed to write to temp file: %w", err))
	}
	if err := tmpFile.Sync(); err != nil {
		return fail(fmt.Errorf("failed to fsync temp file: %w", err))
	}
	// Cannot rename an open file on Windows.
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	return tmpPath, nil
}
