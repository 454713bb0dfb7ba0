package ports

import (
	"context"

	"github.com/aretw0/labrun/pkg/domain"
)

// RunStore persists run records and per-operation call logs.
// Implementations must be safe for concurrent use.
type RunStore interface {
	// CreateRun stores a new run record, replacing any record with the same ID.
	CreateRun(ctx context.Context, record domain.RunRecord) error

	// UpdateRunStatus changes the status of an existing record.
	// Returns domain.ErrRunNotFound if the run does not exist.
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error

	// GetRun retrieves a run record.
	// Returns domain.ErrRunNotFound if the run does not exist.
	GetRun(ctx context.Context, runID string) (domain.RunRecord, error)

	// ListRuns returns all records, newest first.
	ListRuns(ctx context.Context) ([]domain.RunRecord, error)

	// CreateFunctionCallLog stores an entry keyed by its call ID. Entries are
	// immutable; writing the same call ID again overwrites the previous copy.
	CreateFunctionCallLog(ctx context.Context, entry domain.FunctionCallLogEntry) error

	// ListFunctionCallLogs returns the entries of a run in sequence order.
	ListFunctionCallLogs(ctx context.Context, runID string) ([]domain.FunctionCallLogEntry, error)
}

// ProtocolSource resolves protocol programs for local execution.
type ProtocolSource interface {
	// Load returns the program for protocolID.
	// Returns domain.ErrProtocolNotFound if it does not exist.
	Load(ctx context.Context, protocolID string) (domain.Program, error)
}
