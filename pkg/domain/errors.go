package domain

import "errors"

var (
	// ErrRunActive is returned when starting a run while another one is not terminal.
	ErrRunActive = errors.New("a run is already active")

	// ErrNoActiveRun is returned by operations that need a run when there is none.
	ErrNoActiveRun = errors.New("no active run")

	// ErrNotSupported is returned for operations the run's backend cannot perform,
	// such as pausing a local run.
	ErrNotSupported = errors.New("operation not supported for this run")

	// ErrRunNotFound is returned when a run ID cannot be found in the store.
	ErrRunNotFound = errors.New("run not found")

	// ErrCallExists is returned when a call log entry with the same call ID
	// was already stored. Entries are never overwritten.
	ErrCallExists = errors.New("call log entry already exists")

	// ErrProtocolNotFound is returned when a protocol program cannot be resolved.
	ErrProtocolNotFound = errors.New("protocol not found")
)
