package ports

import (
	"context"

	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/protocol"
)

// Channel is the streaming plane of one run.
// A Channel is opened once; open a new one for every run.
type Channel interface {
	// Open starts the stream for runID. The returned channel is closed when the
	// stream ends, either because Close was called, the backend finished, or
	// the transport gave up (see Err).
	Open(ctx context.Context, runID string) (<-chan protocol.Message, error)

	// Close stops the stream. It is safe to call more than once.
	Close() error

	// Connected reports whether the underlying transport is currently up.
	Connected() bool

	// Err returns the terminal transport error once the stream has ended
	// unexpectedly, or nil for a normal end.
	Err() error
}

// ChannelFactory builds a fresh channel for a run.
type ChannelFactory func(req StartSpec) (Channel, error)

// StartSpec is what a channel factory needs to know about the run being started.
type StartSpec struct {
	ProtocolID string
	Name       string
	Parameters map[string]any
	Simulation bool

	// Program is the resolved program of a local run. It is zero for remote runs.
	Program domain.Program
}
