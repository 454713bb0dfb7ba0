package ports

import (
	"context"

	"github.com/aretw0/labrun/pkg/domain"
)

// CreateRunRequest is the body of a control-plane create call.
type CreateRunRequest struct {
	ProtocolID string         `json:"protocolId"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Simulation bool           `json:"simulation"`
}

// Ack is the control-plane acknowledgement of an intent change.
type Ack struct {
	RunID  string `json:"runId"`
	Status string `json:"status,omitempty"`
}

// ControlPlane is the request/response side of a remote execution backend.
// Errors are returned to the caller; they never change a RunState by themselves.
type ControlPlane interface {
	CreateRun(ctx context.Context, req CreateRunRequest) (string, error)
	CancelRun(ctx context.Context, runID string) (Ack, error)
	PauseRun(ctx context.Context, runID string) (Ack, error)
	ResumeRun(ctx context.Context, runID string) (Ack, error)

	// ListProtocols fetches the read-only catalog.
	ListProtocols(ctx context.Context) ([]domain.CatalogEntry, error)
}
