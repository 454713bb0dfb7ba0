// Package remote talks to a remote execution backend: an HTTP control plane
// plus one websocket stream per run.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/ports"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ControlError is a non-success response from the control plane.
type ControlError struct {
	StatusCode int
	Message    string
}

func (e *ControlError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("control plane returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("control plane returned status %d: %s", e.StatusCode, e.Message)
}

// errorResponse is the error body returned by the backend.
type errorResponse struct {
	Error string `json:"error"`
}

type createRunResponse struct {
	RunID string `json:"runId"`
}

// ControlClient implements ports.ControlPlane over HTTP.
type ControlClient struct {
	baseURL    string
	httpClient *http.Client
}

// ControlOption configures the ControlClient.
type ControlOption func(*ControlClient)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) ControlOption {
	return func(cc *ControlClient) {
		cc.httpClient = c
	}
}

// NewControlClient creates a new control plane client.
func NewControlClient(baseURL string, opts ...ControlOption) *ControlClient {
	c := &ControlClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateRun calls POST /runs.
func (c *ControlClient) CreateRun(ctx context.Context, req ports.CreateRunRequest) (string, error) {
	var resp createRunResponse
	if err := c.do(ctx, http.MethodPost, "/runs", req, &resp); err != nil {
		return "", err
	}
	if resp.RunID == "" {
		return "", fmt.Errorf("control plane accepted the run without a runId")
	}
	return resp.RunID, nil
}

// CancelRun calls POST /runs/{id}/cancel.
func (c *ControlClient) CancelRun(ctx context.Context, runID string) (ports.Ack, error) {
	return c.intent(ctx, runID, "cancel")
}

// PauseRun calls POST /runs/{id}/pause.
func (c *ControlClient) PauseRun(ctx context.Context, runID string) (ports.Ack, error) {
	return c.intent(ctx, runID, "pause")
}

// ResumeRun calls POST /runs/{id}/resume.
func (c *ControlClient) ResumeRun(ctx context.Context, runID string) (ports.Ack, error) {
	return c.intent(ctx, runID, "resume")
}

func (c *ControlClient) intent(ctx context.Context, runID, action string) (ports.Ack, error) {
	var ack ports.Ack
	err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/"+action, nil, &ack)
	if ack.RunID == "" {
		ack.RunID = runID
	}
	return ack, err
}

// ListProtocols calls GET /protocols.
func (c *ControlClient) ListProtocols(ctx context.Context) ([]domain.CatalogEntry, error) {
	var entries []domain.CatalogEntry
	if err := c.do(ctx, http.MethodGet, "/protocols", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *ControlClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call control plane: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		var errResp errorResponse
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return &ControlError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
