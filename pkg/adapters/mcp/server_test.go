package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/aretw0/labrun/pkg/coordinator"
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCoordinator struct {
	mu      sync.Mutex
	state   *domain.RunState
	started []coordinator.StartRequest
	calls   []string
	err     error
}

func (f *fakeCoordinator) StartRun(ctx context.Context, req coordinator.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.started = append(f.started, req)
	f.state = &domain.RunState{RunID: "run-1", ProtocolName: req.Name, Status: domain.StatusPending}
	return "run-1", nil
}

func (f *fakeCoordinator) set(call string, status domain.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.err != nil {
		return f.err
	}
	if f.state != nil {
		f.state.Status = status
	}
	return nil
}

func (f *fakeCoordinator) StopRun(ctx context.Context) error {
	return f.set("stop", domain.StatusCancelled)
}

func (f *fakeCoordinator) PauseRun(ctx context.Context) error {
	return f.set("pause", domain.StatusPaused)
}

func (f *fakeCoordinator) ResumeRun(ctx context.Context) error {
	return f.set("resume", domain.StatusRunning)
}

func (f *fakeCoordinator) ClearRun() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = nil
}

func (f *fakeCoordinator) State() (domain.RunState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == nil {
		return domain.RunState{}, false
	}
	return *f.state, true
}

func (f *fakeCoordinator) ListProtocols(ctx context.Context) ([]domain.CatalogEntry, error) {
	return []domain.CatalogEntry{{ProtocolID: "pcr", Name: "PCR"}}, nil
}

func newClient(t *testing.T, coord Coordinator) *client.Client {
	t.Helper()
	srv := NewServer(coord)
	c, err := client.NewInProcessClient(srv.MCPServer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "test-client", Version: "1.0.0"}
	_, err = c.Initialize(ctx, init)
	require.NoError(t, err)
	return c
}

func callTool(t *testing.T, c *client.Client, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(context.Background(), req)
	require.NoError(t, err)
	return res
}

func decodeRun(t *testing.T, res *mcp.CallToolResult) RunResponse {
	t.Helper()
	require.False(t, res.IsError, "tool returned an error: %+v", res.Content)
	data, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var out RunResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestServer_ListTools(t *testing.T) {
	c := newClient(t, &fakeCoordinator{})
	res, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"clear_run", "list_protocols", "pause_run", "resume_run", "run_status", "start_run", "stop_run"}, names)
}

func TestServer_RunLifecycle(t *testing.T) {
	coord := &fakeCoordinator{}
	c := newClient(t, coord)

	out := decodeRun(t, callTool(t, c, "run_status", nil))
	assert.False(t, out.Active)

	out = decodeRun(t, callTool(t, c, "start_run", map[string]any{
		"protocol_id": "pcr",
		"name":        "PCR",
		"parameters":  `{"cycles": 30}`,
		"simulation":  true,
		"mode":        "local",
	}))
	require.True(t, out.Active)
	assert.Equal(t, "run-1", out.State.RunID)
	require.Len(t, coord.started, 1)
	assert.Equal(t, domain.ModeLocal, coord.started[0].Mode)
	assert.Equal(t, 30.0, coord.started[0].Parameters["cycles"])
	assert.True(t, coord.started[0].Simulation)

	out = decodeRun(t, callTool(t, c, "pause_run", nil))
	assert.Equal(t, domain.StatusPaused, out.State.Status)
	out = decodeRun(t, callTool(t, c, "resume_run", nil))
	assert.Equal(t, domain.StatusRunning, out.State.Status)
	out = decodeRun(t, callTool(t, c, "stop_run", nil))
	assert.Equal(t, domain.StatusCancelled, out.State.Status)
	assert.Equal(t, []string{"pause", "resume", "stop"}, coord.calls)

	out = decodeRun(t, callTool(t, c, "clear_run", nil))
	assert.False(t, out.Active)
}

func TestServer_StartRunErrors(t *testing.T) {
	coord := &fakeCoordinator{}
	c := newClient(t, coord)

	assert.True(t, callTool(t, c, "start_run", map[string]any{"protocol_id": ""}).IsError)
	assert.True(t, callTool(t, c, "start_run", map[string]any{"protocol_id": "pcr", "parameters": "[1"}).IsError)
	assert.True(t, callTool(t, c, "start_run", map[string]any{"protocol_id": "pcr", "mode": "quantum"}).IsError)

	coord.err = domain.ErrRunActive
	assert.True(t, callTool(t, c, "start_run", map[string]any{"protocol_id": "pcr"}).IsError)
	assert.Empty(t, coord.started)
}

func TestServer_ControlErrorIsToolError(t *testing.T) {
	coord := &fakeCoordinator{err: errors.New("backend unreachable")}
	c := newClient(t, coord)
	res := callTool(t, c, "pause_run", nil)
	require.True(t, res.IsError)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "backend unreachable")
}

func TestServer_ListProtocols(t *testing.T) {
	c := newClient(t, &fakeCoordinator{})
	res := callTool(t, c, "list_protocols", nil)
	require.False(t, res.IsError)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.JSONEq(t, `[{"protocolId":"pcr","name":"PCR"}]`, text.Text)
}

func TestServer_RunResource(t *testing.T) {
	coord := &fakeCoordinator{state: &domain.RunState{RunID: "run-9", Status: domain.StatusRunning}}
	c := newClient(t, coord)

	req := mcp.ReadResourceRequest{}
	req.Params.URI = runResourceURI
	res, err := c.ReadResource(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	text, ok := res.Contents[0].(mcp.TextResourceContents)
	require.True(t, ok)

	var out RunResponse
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	assert.Equal(t, "run-9", out.State.RunID)
}
