package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/labrun"
	"github.com/aretw0/labrun/pkg/coordinator"
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const runResourceURI = "labrun://run"

// Coordinator is the run control surface exposed as MCP tools.
type Coordinator interface {
	StartRun(ctx context.Context, req coordinator.StartRequest) (string, error)
	StopRun(ctx context.Context) error
	PauseRun(ctx context.Context) error
	ResumeRun(ctx context.Context) error
	ClearRun()
	State() (domain.RunState, bool)
	ListProtocols(ctx context.Context) ([]domain.CatalogEntry, error)
}

// RunResponse is the structured result of every run tool.
type RunResponse struct {
	Active bool             `json:"active" jsonschema_description:"Whether a run is loaded in the coordinator"`
	State  *domain.RunState `json:"state,omitempty" jsonschema_description:"Snapshot of the current run"`
}

// StartArgs are the arguments of start_run.
type StartArgs struct {
	ProtocolID string `json:"protocol_id"`
	Name       string `json:"name,omitempty"`
	Parameters string `json:"parameters,omitempty"`
	Simulation bool   `json:"simulation,omitempty"`
	Mode       string `json:"mode,omitempty"`
}

// NoArgs binds tools without arguments.
type NoArgs struct{}

// Server exposes a Coordinator as an MCP Server.
type Server struct {
	coord     Coordinator
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP Server instance.
func NewServer(coord Coordinator) *Server {
	s := &Server{
		coord: coord,
		mcpServer: server.NewMCPServer("labrun-mcp", strings.TrimSpace(labrun.Version),
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying server, mainly for in-process clients.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves the SSE transport on port until ctx is done.
func (s *Server) ServeSSE(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	baseURL := fmt.Sprintf("http://localhost:%d", port)

	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("MCP server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func (s *Server) registerTools() {
	startTool := mcp.NewTool("start_run",
		mcp.WithDescription("Start a protocol run. Fails if a run is still active."),
		mcp.WithString("protocol_id", mcp.Required(), mcp.Description("ID of the protocol to run")),
		mcp.WithString("name", mcp.Description("Display name of the run (optional)")),
		mcp.WithString("parameters", mcp.Description("JSON object of parameter overrides (optional)")),
		mcp.WithBoolean("simulation", mcp.Description("Run against simulated hardware")),
		mcp.WithString("mode", mcp.Description("Execution mode"), mcp.Enum(string(domain.ModeRemote), string(domain.ModeLocal))),
		mcp.WithOutputSchema[RunResponse](),
	)
	s.mcpServer.AddTool(startTool, mcp.NewStructuredToolHandler(s.handleStart))

	control := []struct {
		name, description string
		fn                func(context.Context) error
	}{
		{"stop_run", "Cancel the active run.", s.coord.StopRun},
		{"pause_run", "Ask the backend to pause the active run.", s.coord.PauseRun},
		{"resume_run", "Ask the backend to resume the active run.", s.coord.ResumeRun},
	}
	for _, c := range control {
		fn := c.fn
		tool := mcp.NewTool(c.name,
			mcp.WithDescription(c.description),
			mcp.WithOutputSchema[RunResponse](),
		)
		s.mcpServer.AddTool(tool, mcp.NewStructuredToolHandler(func(ctx context.Context, _ mcp.CallToolRequest, _ NoArgs) (RunResponse, error) {
			if err := fn(ctx); err != nil {
				return RunResponse{}, err
			}
			return s.snapshot(), nil
		}))
	}

	s.mcpServer.AddTool(mcp.NewTool("run_status",
		mcp.WithDescription("Get a snapshot of the current run."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithOutputSchema[RunResponse](),
	), mcp.NewStructuredToolHandler(func(ctx context.Context, _ mcp.CallToolRequest, _ NoArgs) (RunResponse, error) {
		return s.snapshot(), nil
	}))

	s.mcpServer.AddTool(mcp.NewTool("clear_run",
		mcp.WithDescription("Discard the current run and close its channel."),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithOutputSchema[RunResponse](),
	), mcp.NewStructuredToolHandler(func(ctx context.Context, _ mcp.CallToolRequest, _ NoArgs) (RunResponse, error) {
		s.coord.ClearRun()
		return s.snapshot(), nil
	}))

	s.mcpServer.AddTool(mcp.NewTool("list_protocols",
		mcp.WithDescription("List the protocols of the remote catalog."),
		mcp.WithReadOnlyHintAnnotation(true),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entries, err := s.coord.ListProtocols(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
		}
		jsonBytes, _ := json.Marshal(entries)
		return mcp.NewToolResultText(string(jsonBytes)), nil
	})
}

func (s *Server) handleStart(ctx context.Context, request mcp.CallToolRequest, args StartArgs) (RunResponse, error) {
	req := coordinator.StartRequest{
		ProtocolID: args.ProtocolID,
		Name:       args.Name,
		Simulation: args.Simulation,
	}
	if req.ProtocolID == "" {
		return RunResponse{}, errors.New("protocol_id is required")
	}
	if args.Parameters != "" {
		if err := json.Unmarshal([]byte(args.Parameters), &req.Parameters); err != nil {
			return RunResponse{}, fmt.Errorf("parameters must be a JSON object: %w", err)
		}
	}
	if args.Mode != "" {
		mode, ok := domain.ParseMode(args.Mode)
		if !ok {
			return RunResponse{}, fmt.Errorf("unknown mode %q", args.Mode)
		}
		req.Mode = mode
	}

	if _, err := s.coord.StartRun(ctx, req); err != nil {
		return RunResponse{}, err
	}
	return s.snapshot(), nil
}

func (s *Server) snapshot() RunResponse {
	state, ok := s.coord.State()
	if !ok {
		return RunResponse{}
	}
	return RunResponse{Active: true, State: &state}
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(runResourceURI, "Current Run",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jsonBytes, err := json.Marshal(s.snapshot())
		if err != nil {
			return nil, fmt.Errorf("failed to encode run: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      runResourceURI,
				MIMEType: "application/json",
				Text:     string(jsonBytes),
			},
		}, nil
	})
}
