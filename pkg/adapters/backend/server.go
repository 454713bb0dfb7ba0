// Package backend is a simulated remote execution backend.
//
// It serves the control plane and the streaming plane that the remote adapter
// talks to, and executes protocols with the local Lua runtime. It lets the
// remote path run end to end without laboratory hardware.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/aretw0/labrun/internal/logging"
	"github.com/aretw0/labrun/pkg/adapters/local"
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/ports"
	"github.com/aretw0/labrun/pkg/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Catalog lists the protocols a source can serve.
type Catalog interface {
	List(ctx context.Context) ([]domain.CatalogEntry, error)
}

// RuntimeFactory builds the runtime of one run around its gate.
type RuntimeFactory func(gate *local.Gate) local.Runtime

// Server is the simulated backend.
type Server struct {
	source   ports.ProtocolSource
	runtime  RuntimeFactory
	logger   *slog.Logger
	upgrader websocket.Upgrader
	newID    func() string
	registry *prometheus.Registry

	created prometheus.Counter
	streams prometheus.Gauge

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*simRun
}

// Option configures the Server.
type Option func(*Server)

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRuntime replaces the default Lua runtime.
func WithRuntime(f RuntimeFactory) Option {
	return func(s *Server) {
		s.runtime = f
	}
}

// WithTimeScale scales the simulated duration of operations of the default runtime.
func WithTimeScale(scale float64) Option {
	return func(s *Server) {
		s.runtime = luaRuntime(scale, s)
	}
}

// WithRegistry registers the server's collectors on reg and serves it on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

func luaRuntime(scale float64, s *Server) RuntimeFactory {
	return func(gate *local.Gate) local.Runtime {
		return local.NewLuaRuntime(
			local.WithGate(gate),
			local.WithTimeScale(scale),
			local.WithLuaLogger(s.logger),
		)
	}
}

// NewServer creates a backend that executes the programs of source.
func NewServer(source ports.ProtocolSource, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		source: source,
		logger: logging.NewNop(),
		newID:  uuid.NewString,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*simRun),
	}
	s.runtime = luaRuntime(1, s)
	for _, opt := range opts {
		opt(s)
	}

	var reg prometheus.Registerer
	if s.registry != nil {
		reg = s.registry
	}
	s.created = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "labrun_backend_runs_created_total",
		Help: "Runs created on the simulated backend.",
	})
	s.streams = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "labrun_backend_streams",
		Help: "Open stream connections.",
	})
	return s
}

// Handler returns the HTTP routes of the backend.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/runs", s.createRun)
	r.Post("/runs/{id}/{action}", s.intent)
	r.Get("/runs/{id}/stream", s.stream)
	r.Get("/protocols", s.listProtocols)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

// Close interrupts every run and waits for them to stop.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	for _, run := range s.runs {
		_ = run.channel.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) lookup(id string) (*simRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	return run, ok
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req ports.CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProtocolID == "" {
		writeError(w, http.StatusBadRequest, "protocolId is required")
		return
	}

	prog, err := s.source.Load(r.Context(), req.ProtocolID)
	if err != nil {
		if errors.Is(err, domain.ErrProtocolNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("failed to load protocol", "protocol_id", req.ProtocolID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load protocol")
		return
	}
	if len(req.Parameters) > 0 {
		params := make(map[string]any, len(prog.Parameters)+len(req.Parameters))
		maps.Copy(params, prog.Parameters)
		maps.Copy(params, req.Parameters)
		prog.Parameters = params
	}

	id := s.newID()
	gate := &local.Gate{}
	ch := local.NewChannel(s.runtime(gate), prog, local.WithChannelLogger(s.logger))
	run := newSimRun(id, req.ProtocolID, gate, ch)

	s.mu.Lock()
	s.runs[id] = run
	s.mu.Unlock()
	s.created.Inc()

	s.wg.Add(1)
	go s.execute(run)

	s.logger.Info("run created", "run_id", id, "protocol_id", req.ProtocolID, "simulation", req.Simulation)
	writeJSON(w, http.StatusCreated, map[string]string{"runId": id})
}

func (s *Server) execute(run *simRun) {
	defer s.wg.Done()
	stream, err := run.channel.Open(s.ctx, run.id)
	if err != nil {
		run.push(protocol.New(protocol.TypeError, protocol.ErrorPayload{Message: err.Error()}))
		run.finish()
		return
	}
	for m := range stream {
		run.push(m)
	}
	run.finish()
	s.logger.Info("run finished", "run_id", run.id, "status", run.current())
}

func (s *Server) intent(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	var status domain.RunStatus
	switch action := chi.URLParam(r, "action"); action {
	case "cancel":
		if !run.markCancelled() {
			writeError(w, http.StatusConflict, fmt.Sprintf("run already %s", run.current()))
			return
		}
		_ = run.channel.Close()
		status = domain.StatusCancelled
	case "pause":
		if cur := run.current(); cur != domain.StatusRunning && cur != domain.StatusPaused {
			writeError(w, http.StatusConflict, fmt.Sprintf("cannot pause a %s run", cur))
			return
		}
		run.gate.Pause()
		run.push(protocol.New(protocol.TypeStatus, protocol.StatusPayload{Status: string(domain.StatusPaused)}))
		status = domain.StatusPaused
	case "resume":
		if cur := run.current(); cur != domain.StatusPaused {
			writeError(w, http.StatusConflict, fmt.Sprintf("cannot resume a %s run", cur))
			return
		}
		run.gate.Resume()
		run.push(protocol.New(protocol.TypeStatus, protocol.StatusPayload{Status: string(domain.StatusRunning)}))
		status = domain.StatusRunning
	default:
		writeError(w, http.StatusNotFound, "unknown action "+action)
		return
	}

	s.logger.Info("run intent", "run_id", run.id, "status", status)
	writeJSON(w, http.StatusOK, ports.Ack{RunID: run.id, Status: string(status)})
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade stream", "run_id", run.id, "err", err)
		return
	}
	defer conn.Close()
	s.streams.Inc()
	defer s.streams.Dec()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger := s.logger.With("run_id", run.id)
	if m, ok := run.snapshot(); ok {
		if err := writeMessage(conn, m); err != nil {
			return
		}
	}
	id := run.attach()
	logger.Debug("stream attached", "stream", id)

	for {
		msgs, finished, changed, ok := run.take(id)
		if !ok {
			logger.Debug("stream superseded", "stream", id)
			return
		}
		for i, m := range msgs {
			if err := writeMessage(conn, m); err != nil {
				run.requeue(msgs[i:])
				logger.Debug("stream write failed", "err", err)
				return
			}
		}
		if finished && len(msgs) == 0 {
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
			select {
			case <-gone:
			case <-time.After(time.Second):
			}
			return
		}
		if len(msgs) > 0 {
			continue
		}

		select {
		case <-changed:
		case <-gone:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) listProtocols(w http.ResponseWriter, r *http.Request) {
	catalog, ok := s.source.(Catalog)
	if !ok {
		writeJSON(w, http.StatusOK, []domain.CatalogEntry{})
		return
	}
	entries, err := catalog.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list protocols", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list protocols")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeMessage(conn *websocket.Conn, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
