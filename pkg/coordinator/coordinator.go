package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/aretw0/labrun/internal/logging"
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/ports"
	"github.com/aretw0/labrun/pkg/protocol"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrClosed is returned by operations on a closed Coordinator.
var ErrClosed = errors.New("coordinator closed")

// StartRequest describes a run to start.
type StartRequest struct {
	ProtocolID string
	Name       string
	Parameters map[string]any
	Simulation bool

	// Mode selects the backend. Empty means the coordinator's default mode.
	Mode domain.Mode
}

// activeRun is the actor-owned bookkeeping of the current run.
type activeRun struct {
	state      *domain.RunState
	gen        uint64
	protocolID string
	channel    ports.Channel

	// streamDone is set once the channel's stream has ended or was closed by us.
	streamDone bool

	timer *time.Timer
	tick  uint64
}

// Coordinator owns the lifecycle of at most one active run.
type Coordinator struct {
	mode    domain.Mode
	control ports.ControlPlane
	remote  ports.ChannelFactory
	source  ports.ProtocolSource
	local   ports.ChannelFactory
	store   ports.RunStore

	hooks      domain.LifecycleHooks
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
	staleAfter time.Duration
	now        func() time.Time
	newID      func() string

	inbox   chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	closing sync.Once
	closers sync.WaitGroup
	events  *dispatcher

	subMu  sync.Mutex
	subs   map[int]chan domain.RunState
	nextID int

	// Owned by the actor goroutine.
	run      *activeRun
	starting bool
	gen      uint64
}

// New creates a Coordinator and starts its actor goroutine.
// Call Close to release it.
func New(opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		mode:    domain.ModeRemote,
		logger:  logging.NewNop(),
		tracer:  otel.Tracer("github.com/aretw0/labrun/pkg/coordinator"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		inbox:   make(chan func()),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
		subs:    make(map[int]chan domain.RunState),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	c.events = newDispatcher()
	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	defer close(c.stopped)
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.ctx.Done():
			c.retire()
			return
		}
	}
}

// exec runs fn on the actor goroutine and waits for it to finish.
func (c *Coordinator) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.inbox <- func() { defer close(done); fn() }:
	case <-c.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// post hands fn to the actor without waiting for it to run.
// It reports false once the coordinator is closed.
func (c *Coordinator) post(fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	case <-c.stopped:
		return false
	}
}

// StartRun starts a new run and returns its ID.
//
// It fails with domain.ErrRunActive while a non-terminal run exists. A terminal
// run is retired. Remote runs exist locally only after the control plane
// accepted them; a stream that cannot be opened leaves the run Pending and stale.
func (c *Coordinator) StartRun(ctx context.Context, req StartRequest) (runID string, err error) {
	mode := req.Mode
	if mode == "" {
		mode = c.mode
	}
	ctx, span := c.tracer.Start(ctx, "coordinator.StartRun", trace.WithAttributes(
		attribute.String("labrun.protocol_id", req.ProtocolID),
		attribute.String("labrun.mode", string(mode)),
	))
	defer func() { endSpan(span, err) }()

	factory, err := c.factory(mode)
	if err != nil {
		return "", err
	}

	var reserveErr error
	if err := c.exec(ctx, func() {
		if c.starting || (c.run != nil && !c.run.state.Status.Terminal()) {
			reserveErr = domain.ErrRunActive
			return
		}
		c.starting = true
	}); err != nil {
		return "", err
	}
	if reserveErr != nil {
		return "", reserveErr
	}
	installed := false
	defer func() {
		if !installed {
			_ = c.exec(context.Background(), func() { c.starting = false })
		}
	}()

	name := req.Name
	if name == "" {
		name = req.ProtocolID
	}
	spec := ports.StartSpec{
		ProtocolID: req.ProtocolID,
		Name:       name,
		Parameters: req.Parameters,
		Simulation: req.Simulation,
	}

	var ch ports.Channel
	switch mode {
	case domain.ModeLocal:
		prog, err := c.source.Load(ctx, req.ProtocolID)
		if err != nil {
			return "", fmt.Errorf("failed to load protocol: %w", err)
		}
		prog.Parameters = mergeParams(prog.Parameters, req.Parameters)
		if req.Name == "" && prog.Name != "" {
			name = prog.Name
			spec.Name = name
		}
		spec.Program = prog
		if ch, err = factory(spec); err != nil {
			return "", fmt.Errorf("failed to build channel: %w", err)
		}
		runID = c.newID()

	case domain.ModeRemote:
		if ch, err = factory(spec); err != nil {
			return "", fmt.Errorf("failed to build channel: %w", err)
		}
		runID, err = c.control.CreateRun(ctx, ports.CreateRunRequest{
			ProtocolID: req.ProtocolID,
			Name:       name,
			Parameters: req.Parameters,
			Simulation: req.Simulation,
		})
		if err != nil {
			_ = ch.Close()
			return "", fmt.Errorf("failed to create run: %w", err)
		}
	}
	span.SetAttributes(attribute.String("labrun.run_id", runID))
	logger := c.logger.With("run_id", runID, "mode", mode)

	now := c.now()
	if c.store != nil {
		record := domain.RunRecord{
			RunID:        runID,
			ProtocolID:   req.ProtocolID,
			ProtocolName: name,
			Mode:         mode,
			Simulation:   req.Simulation,
			Parameters:   req.Parameters,
			Status:       domain.StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := c.store.CreateRun(ctx, record); err != nil {
			if mode == domain.ModeLocal {
				_ = ch.Close()
				return "", fmt.Errorf("failed to persist run record: %w", err)
			}
			// The backend already owns the run; losing the mirror is not fatal.
			logger.Warn("failed to persist run record", "err", err)
		}
	}

	var gen uint64
	if err := c.exec(context.Background(), func() {
		c.starting = false
		c.retire()
		c.gen++
		gen = c.gen
		c.run = &activeRun{
			state:      domain.NewRunState(runID, name, mode, now),
			gen:        gen,
			protocolID: req.ProtocolID,
			channel:    ch,
		}
		c.publish(nil, c.run.state)
		c.metrics.RunsStarted.WithLabelValues(string(mode)).Inc()
		c.metrics.ActiveRuns.Set(1)
	}); err != nil {
		_ = ch.Close()
		return "", err
	}
	installed = true
	logger.Info("run started", "protocol_id", req.ProtocolID)

	stream, err := ch.Open(c.ctx, runID)
	if err != nil {
		logger.Warn("failed to open stream", "err", err)
		_ = c.exec(context.Background(), func() {
			if r := c.current(gen); r != nil {
				r.streamDone = true
				c.markStale(r, "transport: "+err.Error())
			}
		})
		return runID, nil
	}

	attached := false
	_ = c.exec(context.Background(), func() {
		if r := c.current(gen); r != nil && !r.streamDone {
			attached = true
			c.armStale(r)
		}
	})
	if !attached {
		// Stopped or cleared while the stream was opening.
		_ = ch.Close()
		return runID, nil
	}
	go c.forward(gen, ch, stream)
	return runID, nil
}

func (c *Coordinator) factory(mode domain.Mode) (ports.ChannelFactory, error) {
	switch mode {
	case domain.ModeRemote:
		if c.control == nil || c.remote == nil {
			return nil, fmt.Errorf("%w: remote mode is not configured", domain.ErrNotSupported)
		}
		return c.remote, nil
	case domain.ModeLocal:
		if c.source == nil || c.local == nil {
			return nil, fmt.Errorf("%w: local mode is not configured", domain.ErrNotSupported)
		}
		return c.local, nil
	}
	return nil, fmt.Errorf("unknown run mode %q", mode)
}

// forward feeds the stream of one run generation into the actor, in order.
func (c *Coordinator) forward(gen uint64, ch ports.Channel, stream <-chan protocol.Message) {
	for m := range stream {
		if !c.post(func() { c.handle(gen, m) }) {
			return
		}
	}
	err := ch.Err()
	c.post(func() { c.streamEnded(gen, err) })
}

// current returns the active run if it still belongs to gen.
func (c *Coordinator) current(gen uint64) *activeRun {
	if c.run == nil || c.run.gen != gen {
		return nil
	}
	return c.run
}

func (c *Coordinator) handle(gen uint64, m protocol.Message) {
	r := c.current(gen)
	if r == nil {
		c.metrics.Dropped.Inc()
		c.logger.Debug("dropping message from retired channel", "type", m.Type)
		return
	}
	logger := c.logger.With("run_id", r.state.RunID)
	c.metrics.message(m.Type)

	prev := r.state.Snapshot()
	wasStale := r.state.Stale
	r.state.Stale = false
	r.state.StaleReason = ""
	r.state.LastMessageAt = c.now()

	eff, err := apply(r.state, m, c.now())
	if err != nil {
		c.metrics.Malformed.WithLabelValues(string(m.Type)).Inc()
		logger.Warn("ignoring malformed message", "type", m.Type, "err", err)
	}
	if eff.rejected != "" {
		c.metrics.Rejected.WithLabelValues(string(m.Type)).Inc()
		logger.Warn("rejected message", "type", m.Type, "status", prev.Status, "reason", eff.rejected)
		c.emitRejected(r.state.RunID, m.Type, prev.Status, eff.rejected)
	}
	if eff.call != nil {
		c.emitCall(r.state.RunID, m, eff.call)
	}
	if eff.changed || wasStale {
		c.publish(&prev, r.state)
	}

	switch {
	case eff.terminal:
		logger.Info("run finished", "status", r.state.Status)
		c.finish(r)
	case eff.reverted:
		logger.Warn("backend overrode the cancel request", "status", r.state.Status)
		c.metrics.ActiveRuns.Set(1)
		if r.streamDone {
			c.markStale(r, "stream closed by stop request")
		}
	default:
		c.armStale(r)
	}
}

func (c *Coordinator) streamEnded(gen uint64, err error) {
	r := c.current(gen)
	if r == nil {
		return
	}
	r.streamDone = true
	if r.state.Status.Terminal() {
		return
	}
	// Network loss is not an execution outcome; the status stays as is.
	if err != nil {
		c.markStale(r, "transport: "+err.Error())
		return
	}
	c.markStale(r, "stream ended without a final status")
}

// finish closes the channel of a run that became terminal.
func (c *Coordinator) finish(r *activeRun) {
	c.stopTimer(r)
	c.metrics.finished(r.state.Mode, r.state.Status)
	if !r.streamDone {
		r.streamDone = true
		c.closeAsync(r.channel)
	}
}

// retire discards the current run, closing its channel.
func (c *Coordinator) retire() {
	r := c.run
	if r == nil {
		return
	}
	c.stopTimer(r)
	if !r.state.Status.Terminal() {
		c.metrics.ActiveRuns.Set(0)
	}
	if r.channel != nil {
		c.closeAsync(r.channel)
	}
	c.run = nil
}

// closeAsync closes a channel off the actor goroutine; remote closes write to the network.
func (c *Coordinator) closeAsync(ch ports.Channel) {
	if ch == nil {
		return
	}
	c.closers.Add(1)
	go func() {
		defer c.closers.Done()
		if err := ch.Close(); err != nil {
			c.logger.Debug("channel close failed", "err", err)
		}
	}()
}

func (c *Coordinator) markStale(r *activeRun, reason string) {
	if r.state.Status.Terminal() || (r.state.Stale && r.state.StaleReason == reason) {
		return
	}
	prev := r.state.Snapshot()
	r.state.Stale = true
	r.state.StaleReason = reason
	c.metrics.StaleRuns.Inc()
	c.logger.Warn("run is stale", "run_id", r.state.RunID, "status", r.state.Status, "reason", reason)
	c.publish(&prev, r.state)
}

// armStale (re)starts the silence timer of a non-terminal run.
func (c *Coordinator) armStale(r *activeRun) {
	if c.staleAfter <= 0 || r.state.Status.Terminal() {
		return
	}
	c.stopTimer(r)
	r.tick++
	gen, tick := r.gen, r.tick
	r.timer = time.AfterFunc(c.staleAfter, func() {
		c.post(func() {
			if cur := c.current(gen); cur != nil && cur.tick == tick {
				c.markStale(cur, fmt.Sprintf("no message for %s", c.staleAfter))
			}
		})
	})
}

func (c *Coordinator) stopTimer(r *activeRun) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// PauseRun asks the backend to pause the active run. The status changes only
// when the backend reports it. Local runs cannot be paused.
func (c *Coordinator) PauseRun(ctx context.Context) error {
	return c.intent(ctx, "PauseRun", func(ctx context.Context, runID string) (ports.Ack, error) {
		return c.control.PauseRun(ctx, runID)
	})
}

// ResumeRun asks the backend to resume the active run.
func (c *Coordinator) ResumeRun(ctx context.Context) error {
	return c.intent(ctx, "ResumeRun", func(ctx context.Context, runID string) (ports.Ack, error) {
		return c.control.ResumeRun(ctx, runID)
	})
}

func (c *Coordinator) intent(ctx context.Context, op string, call func(context.Context, string) (ports.Ack, error)) (err error) {
	ctx, span := c.tracer.Start(ctx, "coordinator."+op)
	defer func() { endSpan(span, err) }()

	var runID string
	var mode domain.Mode
	if err := c.exec(ctx, func() {
		if c.run != nil && !c.run.state.Status.Terminal() {
			runID = c.run.state.RunID
			mode = c.run.state.Mode
		}
	}); err != nil {
		return err
	}
	if runID == "" {
		return nil
	}
	if mode != domain.ModeRemote {
		return fmt.Errorf("%w: %s runs cannot be suspended", domain.ErrNotSupported, mode)
	}
	span.SetAttributes(attribute.String("labrun.run_id", runID))

	if _, err := call(ctx, runID); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	return nil
}

// StopRun cancels the active run. It is a no-op when there is no run or the
// run is already terminal.
//
// The status becomes Cancelled immediately. For remote runs the cancel is
// provisional until the backend confirms it, and a contradicting status report
// from the backend wins. A failed cancel call is returned, but the override
// still happens.
func (c *Coordinator) StopRun(ctx context.Context) (err error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.StopRun")
	defer func() { endSpan(span, err) }()

	var (
		runID string
		mode  domain.Mode
		gen   uint64
		ch    ports.Channel
	)
	if err := c.exec(ctx, func() {
		r := c.run
		if r == nil || r.state.Status.Terminal() {
			return
		}
		runID, mode, gen, ch = r.state.RunID, r.state.Mode, r.gen, r.channel

		prev := r.state.Snapshot()
		r.state.Status = domain.StatusCancelled
		if mode == domain.ModeLocal {
			r.state.CancelConfirmed = true
			setEnd(r.state, c.now())
		}
		c.publish(&prev, r.state)
		c.stopTimer(r)
		c.metrics.finished(mode, domain.StatusCancelled)
		// The remote stream is closed after the cancel call below.
		r.streamDone = true
		if mode == domain.ModeLocal {
			c.closeAsync(ch)
		}
	}); err != nil {
		return err
	}
	if runID == "" || mode != domain.ModeRemote {
		return nil
	}
	span.SetAttributes(attribute.String("labrun.run_id", runID))

	ack, cancelErr := c.control.CancelRun(ctx, runID)
	if ch != nil {
		if err := ch.Close(); err != nil {
			c.logger.Debug("channel close failed", "run_id", runID, "err", err)
		}
	}
	if cancelErr != nil {
		c.logger.Warn("cancel request failed; run stays cancelled locally", "run_id", runID, "err", cancelErr)
		return fmt.Errorf("failed to cancel run: %w", cancelErr)
	}
	if status, ok := domain.ParseStatus(ack.Status); ok && status == domain.StatusCancelled {
		_ = c.exec(context.Background(), func() {
			r := c.current(gen)
			if r == nil || r.state.Status != domain.StatusCancelled || r.state.CancelConfirmed {
				return
			}
			prev := r.state.Snapshot()
			r.state.CancelConfirmed = true
			setEnd(r.state, c.now())
			c.publish(&prev, r.state)
		})
	}
	return nil
}

// ClearRun closes any open channel and discards the run. Always safe.
func (c *Coordinator) ClearRun() {
	_ = c.exec(context.Background(), func() {
		if c.run == nil {
			return
		}
		runID := c.run.state.RunID
		c.retire()
		ev := &domain.EventBase{Timestamp: c.now(), Type: domain.EventCleared, RunID: runID}
		c.events.push(func(ctx context.Context) {
			if c.hooks.OnCleared != nil {
				c.hooks.OnCleared(ctx, ev)
			}
		})
	})
}

// State returns a copy of the current run, if any.
func (c *Coordinator) State() (domain.RunState, bool) {
	var (
		out domain.RunState
		ok  bool
	)
	_ = c.exec(context.Background(), func() {
		if c.run != nil {
			out, ok = c.run.state.Snapshot(), true
		}
	})
	return out, ok
}

// ListProtocols fetches the remote catalog.
func (c *Coordinator) ListProtocols(ctx context.Context) ([]domain.CatalogEntry, error) {
	if c.control == nil {
		return nil, fmt.Errorf("%w: remote mode is not configured", domain.ErrNotSupported)
	}
	return c.control.ListProtocols(ctx)
}

// Subscribe returns a stream of RunState snapshots, one per change, and a
// function that ends the subscription. A slow subscriber only loses
// intermediate snapshots, never the latest one.
func (c *Coordinator) Subscribe() (<-chan domain.RunState, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextID
	c.nextID++
	ch := make(chan domain.RunState, 16)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

// Flush waits until every hook queued so far has run.
func (c *Coordinator) Flush(ctx context.Context) error {
	done := make(chan struct{})
	c.events.push(func(context.Context) { close(done) })
	select {
	case <-done:
		return nil
	case <-c.events.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the actor, closes the active channel and waits for pending hooks.
func (c *Coordinator) Close() error {
	c.closing.Do(func() {
		c.cancel()
		<-c.stopped
		c.closers.Wait()
		c.events.close()

		c.subMu.Lock()
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
		c.subMu.Unlock()
	})
	return nil
}

// publish queues a state change event. prev is nil for a new run.
func (c *Coordinator) publish(prev *domain.RunState, cur *domain.RunState) {
	ev := &domain.StateEvent{
		EventBase: domain.EventBase{Timestamp: c.now(), Type: domain.EventStateChange, RunID: cur.RunID},
		Previous:  prev,
		Current:   cur.Snapshot(),
	}
	c.events.push(func(ctx context.Context) {
		if c.hooks.OnStateChange != nil {
			c.hooks.OnStateChange(ctx, ev)
		}
		c.broadcast(ev.Current)
	})
}

func (c *Coordinator) broadcast(s domain.RunState) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		for {
			select {
			case ch <- s:
			default:
				// Full: drop the oldest snapshot and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func (c *Coordinator) emitRejected(runID string, t protocol.Type, from domain.RunStatus, reason string) {
	ev := &domain.RejectedEvent{
		EventBase:   domain.EventBase{Timestamp: c.now(), Type: domain.EventRejected, RunID: runID},
		MessageType: string(t),
		From:        from,
		Reason:      reason,
	}
	c.events.push(func(ctx context.Context) {
		if c.hooks.OnRejected != nil {
			c.hooks.OnRejected(ctx, ev)
		}
	})
}

func (c *Coordinator) emitCall(runID string, m protocol.Message, p *protocol.FunctionCallPayload) {
	status := domain.CallStatus(p.Status)
	if status != domain.CallFailed {
		status = domain.CallSuccess
	}
	ev := &domain.FunctionCallEvent{
		EventBase:    domain.EventBase{Timestamp: m.Timestamp, Type: domain.EventFunctionCall, RunID: runID},
		CallID:       p.CallID,
		Sequence:     p.Sequence,
		MethodName:   p.MethodName,
		Args:         p.Args,
		StateBefore:  p.StateBefore,
		StateAfter:   p.StateAfter,
		Status:       status,
		StartTime:    p.StartTime,
		EndTime:      p.EndTime,
		DurationMs:   p.DurationMs,
		ErrorMessage: p.ErrorMessage,
	}
	c.events.push(func(ctx context.Context) {
		if c.hooks.OnFunctionCall != nil {
			c.hooks.OnFunctionCall(ctx, ev)
		}
	})
}

func mergeParams(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	maps.Copy(out, base)
	maps.Copy(out, override)
	return out
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
