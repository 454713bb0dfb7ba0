package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aretw0/labrun/internal/logging"
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/protocol"
	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
)

// LuaRuntime executes protocols written in Lua inside a gopher-lua sandbox.
// Only the base, table, string, and math libraries are available; there is
// no io, os, or package access.
type LuaRuntime struct {
	gate      *Gate
	timeScale float64
	logger    *slog.Logger
}

// LuaOption configures the LuaRuntime.
type LuaOption func(*LuaRuntime)

// WithGate makes every operation wait on g, which enables pause and resume.
func WithGate(g *Gate) LuaOption {
	return func(r *LuaRuntime) {
		r.gate = g
	}
}

// WithTimeScale sets how many real seconds one simulated second takes for
// lab.wait and lab.incubate. Zero (the default) does not sleep at all.
func WithTimeScale(scale float64) LuaOption {
	return func(r *LuaRuntime) {
		r.timeScale = scale
	}
}

// WithLuaLogger configures a logger for the runtime.
func WithLuaLogger(logger *slog.Logger) LuaOption {
	return func(r *LuaRuntime) {
		r.logger = logger
	}
}

// NewLuaRuntime creates a Lua runtime.
func NewLuaRuntime(opts ...LuaOption) *LuaRuntime {
	r := &LuaRuntime{
		gate:   &Gate{},
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Gate returns the gate consulted before each operation.
func (r *LuaRuntime) Gate() *Gate {
	return r.gate
}

// Run executes prog. The script's return value becomes the result event.
func (r *LuaRuntime) Run(ctx context.Context, prog domain.Program, sink io.Writer) (err error) {
	if prog.Language != "" && !strings.EqualFold(prog.Language, "lua") {
		return &CrashError{Err: fmt.Errorf("unsupported language %q", prog.Language)}
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	defer func() {
		if p := recover(); p != nil {
			err = &CrashError{Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	if err := openSandbox(L); err != nil {
		return &CrashError{Err: err}
	}
	L.SetContext(ctx)

	s := &session{
		ctx:       ctx,
		emit:      NewEmitter(sink),
		deck:      newDeck(prog.Assets),
		gate:      r.gate,
		timeScale: r.timeScale,
	}
	s.install(L, prog)

	fn, err := L.LoadString(prog.Source)
	if err != nil {
		return &ScriptError{Err: fmt.Errorf("syntax error: %w", err)}
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.sinkErr != nil {
			return s.sinkErr
		}
		return &ScriptError{Err: scriptMessage(err)}
	}

	result := fromLua(L.Get(-1))
	L.Pop(1)
	if err := s.emit.Emit(TagResult, result); err != nil {
		return err
	}
	r.logger.Debug("lua program finished", "protocol_id", prog.ProtocolID, "operations", s.seq)
	return nil
}

// openSandbox loads the allowed standard libraries and removes the base
// functions that reach the filesystem.
func openSandbox(L *lua.LState) error {
	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			return fmt.Errorf("failed to open %s library: %w", lib.name, err)
		}
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "module", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	return nil
}

// scriptMessage strips the Lua stack trace from an error.
func scriptMessage(err error) error {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		return errors.New(apiErr.Object.String())
	}
	return err
}

// session is the per-run state shared by the lab functions.
type session struct {
	ctx       context.Context
	emit      *Emitter
	deck      *deck
	gate      *Gate
	timeScale float64
	seq       int64

	// sinkErr is set when the reading side went away; the script is stopped.
	sinkErr error
}

func (s *session) install(L *lua.LState, prog domain.Program) {
	L.SetGlobal("params", toLua(L, prog.Parameters))
	L.SetGlobal("assets", toLua(L, prog.Assets))
	L.SetGlobal("print", L.NewFunction(s.luaLog))

	lab := L.NewTable()
	L.SetFuncs(lab, map[string]lua.LGFunction{
		"log":       s.luaLog,
		"step":      s.luaStep,
		"progress":  s.luaProgress,
		"telemetry": s.luaTelemetry,
		"state":     s.luaState,
		"wells":     s.luaWells,
		"aspirate":  s.luaAspirate,
		"dispense":  s.luaDispense,
		"transfer":  s.luaTransfer,
		"incubate":  s.luaIncubate,
		"wait":      s.luaWait,
	})
	L.SetGlobal("lab", lab)
}

func (s *session) send(L *lua.LState, tag Tag, data any) {
	if err := s.emit.Emit(tag, data); err != nil {
		s.sinkErr = err
		L.RaiseError("output closed: %v", err)
	}
}

func (s *session) luaLog(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	s.send(L, TagStdout, strings.Join(parts, "\t"))
	return 0
}

func (s *session) luaStep(L *lua.LState) int {
	s.send(L, TagStep, L.CheckString(1))
	return 0
}

func (s *session) luaProgress(L *lua.LState) int {
	s.send(L, TagProgress, int(L.CheckNumber(1)))
	return 0
}

func (s *session) luaTelemetry(L *lua.LState) int {
	s.send(L, TagTelemetry, fromLua(L.CheckAny(1)))
	return 0
}

func (s *session) luaState(L *lua.LState) int {
	L.Push(toLua(L, s.deck.snapshot()))
	return 1
}

func (s *session) luaWells(L *lua.LState) int {
	names := s.deck.wellNames()
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = n
	}
	L.Push(toLua(L, out))
	return 1
}

func (s *session) luaAspirate(L *lua.LState) int {
	well, vol := L.CheckString(1), float64(L.CheckNumber(2))
	s.operation(L, "aspirate", map[string]any{"well": well, "volume": vol}, 0, func() error {
		return s.deck.aspirate(well, vol)
	})
	return 0
}

func (s *session) luaDispense(L *lua.LState) int {
	well, vol := L.CheckString(1), float64(L.CheckNumber(2))
	s.operation(L, "dispense", map[string]any{"well": well, "volume": vol}, 0, func() error {
		return s.deck.dispense(well, vol)
	})
	return 0
}

func (s *session) luaTransfer(L *lua.LState) int {
	from, to, vol := L.CheckString(1), L.CheckString(2), float64(L.CheckNumber(3))
	s.operation(L, "transfer", map[string]any{"from": from, "to": to, "volume": vol}, 0, func() error {
		return s.deck.transfer(from, to, vol)
	})
	return 0
}

func (s *session) luaIncubate(L *lua.LState) int {
	seconds := float64(L.CheckNumber(1))
	temp := float64(L.OptNumber(2, lua.LNumber(s.deck.temperature)))
	s.operation(L, "incubate", map[string]any{"seconds": seconds, "temperature": temp}, seconds, func() error {
		return s.deck.incubate(seconds, temp)
	})
	return 0
}

func (s *session) luaWait(L *lua.LState) int {
	seconds := float64(L.CheckNumber(1))
	s.operation(L, "wait", map[string]any{"seconds": seconds}, seconds, func() error {
		return s.deck.wait(seconds)
	})
	return 0
}

// operation runs one deck operation and emits its audit record. A failed
// operation is recorded and then raised as a script error.
func (s *session) operation(L *lua.LState, method string, args map[string]any, simulated float64, apply func() error) {
	if err := s.gate.Wait(s.ctx); err != nil {
		L.RaiseError("interrupted: %v", err)
	}

	before := s.deck.snapshot()
	start := time.Now().UTC()
	opErr := apply()
	if opErr == nil && simulated > 0 {
		opErr = s.sleep(simulated)
	}
	end := time.Now().UTC()
	after := s.deck.snapshot()

	s.seq++
	record := protocol.FunctionCallPayload{
		CallID:      uuid.NewString(),
		Sequence:    s.seq,
		MethodName:  method,
		Args:        args,
		StateBefore: before,
		StateAfter:  after,
		Status:      string(domain.CallSuccess),
		StartTime:   start,
		EndTime:     end,
		DurationMs:  end.Sub(start).Milliseconds(),
	}
	if opErr != nil {
		record.Status = string(domain.CallFailed)
		record.ErrorMessage = opErr.Error()
	}
	s.send(L, TagAudit, record)

	if opErr != nil {
		L.RaiseError("%s failed: %v", method, opErr)
	}
	s.send(L, TagState, after)
}

func (s *session) sleep(simulated float64) error {
	if s.timeScale <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(simulated * s.timeScale * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}
