package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aretw0/labrun/internal/logging"
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/protocol"
)

// ErrAlreadyOpen is returned when Open is called twice on one Channel.
var ErrAlreadyOpen = errors.New("channel already opened")

// Channel implements ports.Channel by running a program in a Runtime.
//
// The stream always starts with status(running). A script failure becomes an
// error message; a program that ends without reporting a result gets an empty
// complete message. Connected is true from Open until the runtime crashes or
// the channel is closed.
type Channel struct {
	runtime Runtime
	program domain.Program
	bridge  *Bridge
	logger  *slog.Logger
	buffer  int

	mu        sync.Mutex
	opened    bool
	connected bool
	err       error
	cancel    context.CancelFunc
	reader    *io.PipeReader
	done      chan struct{}
}

// ChannelOption configures the Channel.
type ChannelOption func(*Channel)

// WithChannelLogger configures a logger for the channel and its bridge.
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(c *Channel) {
		c.logger = logger
	}
}

// WithBuffer sets the capacity of the message stream.
func WithBuffer(n int) ChannelOption {
	return func(c *Channel) {
		c.buffer = n
	}
}

// NewChannel creates a channel that will run prog on rt.
func NewChannel(rt Runtime, prog domain.Program, opts ...ChannelOption) *Channel {
	c := &Channel{
		runtime: rt,
		program: prog,
		logger:  logging.NewNop(),
		buffer:  64,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.bridge = NewBridge(c.logger)
	return c
}

// Open starts the runtime. Execution is asynchronous; messages arrive on the
// returned stream until the program ends or Close is called.
func (c *Channel) Open(ctx context.Context, runID string) (<-chan protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return nil, ErrAlreadyOpen
	}
	c.opened = true
	c.connected = true

	runCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	c.cancel = cancel
	c.reader = pr

	out := make(chan protocol.Message, c.buffer)
	runErr := make(chan error, 1)

	logger := c.logger.With("run_id", runID, "protocol_id", c.program.ProtocolID)
	go func() {
		err := c.runtime.Run(runCtx, c.program, pw)
		runErr <- err
		_ = pw.Close()
	}()
	go c.pump(runCtx, logger, pr, out, runErr)

	logger.Debug("local channel opened")
	return out, nil
}

func (c *Channel) pump(ctx context.Context, logger *slog.Logger, pr *io.PipeReader, out chan<- protocol.Message, runErr <-chan error) {
	defer close(c.done)
	defer close(out)

	send := func(m protocol.Message) error {
		select {
		case out <- m:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	terminal := false
	if err := send(protocol.New(protocol.TypeStatus, protocol.StatusPayload{Status: "running"})); err == nil {
		err = c.bridge.Pump(pr, func(m protocol.Message) error {
			if m.Type == protocol.TypeComplete || m.Type == protocol.TypeError {
				terminal = true
			}
			return send(m)
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("bridge stopped", "err", err)
		}
	}
	// Unblock the runtime if it is still writing.
	_ = pr.CloseWithError(io.ErrClosedPipe)

	err := <-runErr
	if ctx.Err() != nil {
		logger.Debug("local run interrupted")
		return
	}

	var crash *CrashError
	switch {
	case err == nil:
		if !terminal {
			_ = send(protocol.New(protocol.TypeComplete, protocol.CompletePayload{}))
		}
	case errors.As(err, &crash):
		logger.Error("runtime crashed", "err", err)
		c.mu.Lock()
		c.connected = false
		c.err = err
		c.mu.Unlock()
		if !terminal {
			_ = send(protocol.New(protocol.TypeError, protocol.ErrorPayload{Message: err.Error(), Code: "runtime_crash"}))
		}
	default:
		if !terminal {
			_ = send(protocol.New(protocol.TypeError, protocol.ErrorPayload{Message: err.Error()}))
		}
	}
}

// Close interrupts the runtime at its next safe point.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		c.opened = true
		close(c.done)
		return nil
	}
	c.connected = false
	if c.cancel != nil {
		c.cancel()
	}
	if c.reader != nil {
		_ = c.reader.CloseWithError(io.ErrClosedPipe)
	}
	return nil
}

// Done is closed when the stream has ended.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Connected reports whether the runtime is available.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Err returns the crash error, if the runtime crashed.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// String identifies the channel in logs.
func (c *Channel) String() string {
	return fmt.Sprintf("local(%s)", c.program.ProtocolID)
}
