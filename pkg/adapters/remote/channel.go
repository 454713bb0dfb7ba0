package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/labrun/internal/logging"
	"github.com/aretw0/labrun/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
)

var (
	// ErrRetriesExhausted is reported by Err when the stream could not be
	// re-established within the retry budget.
	ErrRetriesExhausted = errors.New("stream retries exhausted")

	// ErrAlreadyOpen is returned when Open is called twice on one Channel.
	ErrAlreadyOpen = errors.New("channel already opened")
)

const (
	DefaultRetryDelay = time.Second
	DefaultMaxRetries = 3
)

// Channel implements ports.Channel over a websocket at {base}/runs/{id}/stream.
//
// An unexpected close is retried with a fixed delay. When the retries are
// exhausted the stream ends and Err reports ErrRetriesExhausted. A normal
// close from the backend ends the stream with a nil Err.
type Channel struct {
	baseURL    string
	dialer     *websocket.Dialer
	header     http.Header
	retryDelay time.Duration
	maxRetries uint64
	logger     *slog.Logger
	buffer     int

	mu        sync.Mutex
	opened    bool
	closed    bool
	connected bool
	err       error
	conn      *websocket.Conn
	cancel    context.CancelFunc
}

// ChannelOption configures the Channel.
type ChannelOption func(*Channel)

// WithRetry sets the fixed reconnect delay and the maximum number of retries.
func WithRetry(delay time.Duration, max uint64) ChannelOption {
	return func(c *Channel) {
		c.retryDelay = delay
		c.maxRetries = max
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) ChannelOption {
	return func(c *Channel) {
		c.dialer = d
	}
}

// WithHeader adds headers to every dial, e.g. authorization.
func WithHeader(h http.Header) ChannelOption {
	return func(c *Channel) {
		c.header = h
	}
}

// WithLogger configures a logger for the channel.
func WithLogger(logger *slog.Logger) ChannelOption {
	return func(c *Channel) {
		c.logger = logger
	}
}

// NewChannel creates a stream channel against the backend at baseURL.
// http(s) schemes are mapped to ws(s).
func NewChannel(baseURL string, opts ...ChannelOption) *Channel {
	c := &Channel{
		baseURL:    baseURL,
		dialer:     websocket.DefaultDialer,
		retryDelay: DefaultRetryDelay,
		maxRetries: DefaultMaxRetries,
		logger:     logging.NewNop(),
		buffer:     64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StreamURL builds the websocket URL of a run's stream.
func StreamURL(baseURL, runID string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid backend url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}
	return u.String() + "/runs/" + url.PathEscape(runID) + "/stream", nil
}

// Open dials the stream, retrying with the configured policy. Messages are
// delivered in arrival order until the stream ends.
func (c *Channel) Open(ctx context.Context, runID string) (<-chan protocol.Message, error) {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return nil, ErrAlreadyOpen
	}
	c.opened = true
	streamCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	target, err := StreamURL(c.baseURL, runID)
	if err != nil {
		cancel()
		return nil, err
	}
	logger := c.logger.With("run_id", runID)

	if err := c.dial(streamCtx, target, logger); err != nil {
		cancel()
		c.setErr(err)
		return nil, err
	}

	out := make(chan protocol.Message, c.buffer)
	go c.readLoop(streamCtx, target, logger, out)
	return out, nil
}

// dial connects with the fixed-backoff policy.
func (c *Channel) dial(ctx context.Context, target string, logger *slog.Logger) error {
	delay := c.retryDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewConstant(delay))

	attempt := 0
	permanent := false
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		conn, resp, err := c.dialer.DialContext(ctx, target, c.header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			logger.Warn("stream dial failed", "attempt", attempt, "err", err)
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				// The backend does not know the run; retrying will not help.
				permanent = true
				return err
			}
			return retry.RetryableError(err)
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return context.Canceled
		}
		c.conn = conn
		c.connected = true
		c.mu.Unlock()
		logger.Debug("stream connected", "attempt", attempt)
		return nil
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return context.Canceled
	case permanent:
		return fmt.Errorf("failed to open stream: %w", err)
	default:
		return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempt, err)
	}
}

func (c *Channel) readLoop(ctx context.Context, target string, logger *slog.Logger, out chan<- protocol.Message) {
	defer close(out)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		err := c.read(ctx, conn, logger, out)
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()
		_ = conn.Close()

		if closed || ctx.Err() != nil {
			return
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			logger.Debug("stream finished by backend")
			return
		}

		logger.Warn("stream lost, reconnecting", "err", err)
		if err := c.dial(ctx, target, logger); err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("stream gave up", "err", err)
				c.setErr(err)
			}
			return
		}
	}
}

// read forwards frames until the connection fails.
func (c *Channel) read(ctx context.Context, conn *websocket.Conn, logger *slog.Logger, out chan<- protocol.Message) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("dropping malformed frame", "err", err)
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil && !c.closed {
		c.err = err
	}
}

// Close ends the stream with a normal closure. Safe to call repeatedly.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.opened = true
	c.connected = false
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"), deadline)
		return conn.Close()
	}
	return nil
}

// Connected reports whether a socket is currently up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Err returns the terminal transport error, or nil.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
