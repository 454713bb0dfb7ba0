package backend

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/labrun/pkg/adapters/memory"
	"github.com/aretw0/labrun/pkg/adapters/remote"
	"github.com/aretw0/labrun/pkg/coordinator"
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/ports"
	"github.com/aretw0/labrun/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

var scripts = map[string]string{
	"hello": `
lab.log("hello")
lab.progress(50)
lab.wait(1)
return { ok = true }
`,
	"forever": `
while true do
  lab.wait(1)
end
`,
	"quick": `
lab.log("a")
lab.log("b")
`,
}

func newBackend(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	opts = append([]Option{WithTimeScale(0.001)}, opts...)
	srv := NewServer(memory.NewLuaSource(scripts), opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	return srv, ts
}

func newCoordinator(t *testing.T, baseURL string, hooks domain.LifecycleHooks) *coordinator.Coordinator {
	t.Helper()
	control := remote.NewControlClient(baseURL)
	c := coordinator.New(
		coordinator.WithRemote(control, func(spec ports.StartSpec) (ports.Channel, error) {
			return remote.NewChannel(baseURL, remote.WithRetry(20*time.Millisecond, 3)), nil
		}),
		coordinator.WithLifecycleHooks(hooks),
	)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitStatus(t *testing.T, c *coordinator.Coordinator, want domain.RunStatus) domain.RunState {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := c.State()
		return ok && s.Status == want
	}, waitFor, tick, "run never reached %s", want)
	s, _ := c.State()
	return s
}

func TestServer_RemoteRunCompletes(t *testing.T) {
	_, ts := newBackend(t)

	var mu sync.Mutex
	var methods []string
	c := newCoordinator(t, ts.URL, domain.LifecycleHooks{
		OnFunctionCall: func(ctx context.Context, e *domain.FunctionCallEvent) {
			mu.Lock()
			defer mu.Unlock()
			methods = append(methods, e.MethodName)
		},
	})

	runID, err := c.StartRun(context.Background(), coordinator.StartRequest{ProtocolID: "hello", Name: "Hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	s := waitStatus(t, c, domain.StatusCompleted)
	assert.Equal(t, 100, s.Progress)
	assert.Contains(t, s.Logs, "hello")
	assert.Equal(t, map[string]any{"ok": true}, s.Result)
	assert.NotNil(t, s.EndTime)
	assert.False(t, s.Stale)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(methods) == 1
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, []string{"wait"}, methods)
	mu.Unlock()
}

func TestServer_PauseResumeCancel(t *testing.T) {
	_, ts := newBackend(t)
	c := newCoordinator(t, ts.URL, domain.LifecycleHooks{})
	ctx := context.Background()

	_, err := c.StartRun(ctx, coordinator.StartRequest{ProtocolID: "forever"})
	require.NoError(t, err)
	waitStatus(t, c, domain.StatusRunning)

	require.NoError(t, c.PauseRun(ctx))
	waitStatus(t, c, domain.StatusPaused)

	require.NoError(t, c.ResumeRun(ctx))
	waitStatus(t, c, domain.StatusRunning)

	require.NoError(t, c.StopRun(ctx))
	s := waitStatus(t, c, domain.StatusCancelled)
	assert.True(t, s.CancelConfirmed)
	assert.NotNil(t, s.EndTime)
}

func TestServer_StreamDeliversBufferedMessages(t *testing.T) {
	_, ts := newBackend(t)
	ctx := context.Background()
	control := remote.NewControlClient(ts.URL)

	runID, err := control.CreateRun(ctx, ports.CreateRunRequest{ProtocolID: "quick"})
	require.NoError(t, err)

	// Let the run finish before anyone listens.
	time.Sleep(100 * time.Millisecond)

	target, err := remote.StreamURL(ts.URL, runID)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	require.NoError(t, err)
	defer conn.Close()

	var types []protocol.Type
	var logs []string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		m, err := protocol.Decode(data)
		require.NoError(t, err)
		types = append(types, m.Type)
		if m.Type == protocol.TypeLog {
			p, err := protocol.DecodeLog(m.Payload)
			require.NoError(t, err)
			logs = append(logs, p.Message)
		}
	}

	require.NotEmpty(t, types)
	assert.Equal(t, protocol.TypeStatus, types[0])
	assert.Equal(t, protocol.TypeComplete, types[len(types)-1])
	assert.Equal(t, []string{"a", "b"}, logs)
}

func TestServer_ControlErrors(t *testing.T) {
	_, ts := newBackend(t)
	ctx := context.Background()
	control := remote.NewControlClient(ts.URL)

	_, err := control.CreateRun(ctx, ports.CreateRunRequest{ProtocolID: "missing"})
	var ce *remote.ControlError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http.StatusNotFound, ce.StatusCode)

	_, err = control.CreateRun(ctx, ports.CreateRunRequest{})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http.StatusBadRequest, ce.StatusCode)

	_, err = control.PauseRun(ctx, "ghost")
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http.StatusNotFound, ce.StatusCode)

	runID, err := control.CreateRun(ctx, ports.CreateRunRequest{ProtocolID: "forever"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := control.PauseRun(ctx, runID)
		return err == nil
	}, waitFor, tick)
	_, err = control.PauseRun(ctx, runID)
	require.NoError(t, err, "pausing a paused run is accepted")

	ack, err := control.CancelRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusCancelled), ack.Status)

	require.Eventually(t, func() bool {
		_, err := control.ResumeRun(ctx, runID)
		return err != nil
	}, waitFor, tick, "resume after cancel must fail")
}

func TestServer_StreamUnknownRun(t *testing.T) {
	_, ts := newBackend(t)
	ch := remote.NewChannel(ts.URL, remote.WithRetry(5*time.Millisecond, 1))
	_, err := ch.Open(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestServer_ListProtocols(t *testing.T) {
	_, ts := newBackend(t)
	entries, err := remote.NewControlClient(ts.URL).ListProtocols(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ProtocolID)
	}
	assert.Equal(t, []string{"forever", "hello", "quick"}, ids)
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, ts := newBackend(t, WithRegistry(reg))

	_, err := remote.NewControlClient(ts.URL).CreateRun(context.Background(), ports.CreateRunRequest{ProtocolID: "quick"})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "labrun_backend_runs_created_total 1"), string(body))
}
