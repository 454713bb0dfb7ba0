package coordinator

import (
	"context"
	"sync"

	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/ports"
	"github.com/aretw0/labrun/pkg/protocol"
)

// fakeChannel is a scripted ports.Channel.
type fakeChannel struct {
	mu        sync.Mutex
	stream    chan protocol.Message
	openErr   error
	opened    bool
	ended     bool
	closed    bool
	connected bool
	err       error
	runID     string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{stream: make(chan protocol.Message, 64)}
}

func (f *fakeChannel) Open(ctx context.Context, runID string) (<-chan protocol.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		f.err = f.openErr
		return nil, f.openErr
	}
	f.opened = true
	f.connected = true
	f.runID = runID
	return f.stream, nil
}

// send delivers messages unless the stream already ended.
func (f *fakeChannel) send(msgs ...protocol.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return
	}
	for _, m := range msgs {
		f.stream <- m
	}
}

// drop ends the stream the way a transport that gave up does.
func (f *fakeChannel) drop(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	f.connected = false
	f.end()
}

func (f *fakeChannel) end() {
	if !f.ended {
		f.ended = true
		close(f.stream)
	}
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	f.end()
	return nil
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// channels hands out fake channels in creation order.
type channels struct {
	mu    sync.Mutex
	all   []*fakeChannel
	specs []ports.StartSpec
	next  func() *fakeChannel
}

func (c *channels) factory(spec ports.StartSpec) (ports.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := newFakeChannel()
	if c.next != nil {
		ch = c.next()
	}
	c.all = append(c.all, ch)
	c.specs = append(c.specs, spec)
	return ch, nil
}

func (c *channels) get(i int) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.all[i]
}

// fakeControl is a recording ports.ControlPlane.
type fakeControl struct {
	mu        sync.Mutex
	runIDs    []string
	createErr error
	cancelErr error
	pauseErr  error
	cancelAck ports.Ack
	calls     []string
}

func (f *fakeControl) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeControl) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeControl) CreateRun(ctx context.Context, req ports.CreateRunRequest) (string, error) {
	f.record("create:" + req.ProtocolID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	id := "run-123"
	if len(f.runIDs) > 0 {
		id, f.runIDs = f.runIDs[0], f.runIDs[1:]
	}
	return id, nil
}

func (f *fakeControl) CancelRun(ctx context.Context, runID string) (ports.Ack, error) {
	f.record("cancel:" + runID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelAck, f.cancelErr
}

func (f *fakeControl) PauseRun(ctx context.Context, runID string) (ports.Ack, error) {
	f.record("pause:" + runID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return ports.Ack{RunID: runID}, f.pauseErr
}

func (f *fakeControl) ResumeRun(ctx context.Context, runID string) (ports.Ack, error) {
	f.record("resume:" + runID)
	return ports.Ack{RunID: runID}, nil
}

func (f *fakeControl) ListProtocols(ctx context.Context) ([]domain.CatalogEntry, error) {
	return []domain.CatalogEntry{{ProtocolID: "pcr", Name: "PCR"}}, nil
}
