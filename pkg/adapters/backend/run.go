package backend

import (
	"sync"

	"github.com/aretw0/labrun/pkg/adapters/local"
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/protocol"
)

// simRun is one simulated execution. Messages wait in an outbox until a
// stream delivers them, so nothing is lost between CreateRun and the first
// connection or across reconnects.
type simRun struct {
	id         string
	protocolID string
	gate       *local.Gate
	channel    *local.Channel

	mu        sync.Mutex
	status    domain.RunStatus
	step      string
	outbox    []protocol.Message
	finished  bool
	cancelled bool
	stream    uint64
	changed   chan struct{}
}

func newSimRun(id, protocolID string, gate *local.Gate, ch *local.Channel) *simRun {
	return &simRun{
		id:         id,
		protocolID: protocolID,
		gate:       gate,
		channel:    ch,
		status:     domain.StatusPending,
		changed:    make(chan struct{}),
	}
}

// notify wakes every stream waiting on the run. Callers hold mu.
func (r *simRun) notify() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *simRun) push(msgs ...protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.observe(m)
		r.outbox = append(r.outbox, m)
	}
	r.notify()
}

// observe tracks the status the run has reported so far.
func (r *simRun) observe(m protocol.Message) {
	switch m.Type {
	case protocol.TypeStatus:
		p, err := protocol.DecodeStatus(m.Payload)
		if err != nil {
			return
		}
		if s, ok := domain.ParseStatus(p.Status); ok {
			r.status = s
		}
		if p.CurrentStep != "" {
			r.step = p.CurrentStep
		}
	case protocol.TypeComplete:
		r.status = domain.StatusCompleted
	case protocol.TypeError:
		r.status = domain.StatusFailed
	}
}

// finish marks the outbox complete. A cancelled run that did not reach
// another outcome reports status(cancelled) last.
func (r *simRun) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled && !r.status.Terminal() {
		m := protocol.New(protocol.TypeStatus, protocol.StatusPayload{Status: string(domain.StatusCancelled)})
		r.observe(m)
		r.outbox = append(r.outbox, m)
	}
	r.finished = true
	r.notify()
}

// attach makes a new stream the only consumer of the outbox.
func (r *simRun) attach() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stream++
	r.notify()
	return r.stream
}

// take hands the pending messages to stream. ok is false once another stream
// has attached.
func (r *simRun) take(stream uint64) (msgs []protocol.Message, finished bool, changed <-chan struct{}, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream != stream {
		return nil, false, nil, false
	}
	msgs, r.outbox = r.outbox, nil
	return msgs, r.finished, r.changed, true
}

// requeue puts undelivered messages back in front of the outbox.
func (r *simRun) requeue(msgs []protocol.Message) {
	if len(msgs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbox = append(append([]protocol.Message(nil), msgs...), r.outbox...)
}

// snapshot is the status a reconnecting stream starts from. It is only
// produced when nothing is waiting in the outbox.
func (r *simRun) snapshot() (protocol.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outbox) > 0 || r.finished || r.status == domain.StatusPending {
		return protocol.Message{}, false
	}
	return protocol.New(protocol.TypeStatus, protocol.StatusPayload{Status: string(r.status), CurrentStep: r.step}), true
}

func (r *simRun) current() domain.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// markCancelled records a cancel intent. It reports false if the run already
// reached an outcome.
func (r *simRun) markCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.status.Terminal() {
		return false
	}
	r.cancelled = true
	return true
}
