package coordinator

import (
	"fmt"
	"time"

	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/protocol"
)

// effect describes what applying one message did to a RunState.
type effect struct {
	changed  bool
	terminal bool

	// reverted is set when a status report overrode a provisional cancel.
	reverted bool

	// rejected is the reason the message was refused, if it was.
	rejected string

	call *protocol.FunctionCallPayload
}

// apply mutates s according to m. A decode error means the message was
// malformed and s is untouched.
func apply(s *domain.RunState, m protocol.Message, now time.Time) (effect, error) {
	switch m.Type {
	case protocol.TypeStatus:
		return applyStatus(s, m, now)
	case protocol.TypeFunctionCall:
		// Audit records are kept even when they trail the end of the run.
		p, err := protocol.DecodeFunctionCall(m.Payload)
		if err != nil {
			return effect{}, err
		}
		return effect{call: &p}, nil
	}
	if !m.Type.Known() {
		return effect{}, nil
	}

	if s.Status.Terminal() {
		return effect{rejected: fmt.Sprintf("%s after the run became %s", m.Type, s.Status)}, nil
	}

	switch m.Type {
	case protocol.TypeLog:
		p, err := protocol.DecodeLog(m.Payload)
		if err != nil {
			return effect{}, err
		}
		s.Logs = append(s.Logs, p.Message)
		return effect{changed: true}, nil

	case protocol.TypeProgress:
		p, err := protocol.DecodeProgress(m.Payload)
		if err != nil {
			return effect{}, err
		}
		v := min(max(p.Progress, 0), 100)
		if v <= s.Progress {
			return effect{}, nil
		}
		s.Progress = v
		return effect{changed: true}, nil

	case protocol.TypeTelemetry:
		s.Telemetry = domain.CloneValue(m.Payload)
		return effect{changed: true}, nil

	case protocol.TypeWellStateUpdate:
		s.WellState = domain.CloneValue(m.Payload)
		return effect{changed: true}, nil

	case protocol.TypeError:
		p, err := protocol.DecodeError(m.Payload)
		if err != nil {
			return effect{}, err
		}
		return fail(s, p.Message, now), nil

	case protocol.TypeComplete:
		p, err := protocol.DecodeComplete(m.Payload)
		if err != nil {
			return effect{}, err
		}
		return complete(s, p.Result, now), nil
	}
	return effect{}, nil
}

func applyStatus(s *domain.RunState, m protocol.Message, now time.Time) (effect, error) {
	p, err := protocol.DecodeStatus(m.Payload)
	if err != nil {
		return effect{}, err
	}
	next, ok := domain.ParseStatus(p.Status)
	if !ok {
		return effect{rejected: fmt.Sprintf("unknown status %q", p.Status)}, nil
	}

	switch next {
	case domain.StatusCompleted:
		return complete(s, nil, now), nil
	case domain.StatusFailed:
		msg := p.Message
		if msg == "" {
			msg = "backend reported failure"
		}
		return fail(s, msg, now), nil
	case domain.StatusCancelled:
		if s.Status == domain.StatusCancelled {
			if s.CancelConfirmed {
				return effect{}, nil
			}
			s.CancelConfirmed = true
			setEnd(s, now)
			return effect{changed: true}, nil
		}
		if !domain.CanTransition(s.Status, next) {
			return reject(s.Status, next), nil
		}
		s.Status = next
		s.CancelConfirmed = true
		setEnd(s, now)
		return effect{changed: true, terminal: true}, nil
	}

	// The backend contradicts a stop that it never confirmed: last message wins.
	if s.Status == domain.StatusCancelled && !s.CancelConfirmed && next != domain.StatusPending {
		s.Status = next
		if p.CurrentStep != "" {
			s.CurrentStep = p.CurrentStep
		}
		return effect{changed: true, reverted: true}, nil
	}

	if next == s.Status {
		if p.CurrentStep == "" || p.CurrentStep == s.CurrentStep {
			return effect{}, nil
		}
		s.CurrentStep = p.CurrentStep
		return effect{changed: true}, nil
	}
	if !domain.CanTransition(s.Status, next) {
		return reject(s.Status, next), nil
	}
	s.Status = next
	if p.CurrentStep != "" {
		s.CurrentStep = p.CurrentStep
	}
	return effect{changed: true}, nil
}

func complete(s *domain.RunState, result any, now time.Time) effect {
	if !domain.CanTransition(s.Status, domain.StatusCompleted) {
		return reject(s.Status, domain.StatusCompleted)
	}
	s.Status = domain.StatusCompleted
	s.Progress = 100
	s.Result = domain.CloneValue(result)
	setEnd(s, now)
	return effect{changed: true, terminal: true}
}

func fail(s *domain.RunState, msg string, now time.Time) effect {
	if !domain.CanTransition(s.Status, domain.StatusFailed) {
		return reject(s.Status, domain.StatusFailed)
	}
	s.Status = domain.StatusFailed
	s.Logs = append(s.Logs, "ERROR: "+msg)
	setEnd(s, now)
	return effect{changed: true, terminal: true}
}

func reject(from, to domain.RunStatus) effect {
	return effect{rejected: fmt.Sprintf("invalid transition %s -> %s", from, to)}
}

// setEnd records the end time once.
func setEnd(s *domain.RunState, now time.Time) {
	if s.EndTime != nil {
		return
	}
	end := now
	s.EndTime = &end
}
