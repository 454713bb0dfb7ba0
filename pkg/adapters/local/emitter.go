package local

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Tag identifies the kind of a bridge line.
type Tag string

const (
	TagStdout    Tag = "stdout"
	TagStderr    Tag = "stderr"
	TagResult    Tag = "result"
	TagState     Tag = "state"
	TagAudit     Tag = "audit"
	TagProgress  Tag = "progress"
	TagTelemetry Tag = "telemetry"
	TagStep      Tag = "step"
	TagError     Tag = "error"
)

// Line is one event of the bridge stream.
type Line struct {
	Tag  Tag             `json:"tag"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Emitter writes tagged lines. Safe for concurrent use.
type Emitter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEmitter wraps w.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Emit writes one line. Write errors are returned so a runtime can stop when
// the reading side has gone away.
func (e *Emitter) Emit(tag Tag, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", tag, err)
	}
	line, err := json.Marshal(Line{Tag: tag, Data: raw})
	if err != nil {
		return err
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(line)
	return err
}

// WriteLine forwards one already-encoded line.
func (e *Emitter) WriteLine(raw []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(raw); err != nil {
		return err
	}
	if len(raw) == 0 || raw[len(raw)-1] != '\n' {
		_, err := e.w.Write([]byte{'\n'})
		return err
	}
	return nil
}
