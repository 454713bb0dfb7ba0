package local

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/aretw0/labrun/internal/logging"
	"github.com/aretw0/labrun/pkg/protocol"
)

// maxLineSize bounds one bridge line. Large deck snapshots fit comfortably.
const maxLineSize = 4 << 20

// Bridge turns a tagged line stream into protocol messages.
type Bridge struct {
	logger *slog.Logger
}

// NewBridge creates a bridge. A nil logger discards output.
func NewBridge(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bridge{logger: logger}
}

// Translate maps one line onto a message. Lines that are not tagged JSON are
// treated as standard output. ok is false for blank lines and unknown tags.
func (b *Bridge) Translate(raw []byte) (msg protocol.Message, ok bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return msg, false
	}

	var line Line
	if raw[0] != '{' || json.Unmarshal(raw, &line) != nil || line.Tag == "" {
		return protocol.New(protocol.TypeLog, protocol.LogPayload{Message: string(raw)}), true
	}

	var data any
	if len(line.Data) > 0 {
		if err := json.Unmarshal(line.Data, &data); err != nil {
			b.logger.Warn("dropping bridge line with invalid data", "tag", line.Tag, "err", err)
			return msg, false
		}
	}

	switch line.Tag {
	case TagStdout:
		return protocol.New(protocol.TypeLog, protocol.LogPayload{Message: text(data)}), true
	case TagStderr:
		return protocol.New(protocol.TypeLog, protocol.LogPayload{Message: "[stderr] " + text(data)}), true
	case TagResult:
		return protocol.New(protocol.TypeComplete, protocol.CompletePayload{Result: data}), true
	case TagState:
		return protocol.New(protocol.TypeWellStateUpdate, data), true
	case TagAudit:
		return protocol.New(protocol.TypeFunctionCall, data), true
	case TagProgress:
		return protocol.New(protocol.TypeProgress, data), true
	case TagTelemetry:
		return protocol.New(protocol.TypeTelemetry, data), true
	case TagStep:
		return protocol.New(protocol.TypeStatus, protocol.StatusPayload{
			Status:      "running",
			CurrentStep: text(data),
		}), true
	case TagError:
		return protocol.New(protocol.TypeError, protocol.ErrorPayload{Message: text(data)}), true
	default:
		b.logger.Debug("ignoring unknown bridge tag", "tag", line.Tag)
		return msg, false
	}
}

// Pump reads r until EOF and hands every translated message to fn.
// It stops early when fn returns an error.
func (b *Bridge) Pump(r io.Reader, fn func(protocol.Message) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		msg, ok := b.Translate(scanner.Bytes())
		if !ok {
			continue
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("bridge read failed: %w", err)
	}
	return nil
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any:
		if m, ok := t["message"].(string); ok {
			return m
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
