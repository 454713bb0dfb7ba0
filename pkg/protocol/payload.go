package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ErrMalformedPayload is returned when a payload cannot be decoded into the
// shape its message type requires.
var ErrMalformedPayload = errors.New("malformed payload")

// StatusPayload carries a backend status report.
type StatusPayload struct {
	Status      string `json:"status" mapstructure:"status"`
	CurrentStep string `json:"currentStep,omitempty" mapstructure:"currentStep"`
	Message     string `json:"message,omitempty" mapstructure:"message"`
}

// LogPayload carries one log line.
type LogPayload struct {
	Message string `json:"message" mapstructure:"message"`
}

// ProgressPayload carries an integer percentage.
type ProgressPayload struct {
	Progress int `json:"progress" mapstructure:"progress"`
}

// ErrorPayload carries an execution failure.
type ErrorPayload struct {
	Message string `json:"message" mapstructure:"message"`
	Code    string `json:"code,omitempty" mapstructure:"code"`
}

// CompletePayload carries the structured result of a finished run.
type CompletePayload struct {
	Result any `json:"result,omitempty" mapstructure:"result"`
}

// FunctionCallPayload is the per-operation audit record produced by a backend.
// StateBefore and StateAfter are always full snapshots on the wire; compaction
// happens in the audit recorder.
type FunctionCallPayload struct {
	CallID       string    `json:"callId,omitempty" mapstructure:"callId"`
	Sequence     int64     `json:"sequence" mapstructure:"sequence"`
	MethodName   string    `json:"methodName" mapstructure:"methodName"`
	Args         any       `json:"args,omitempty" mapstructure:"args"`
	StateBefore  any       `json:"stateBefore,omitempty" mapstructure:"stateBefore"`
	StateAfter   any       `json:"stateAfter,omitempty" mapstructure:"stateAfter"`
	Status       string    `json:"status" mapstructure:"status"`
	StartTime    time.Time `json:"startTime" mapstructure:"startTime"`
	EndTime      time.Time `json:"endTime" mapstructure:"endTime"`
	DurationMs   int64     `json:"durationMs" mapstructure:"durationMs"`
	ErrorMessage string    `json:"errorMessage,omitempty" mapstructure:"errorMessage"`
}

// DecodeStatus decodes a status payload. A bare string is read as the status.
func DecodeStatus(payload any) (StatusPayload, error) {
	var out StatusPayload
	if s, ok := payload.(string); ok {
		out.Status = s
		return out, nil
	}
	if err := decode(payload, &out); err != nil {
		return out, err
	}
	if out.Status == "" {
		return out, fmt.Errorf("%w: status is empty", ErrMalformedPayload)
	}
	return out, nil
}

// DecodeLog decodes a log payload. A bare string is read as the message.
func DecodeLog(payload any) (LogPayload, error) {
	var out LogPayload
	if s, ok := payload.(string); ok {
		out.Message = s
		return out, nil
	}
	err := decode(payload, &out)
	return out, err
}

// DecodeProgress decodes a progress payload. A bare number is read as the percentage.
func DecodeProgress(payload any) (ProgressPayload, error) {
	var out ProgressPayload
	switch v := payload.(type) {
	case float64:
		out.Progress = int(v)
		return out, nil
	case int:
		out.Progress = v
		return out, nil
	}
	err := decode(payload, &out)
	return out, err
}

// DecodeError decodes an error payload. A bare string is read as the message.
func DecodeError(payload any) (ErrorPayload, error) {
	var out ErrorPayload
	if s, ok := payload.(string); ok {
		out.Message = s
		return out, nil
	}
	err := decode(payload, &out)
	return out, err
}

// DecodeComplete decodes a complete payload. Missing payloads are allowed.
func DecodeComplete(payload any) (CompletePayload, error) {
	var out CompletePayload
	if payload == nil {
		return out, nil
	}
	err := decode(payload, &out)
	return out, err
}

// DecodeFunctionCall decodes a per-operation audit payload.
func DecodeFunctionCall(payload any) (FunctionCallPayload, error) {
	var out FunctionCallPayload
	if err := decode(payload, &out); err != nil {
		return out, err
	}
	if out.MethodName == "" {
		return out, fmt.Errorf("%w: methodName is empty", ErrMalformedPayload)
	}
	return out, nil
}

func decode(payload any, out any) error {
	if payload == nil {
		return fmt.Errorf("%w: payload is empty", ErrMalformedPayload)
	}
	input, err := normalize(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, ok := input.(map[string]any); !ok {
		return fmt.Errorf("%w: expected object, got %T", ErrMalformedPayload, input)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// normalize turns typed Go payloads into the generic JSON shape so that
// payloads built in-process decode exactly like payloads read off the wire.
func normalize(payload any) (any, error) {
	if m, ok := payload.(map[string]any); ok {
		return m, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
