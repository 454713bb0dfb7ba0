package local

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aretw0/labrun/pkg/domain"
)

// Runtime executes one program and writes its tagged event stream to sink.
//
// Run returns nil when the program finished, ctx.Err() when it was
// interrupted, a *ScriptError when the program itself failed, and a
// *CrashError when the runtime could not do its job at all.
type Runtime interface {
	Run(ctx context.Context, prog domain.Program, sink io.Writer) error
}

// ErrRuntimeCrashed marks failures of the runtime rather than of the script.
var ErrRuntimeCrashed = errors.New("runtime crashed")

// ScriptError is an execution failure raised by the protocol program.
type ScriptError struct {
	Err error
}

func (e *ScriptError) Error() string { return e.Err.Error() }
func (e *ScriptError) Unwrap() error { return e.Err }

// CrashError is a failure of the runtime itself.
type CrashError struct {
	Err error
}

func (e *CrashError) Error() string { return fmt.Sprintf("%v: %v", ErrRuntimeCrashed, e.Err) }
func (e *CrashError) Unwrap() []error {
	return []error{ErrRuntimeCrashed, e.Err}
}
