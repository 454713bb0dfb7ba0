package local

import (
	"context"
	"io"
	"strings"

	"github.com/aretw0/labrun/pkg/domain"
)

// Router dispatches each program to the runtime of its language.
// Lua programs, and programs without a language, go to the Lua runtime;
// everything else goes to the fallback, usually a ProcessRuntime.
type Router struct {
	Lua      Runtime
	Fallback Runtime
}

// Run implements Runtime.
func (r Router) Run(ctx context.Context, prog domain.Program, sink io.Writer) error {
	if prog.Language == "" || strings.EqualFold(prog.Language, "lua") {
		return r.Lua.Run(ctx, prog, sink)
	}
	return r.Fallback.Run(ctx, prog, sink)
}
