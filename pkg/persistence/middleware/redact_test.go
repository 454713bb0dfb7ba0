package middleware_test

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/labrun/pkg/adapters/memory"
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/persistence/middleware"
	"github.com/aretw0/labrun/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedaction_MasksParametersAndArgs(t *testing.T) {
	ctx := context.Background()
	underlying := memory.NewStore()
	mw, err := middleware.NewRedaction([]string{"(?i)patient", "operator"})
	require.NoError(t, err)
	store := mw(underlying)

	params := map[string]any{
		"cycles":     30,
		"patient_id": "P-1234",
		"meta":       map[string]any{"operator": "jdoe", "lab": "B2"},
	}
	require.NoError(t, store.CreateRun(ctx, domain.RunRecord{
		RunID:      "run-1",
		Mode:       domain.ModeLocal,
		Parameters: params,
		Status:     domain.StatusPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}))
	assert.Equal(t, "P-1234", params["patient_id"], "caller's map must not change")

	rec, err := underlying.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, middleware.Masked, rec.Parameters["patient_id"])
	assert.Equal(t, 30, rec.Parameters["cycles"])
	meta := rec.Parameters["meta"].(map[string]any)
	assert.Equal(t, middleware.Masked, meta["operator"])
	assert.Equal(t, "B2", meta["lab"])

	state := domain.FullSnapshot(map[string]any{"patient": "kept"})
	require.NoError(t, store.CreateFunctionCallLog(ctx, domain.FunctionCallLogEntry{
		CallID:      "c1",
		RunID:       "run-1",
		Sequence:    1,
		MethodName:  "label",
		Args:        []any{map[string]any{"Patient": "Doe"}, "A1"},
		StateBefore: state,
		Status:      domain.CallSuccess,
	}))

	entries, err := underlying.ListFunctionCallLogs(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	args := entries[0].Args.([]any)
	assert.Equal(t, middleware.Masked, args[0].(map[string]any)["Patient"])
	assert.Equal(t, "A1", args[1])
	assert.Equal(t, state, entries[0].StateBefore, "states are not redacted")
}

func TestRedaction_NoPatternsIsPassThrough(t *testing.T) {
	underlying := memory.NewStore()
	mw, err := middleware.NewRedaction(nil)
	require.NoError(t, err)
	assert.Same(t, ports.RunStore(underlying), mw(underlying))
}

func TestRedaction_InvalidPattern(t *testing.T) {
	_, err := middleware.NewRedaction([]string{"("})
	assert.ErrorContains(t, err, "invalid redaction pattern")
}

func TestChain_Order(t *testing.T) {
	var order []string
	tag := func(name string) middleware.Middleware {
		return func(next ports.RunStore) ports.RunStore {
			order = append(order, name)
			return next
		}
	}
	middleware.Chain(memory.NewStore(), tag("outer"), tag("inner"))
	assert.Equal(t, []string{"inner", "outer"}, order)
}
