package coordinator

import (
	"testing"
	"time"

	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func running() *domain.RunState {
	s := domain.NewRunState("run-1", "PCR", domain.ModeRemote, t0)
	s.Status = domain.StatusRunning
	return s
}

func TestApply_Progress(t *testing.T) {
	s := running()

	steps := []struct {
		in   any
		want int
	}{
		{map[string]any{"progress": 20}, 20},
		{10, 20},    // lower values are ignored
		{150, 100},  // clamped
		{-5, 100},
		{map[string]any{"progress": "100"}, 100},
	}
	for _, step := range steps {
		_, err := apply(s, protocol.New(protocol.TypeProgress, step.in), t0)
		require.NoError(t, err)
		assert.Equal(t, step.want, s.Progress)
	}
}

func TestApply_AuxiliaryFieldsReplacedWholesale(t *testing.T) {
	s := running()

	_, err := apply(s, protocol.New(protocol.TypeWellStateUpdate, map[string]any{"A1": 10.0, "A2": 5.0}), t0)
	require.NoError(t, err)
	_, err = apply(s, protocol.New(protocol.TypeWellStateUpdate, map[string]any{"B1": 1.0}), t0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"B1": 1.0}, s.WellState)

	payload := map[string]any{"temp": 37.0}
	_, err = apply(s, protocol.New(protocol.TypeTelemetry, payload), t0)
	require.NoError(t, err)
	payload["temp"] = 99.0
	assert.Equal(t, map[string]any{"temp": 37.0}, s.Telemetry, "state must not alias the payload")
}

func TestApply_Error(t *testing.T) {
	s := running()
	s.Logs = []string{"step 1"}

	eff, err := apply(s, protocol.New(protocol.TypeError, map[string]any{"message": "tip crash"}), t0)
	require.NoError(t, err)
	assert.True(t, eff.terminal)
	assert.Equal(t, domain.StatusFailed, s.Status)
	assert.Equal(t, []string{"step 1", "ERROR: tip crash"}, s.Logs)
	require.NotNil(t, s.EndTime)
	assert.Equal(t, t0, *s.EndTime)
}

func TestApply_BackendTerminalStatuses(t *testing.T) {
	s := running()
	eff, err := apply(s, status("completed"), t0)
	require.NoError(t, err)
	assert.True(t, eff.terminal)
	assert.Equal(t, domain.StatusCompleted, s.Status)
	assert.Equal(t, 100, s.Progress)

	s = running()
	eff, err = apply(s, protocol.New(protocol.TypeStatus, map[string]any{"status": "failed", "message": "lid open"}), t0)
	require.NoError(t, err)
	assert.True(t, eff.terminal)
	assert.Equal(t, domain.StatusFailed, s.Status)
	assert.Equal(t, []string{"ERROR: lid open"}, s.Logs)

	s = running()
	eff, err = apply(s, status("canceled"), t0)
	require.NoError(t, err)
	assert.True(t, eff.terminal)
	assert.Equal(t, domain.StatusCancelled, s.Status)
	assert.True(t, s.CancelConfirmed)
}

func TestApply_EndTimeSetOnce(t *testing.T) {
	s := running()
	_, err := apply(s, protocol.New(protocol.TypeComplete, nil), t0)
	require.NoError(t, err)
	_, err = apply(s, protocol.New(protocol.TypeComplete, nil), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, t0, *s.EndTime)
}

func TestApply_TerminalRejectsEverything(t *testing.T) {
	s := running()
	_, err := apply(s, protocol.New(protocol.TypeComplete, nil), t0)
	require.NoError(t, err)
	snapshot := s.Snapshot()

	for _, m := range []protocol.Message{
		status("running"),
		status("paused"),
		logLine("late"),
		protocol.New(protocol.TypeProgress, 50),
		protocol.New(protocol.TypeError, "late failure"),
		protocol.New(protocol.TypeTelemetry, map[string]any{"x": 1}),
	} {
		eff, err := apply(s, m, t0)
		require.NoError(t, err)
		assert.NotEmpty(t, eff.rejected, "%s", m.Type)
		assert.False(t, eff.changed)
	}
	assert.Equal(t, snapshot, s.Snapshot())
}

func TestApply_ProvisionalCancel(t *testing.T) {
	t.Run("contradicting status wins", func(t *testing.T) {
		s := running()
		s.Status = domain.StatusCancelled

		eff, err := apply(s, protocol.New(protocol.TypeStatus, map[string]any{"status": "running", "currentStep": "wash"}), t0)
		require.NoError(t, err)
		assert.True(t, eff.reverted)
		assert.Equal(t, domain.StatusRunning, s.Status)
		assert.Equal(t, "wash", s.CurrentStep)
	})

	t.Run("confirmation", func(t *testing.T) {
		s := running()
		s.Status = domain.StatusCancelled

		eff, err := apply(s, status("cancelled"), t0)
		require.NoError(t, err)
		assert.True(t, eff.changed)
		assert.True(t, s.CancelConfirmed)
		assert.NotNil(t, s.EndTime)

		eff, err = apply(s, status("running"), t0)
		require.NoError(t, err)
		assert.NotEmpty(t, eff.rejected)
		assert.Equal(t, domain.StatusCancelled, s.Status)
	})

	t.Run("non-status messages are not applied", func(t *testing.T) {
		s := running()
		s.Status = domain.StatusCancelled

		eff, err := apply(s, protocol.New(protocol.TypeComplete, nil), t0)
		require.NoError(t, err)
		assert.NotEmpty(t, eff.rejected)
		assert.Equal(t, domain.StatusCancelled, s.Status)
	})
}

func TestApply_StatusTransitions(t *testing.T) {
	s := domain.NewRunState("run-1", "PCR", domain.ModeRemote, t0)

	eff, err := apply(s, status("paused"), t0)
	require.NoError(t, err)
	assert.Equal(t, "invalid transition pending -> paused", eff.rejected)
	assert.Equal(t, domain.StatusPending, s.Status)

	eff, err = apply(s, status("running"), t0)
	require.NoError(t, err)
	assert.True(t, eff.changed)

	eff, err = apply(s, status("running"), t0)
	require.NoError(t, err)
	assert.False(t, eff.changed, "repeated status is a no-op")

	eff, err = apply(s, status("warming up"), t0)
	require.NoError(t, err)
	assert.Contains(t, eff.rejected, "unknown status")
}

func TestApply_FunctionCallAfterTerminal(t *testing.T) {
	s := running()
	_, err := apply(s, protocol.New(protocol.TypeComplete, nil), t0)
	require.NoError(t, err)

	eff, err := apply(s, protocol.New(protocol.TypeFunctionCall, map[string]any{
		"callId": "c9", "sequence": 9, "methodName": "dispense", "status": "success",
	}), t0)
	require.NoError(t, err)
	require.NotNil(t, eff.call)
	assert.Equal(t, "dispense", eff.call.MethodName)
	assert.Empty(t, eff.rejected)
}

func TestApply_Malformed(t *testing.T) {
	s := running()
	before := s.Snapshot()

	_, err := apply(s, protocol.New(protocol.TypeLog, []any{1, 2}), t0)
	assert.ErrorIs(t, err, protocol.ErrMalformedPayload)
	_, err = apply(s, protocol.New(protocol.TypeFunctionCall, map[string]any{"sequence": 1}), t0)
	assert.ErrorIs(t, err, protocol.ErrMalformedPayload)

	assert.Equal(t, before, s.Snapshot())
}
