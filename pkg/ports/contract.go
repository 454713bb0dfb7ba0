package ports

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aretw0/labrun/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreContract runs a suite of tests to verify that a RunStore implementation
// adheres to the defined interface contract.
func RunStoreContract(t *testing.T, store RunStore) {
	ctx := context.Background()
	runID := "contract-run-" + time.Now().Format("20060102150405.000000000")
	created := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("Create and Get", func(t *testing.T) {
		record := domain.RunRecord{
			RunID:        runID,
			ProtocolID:   "pcr-setup",
			ProtocolName: "PCR Setup",
			Mode:         domain.ModeLocal,
			Simulation:   true,
			Parameters:   map[string]any{"cycles": 30},
			Status:       domain.StatusPending,
			CreatedAt:    created,
			UpdatedAt:    created,
		}
		require.NoError(t, store.CreateRun(ctx, record), "CreateRun should not return error")

		loaded, err := store.GetRun(ctx, runID)
		require.NoError(t, err, "GetRun should not return error")
		assert.Equal(t, record.ProtocolName, loaded.ProtocolName)
		assert.Equal(t, domain.ModeLocal, loaded.Mode)
		assert.Equal(t, domain.StatusPending, loaded.Status)
		assert.True(t, loaded.Simulation)
		// JSON-backed stores turn numbers into float64; only check presence.
		assert.NotNil(t, loaded.Parameters["cycles"])
		assert.True(t, created.Equal(loaded.CreatedAt), "CreatedAt should survive a round trip")
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := store.GetRun(ctx, "non-existent-"+runID)
		assert.ErrorIs(t, err, domain.ErrRunNotFound)
	})

	t.Run("Update Status", func(t *testing.T) {
		require.NoError(t, store.UpdateRunStatus(ctx, runID, domain.StatusRunning))

		loaded, err := store.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRunning, loaded.Status)
		assert.False(t, loaded.UpdatedAt.Before(loaded.CreatedAt))
	})

	t.Run("Update Non-Existent", func(t *testing.T) {
		err := store.UpdateRunStatus(ctx, "non-existent-"+runID, domain.StatusRunning)
		assert.ErrorIs(t, err, domain.ErrRunNotFound)
	})

	t.Run("List Runs", func(t *testing.T) {
		other := runID + "-2"
		require.NoError(t, store.CreateRun(ctx, domain.RunRecord{
			RunID:     other,
			Mode:      domain.ModeRemote,
			Status:    domain.StatusPending,
			CreatedAt: created.Add(time.Second),
			UpdatedAt: created.Add(time.Second),
		}))

		runs, err := store.ListRuns(ctx)
		require.NoError(t, err)

		ids := make([]string, 0, len(runs))
		for _, r := range runs {
			ids = append(ids, r.RunID)
		}
		assert.Contains(t, ids, runID)
		assert.Contains(t, ids, other)
	})

	t.Run("Function Call Logs", func(t *testing.T) {
		start := created
		// Written out of order on purpose: listing must sort by sequence.
		for _, seq := range []int64{3, 1, 2} {
			entry := domain.FunctionCallLogEntry{
				CallID:     fmt.Sprintf("%s-call-%d", runID, seq),
				RunID:      runID,
				Sequence:   seq,
				MethodName: "aspirate",
				Args:       map[string]any{"well": "A1", "volume": 10},
				Status:     domain.CallSuccess,
				StartTime:  start,
				EndTime:    start.Add(time.Millisecond),
				DurationMs: 1,
			}
			if seq == 1 {
				entry.StateBefore = domain.FullSnapshot(map[string]any{"A1": 100})
			}
			if seq == 2 {
				entry.StateAfter = domain.DiffState(domain.Patch{{Op: domain.OpReplace, Path: "/A1", Value: 90}})
			}
			require.NoError(t, store.CreateFunctionCallLog(ctx, entry))
		}

		logs, err := store.ListFunctionCallLogs(ctx, runID)
		require.NoError(t, err)
		require.Len(t, logs, 3)
		assert.Equal(t, []int64{1, 2, 3}, []int64{logs[0].Sequence, logs[1].Sequence, logs[2].Sequence})

		require.NotNil(t, logs[0].StateBefore)
		assert.False(t, logs[0].StateBefore.IsDiff)
		assert.Nil(t, logs[0].StateAfter)

		require.NotNil(t, logs[1].StateAfter)
		assert.True(t, logs[1].StateAfter.IsDiff)
		assert.Len(t, logs[1].StateAfter.Diff, 1)
		assert.Nil(t, logs[2].StateBefore)
		assert.Nil(t, logs[2].StateAfter)
	})

	t.Run("Function Call Logs Are Insert-Only", func(t *testing.T) {
		dup := domain.FunctionCallLogEntry{
			CallID:      fmt.Sprintf("%s-call-%d", runID, 1),
			RunID:       runID,
			Sequence:    1,
			MethodName:  "dispense",
			StateBefore: domain.DiffState(domain.Patch{{Op: domain.OpReplace, Path: "/A1", Value: 1}}),
			Status:      domain.CallFailed,
			StartTime:   created,
			EndTime:     created,
		}
		err := store.CreateFunctionCallLog(ctx, dup)
		assert.ErrorIs(t, err, domain.ErrCallExists)

		logs, err := store.ListFunctionCallLogs(ctx, runID)
		require.NoError(t, err)
		require.Len(t, logs, 3)
		assert.Equal(t, "aspirate", logs[0].MethodName)
		assert.Equal(t, domain.CallSuccess, logs[0].Status)
		require.NotNil(t, logs[0].StateBefore)
		assert.False(t, logs[0].StateBefore.IsDiff, "the stored snapshot must survive a duplicate")
	})

	t.Run("Function Call Logs Empty Run", func(t *testing.T) {
		logs, err := store.ListFunctionCallLogs(ctx, "no-logs-"+runID)
		require.NoError(t, err)
		assert.Empty(t, logs)
	})
}
