package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/labrun/pkg/adapters/memory"
	redisadapter "github.com/aretw0/labrun/pkg/adapters/redis"
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func call(runID string, seq int64, before, after any) *domain.FunctionCallEvent {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second)
	return &domain.FunctionCallEvent{
		EventBase:   domain.EventBase{Type: domain.EventFunctionCall, RunID: runID, Timestamp: start},
		CallID:      fmt.Sprintf("%s-%d", runID, seq),
		Sequence:    seq,
		MethodName:  "aspirate",
		Args:        map[string]any{"volume": 10},
		StateBefore: before,
		StateAfter:  after,
		Status:      domain.CallSuccess,
		StartTime:   start,
		EndTime:     start.Add(50 * time.Millisecond),
		DurationMs:  50,
	}
}

func state(volume float64) map[string]any {
	return map[string]any{
		"deck": map[string]any{"A1": map[string]any{"volume": volume}},
		"tip":  "T1",
	}
}

func TestRecorder_FirstCallIsFullSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rec := NewRecorder(store)

	entry, err := rec.RecordFunctionCall(ctx, call("r1", 1, state(100), state(90)))
	require.NoError(t, err)

	require.NotNil(t, entry.StateBefore)
	assert.False(t, entry.StateBefore.IsDiff)
	assert.Equal(t, map[string]any{
		"deck": map[string]any{"A1": map[string]any{"volume": 100.0}},
		"tip":  "T1",
	}, entry.StateBefore.Snapshot)

	require.NotNil(t, entry.StateAfter)
	assert.True(t, entry.StateAfter.IsDiff)
	assert.Equal(t, domain.Patch{{Op: domain.OpReplace, Path: "/deck/A1/volume", Value: 90.0}}, entry.StateAfter.Diff)

	stored, err := store.ListFunctionCallLogs(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "r1-1", stored[0].CallID)
}

func TestRecorder_SecondCallDiffsAgainstLastSaved(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(memory.NewStore())

	_, err := rec.RecordFunctionCall(ctx, call("r1", 1, state(100), state(90)))
	require.NoError(t, err)

	// Before of the second call equals after of the first.
	entry, err := rec.RecordFunctionCall(ctx, call("r1", 2, state(90), state(80)))
	require.NoError(t, err)
	assert.Nil(t, entry.StateBefore)
	require.NotNil(t, entry.StateAfter)
	assert.True(t, entry.StateAfter.IsDiff)
	assert.Equal(t, domain.Patch{{Op: domain.OpReplace, Path: "/deck/A1/volume", Value: 80.0}}, entry.StateAfter.Diff)

	// Someone else changed the deck between calls.
	entry, err = rec.RecordFunctionCall(ctx, call("r1", 3, state(70), state(70)))
	require.NoError(t, err)
	require.NotNil(t, entry.StateBefore)
	assert.True(t, entry.StateBefore.IsDiff)
	assert.Nil(t, entry.StateAfter)
}

func TestRecorder_IdenticalOperationOmitsBothStates(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	rec := NewRecorder(memory.NewStore(), WithRegisterer(reg))

	_, err := rec.RecordFunctionCall(ctx, call("r1", 1, state(50), state(50)))
	require.NoError(t, err)
	entry, err := rec.RecordFunctionCall(ctx, call("r1", 2, state(50), state(50)))
	require.NoError(t, err)

	assert.Nil(t, entry.StateBefore)
	assert.Nil(t, entry.StateAfter)

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.fields.WithLabelValues("before", "snapshot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.fields.WithLabelValues("before", "omitted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.fields.WithLabelValues("after", "omitted")))
}

func TestRecorder_RunsHaveIndependentBaselines(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(memory.NewStore())

	_, err := rec.RecordFunctionCall(ctx, call("r1", 1, state(100), state(90)))
	require.NoError(t, err)

	entry, err := rec.RecordFunctionCall(ctx, call("r2", 1, state(90), state(90)))
	require.NoError(t, err)
	require.NotNil(t, entry.StateBefore)
	assert.False(t, entry.StateBefore.IsDiff)
}

func TestRecorder_ForgetReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rec := NewRecorder(store)

	_, err := rec.RecordFunctionCall(ctx, call("r1", 1, state(100), state(90)))
	require.NoError(t, err)
	rec.Forget("r1")

	// The baseline is rebuilt from the stored log, so nothing is repeated.
	entry, err := rec.RecordFunctionCall(ctx, call("r1", 2, state(90), state(90)))
	require.NoError(t, err)
	assert.Nil(t, entry.StateBefore)
	assert.Nil(t, entry.StateAfter)
}

func TestRecorder_UnencodableStateIsOmitted(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(memory.NewStore())

	entry, err := rec.RecordFunctionCall(ctx, call("r1", 1, map[string]any{"bad": make(chan int)}, state(1)))
	require.NoError(t, err)
	assert.Nil(t, entry.StateBefore)
	require.NotNil(t, entry.StateAfter)
	assert.False(t, entry.StateAfter.IsDiff, "first encodable state is the snapshot")
}

func TestRecorder_MissingCallIDAndStatusAreFilled(t *testing.T) {
	rec := NewRecorder(memory.NewStore())
	rec.newID = func() string { return "generated" }

	ev := call("r1", 1, nil, nil)
	ev.CallID = ""
	ev.Status = ""
	entry, err := rec.RecordFunctionCall(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "generated", entry.CallID)
	assert.Equal(t, domain.CallSuccess, entry.Status)
}

func TestRecorder_RequiresRunID(t *testing.T) {
	rec := NewRecorder(memory.NewStore())
	_, err := rec.RecordFunctionCall(context.Background(), call("", 1, nil, nil))
	assert.Error(t, err)
}

type failingStore struct {
	*memory.Store
	fail bool
}

func (f *failingStore) CreateFunctionCallLog(ctx context.Context, entry domain.FunctionCallLogEntry) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.CreateFunctionCallLog(ctx, entry)
}

func TestRecorder_FailedWriteDoesNotAdvanceBaseline(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: memory.NewStore()}
	rec := NewRecorder(store)

	_, err := rec.RecordFunctionCall(ctx, call("r1", 1, state(100), state(90)))
	require.NoError(t, err)

	store.fail = true
	_, err = rec.RecordFunctionCall(ctx, call("r1", 2, state(90), state(80)))
	require.ErrorContains(t, err, "disk full")

	store.fail = false
	entry, err := rec.RecordFunctionCall(ctx, call("r1", 3, state(80), state(70)))
	require.NoError(t, err)

	calls, err := Replay(mustList(t, store, "r1"))
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, int64(3), entry.Sequence)
	assert.Equal(t, 80.0, volumeOf(t, calls[1].Before))
	assert.Equal(t, 70.0, volumeOf(t, calls[1].After))
}

func TestRecorder_DuplicateCallIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rec := NewRecorder(store)

	_, err := rec.RecordFunctionCall(ctx, call("r1", 1, state(100), state(90)))
	require.NoError(t, err)
	_, err = rec.RecordFunctionCall(ctx, call("r1", 2, state(90), state(80)))
	require.NoError(t, err)

	// Delivered again, e.g. after a retried hook.
	_, err = rec.RecordFunctionCall(ctx, call("r1", 1, state(100), state(90)))
	require.ErrorIs(t, err, domain.ErrCallExists)

	entries := mustList(t, store, "r1")
	require.Len(t, entries, 2)
	require.NotNil(t, entries[0].StateBefore)
	assert.False(t, entries[0].StateBefore.IsDiff)

	// The baseline still sits at the last stored state.
	entry, err := rec.RecordFunctionCall(ctx, call("r1", 3, state(80), state(70)))
	require.NoError(t, err)
	assert.Nil(t, entry.StateBefore)
	require.NotNil(t, entry.StateAfter)
	assert.True(t, entry.StateAfter.IsDiff)

	calls, err := Replay(mustList(t, store, "r1"))
	require.NoError(t, err)
	require.Len(t, calls, 3)
	assert.Equal(t, 100.0, volumeOf(t, calls[0].Before))
	assert.Equal(t, 80.0, volumeOf(t, calls[1].After))
	assert.Equal(t, 80.0, volumeOf(t, calls[2].Before))
	assert.Equal(t, 70.0, volumeOf(t, calls[2].After))
}

func TestRecorder_HooksIgnoreDuplicateCalls(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	hooks := NewRecorder(store).Hooks()

	hooks.OnFunctionCall(ctx, call("r1", 1, state(100), state(90)))
	hooks.OnFunctionCall(ctx, call("r1", 1, state(50), state(40)))

	entries := mustList(t, store, "r1")
	require.Len(t, entries, 1)
	assert.Equal(t, 100.0, volumeOf(t, entries[0].StateBefore.Snapshot))
}

func TestRecorder_ConcurrentRunsDoNotLeakLocks(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(memory.NewStore())

	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			runID := fmt.Sprintf("run-%d", r)
			for i := 1; i <= 50; i++ {
				_, err := rec.RecordFunctionCall(ctx, call(runID, int64(i), state(float64(i)), state(float64(i+1))))
				assert.NoError(t, err)
			}
		}(r)
	}
	wg.Wait()

	rec.mu.Lock()
	assert.Empty(t, rec.locks, "lock map should be empty after all calls")
	rec.mu.Unlock()
}

func TestRecorder_DistributedLockerReloadsBaseline(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := memory.NewStore()
	locker := redisadapter.NewLocker(client, "test:")
	a := NewRecorder(store, WithLocker(locker))
	b := NewRecorder(store, WithLocker(locker))

	_, err := a.RecordFunctionCall(ctx, call("r1", 1, state(100), state(90)))
	require.NoError(t, err)

	// b never saw the first call but continues from the shared log.
	entry, err := b.RecordFunctionCall(ctx, call("r1", 2, state(90), state(80)))
	require.NoError(t, err)
	assert.Nil(t, entry.StateBefore)
	require.NotNil(t, entry.StateAfter)
	assert.True(t, entry.StateAfter.IsDiff)

	entry, err = a.RecordFunctionCall(ctx, call("r1", 3, state(80), state(80)))
	require.NoError(t, err)
	assert.Nil(t, entry.StateBefore)
	assert.Nil(t, entry.StateAfter)

	assert.Empty(t, mr.Keys(), "locks are released")
}

func TestRecorder_Hooks(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rec := NewRecorder(store)
	hooks := rec.Hooks()

	require.NoError(t, rec.RecordRun(ctx, domain.RunRecord{RunID: "r1", ProtocolID: "pcr", Status: domain.StatusPending}))

	pending := domain.RunState{RunID: "r1", Status: domain.StatusPending}
	running := domain.RunState{RunID: "r1", Status: domain.StatusRunning}
	hooks.OnStateChange(ctx, &domain.StateEvent{EventBase: domain.EventBase{RunID: "r1"}, Current: pending})
	hooks.OnStateChange(ctx, &domain.StateEvent{EventBase: domain.EventBase{RunID: "r1"}, Previous: &pending, Current: running})

	record, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, record.Status)

	// Unknown runs are ignored.
	hooks.OnStateChange(ctx, &domain.StateEvent{EventBase: domain.EventBase{RunID: "ghost"}, Previous: &pending, Current: running})

	hooks.OnFunctionCall(ctx, call("r1", 1, state(1), state(2)))
	assert.Len(t, mustList(t, store, "r1"), 1)

	hooks.OnCleared(ctx, &domain.EventBase{RunID: "r1"})
	rec.mu.Lock()
	assert.NotContains(t, rec.baselines, "r1")
	rec.mu.Unlock()
}

func mustList(t *testing.T, store interface {
	ListFunctionCallLogs(context.Context, string) ([]domain.FunctionCallLogEntry, error)
}, runID string) []domain.FunctionCallLogEntry {
	t.Helper()
	entries, err := store.ListFunctionCallLogs(context.Background(), runID)
	require.NoError(t, err)
	return entries
}

func volumeOf(t *testing.T, s any) float64 {
	t.Helper()
	m, ok := s.(map[string]any)
	require.True(t, ok, "state is %T", s)
	return m["deck"].(map[string]any)["A1"].(map[string]any)["volume"].(float64)
}
