package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/labrun/internal/logging"
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/ports"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// baseline is the last state saved for a run.
type baseline struct {
	value any
}

// Recorder writes call logs for completed and failed operations.
// Writes of one run are serialized; different runs proceed in parallel.
type Recorder struct {
	store   ports.RunStore
	locker  ports.DistributedLocker
	lockTTL time.Duration
	logger  *slog.Logger
	fields  *prometheus.CounterVec
	newID   func() string

	mu        sync.Mutex
	locks     map[string]*lockEntry
	baselines map[string]*baseline
}

// Option configures the Recorder.
type Option func(*Recorder)

// WithLocker serializes writes of a run across processes that share the store.
// The baseline is then reloaded from the store for every operation.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(r *Recorder) {
		r.locker = locker
	}
}

// WithLockTTL sets the expiry of distributed locks.
func WithLockTTL(ttl time.Duration) Option {
	return func(r *Recorder) {
		r.lockTTL = ttl
	}
}

// WithLogger configures a logger for the Recorder.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithRegisterer registers the recorder's collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Recorder) {
		r.fields = newFieldCounter(reg)
	}
}

// NewRecorder creates a Recorder that writes to store.
func NewRecorder(store ports.RunStore, opts ...Option) *Recorder {
	r := &Recorder{
		store:     store,
		lockTTL:   30 * time.Second,
		logger:    logging.NewNop(),
		newID:     uuid.NewString,
		locks:     make(map[string]*lockEntry),
		baselines: make(map[string]*baseline),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.fields == nil {
		r.fields = newFieldCounter(nil)
	}
	return r
}

func newFieldCounter(reg prometheus.Registerer) *prometheus.CounterVec {
	return promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "labrun_audit_state_fields_total",
		Help: "Stored state fields of call log entries by encoding.",
	}, []string{"field", "encoding"})
}

// RecordFunctionCall persists one operation.
//
// The first state seen for a run is stored in full. Every later state is
// stored as a diff against the last saved state, or omitted when equal.
// A state that cannot be encoded is omitted and logged.
//
// A call ID that is already stored is not written again; the error wraps
// domain.ErrCallExists and the baseline stays where the stored entries left it.
func (r *Recorder) RecordFunctionCall(ctx context.Context, ev *domain.FunctionCallEvent) (domain.FunctionCallLogEntry, error) {
	entry := domain.FunctionCallLogEntry{
		CallID:       ev.CallID,
		RunID:        ev.RunID,
		Sequence:     ev.Sequence,
		MethodName:   ev.MethodName,
		Args:         ev.Args,
		Status:       ev.Status,
		StartTime:    ev.StartTime,
		EndTime:      ev.EndTime,
		DurationMs:   ev.DurationMs,
		ErrorMessage: ev.ErrorMessage,
	}
	if entry.CallID == "" {
		entry.CallID = r.newID()
	}
	if entry.Status == "" {
		entry.Status = domain.CallSuccess
	}
	if ev.RunID == "" {
		return entry, errors.New("function call has no run ID")
	}
	logger := r.logger.With("run_id", ev.RunID, "call_id", entry.CallID)

	err := r.withLock(ctx, ev.RunID, func(ctx context.Context) error {
		base, err := r.baseline(ctx, ev.RunID)
		if err != nil {
			return err
		}

		entry.StateBefore = r.compact(logger, "before", base, ev.StateBefore)
		entry.StateAfter = r.compact(logger, "after", base, ev.StateAfter)

		if err := r.store.CreateFunctionCallLog(ctx, entry); err != nil {
			if errors.Is(err, domain.ErrCallExists) {
				return err
			}
			// Keep the baseline consistent with what is durable.
			r.forget(ev.RunID)
			return fmt.Errorf("failed to store call log: %w", err)
		}
		r.mu.Lock()
		r.baselines[ev.RunID] = base
		r.mu.Unlock()
		return nil
	})
	return entry, err
}

// compact encodes state relative to base and moves base forward.
func (r *Recorder) compact(logger *slog.Logger, field string, base *baseline, state any) *domain.StoredState {
	if state == nil {
		r.fields.WithLabelValues(field, "omitted").Inc()
		return nil
	}
	norm, err := domain.Normalize(state)
	if err != nil {
		logger.Warn("omitting state that cannot be encoded", "field", field, "err", err)
		r.fields.WithLabelValues(field, "omitted").Inc()
		return nil
	}

	if base.value == nil {
		base.value = norm
		r.fields.WithLabelValues(field, "snapshot").Inc()
		return domain.FullSnapshot(norm)
	}

	patch, err := domain.Diff(base.value, norm)
	if err != nil {
		logger.Warn("omitting state that cannot be diffed", "field", field, "err", err)
		r.fields.WithLabelValues(field, "omitted").Inc()
		return nil
	}
	base.value = norm
	if patch == nil {
		r.fields.WithLabelValues(field, "omitted").Inc()
		return nil
	}
	r.fields.WithLabelValues(field, "diff").Inc()
	return domain.DiffState(patch)
}

// baseline returns a working copy of the run's last saved state. With a
// distributed locker, or when nothing is cached, it is rebuilt from the store.
func (r *Recorder) baseline(ctx context.Context, runID string) (*baseline, error) {
	if r.locker == nil {
		r.mu.Lock()
		b, ok := r.baselines[runID]
		r.mu.Unlock()
		if ok {
			return &baseline{value: b.value}, nil
		}
	}

	entries, err := r.store.ListFunctionCallLogs(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load call logs: %w", err)
	}
	state, err := LastState(entries)
	if err != nil {
		return nil, err
	}
	return &baseline{value: state}, nil
}

// Forget drops the cached baseline of a run.
func (r *Recorder) Forget(runID string) {
	r.forget(runID)
}

func (r *Recorder) forget(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.baselines, runID)
}

// RecordRun stores the mirror record of a run.
func (r *Recorder) RecordRun(ctx context.Context, record domain.RunRecord) error {
	if err := r.store.CreateRun(ctx, record); err != nil {
		return fmt.Errorf("failed to store run record: %w", err)
	}
	return nil
}

// RecordStatus mirrors a status change into the run record.
func (r *Recorder) RecordStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	if err := r.store.UpdateRunStatus(ctx, runID, status); err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

// Hooks returns coordinator hooks that feed the Recorder: operations are
// logged, status changes are mirrored, and cleared runs are forgotten.
func (r *Recorder) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnFunctionCall: func(ctx context.Context, e *domain.FunctionCallEvent) {
			_, err := r.RecordFunctionCall(ctx, e)
			switch {
			case errors.Is(err, domain.ErrCallExists):
				r.logger.Debug("duplicate function call ignored", "run_id", e.RunID, "call_id", e.CallID)
			case err != nil:
				r.logger.Error("failed to record function call", "run_id", e.RunID, "method", e.MethodName, "err", err)
			}
		},
		OnStateChange: func(ctx context.Context, e *domain.StateEvent) {
			if e.Previous == nil || e.Previous.Status == e.Current.Status {
				return
			}
			err := r.RecordStatus(ctx, e.RunID, e.Current.Status)
			if err != nil && !errors.Is(err, domain.ErrRunNotFound) {
				r.logger.Error("failed to mirror run status", "run_id", e.RunID, "status", e.Current.Status, "err", err)
			}
		},
		OnCleared: func(ctx context.Context, e *domain.EventBase) {
			r.Forget(e.RunID)
		},
	}
}
