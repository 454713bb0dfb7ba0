package bus

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aretw0/labrun/internal/logging"
	"github.com/aretw0/labrun/pkg/domain"
)

// DefaultPrefix is the root of every subject.
const DefaultPrefix = "labrun"

// Subjects builds the subjects of run events:
//
//	<prefix>.runs.<runID>.state
//	<prefix>.runs.<runID>.calls
//	<prefix>.runs.<runID>.rejected
//	<prefix>.runs.<runID>.cleared
type Subjects struct {
	Prefix string
}

func (s Subjects) run(runID, kind string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	// Tokens may not contain separators or wildcards.
	token := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(runID)
	return prefix + ".runs." + token + "." + kind
}

// State is the subject of RunState snapshots.
func (s Subjects) State(runID string) string { return s.run(runID, "state") }

// Calls is the subject of function call events.
func (s Subjects) Calls(runID string) string { return s.run(runID, "calls") }

// Rejected is the subject of rejected messages.
func (s Subjects) Rejected(runID string) string { return s.run(runID, "rejected") }

// Cleared is the subject of cleared runs.
func (s Subjects) Cleared(runID string) string { return s.run(runID, "cleared") }

// Hooks returns lifecycle hooks that publish every event. Publish failures
// are logged and never block the run.
func Hooks(pub Publisher, subjects Subjects, logger *slog.Logger) domain.LifecycleHooks {
	if logger == nil {
		logger = logging.NewNop()
	}
	publish := func(ctx context.Context, subj string, v any) {
		if err := pub.Publish(ctx, subj, v); err != nil {
			logger.Warn("failed to publish run event", "subject", subj, "err", err)
		}
	}
	return domain.LifecycleHooks{
		OnStateChange: func(ctx context.Context, e *domain.StateEvent) {
			publish(ctx, subjects.State(e.RunID), e.Current)
		},
		OnFunctionCall: func(ctx context.Context, e *domain.FunctionCallEvent) {
			publish(ctx, subjects.Calls(e.RunID), e)
		},
		OnRejected: func(ctx context.Context, e *domain.RejectedEvent) {
			publish(ctx, subjects.Rejected(e.RunID), e)
		},
		OnCleared: func(ctx context.Context, e *domain.EventBase) {
			publish(ctx, subjects.Cleared(e.RunID), e)
		},
	}
}
