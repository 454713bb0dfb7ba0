package domain

// transitions lists the edges of the run state machine. Terminal states have
// no outgoing edges; only clearing the run leaves them.
// Pending may finish directly: a backend can report its outcome before the
// first status message is applied.
var transitions = map[RunStatus][]RunStatus{
	StatusPending: {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to RunStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
