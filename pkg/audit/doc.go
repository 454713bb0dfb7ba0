// Package audit persists run records and per-operation call logs.
//
// The Recorder stores the state of a run's first operation in full and every
// later state as a diff against the last state it saved, or not at all when
// nothing changed. Durable log size therefore follows the amount of change in
// a run, not the number of operations. Replay reverses the compaction.
package audit
