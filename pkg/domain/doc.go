/*
Package domain contains the core models of the run coordinator.

It is kept pure and free of I/O so that every other package (transports, stores,
the coordinator itself) can depend on it.

# Key Entities

  - RunState: the client-side view of one execution and its status state machine (CanTransition).
  - FunctionCallLogEntry: the durable, immutable audit record of one protocol operation.
  - RunRecord: the local mirror of a run kept in the durable store.
  - Patch: a structural diff between two snapshots (Diff / Apply).
  - LifecycleHooks: observability callbacks fired by the coordinator.
*/
package domain
