/*
Package ports defines the driven ports (interfaces) of the run coordinator.

These interfaces decouple the coordinator and the audit recorder from the
transports and storage engines they talk to.

# Key Interfaces

  - Channel: the streaming side of a run (remote websocket or local sandbox).
  - ControlPlane: request/response calls that create or change the intent of a run.
  - RunStore: durable run records and per-operation call logs.
  - ProtocolSource: resolves protocol programs for local execution.
  - DistributedLocker: serializes audit writes for one run across processes.
*/
package ports
