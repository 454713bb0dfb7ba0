/*
Package labrun coordinates laboratory protocol runs.

A run is one execution of a protocol program, either on a remote execution
backend (HTTP control plane plus a websocket stream) or in-process through an
embedded Lua interpreter or an allow-listed external interpreter. Whatever the
mode, the backend reports progress as a stream of typed execution messages and
labrun folds them into a single RunState, enforcing the run state machine.

Every protocol operation is written to an audit trail. The first state of a
run is stored in full and later states as structural diffs, so the trail can
be replayed to reconstruct the deck after any step.

# Usage

	cfg, err := config.Load(ctx, config.Options{File: "labrun.yaml"})
	if err != nil {
		log.Fatal(err)
	}

	app, err := labrun.New(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer app.Close()

	if _, err := app.StartRun(ctx, coordinator.StartRequest{ProtocolID: "serial-dilution"}); err != nil {
		log.Fatal(err)
	}
	final, err := app.Wait(ctx, nil)

# Architecture

  - pkg/domain: run state, status machine, lifecycle events, state diffs.
  - pkg/protocol: the execution message vocabulary and its JSON codec.
  - pkg/coordinator: the single-run actor that applies messages.
  - pkg/audit: the diff-compacting recorder and the replayer.
  - pkg/adapters: remote, local, stores (memory, file, redis, sql), NATS bus,
    MCP server and the simulated backend.
*/
package labrun
