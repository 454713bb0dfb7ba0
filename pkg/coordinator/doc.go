/*
Package coordinator owns the lifecycle of protocol runs.

A Coordinator holds at most one active RunState. Every mutation (control calls,
stream messages, stream ends and stale timers) is applied by a single actor
goroutine, so a late complete can never resurrect a cancelled run. Network calls
happen on the caller's goroutine, and lifecycle hooks run in event order on a
separate dispatcher goroutine.

	coord := coordinator.New(
		coordinator.WithRemote(controlClient, remoteFactory),
		coordinator.WithLocal(source, localFactory),
		coordinator.WithDefaultMode(domain.ModeLocal),
	)
	defer coord.Close()

	runID, err := coord.StartRun(ctx, coordinator.StartRequest{ProtocolID: "pcr"})
*/
package coordinator
