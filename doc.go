// Package stagez drives items through ordered, failure-prone asynchronous stages and
// fans batches of those runs out under a selectable execution mode.
//
// # Overview
//
// Two components make up the package:
//
//   - Engine: walks a single item through a fixed table of stages. Every stage has a
//     failure probability and a latency range. Each transition is reported to a
//     StatusSink, and the run resolves to exactly one terminal Outcome.
//   - Coordinator: launches one run per item under Parallel, Sequential or RaceFirst,
//     waits on the matching join and reports per-item outcomes with the elapsed time.
//
// # Quick Start
//
//	engine, err := stagez.NewEngine("kitchen", stagez.DeliveryStages()...)
//	if err != nil {
//	    return err
//	}
//	defer engine.Close()
//
//	board := stagez.NewStatusBoard()
//	coordinator := stagez.NewCoordinator("orders")
//	defer coordinator.Close()
//
//	result, err := coordinator.Execute(ctx,
//	    []stagez.Item{"Pizza", "Sushi", "Tacos"},
//	    stagez.Parallel,
//	    engine.Factory(board.Update),
//	)
//	if errors.Is(err, stagez.ErrBusy) {
//	    // another batch is still running on this coordinator
//	}
//	fmt.Printf("%d delivered in %v\n", result.Succeeded(), result.Elapsed)
//
// # Failures
//
// A failed stage is an ordinary outcome. Run and Execute never return it as an error;
// it is carried in Outcome.Failure as a *StageFailure. Use Outcome.Err or
// BatchResult.Err to lift failures into the error domain when needed.
//
// Execute only returns errors for calls that never started a batch: a *BusyError when
// the coordinator is already running one, or a *ConfigError for bad input.
//
// # Time and Randomness
//
// Latency waits and elapsed-time measurement go through a clockz.Clock, and failure
// and latency draws through a Random. Tests inject a fake clock and scripted values so
// outcomes and durations are deterministic.
//
// # Observability
//
// Engine and Coordinator each own a metricz registry, a tracez tracer and hookz
// lifecycle events. Register handlers with the OnXxx methods; handlers run
// asynchronously. Call Close to release them.
package stagez
