// Package faults captures unhandled faults (recovered panics and failed
// calls) and ships them, batched, to a remote collector.
//
// The package is organized around four cooperating pieces:
//
//   - Registry: per-context hook chains. RecoverMain and Go/RecoverWorker
//     turn a panic at the top of main or of a worker goroutine into a
//     Fault and dispatch it through the installed hooks.
//   - Router: turns a Fault into an immutable Record, logs it through zap
//     and enqueues it. Run, RunErr and Wrap give call sites an explicit
//     choice between logging-and-continuing and logging-and-propagating.
//   - Buffer: bounded FIFO of Records flushed to an Exporter by size, by
//     linger time, or on shutdown.
//   - Coordinator: one bounded final flush before the process exits.
//
// # Quick Start
//
//	pipeline := faults.NewPipeline(httpbatch.New(endpoint), faults.WithLogger(logger))
//	if err := pipeline.InstallGlobalHandlers(logger, true); err != nil {
//	    logger.Warn("install fault hooks", zap.Error(err))
//	}
//	defer pipeline.Shutdown(context.Background())
//	defer pipeline.Registry.RecoverMain() // runs first, before the final flush
//
//	pipeline.Registry.Go("poller", poll)
//	_, _ = faults.Run(ctx, pipeline.Router, "divide", faults.Suppress, divide)
//
// # Design Principles
//
//   - The capture path never panics and never blocks beyond a short
//     critical section; failures inside it go to the Fallback sink.
//   - Export is all-or-nothing per batch and bounded by a timeout; failed
//     batches are dropped and counted, never retried from memory.
//   - Records leave the buffer in the order they entered it.
package faults
