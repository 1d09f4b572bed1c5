// Package worker binds queue consumers to the pipeline engine.
//
// # Architecture
//
// A pool runs N consumer goroutines. Each consumer claims one job at a
// time, executes it, and settles the claim from the outcome:
//
//	          ┌────────────────────── Pool ──────────────────────┐
//	          │                                                   │
//	 queue ──▶│ consumer 0 ─┐                                     │
//	          │ consumer 1 ─┼─▶ Executor.Execute(ctx, job)        │
//	          │ consumer N ─┘         │                           │
//	          │                       ▼                           │
//	          │   nil | cancelled ──▶ Ack      (job leaves queue) │
//	          │   retryable ────────▶ Nack     (backoff, requeue) │
//	          │   fatal ────────────▶ Nack     (dead-letter)      │
//	          └───────────────────────────────────────────────────┘
//
// A heartbeat loop extends the lease of every in-flight job at a third of
// the lease interval. If an extension reports the lease gone, the run is
// cancelled so at most one consumer works a job at any time.
//
// # Lifecycle
//
//	starting → running ⇄ paused → draining → stopped
//
// Pause stops claims without touching active jobs. Drain retires all
// consumers, waits up to ShutdownTimeout for active jobs, then cancels the
// stragglers; interrupted executions settle as retryable and their jobs
// return to the queue. ScaleTo adds consumers or retires them; retirement
// always drains, never kills.
//
// # Cancellation
//
// When an event channel is supplied, the pool subscribes to cancel
// requests and interrupts the matching in-flight execution immediately.
// Without a channel, cancellation still lands between pipeline stages.
//
// # Usage
//
//	pool := worker.New(q, engine, channel, worker.Config{Concurrency: 8})
//	if err := pool.Start(); err != nil {
//		return err
//	}
//	defer pool.Stop()
//
// # Integration Points
//
//   - pkg/queue: claims, acks, nacks, lease extension
//   - pkg/pipeline: the production Executor
//   - pkg/events: cancel-request subscription
//   - pkg/health: pool state reporting
package worker
