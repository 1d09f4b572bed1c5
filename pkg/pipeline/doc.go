// Package pipeline defines the stage contract, the pipeline registry and
// the engine that drives a photo through its stages.
//
// # Architecture
//
//	             ┌───────────────────────────────────────────┐
//	  job ─────> │ Engine.Execute                            │
//	             │   fetch blob ──> queued→in_progress       │
//	             │   for each stage:                         │
//	             │     run (timeout, grace) ──> artifacts    │
//	             │     record progress + event               │
//	             │   completed / failed / cancelled          │
//	             └───────┬───────────┬──────────┬────────────┘
//	                     v           v          v
//	                blob store   metastore   event channel
//
// A pipeline is an ordered list of stage names resolved against the
// registry at execution time. The built-ins:
//
//	full_processing  = validation, metadata_extraction, thumbnails, optimization
//	quick_processing = validation, metadata_extraction, thumbnails
//
// Deployments may add or override pipelines from a YAML file
// (Registry.LoadFile).
//
// # Idempotent Re-attempts
//
// Jobs are delivered at least once, so every step tolerates a rerun:
// stages already marked done are skipped, artifact keys are derived from
// photo and role (rewriting identical bytes is a checksum no-op in the
// blob store), and record transitions are guarded by the current status.
// Event sequence numbers advance inside the same metastore update as the
// state they describe, so redelivered events reuse their original
// sequence and deduplicate downstream.
//
// # Outcome Contract
//
// Execute's returned error kind is the worker's settle instruction:
//
//	nil          job acked, photo completed
//	Cancelled    job acked, photo cancelled
//	retryable    job nacked for backoff (transient backend, timeout)
//	anything else  job dead-lettered, photo failed
//
// When the job context dies mid-flight the engine re-reads the record to
// tell a user cancel (settle as cancelled) from a process shutdown (hand
// the job back to the queue).
package pipeline
