// Package queue implements the redis-backed job queue that feeds photo
// processing work to the worker pool.
//
// # Architecture
//
// One logical queue is a family of redis keys under
// "<namespace>:q:<name>":
//
//	┌──────────┐  due   ┌──────────┐ claim ┌──────────┐  ack  ┌───────────┐
//	│ :delayed │ ─────> │ :waiting │ ────> │ :active  │ ────> │ completed │
//	│  (zset)  │        │  (zset)  │ <──── │  (zset)  │       │ (counter) │
//	└──────────┘        └──────────┘ retry └──────────┘       └───────────┘
//	      ^                                     │ fatal /
//	      │ nack (retryable)                    │ attempts spent
//	      └─────────────────────────────────────┤
//	                                            v
//	                                      ┌──────────┐
//	                                      │  :dead   │
//	                                      │ (stream) │
//	                                      └──────────┘
//
// The waiting set is ordered by a packed score of (priority, insertion
// sequence): higher priority claims first, FIFO within a priority. The
// active set is ordered by lease deadline so the janitor can find expired
// claims with one range query. Job bodies live in per-job hashes.
//
// # Atomicity
//
// Every state transition runs as a single server-side Lua script
// (scripts.go). There is no point where a job is visible in two states or
// in none, and two consumers can never claim the same job. Wall-clock
// time is always passed in from Go, never read inside a script.
//
// # Delivery Semantics
//
// Delivery is at-least-once. A claim grants a lease; consumers must ack,
// nack or extend before the deadline. When a consumer dies, the janitor
// reclaims the lease and requeues the job (or dead-letters it once its
// attempt budget is spent), so a job that was mid-flight may run again.
// Handlers are expected to be idempotent.
//
// Enqueue deduplicates on job ID: if a live (waiting, delayed or active)
// job with the same ID exists, the enqueue returns that job instead of
// inserting. Recurring schedules lean on this to collapse concurrent
// schedulers to one job per tick.
//
// # Usage
//
//	q := queue.New(client, queue.Config{Namespace: "darkroom", Name: "photos"})
//	q.Start()
//	defer q.Stop()
//
//	res, err := q.Enqueue(ctx, &types.Job{
//		ID:       "photo:" + photoID,
//		PhotoID:  photoID,
//		Pipeline: "full_processing",
//		Priority: 7,
//	})
//
// Consumers claim in a loop; Claim blocks on a wake channel plus a
// jittered poll and returns (nil, nil) when the context ends:
//
//	job, err := q.Claim(ctx, time.Minute)
//	if job == nil {
//		return // shutting down
//	}
//	if err := process(ctx, job); err != nil {
//		q.Nack(ctx, job, err) // retryable errors reschedule with backoff
//	} else {
//		q.Ack(ctx, job)
//	}
//
// # Integration Points
//
//	Ingress    - enqueues one job per accepted upload (ID "photo:<id>")
//	Worker     - claims, heartbeat-extends, acks/nacks
//	Platform   - registers the hourly consistency sweep via AddRecurring,
//	             runs Start/Stop with process lifecycle
//	API        - surfaces Stats, Pause/Resume, DeadLetters, RequeueDead
package queue
