/*
Package types defines the core data structures used throughout Darkroom.

This package contains all fundamental types that represent the platform's
domain model: photo records, pipeline stage progress, derived artifacts,
queue jobs, lifecycle events, and worker lifecycle. These types are used by
every other package for state management, wire serialization, and
coordination logic.

# Architecture

The types package is the foundation of Darkroom's data model. It defines:

  - Photo lifecycle (record, status, stage progress, artifacts)
  - Queue semantics (job, job state, backoff and removal policies)
  - Event schema (event, metadata, per-photo sequence)
  - Worker lifecycle states
  - Shared constants (topics, buckets, pipeline names)

All types are designed to be:
  - Serializable (JSON wire format with snake_case field names)
  - Owned by exactly one mutator at a time (see Ownership below)
  - Self-documenting (typed string enums with constants)

# Core Types

Photo Lifecycle:
  - PhotoRecord: Central entity, one row per accepted upload
  - PhotoStatus: queued, in_progress, completed, failed, cancelled
  - StageProgress: Per-stage state and completion percentage
  - Artifact: Derived blob (thumbnail, optimized original)

Queue:
  - Job: Pending processing work for one photo
  - JobState: waiting, delayed, active, completed, dead_letter
  - BackoffPolicy: Retry delay curve (fixed or exponential)
  - RemovalPolicy: Retention of terminal job records
  - DeadLetter: Terminally failed job retained for triage
  - QueueStats: Point-in-time census of queue states

Events:
  - Event: Lifecycle notification with typed topic
  - EventMetadata: Source, timestamps, routing context, sequence

Workers:
  - WorkerState: starting, running, paused, draining, stopped

# Ownership

A PhotoRecord is mutated by exactly one actor at any moment:

	ingress (creation) ──▶ claiming worker (processing) ──▶ DLQ compensator

The queue's exclusive claim enforces this structurally. No package takes
in-process locks around a PhotoRecord; the metadata store's transaction is
the only synchronization point.

# Invariants

The following must hold for every PhotoRecord:

 1. status=queued implies started_at unset, artifacts empty, error empty
 2. status=in_progress implies started_at set, completed_at unset
 3. terminal status implies completed_at set and >= started_at when set
 4. status=completed implies every configured stage is done and error empty
 5. status=failed implies a failed stage or ingress validation failure,
    and error set
 6. blob_key uniquely identifies one object in the blob store
 7. checksum and blob_key are immutable after creation
 8. updated_at strictly increases on every mutation, tie-broken by
    UpdateSeq when the wall clock is coarse

The metastore enforces 6-8 at write time; the pipeline engine maintains 1-5
through its transition protocol.

# Event Ordering

EventMetadata.Sequence is a per-photo monotonic counter. Ingress emits
sequence 1 with photo.uploaded; the worker holding the claim continues from
PhotoRecord.EventSeq, which it persists alongside every status transition.
Because at most one worker ever owns a photo, sequences are totally ordered
per photo even across retries and worker crashes.

Event IDs for sequenced events are derived deterministically from
(photo_id, sequence), so a redelivered event carries the same ID and
idempotent consumers can discard duplicates.

# Usage

Creating a record at ingress:

	rec := &types.PhotoRecord{
		ID:           photoID,
		BlobKey:      key,
		Bucket:       types.BucketPhotos,
		SizeBytes:    int64(len(data)),
		MimeType:     "image/png",
		OriginalName: "vacation.png",
		Checksum:     checksum,
		ClientID:     "c1",
		Status:       types.PhotoStatusQueued,
		Pipeline:     types.PipelineFull,
		EventSeq:     1,
		UploadedAt:   time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

Inspecting terminal states:

	if rec.Status.Terminal() {
		// no further transitions permitted
	}

Building a job:

	job := &types.Job{
		ID:          "photo:" + rec.ID,
		PhotoID:     rec.ID,
		BlobKey:     rec.BlobKey,
		Bucket:      rec.Bucket,
		Pipeline:    rec.Pipeline,
		Priority:    5,
		MaxAttempts: 3,
		Backoff: types.BackoffPolicy{
			Kind:   types.BackoffExponential,
			BaseMS: 1000,
			Factor: 2,
			CapMS:  60000,
		},
	}

# Integration Points

The types package is imported by:
  - pkg/metastore: Persists PhotoRecord rows
  - pkg/queue: Persists and transitions Jobs
  - pkg/events: Publishes and dispatches Events
  - pkg/pipeline: Drives status and stage transitions
  - pkg/ingress: Creates records and jobs
  - pkg/fabric: Routes events to rooms
  - pkg/worker: Drives the pool through WorkerState
  - pkg/api: Serializes records and stats over HTTP

# Thread Safety

Types in this package are plain data and are not safe for concurrent
mutation. The ownership rules above make shared mutation unnecessary;
readers always work from snapshots returned by the metastore.

# See Also

  - pkg/metastore: Metadata persistence and invariant enforcement
  - pkg/queue: Job state machine
  - pkg/events: Event channel and ordering
  - pkg/pipeline: Stage execution protocol
*/
package types
