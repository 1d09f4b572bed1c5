// Package ingress coordinates photo ingestion and ownership of the photo
// CRUD surface.
//
// # Architecture
//
// Upload is a write-ahead sequence. The blob is durable before any record
// exists; a failed record insert compensates by deleting the blob; a
// crashed compensation leaves an orphan for the consistency sweeper.
//
//	validate ─▶ blob.Put ─▶ metastore.Insert ─▶ queue.Enqueue ─▶ publish
//	               │              │ insert fails       │ transient
//	               │              ▼                    ▼
//	               │        blob.Remove          retry w/ backoff
//	               ▼        (compensation)
//	         abort on error
//
// The upload is acknowledged once the job is enqueued; the uploaded event
// is fire-and-forget because the queue entry alone guarantees processing.
//
// # Buckets and keys
//
// Videos land in the video bucket, images over the large threshold in the
// large-image bucket, everything else in the default photo bucket. Keys
// shard by day and upload instant:
//
//	photos/{yyyy-mm-dd}/{unix_ms}/{photo_id}_{sanitized_name}
//
// # Cancellation and deletion
//
// Cancel sets the record's cooperative flag and announces the request;
// the owning worker settles the record as cancelled. Delete cascades the
// pending job, artifacts, blob, and record, in that order, and tolerates
// repeats.
//
// # Integration Points
//
//   - pkg/blob: originals in, presigned URLs out
//   - pkg/metastore: the photo record's source of truth
//   - pkg/queue: one job per upload, keyed photo:{photo_id}
//   - pkg/events: uploaded / cancel.requested / deleted announcements
package ingress
