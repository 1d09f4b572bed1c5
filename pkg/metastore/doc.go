/*
Package metastore persists photo records: the authoritative state of every
photo the platform has accepted.

Records move through a linear lifecycle (queued → in_progress → completed,
with failed and cancelled as terminal exits) and the store enforces the
invariants the rest of the platform leans on: IDs, checksums and blob keys
never change after insert, and updated_at strictly increases on every
mutation so readers can order snapshots of the same record.

# Implementations

BoltStore:
  - Single-file BoltDB database, the production default
  - Records stored as JSON under the photos bucket
  - Secondary index buckets (idx_client, idx_user, idx_checksum) hold
    composite keys ordered for newest-first range scans
  - All mutations run inside one write transaction, so a failed mutate
    callback leaves no trace

MemoryStore:
  - In-process map used by tests and single-binary development
  - Deep-copies records at the boundary, so callers never alias state
  - FailUpdates(n) injects transient faults for retry-path tests

# Index Layout

Client and user indexes encode scope, reversed upload time and ID into a
single key:

	<scope>\x00<MaxInt64 - uploaded_at_nanos, zero padded>\x00<photo_id>

An ascending cursor walk over a scope prefix therefore yields newest
uploads first without an in-memory sort. The checksum index maps
(client_id, checksum) to photo ID for upload deduplication.

# Update Protocol

Update applies a caller-provided mutation inside a transaction:

	rec, err := store.Update(ctx, photoID, func(rec *types.PhotoRecord) error {
		rec.Status = types.PhotoStatusInProgress
		rec.EventSeq++
		return nil
	})

The store rejects mutations that touch id, checksum or blob_key, bumps
update_seq, and advances updated_at past its previous value even when the
wall clock has not moved. Status transitions and event sequence numbers
persist atomically, which is what makes per-photo event ordering safe
across worker crashes.

# Errors

Absent records return not_found; duplicate inserts return conflict;
immutability violations surface as internal errors. Deletes are
idempotent and succeed on absent IDs.
*/
package metastore
