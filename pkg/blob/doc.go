/*
Package blob stores photo bytes and derived artifacts in S3-compatible
object storage.

The blob store is deliberately dumb: content-addressed-ish keys chosen by
callers, whole-object puts and gets, no partial writes. Anything clever
(which bucket a photo belongs in, what the key looks like) is decided by
the ingress coordinator; this package only guarantees the operation
semantics.

# Implementations

MinIOStore:
  - Production store over the MinIO S3 client
  - Circuit breaker trips after consecutive backend failures and
    fails fast while open
  - Transient errors retried with exponential backoff before
    surfacing as transient_backend
  - Presigned GET URLs cached in an expirable LRU, sized well under
    the URL expiry so a cached URL is always still valid
  - Put with a matching checksum for an existing key is a no-op,
    which makes artifact writes idempotent across job retries

MemoryStore:
  - In-process store for tests and single-binary development
  - FailGets/FailPuts/FailRemoves inject transient faults

# Buckets

Photos land in one of several logical buckets chosen at ingress:

	photos        default originals
	photos-large  originals over the large-object threshold
	videos        video uploads
	artifacts     derived outputs (thumbnails, optimized variants)

EnsureBucket is idempotent and called once at platform startup.

# Error Classification

Backend responses map onto the platform taxonomy: missing keys and
buckets are not_found, quota and auth failures are internal, everything
that smells like a network or availability problem is transient_backend
so callers can retry. Removes of absent keys succeed.
*/
package blob
