package blob

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes one stored object
type ObjectInfo struct {
	Bucket       string            `json:"bucket"`
	Key          string            `json:"key"`
	SizeBytes    int64             `json:"size_bytes"`
	ETag         string            `json:"etag"`
	ContentType  string            `json:"content_type,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// PutOptions carries content type and user metadata for a write
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Store is the blob store contract. Keys are ASCII-safe strings; buckets
// are logical partitions. Implementations classify failures into the
// platform error taxonomy: absent objects are NotFound, transport problems
// are TransientBackend.
type Store interface {
	// Put stores bytes under bucket/key. Writing identical bytes to an
	// existing key is a checksum-verified no-op.
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, opts PutOptions) (ObjectInfo, error)

	// Get opens the object for reading
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// Stat describes the object without fetching its bytes
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)

	// Remove deletes the object. Removing an absent key succeeds.
	Remove(ctx context.Context, bucket, key string) error

	// PresignedURL returns a URL external clients can use directly
	PresignedURL(ctx context.Context, method, bucket, key string, expires time.Duration) (string, error)

	// List returns metadata for objects under the prefix
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)

	// EnsureBucket creates the bucket when missing
	EnsureBucket(ctx context.Context, bucket string) error

	// Ping verifies the backend is reachable
	Ping(ctx context.Context) error
}

// ChecksumMetaKey is the user-metadata key carrying the content SHA-256,
// used to verify put idempotency.
const ChecksumMetaKey = "Checksum"
