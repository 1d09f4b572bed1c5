package ingress

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/cuemby/darkroom/pkg/blob"
	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/events"
	"github.com/cuemby/darkroom/pkg/log"
	"github.com/cuemby/darkroom/pkg/metastore"
	"github.com/cuemby/darkroom/pkg/metrics"
	"github.com/cuemby/darkroom/pkg/queue"
	"github.com/cuemby/darkroom/pkg/types"
)

const (
	defaultMaxUploadBytes  = 50 << 20
	defaultLargeImageBytes = 10 << 20
	defaultURLTTL          = 15 * time.Minute
)

// originalName allows letters, digits, underscore, dot, dash, and space.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_.\- ]+$`)

// allowedContentTypes is the declared-type allowlist. Sniffing still runs;
// a declared type only passes when the bytes agree.
var allowedContentTypes = map[string]bool{
	"image/jpeg":               true,
	"image/png":                true,
	"image/gif":                true,
	"image/webp":               true,
	"image/bmp":                true,
	"image/tiff":               true,
	"image/heic":               true,
	"video/mp4":                true,
	"video/quicktime":          true,
	"application/octet-stream": true,
}

// Config holds ingress configuration
type Config struct {
	// MaxUploadBytes caps the upload buffer. Default 50 MiB.
	MaxUploadBytes int64

	// LargeImageBytes is the threshold above which images land in the
	// large-image bucket. Default 10 MiB.
	LargeImageBytes int64

	// DedupByChecksum makes a second upload of identical content by the
	// same client conflict instead of creating a new photo. Default off.
	DedupByChecksum bool

	// DefaultPipeline is used when the upload names none.
	DefaultPipeline string

	// URLTTL is the presigned URL lifetime. Cached URLs are reissued at
	// half-life so callers never receive one about to expire.
	URLTTL time.Duration

	// EnqueueRetries bounds the exponential backoff retry of a transient
	// enqueue failure after the metadata row exists.
	EnqueueRetries int
}

func (c Config) withDefaults() Config {
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = defaultMaxUploadBytes
	}
	if c.LargeImageBytes <= 0 {
		c.LargeImageBytes = defaultLargeImageBytes
	}
	if c.DefaultPipeline == "" {
		c.DefaultPipeline = types.PipelineFull
	}
	if c.URLTTL <= 0 {
		c.URLTTL = defaultURLTTL
	}
	if c.EnqueueRetries <= 0 {
		c.EnqueueRetries = 4
	}
	return c
}

// UploadOptions carries the caller-supplied upload fields
type UploadOptions struct {
	OriginalName string
	ContentType  string
	ClientID     string
	SessionID    string
	UserID       string
	Pipeline     string
	Priority     int
	TraceID      string
	Extra        map[string]string
}

// Coordinator owns the upload path: it validates, stores the blob, creates
// the metadata row, enqueues processing, and announces the upload. It also
// serves the photo read, cancel, and delete operations for the API layer.
type Coordinator struct {
	blobs   blob.Store
	meta    metastore.Store
	queue   *queue.Queue
	channel events.Channel
	cfg     Config
	logger  zerolog.Logger

	// urls caches presigned URLs at half their lifetime
	urls *expirable.LRU[string, string]
}

// New creates an ingress coordinator
func New(blobs blob.Store, meta metastore.Store, q *queue.Queue, channel events.Channel, cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		blobs:   blobs,
		meta:    meta,
		queue:   q,
		channel: channel,
		cfg:     cfg,
		logger:  log.WithComponent("ingress"),
		urls:    expirable.NewLRU[string, string](1024, nil, cfg.URLTTL/2),
	}
}

// Upload runs the ingestion sequence: validate, write the blob, insert the
// record, enqueue the job, announce the upload. The blob write and record
// insert form the commit point; a failed insert compensates by deleting
// the blob. The enqueue retries transient failures; the event publish is
// fire-and-forget.
func (c *Coordinator) Upload(ctx context.Context, data []byte, opts UploadOptions) (*types.PhotoRecord, error) {
	sniffed, err := c.validate(data, opts)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	if c.cfg.DedupByChecksum {
		existing, findErr := c.meta.FindByChecksum(ctx, opts.ClientID, checksum)
		switch {
		case findErr == nil:
			metrics.UploadsTotal.WithLabelValues("rejected").Inc()
			return nil, errdefs.New(errdefs.KindConflict,
				"duplicate content; photo %s already has checksum %s", existing.ID, checksum[:12])
		case !errdefs.IsNotFound(findErr):
			metrics.UploadsTotal.WithLabelValues("failed").Inc()
			return nil, findErr
		}
	}

	photoID := uuid.New().String()
	now := time.Now().UTC()
	size := int64(len(data))
	mimeType := resolveMimeType(opts.ContentType, sniffed)
	bucket := deriveBucket(size, mimeType, c.cfg.LargeImageBytes)
	blobKey := fmt.Sprintf("photos/%s/%d/%s_%s",
		now.Format("2006-01-02"), now.UnixMilli(), photoID, sanitizeName(opts.OriginalName))

	if _, err := c.blobs.Put(ctx, bucket, blobKey, bytes.NewReader(data), size, blob.PutOptions{
		ContentType: mimeType,
		Metadata:    map[string]string{blob.ChecksumMetaKey: checksum},
	}); err != nil {
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return nil, errdefs.Wrap(errdefs.KindOf(err), err, "store upload blob")
	}

	rec := &types.PhotoRecord{
		ID:           photoID,
		BlobKey:      blobKey,
		Bucket:       bucket,
		SizeBytes:    size,
		MimeType:     mimeType,
		OriginalName: opts.OriginalName,
		Checksum:     checksum,
		ClientID:     opts.ClientID,
		SessionID:    opts.SessionID,
		UserID:       opts.UserID,
		Status:       types.PhotoStatusQueued,
		Pipeline:     pipelineOrDefault(opts.Pipeline, c.cfg.DefaultPipeline),
		Metadata:     cloneExtra(opts.Extra),
		EventSeq:     1,
		UploadedAt:   now,
	}
	if err := c.meta.Insert(ctx, rec); err != nil {
		c.compensateBlob(bucket, blobKey)
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return nil, errdefs.Wrap(errdefs.KindOf(err), err, "insert photo record")
	}

	if err := c.enqueueWithRetry(ctx, rec, opts); err != nil {
		// the record and blob stay; the job can be re-driven by an
		// operator and the sweeper reports the backlog
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return nil, errdefs.Wrap(errdefs.KindOf(err), err, "enqueue processing job")
	}

	metrics.UploadsTotal.WithLabelValues("accepted").Inc()
	metrics.UploadBytes.Observe(float64(size))

	c.emit(events.New(types.TopicPhotoUploaded, map[string]any{
		"photo_id":      rec.ID,
		"blob_key":      rec.BlobKey,
		"original_name": rec.OriginalName,
		"size_bytes":    rec.SizeBytes,
		"mime_type":     rec.MimeType,
		"status":        string(rec.Status),
	}, types.EventMetadata{
		Source:    "ingress",
		TraceID:   opts.TraceID,
		ClientID:  rec.ClientID,
		SessionID: rec.SessionID,
		PhotoID:   rec.ID,
		Sequence:  1,
	}))

	c.logger.Info().
		Str("photo_id", rec.ID).
		Str("client_id", rec.ClientID).
		Str("bucket", bucket).
		Int64("size_bytes", size).
		Str("mime_type", mimeType).
		Msg("Photo ingested")
	return rec, nil
}

func (c *Coordinator) validate(data []byte, opts UploadOptions) (*mimetype.MIME, error) {
	if len(data) == 0 {
		return nil, errdefs.New(errdefs.KindValidationFailed, "upload buffer is empty")
	}
	if int64(len(data)) > c.cfg.MaxUploadBytes {
		return nil, errdefs.New(errdefs.KindValidationFailed,
			"upload of %d bytes exceeds the %d byte cap", len(data), c.cfg.MaxUploadBytes)
	}
	if opts.OriginalName == "" || !nameRe.MatchString(opts.OriginalName) {
		return nil, errdefs.New(errdefs.KindValidationFailed,
			"original_name %q must be non-empty and contain only letters, digits, spaces, '_', '.', '-'", opts.OriginalName)
	}
	if opts.ClientID == "" {
		return nil, errdefs.New(errdefs.KindValidationFailed, "client_id is required")
	}
	if opts.Priority < 0 || opts.Priority > 10 {
		return nil, errdefs.New(errdefs.KindValidationFailed,
			"priority %d out of range 1..10", opts.Priority)
	}

	sniffed := mimetype.Detect(data)
	if opts.ContentType != "" {
		if !allowedContentTypes[opts.ContentType] {
			return nil, errdefs.New(errdefs.KindValidationFailed,
				"content type %q is not allowed", opts.ContentType)
		}
		if opts.ContentType != "application/octet-stream" && !sniffed.Is(opts.ContentType) {
			return nil, errdefs.New(errdefs.KindValidationFailed,
				"declared content type %q does not match sniffed %q", opts.ContentType, sniffed.String())
		}
	}
	return sniffed, nil
}

// enqueueWithRetry retries transient enqueue failures with exponential
// backoff. The job ID doubles as the producer-side dedup key.
func (c *Coordinator) enqueueWithRetry(ctx context.Context, rec *types.PhotoRecord, opts UploadOptions) error {
	job := &types.Job{
		ID:       "photo:" + rec.ID,
		PhotoID:  rec.ID,
		BlobKey:  rec.BlobKey,
		Bucket:   rec.Bucket,
		Pipeline: rec.Pipeline,
		Priority: opts.Priority,
		TraceID:  opts.TraceID,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	return backoff.Retry(func() error {
		_, err := c.queue.Enqueue(ctx, job)
		if err != nil && !errdefs.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.EnqueueRetries)), ctx))
}

// compensateBlob removes the write-ahead blob after a failed record
// insert. Failure is logged, not surfaced: the consistency sweeper
// reclaims orphans.
func (c *Coordinator) compensateBlob(bucket, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.blobs.Remove(ctx, bucket, key); err != nil {
		c.logger.Warn().Err(err).
			Str("bucket", bucket).
			Str("key", key).
			Msg("Compensating blob delete failed; sweeper will reclaim the orphan")
	}
}

func (c *Coordinator) emit(evt *types.Event) {
	if c.channel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.channel.Publish(ctx, evt); err != nil {
		c.logger.Warn().Err(err).Str("type", evt.Type).Msg("Event publish failed")
	}
}

// resolveMimeType prefers the sniffed type; the declared type only fills
// in when sniffing found nothing more specific than a byte stream.
func resolveMimeType(declared string, sniffed *mimetype.MIME) string {
	s := sniffed.String()
	if idx := strings.IndexByte(s, ';'); idx > 0 {
		s = s[:idx]
	}
	if s != "" && s != "application/octet-stream" {
		return s
	}
	if declared != "" {
		return declared
	}
	return "application/octet-stream"
}

func deriveBucket(size int64, mimeType string, largeThreshold int64) string {
	switch {
	case strings.HasPrefix(mimeType, "video/"):
		return types.BucketVideos
	case size > largeThreshold:
		return types.BucketPhotosLarge
	default:
		return types.BucketPhotos
	}
}

func sanitizeName(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}

func pipelineOrDefault(pipeline, fallback string) string {
	if pipeline != "" {
		return pipeline
	}
	return fallback
}

func cloneExtra(extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(extra))
	for k, v := range extra {
		out[k] = v
	}
	return out
}
