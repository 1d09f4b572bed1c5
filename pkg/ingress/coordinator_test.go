package ingress

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/darkroom/pkg/blob"
	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/events"
	"github.com/cuemby/darkroom/pkg/metastore"
	"github.com/cuemby/darkroom/pkg/queue"
	"github.com/cuemby/darkroom/pkg/types"
)

type eventSink struct {
	mu     sync.Mutex
	events []*types.Event
}

func (s *eventSink) handle(_ context.Context, evt *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *eventSink) find(eventType string) *types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Type == eventType {
			return e
		}
	}
	return nil
}

type harness struct {
	ing   *Coordinator
	blobs *blob.MemoryStore
	meta  *metastore.MemoryStore
	q     *queue.Queue
	sink  *eventSink
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.New(client, queue.Config{Namespace: "test", Name: "photos"})

	bus := events.NewLocalBus()
	t.Cleanup(func() { bus.Close() })
	sink := &eventSink{}
	_, err := bus.Subscribe("photo.*", sink.handle)
	require.NoError(t, err)

	h := &harness{
		blobs: blob.NewMemoryStore(),
		meta:  metastore.NewMemoryStore(),
		q:     q,
		sink:  sink,
	}
	h.ing = New(h.blobs, h.meta, h.q, bus, cfg)
	return h
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{200, 30, 80, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func validOpts() UploadOptions {
	return UploadOptions{
		OriginalName: "beach day.png",
		ClientID:     "client-1",
		SessionID:    "session-1",
		TraceID:      "trace-1",
	}
}

func (h *harness) waitingJobs(t *testing.T) int64 {
	t.Helper()
	stats, err := h.q.Stats(context.Background())
	require.NoError(t, err)
	return stats.Waiting
}

func TestUploadHappyPath(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	data := pngBytes(t, 32, 32)

	rec, err := h.ing.Upload(ctx, data, validOpts())
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, types.PhotoStatusQueued, rec.Status)
	assert.Equal(t, types.PipelineFull, rec.Pipeline)
	assert.Equal(t, types.BucketPhotos, rec.Bucket)
	assert.Equal(t, "image/png", rec.MimeType)
	assert.Equal(t, "beach day.png", rec.OriginalName)
	assert.EqualValues(t, len(data), rec.SizeBytes)
	assert.EqualValues(t, 1, rec.EventSeq)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), rec.Checksum)

	assert.True(t, strings.HasPrefix(rec.BlobKey, "photos/"), rec.BlobKey)
	assert.Contains(t, rec.BlobKey, rec.ID+"_beach_day.png")

	info, err := h.blobs.Stat(ctx, rec.Bucket, rec.BlobKey)
	require.NoError(t, err)
	assert.EqualValues(t, len(data), info.SizeBytes)

	stored, err := h.meta.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Checksum, stored.Checksum)

	job, err := h.q.TryClaim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "photo:"+rec.ID, job.ID)
	assert.Equal(t, rec.ID, job.PhotoID)
	assert.Equal(t, rec.BlobKey, job.BlobKey)
	assert.Equal(t, rec.Bucket, job.Bucket)
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, "trace-1", job.TraceID)

	require.Eventually(t, func() bool {
		return h.sink.find(types.TopicPhotoUploaded) != nil
	}, 2*time.Second, 10*time.Millisecond)

	evt := h.sink.find(types.TopicPhotoUploaded)
	assert.Equal(t, events.DeterministicID(rec.ID, 1), evt.ID)
	assert.EqualValues(t, 1, evt.Metadata.Sequence)
	assert.Equal(t, "client-1", evt.Metadata.ClientID)
	assert.Equal(t, rec.BlobKey, evt.Data["blob_key"])
}

func TestUploadValidation(t *testing.T) {
	h := newHarness(t, Config{MaxUploadBytes: 1 << 20})
	ctx := context.Background()
	img := pngBytes(t, 16, 16)

	cases := []struct {
		name string
		data []byte
		opts UploadOptions
	}{
		{"empty buffer", nil, validOpts()},
		{"oversized", make([]byte, 2<<20), validOpts()},
		{"bad name", img, UploadOptions{OriginalName: "../etc/passwd", ClientID: "c1"}},
		{"empty name", img, UploadOptions{OriginalName: "", ClientID: "c1"}},
		{"missing client", img, UploadOptions{OriginalName: "a.png"}},
		{"disallowed type", img, UploadOptions{OriginalName: "a.zip", ClientID: "c1", ContentType: "application/zip"}},
		{"type mismatch", img, UploadOptions{OriginalName: "a.jpg", ClientID: "c1", ContentType: "image/jpeg"}},
		{"priority out of range", img, UploadOptions{OriginalName: "a.png", ClientID: "c1", Priority: 11}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.ing.Upload(ctx, tc.data, tc.opts)
			require.Error(t, err)
			assert.True(t, errdefs.IsValidationFailed(err), "got %v", err)
		})
	}

	// nothing was persisted by any rejected attempt
	count, err := h.meta.Count(ctx, metastore.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	objects, err := h.blobs.List(ctx, types.BucketPhotos, "")
	require.NoError(t, err)
	assert.Empty(t, objects)
	assert.EqualValues(t, 0, h.waitingJobs(t))
}

func TestUploadSizeCapBoundary(t *testing.T) {
	ctx := context.Background()
	img := pngBytes(t, 16, 16)

	atCap := newHarness(t, Config{MaxUploadBytes: int64(len(img))})
	_, err := atCap.ing.Upload(ctx, img, validOpts())
	require.NoError(t, err, "an upload of exactly the cap is accepted")

	overCap := newHarness(t, Config{MaxUploadBytes: int64(len(img)) - 1})
	_, err = overCap.ing.Upload(ctx, img, validOpts())
	require.Error(t, err)
	assert.True(t, errdefs.IsValidationFailed(err))
}

func TestUploadBlobFailureAborts(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.blobs.FailPuts(1)
	_, err := h.ing.Upload(ctx, pngBytes(t, 16, 16), validOpts())
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))

	count, err := h.meta.Count(ctx, metastore.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.EqualValues(t, 0, h.waitingJobs(t))
}

func TestUploadInsertFailureCompensatesBlob(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.meta.FailInserts(1)
	_, err := h.ing.Upload(ctx, pngBytes(t, 16, 16), validOpts())
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))

	// the write-ahead blob was compensated away
	objects, err := h.blobs.List(ctx, types.BucketPhotos, "")
	require.NoError(t, err)
	assert.Empty(t, objects)
	assert.EqualValues(t, 0, h.waitingJobs(t))
}

func TestUploadDedupByChecksum(t *testing.T) {
	h := newHarness(t, Config{DedupByChecksum: true})
	ctx := context.Background()
	data := pngBytes(t, 16, 16)

	first, err := h.ing.Upload(ctx, data, validOpts())
	require.NoError(t, err)

	_, err = h.ing.Upload(ctx, data, validOpts())
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))
	assert.Contains(t, err.Error(), first.ID)

	// a different client may upload the same content
	opts := validOpts()
	opts.ClientID = "client-2"
	_, err = h.ing.Upload(ctx, data, opts)
	require.NoError(t, err)
}

func TestUploadBucketRouting(t *testing.T) {
	h := newHarness(t, Config{LargeImageBytes: 64})
	ctx := context.Background()

	big, err := h.ing.Upload(ctx, pngBytes(t, 64, 64), validOpts())
	require.NoError(t, err)
	assert.Equal(t, types.BucketPhotosLarge, big.Bucket)

	mp4 := []byte{
		0x00, 0x00, 0x00, 0x14, 'f', 't', 'y', 'p',
		'i', 's', 'o', 'm',
		0x00, 0x00, 0x02, 0x00,
		'i', 's', 'o', 'm',
	}
	opts := validOpts()
	opts.OriginalName = "clip.mp4"
	video, err := h.ing.Upload(ctx, mp4, opts)
	require.NoError(t, err)
	assert.Equal(t, types.BucketVideos, video.Bucket)
	assert.Equal(t, "video/mp4", video.MimeType)
}

func TestUploadAcceptsDeclaredOctetStream(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	opts := validOpts()
	opts.ContentType = "application/octet-stream"
	rec, err := h.ing.Upload(ctx, []byte("not an image; the pipeline validation stage rejects this later"), opts)
	require.NoError(t, err)
	assert.Equal(t, types.PhotoStatusQueued, rec.Status)
}

func TestCancelFlagsAndAnnounces(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.meta.Insert(ctx, &types.PhotoRecord{
		ID:       "p1",
		ClientID: "client-1",
		Status:   types.PhotoStatusInProgress,
	}))

	require.NoError(t, h.ing.Cancel(ctx, "p1"))

	rec, err := h.meta.Get(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, rec.CancelRequested)

	require.Eventually(t, func() bool {
		return h.sink.find(types.TopicCancelRequested) != nil
	}, 2*time.Second, 10*time.Millisecond)
	evt := h.sink.find(types.TopicCancelRequested)
	assert.Equal(t, "p1", evt.Metadata.PhotoID)

	// terminal records conflict
	require.NoError(t, h.meta.Insert(ctx, &types.PhotoRecord{
		ID:       "p2",
		ClientID: "client-1",
		Status:   types.PhotoStatusCompleted,
	}))
	err = h.ing.Cancel(ctx, "p2")
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))

	err = h.ing.Cancel(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDeleteCascades(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	rec, err := h.ing.Upload(ctx, pngBytes(t, 16, 16), validOpts())
	require.NoError(t, err)

	// give the photo an artifact to cascade over
	artifactKey := "artifacts/" + rec.ID + "/thumb_150"
	_, err = h.blobs.Put(ctx, types.BucketArtifacts, artifactKey,
		strings.NewReader("thumb"), 5, blob.PutOptions{ContentType: "image/jpeg"})
	require.NoError(t, err)
	_, err = h.meta.Update(ctx, rec.ID, func(r *types.PhotoRecord) error {
		r.Artifacts = append(r.Artifacts, types.Artifact{
			Role: "thumb_150", Bucket: types.BucketArtifacts, BlobKey: artifactKey, SizeBytes: 5,
		})
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.ing.Delete(ctx, rec.ID))

	_, err = h.meta.Get(ctx, rec.ID)
	assert.True(t, errdefs.IsNotFound(err))
	_, err = h.blobs.Stat(ctx, rec.Bucket, rec.BlobKey)
	assert.True(t, errdefs.IsNotFound(err))
	_, err = h.blobs.Stat(ctx, types.BucketArtifacts, artifactKey)
	assert.True(t, errdefs.IsNotFound(err))
	assert.EqualValues(t, 0, h.waitingJobs(t))

	require.Eventually(t, func() bool {
		return h.sink.find(types.TopicPhotoDeleted) != nil
	}, 2*time.Second, 10*time.Millisecond)

	// deleting again is a no-op
	require.NoError(t, h.ing.Delete(ctx, rec.ID))
}

func TestDownloadPresignedURLs(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	rec, err := h.ing.Upload(ctx, pngBytes(t, 16, 16), validOpts())
	require.NoError(t, err)

	url, err := h.ing.Download(ctx, rec.ID, "")
	require.NoError(t, err)
	assert.Contains(t, url, rec.BlobKey)

	// cached: identical URL on the second call
	again, err := h.ing.Download(ctx, rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, url, again)

	_, err = h.ing.Download(ctx, rec.ID, "thumb_150")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	_, err = h.ing.Download(ctx, "missing", "")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestListAndSearchPassThrough(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	for _, name := range []string{"alpha.png", "beta.png"} {
		opts := validOpts()
		opts.OriginalName = name
		_, err := h.ing.Upload(ctx, pngBytes(t, 16, 16), opts)
		require.NoError(t, err)
	}

	photos, err := h.ing.List(ctx, "client-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, photos, 2)

	_, err = h.ing.List(ctx, "", 10, 0)
	assert.True(t, errdefs.IsValidationFailed(err))

	found, err := h.ing.Search(ctx, "alpha", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "alpha.png", found[0].OriginalName)
}
