package pipeline

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/darkroom/pkg/blob"
	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/events"
	"github.com/cuemby/darkroom/pkg/metastore"
	"github.com/cuemby/darkroom/pkg/types"
)

type harness struct {
	engine *Engine
	blobs  *blob.MemoryStore
	meta   *metastore.MemoryStore
	bus    *events.LocalBus
	sink   *eventSink
}

type eventSink struct {
	mu     sync.Mutex
	events []*types.Event
}

func (s *eventSink) handle(ctx context.Context, evt *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *eventSink) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func (s *eventSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *eventSink) find(topic string) *types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Type == topic {
			return e
		}
	}
	return nil
}

func newHarness(t *testing.T, cfg Config, stages ...Stage) *harness {
	t.Helper()

	reg := NewRegistry()
	for _, s := range stages {
		require.NoError(t, reg.RegisterStage(s))
	}

	bus := events.NewLocalBus()
	t.Cleanup(func() { bus.Close() })

	sink := &eventSink{}
	_, err := bus.Subscribe("photo.*", sink.handle)
	require.NoError(t, err)

	h := &harness{
		blobs: blob.NewMemoryStore(),
		meta:  metastore.NewMemoryStore(),
		bus:   bus,
		sink:  sink,
	}
	h.engine = NewEngine(reg, h.blobs, h.meta, bus, cfg)
	return h
}

// seed stores a blob and a queued record the way ingress would, with the
// uploaded event already counted in the sequence
func (h *harness) seed(t *testing.T, photoID string, pipeline string, stageList ...string) *types.Job {
	t.Helper()
	ctx := context.Background()

	key := "photos/2026-08-25/1756100000000/" + photoID + "_shot.jpg"
	data := []byte("raw image bytes for " + photoID)
	_, err := h.blobs.Put(ctx, types.BucketPhotos, key, bytes.NewReader(data), int64(len(data)),
		blob.PutOptions{ContentType: "image/jpeg"})
	require.NoError(t, err)

	rec := &types.PhotoRecord{
		ID:           photoID,
		BlobKey:      key,
		Bucket:       types.BucketPhotos,
		SizeBytes:    int64(len(data)),
		MimeType:     "image/jpeg",
		OriginalName: "shot.jpg",
		Checksum:     "sum-" + photoID,
		ClientID:     "client-1",
		SessionID:    "session-1",
		Status:       types.PhotoStatusQueued,
		Pipeline:     pipeline,
		EventSeq:     1,
		UploadedAt:   time.Now().UTC(),
	}
	require.NoError(t, h.meta.Insert(ctx, rec))

	return &types.Job{
		ID:       "photo:" + photoID,
		PhotoID:  photoID,
		BlobKey:  key,
		Bucket:   types.BucketPhotos,
		Pipeline: pipeline,
		Stages:   stageList,
		TraceID:  "trace-" + photoID,
		Priority: 5,
	}
}

func stageThatProduces(name string, artifacts []ArtifactData, meta map[string]string) *namedStage {
	return &namedStage{
		name: name,
		run: func(ctx context.Context, pc *PhotoContext) (*StageResult, error) {
			return &StageResult{Artifacts: artifacts, Metadata: meta}, nil
		},
	}
}

func TestExecuteHappyPath(t *testing.T) {
	alpha := stageThatProduces("alpha",
		[]ArtifactData{{Role: "thumb_150", Bytes: []byte("tiny"), Width: 150, Height: 100, ContentType: "image/jpeg"}},
		map[string]string{"width": "4000", "format": "jpeg"})
	beta := stageThatProduces("beta", nil, nil)

	h := newHarness(t, Config{}, alpha, beta)
	reg := h.engine.registry
	require.NoError(t, reg.RegisterPipeline("two_step", []string{"alpha", "beta"}))

	job := h.seed(t, "p1", "two_step")
	require.NoError(t, h.engine.Execute(context.Background(), job))

	rec, err := h.meta.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.PhotoStatusCompleted, rec.Status)
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, types.StageStateDone, rec.StageProgress["alpha"].State)
	assert.Equal(t, types.StageStateDone, rec.StageProgress["beta"].State)
	assert.Equal(t, "4000", rec.Metadata["width"])

	require.Len(t, rec.Artifacts, 1)
	art := rec.Artifacts[0]
	assert.Equal(t, "thumb_150", art.Role)
	assert.Equal(t, types.BucketArtifacts, art.Bucket)
	assert.Equal(t, "artifacts/p1/thumb_150", art.BlobKey)
	assert.Equal(t, int64(4), art.SizeBytes)

	_, err = h.blobs.Stat(context.Background(), types.BucketArtifacts, art.BlobKey)
	require.NoError(t, err, "artifact bytes must be persisted")

	require.Eventually(t, func() bool { return h.sink.len() >= 4 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		types.TopicProcessingStarted,
		types.TopicStageCompleted,
		types.TopicStageCompleted,
		types.TopicProcessingCompleted,
	}, h.sink.topics())

	// sequences continue from the uploaded event and advance with each emit
	started := h.sink.find(types.TopicProcessingStarted)
	completed := h.sink.find(types.TopicProcessingCompleted)
	assert.Equal(t, uint64(2), started.Metadata.Sequence)
	assert.Equal(t, uint64(5), completed.Metadata.Sequence)
	assert.Equal(t, "client-1", started.Metadata.ClientID)
	assert.Equal(t, "trace-p1", started.Metadata.TraceID)
}

func TestExecuteReattemptSkipsFinishedStages(t *testing.T) {
	var alphaRuns, flakyRuns atomic.Int32
	alpha := &namedStage{name: "alpha", run: func(ctx context.Context, pc *PhotoContext) (*StageResult, error) {
		alphaRuns.Add(1)
		return &StageResult{}, nil
	}}
	flaky := &namedStage{name: "flaky", run: func(ctx context.Context, pc *PhotoContext) (*StageResult, error) {
		if flakyRuns.Add(1) == 1 {
			return nil, errdefs.New(errdefs.KindTransientBackend, "downstream hiccup")
		}
		return &StageResult{}, nil
	}}

	h := newHarness(t, Config{}, alpha, flaky)
	require.NoError(t, h.engine.registry.RegisterPipeline("p", []string{"alpha", "flaky"}))

	job := h.seed(t, "p1", "p")

	err := h.engine.Execute(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errdefs.Retryable(err), "transient stage failure must ride the queue: %v", err)

	rec, err := h.meta.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.PhotoStatusInProgress, rec.Status, "photo stays in progress across retries")
	assert.Equal(t, types.StageStateFailed, rec.StageProgress["flaky"].State)

	// second delivery of the same job
	require.NoError(t, h.engine.Execute(context.Background(), job))

	rec, err = h.meta.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.PhotoStatusCompleted, rec.Status)
	assert.Equal(t, int32(1), alphaRuns.Load(), "finished stages do not rerun")
	assert.Equal(t, int32(2), flakyRuns.Load())

	require.Eventually(t, func() bool { return h.sink.len() >= 4 }, 2*time.Second, 10*time.Millisecond)
	topics := h.sink.topics()
	assert.Equal(t, 1, countOf(topics, types.TopicProcessingStarted), "no duplicate started event on retry")
	assert.Equal(t, 2, countOf(topics, types.TopicStageCompleted))
	assert.Equal(t, 1, countOf(topics, types.TopicProcessingCompleted))
}

func TestExecuteFatalStageDeadEnds(t *testing.T) {
	corrupt := &namedStage{name: "corrupt", run: func(ctx context.Context, pc *PhotoContext) (*StageResult, error) {
		return nil, errdefs.New(errdefs.KindStageFatal, "not a decodable image")
	}}

	h := newHarness(t, Config{}, corrupt)
	require.NoError(t, h.engine.registry.RegisterPipeline("p", []string{"corrupt"}))

	job := h.seed(t, "p1", "p")
	err := h.engine.Execute(context.Background(), job)
	require.Error(t, err)
	assert.False(t, errdefs.Retryable(err))
	assert.True(t, errdefs.IsStageFatal(err))

	rec, err := h.meta.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.PhotoStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "not a decodable image")
	assert.Equal(t, types.StageStateFailed, rec.StageProgress["corrupt"].State)

	require.Eventually(t, func() bool { return h.sink.find(types.TopicProcessingFailed) != nil }, 2*time.Second, 10*time.Millisecond)
	failed := h.sink.find(types.TopicProcessingFailed)
	assert.Equal(t, "corrupt", failed.Data["stage"])
}

func TestExecuteTransientBlobFetch(t *testing.T) {
	ok := stageThatProduces("ok", nil, nil)
	h := newHarness(t, Config{FetchRetries: 1}, ok)
	require.NoError(t, h.engine.registry.RegisterPipeline("p", []string{"ok"}))

	job := h.seed(t, "p1", "p")

	h.blobs.FailGets(10)
	err := h.engine.Execute(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))

	rec, err := h.meta.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.PhotoStatusQueued, rec.Status, "fetch happens before the in-progress transition")
	assert.Equal(t, 0, h.sink.len())

	h.blobs.FailGets(0)
	require.NoError(t, h.engine.Execute(context.Background(), job))

	rec, err = h.meta.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.PhotoStatusCompleted, rec.Status)
}

func TestExecuteMissingBlobIsFatal(t *testing.T) {
	ok := stageThatProduces("ok", nil, nil)
	h := newHarness(t, Config{}, ok)
	require.NoError(t, h.engine.registry.RegisterPipeline("p", []string{"ok"}))

	job := h.seed(t, "p1", "p")
	require.NoError(t, h.blobs.Remove(context.Background(), types.BucketPhotos, job.BlobKey))

	err := h.engine.Execute(context.Background(), job)
	require.Error(t, err)
	assert.False(t, errdefs.Retryable(err), "a vanished blob will not come back: %v", err)

	rec, err := h.meta.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.PhotoStatusFailed, rec.Status)
}

func TestExecuteUnknownPipelineIsFatal(t *testing.T) {
	h := newHarness(t, Config{})
	job := h.seed(t, "p1", "no_such_pipeline")

	err := h.engine.Execute(context.Background(), job)
	require.Error(t, err)
	assert.False(t, errdefs.Retryable(err))

	rec, err := h.meta.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.PhotoStatusFailed, rec.Status)
}

func TestExecuteMissingRecordIsFatal(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.engine.Execute(context.Background(), &types.Job{ID: "photo:ghost", PhotoID: "ghost", Pipeline: "p"})
	require.Error(t, err)
	assert.False(t, errdefs.Retryable(err))
}

func TestExecuteTerminalRecordIsNoop(t *testing.T) {
	ran := stageThatProduces("ok", nil, nil)
	h := newHarness(t, Config{}, ran)
	require.NoError(t, h.engine.registry.RegisterPipeline("p", []string{"ok"}))

	job := h.seed(t, "p1", "p")
	_, err := h.meta.Update(context.Background(), "p1", func(r *types.PhotoRecord) error {
		r.Status = types.PhotoStatusCompleted
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.engine.Execute(context.Background(), job))
	assert.Equal(t, 0, h.sink.len(), "settled photos emit nothing")
}

func TestExecuteCancelRequestedBeforeStart(t *testing.T) {
	ok := stageThatProduces("ok", nil, nil)
	h := newHarness(t, Config{}, ok)
	require.NoError(t, h.engine.registry.RegisterPipeline("p", []string{"ok"}))

	job := h.seed(t, "p1", "p")
	_, err := h.meta.Update(context.Background(), "p1", func(r *types.PhotoRecord) error {
		r.CancelRequested = true
		return nil
	})
	require.NoError(t, err)

	err = h.engine.Execute(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errdefs.IsCancelled(err))

	rec, err := h.meta.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.PhotoStatusCancelled, rec.Status)

	require.Eventually(t, func() bool { return h.sink.find(types.TopicPhotoCancelled) != nil }, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteCancelBetweenStages(t *testing.T) {
	h := newHarness(t, Config{})
	var betaRuns atomic.Int32

	alpha := &namedStage{name: "alpha", run: func(ctx context.Context, pc *PhotoContext) (*StageResult, error) {
		// user cancels while the first stage is running
		_, err := h.meta.Update(context.Background(), pc.Photo.ID, func(r *types.PhotoRecord) error {
			r.CancelRequested = true
			return nil
		})
		return &StageResult{}, err
	}}
	beta := &namedStage{name: "beta", run: func(ctx context.Context, pc *PhotoContext) (*StageResult, error) {
		betaRuns.Add(1)
		return &StageResult{}, nil
	}}
	require.NoError(t, h.engine.registry.RegisterStage(alpha))
	require.NoError(t, h.engine.registry.RegisterStage(beta))
	require.NoError(t, h.engine.registry.RegisterPipeline("p", []string{"alpha", "beta"}))

	job := h.seed(t, "p1", "p")
	err := h.engine.Execute(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errdefs.IsCancelled(err))
	assert.Equal(t, int32(0), betaRuns.Load(), "cancel lands before the next stage")

	rec, err := h.meta.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.PhotoStatusCancelled, rec.Status)
	assert.Equal(t, types.StageStateDone, rec.StageProgress["alpha"].State)
}

func TestExecuteUserCancelMidStage(t *testing.T) {
	h := newHarness(t, Config{CancelGrace: 200 * time.Millisecond})

	blocking := &namedStage{name: "blocking", run: func(ctx context.Context, pc *PhotoContext) (*StageResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	require.NoError(t, h.engine.registry.RegisterStage(blocking))
	require.NoError(t, h.engine.registry.RegisterPipeline("p", []string{"blocking"}))

	job := h.seed(t, "p1", "p")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		// the worker's cancel watcher sets the flag, then kills the job ctx
		_, _ = h.meta.Update(context.Background(), "p1", func(r *types.PhotoRecord) error {
			r.CancelRequested = true
			return nil
		})
		cancel()
	}()

	err := h.engine.Execute(ctx, job)
	require.Error(t, err)
	assert.True(t, errdefs.IsCancelled(err))

	rec, err := h.meta.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.PhotoStatusCancelled, rec.Status)
}

func TestExecuteShutdownInterruptIsRetryable(t *testing.T) {
	h := newHarness(t, Config{CancelGrace: 200 * time.Millisecond})

	blocking := &namedStage{name: "blocking", run: func(ctx context.Context, pc *PhotoContext) (*StageResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	require.NoError(t, h.engine.registry.RegisterStage(blocking))
	require.NoError(t, h.engine.registry.RegisterPipeline("p", []string{"blocking"}))

	job := h.seed(t, "p1", "p")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel() // plain shutdown, no cancel request on the record
	}()

	err := h.engine.Execute(ctx, job)
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err), "shutdown returns the job to the queue: %v", err)

	rec, err := h.meta.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.PhotoStatusInProgress, rec.Status, "no terminal transition on shutdown")
}

func TestExecuteStageTimeout(t *testing.T) {
	h := newHarness(t, Config{StageTimeout: 50 * time.Millisecond, CancelGrace: 100 * time.Millisecond})

	slow := &namedStage{name: "slow", run: func(ctx context.Context, pc *PhotoContext) (*StageResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &StageResult{}, nil
		}
	}}
	require.NoError(t, h.engine.registry.RegisterStage(slow))
	require.NoError(t, h.engine.registry.RegisterPipeline("p", []string{"slow"}))

	job := h.seed(t, "p1", "p")
	err := h.engine.Execute(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errdefs.Retryable(err), "timeouts retry: %v", err)

	rec, err := h.meta.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.StageStateFailed, rec.StageProgress["slow"].State)
}

func TestExecuteAbandonsStageIgnoringCancellation(t *testing.T) {
	h := newHarness(t, Config{StageTimeout: 60 * time.Millisecond, CancelGrace: 40 * time.Millisecond})

	stubborn := &namedStage{name: "stubborn", run: func(ctx context.Context, pc *PhotoContext) (*StageResult, error) {
		time.Sleep(500 * time.Millisecond) // ignores ctx entirely
		return &StageResult{}, nil
	}}
	require.NoError(t, h.engine.registry.RegisterStage(stubborn))
	require.NoError(t, h.engine.registry.RegisterPipeline("p", []string{"stubborn"}))

	job := h.seed(t, "p1", "p")

	start := time.Now()
	err := h.engine.Execute(context.Background(), job)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errdefs.Retryable(err))
	assert.Less(t, elapsed, 400*time.Millisecond, "engine must not wait out a stage that ignores its context")
}

func TestExecuteStagePanicIsRetryable(t *testing.T) {
	h := newHarness(t, Config{})

	angry := &namedStage{name: "angry", run: func(ctx context.Context, pc *PhotoContext) (*StageResult, error) {
		panic("boom")
	}}
	require.NoError(t, h.engine.registry.RegisterStage(angry))
	require.NoError(t, h.engine.registry.RegisterPipeline("p", []string{"angry"}))

	job := h.seed(t, "p1", "p")
	err := h.engine.Execute(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errdefs.Retryable(err))
	assert.Contains(t, err.Error(), "panicked")
}

func TestExecuteJobStageListOverridesPipeline(t *testing.T) {
	var runs []string
	var mu sync.Mutex
	mk := func(name string) *namedStage {
		return &namedStage{name: name, run: func(ctx context.Context, pc *PhotoContext) (*StageResult, error) {
			mu.Lock()
			runs = append(runs, name)
			mu.Unlock()
			return &StageResult{}, nil
		}}
	}

	h := newHarness(t, Config{}, mk("alpha"), mk("beta"), mk("gamma"))
	require.NoError(t, h.engine.registry.RegisterPipeline("p", []string{"alpha", "beta", "gamma"}))

	job := h.seed(t, "p1", "p", "gamma", "alpha")
	require.NoError(t, h.engine.Execute(context.Background(), job))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"gamma", "alpha"}, runs)
}

func TestStageProgressWritesThrough(t *testing.T) {
	h := newHarness(t, Config{})

	var observed int
	reporter := &namedStage{name: "reporter", run: func(ctx context.Context, pc *PhotoContext) (*StageResult, error) {
		pc.Progress(42)
		rec, err := h.meta.Get(ctx, pc.Photo.ID)
		if err != nil {
			return nil, err
		}
		observed = rec.StageProgress["reporter"].Percent
		return &StageResult{}, nil
	}}
	require.NoError(t, h.engine.registry.RegisterStage(reporter))
	require.NoError(t, h.engine.registry.RegisterPipeline("p", []string{"reporter"}))

	job := h.seed(t, "p1", "p")
	require.NoError(t, h.engine.Execute(context.Background(), job))
	assert.Equal(t, 42, observed, "intra-stage progress is visible to readers mid-run")
}

func countOf(list []string, want string) int {
	n := 0
	for _, s := range list {
		if s == want {
			n++
		}
	}
	return n
}
