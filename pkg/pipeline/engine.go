package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/darkroom/pkg/blob"
	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/events"
	"github.com/cuemby/darkroom/pkg/log"
	"github.com/cuemby/darkroom/pkg/metastore"
	"github.com/cuemby/darkroom/pkg/metrics"
	"github.com/cuemby/darkroom/pkg/types"
)

// Config tunes engine execution
type Config struct {
	// StageTimeout bounds one stage invocation
	StageTimeout time.Duration

	// CancelGrace is how long an interrupted stage gets to unwind before
	// the engine abandons it
	CancelGrace time.Duration

	// FetchRetries bounds internal blob fetch retries before the job is
	// handed back to the queue
	FetchRetries int
}

func (c Config) withDefaults() Config {
	if c.StageTimeout <= 0 {
		c.StageTimeout = 30 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	if c.FetchRetries <= 0 {
		c.FetchRetries = 3
	}
	return c
}

// Engine executes pipelines against photos. Exactly one engine invocation
// owns a photo at a time (the queue claim guarantees this), so record
// mutations and event sequence numbers never race.
type Engine struct {
	registry *Registry
	blobs    blob.Store
	meta     metastore.Store
	channel  events.Channel
	cfg      Config
	logger   zerolog.Logger
}

// NewEngine wires the engine to its backends
func NewEngine(reg *Registry, blobs blob.Store, meta metastore.Store, ch events.Channel, cfg Config) *Engine {
	return &Engine{
		registry: reg,
		blobs:    blobs,
		meta:     meta,
		channel:  ch,
		cfg:      cfg.withDefaults(),
		logger:   log.WithComponent("pipeline"),
	}
}

// Execute runs the job's pipeline to a terminal outcome. The returned
// error's kind tells the worker how to settle the job: nil and Cancelled
// ack; retryable kinds nack for backoff; anything else dead-letters.
func (e *Engine) Execute(ctx context.Context, job *types.Job) error {
	logger := e.logger.With().
		Str("photo_id", job.PhotoID).
		Str("job_id", job.ID).
		Str("trace_id", job.TraceID).
		Logger()

	rec, err := e.meta.Get(ctx, job.PhotoID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			// record deleted between enqueue and claim; nothing to process
			return errdefs.Wrap(errdefs.KindStageFatal, err, "photo %s has no record", job.PhotoID)
		}
		return err
	}
	if rec.Status.Terminal() {
		logger.Info().Str("status", string(rec.Status)).Msg("Photo already settled; nothing to do")
		return nil
	}
	if rec.CancelRequested {
		return e.cancel(job, rec)
	}

	stages, err := e.resolve(job, rec)
	if err != nil {
		return e.fail(job, rec, "", err)
	}

	data, err := e.fetchBlob(ctx, rec)
	if err != nil {
		if !errdefs.Retryable(err) {
			return e.fail(job, rec, "", err)
		}
		return err
	}
	sniffed := mimetype.Detect(data).String()

	if rec.Status == types.PhotoStatusQueued {
		now := time.Now().UTC()
		var seq uint64
		rec, seq, err = e.transition(ctx, rec.ID, func(r *types.PhotoRecord) error {
			r.Status = types.PhotoStatusInProgress
			r.StartedAt = &now
			return nil
		})
		if err != nil {
			return err
		}
		e.emit(ctx, types.TopicProcessingStarted, rec, seq, job.TraceID, map[string]any{
			"pipeline": job.Pipeline,
			"stages":   len(stages),
		})
	}

	started := time.Now()
	total := len(stages)
	for i, st := range stages {
		name := st.Name()

		if ctx.Err() != nil {
			return e.interrupted(job, rec)
		}

		// refresh the record so cancel requests land between stages
		rec, err = e.meta.Get(ctx, rec.ID)
		if err != nil {
			return err
		}
		if rec.CancelRequested {
			return e.cancel(job, rec)
		}
		if rec.StageProgress[name].State == types.StageStateDone {
			logger.Debug().Str("stage", name).Msg("Stage already done; skipping")
			continue
		}

		e.markStage(ctx, rec.ID, name, types.StageStateRunning, 0)

		pc := &PhotoContext{
			Photo:   rec,
			Data:    data,
			Sniffed: sniffed,
			TraceID: job.TraceID,
			Progress: func(percent int) {
				e.markStage(ctx, job.PhotoID, name, types.StageStateRunning, percent)
			},
		}

		timer := metrics.NewTimer()
		result, err := e.runStage(ctx, st, pc)
		if err != nil {
			metrics.StageFailuresTotal.WithLabelValues(name, string(errdefs.KindOf(err))).Inc()
			if ctx.Err() != nil {
				return e.interrupted(job, rec)
			}
			if errdefs.Retryable(err) {
				e.markStage(ctx, rec.ID, name, types.StageStateFailed, 0)
				logger.Warn().Err(err).Str("stage", name).Msg("Stage failed; job will retry")
				return errdefs.Wrap(errdefs.KindOf(err), err, "stage %s", name)
			}
			return e.fail(job, rec, name, err)
		}

		artifacts, err := e.persistArtifacts(ctx, rec, result)
		if err != nil {
			e.markStage(ctx, rec.ID, name, types.StageStateFailed, 0)
			return err
		}
		timer.ObserveDurationVec(metrics.StageDuration, name)

		percent := (i + 1) * 100 / total
		var seq uint64
		rec, seq, err = e.transition(ctx, rec.ID, func(r *types.PhotoRecord) error {
			if r.StageProgress == nil {
				r.StageProgress = make(map[string]types.StageProgress)
			}
			r.StageProgress[name] = types.StageProgress{State: types.StageStateDone, Percent: 100}
			for _, a := range artifacts {
				upsertArtifact(r, a)
			}
			mergeMetadata(r, result)
			return nil
		})
		if err != nil {
			return err
		}
		e.emit(ctx, types.TopicStageCompleted, rec, seq, job.TraceID, map[string]any{
			"stage":    name,
			"progress": percent,
		})
		logger.Debug().Str("stage", name).Int("progress", percent).Msg("Stage completed")
	}

	now := time.Now().UTC()
	var seq uint64
	rec, seq, err = e.transition(ctx, rec.ID, func(r *types.PhotoRecord) error {
		r.Status = types.PhotoStatusCompleted
		r.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(ctx, types.TopicProcessingCompleted, rec, seq, job.TraceID, map[string]any{
		"artifacts":   len(rec.Artifacts),
		"duration_ms": time.Since(started).Milliseconds(),
	})

	logger.Info().
		Int("artifacts", len(rec.Artifacts)).
		Dur("duration", time.Since(started)).
		Msg("Photo processed")
	return nil
}

func (e *Engine) resolve(job *types.Job, rec *types.PhotoRecord) ([]Stage, error) {
	if len(job.Stages) > 0 {
		return e.registry.ResolveStages(job.Stages)
	}
	pipeline := job.Pipeline
	if pipeline == "" {
		pipeline = rec.Pipeline
	}
	return e.registry.Resolve(pipeline)
}

// fetchBlob reads the original bytes with bounded retries. Transient
// backend trouble surfaces as a retryable error; a missing blob is fatal
// because it will not reappear.
func (e *Engine) fetchBlob(ctx context.Context, rec *types.PhotoRecord) ([]byte, error) {
	var data []byte
	op := func() error {
		rc, err := e.blobs.Get(ctx, rec.Bucket, rec.BlobKey)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			return err
		}
		data = b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.cfg.FetchRetries)), ctx))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errdefs.Wrap(errdefs.KindStageFatal, err, "original blob %s/%s is gone", rec.Bucket, rec.BlobKey)
		}
		return nil, errdefs.Wrap(errdefs.KindTransientBackend, err, "fetch blob for photo %s", rec.ID)
	}
	return data, nil
}

// runStage invokes the stage with the configured timeout. The stage runs
// on its own goroutine so a stage that ignores its context cannot wedge
// the consumer; after cancellation it gets the grace window to unwind.
func (e *Engine) runStage(ctx context.Context, st Stage, pc *PhotoContext) (*StageResult, error) {
	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()

	type outcome struct {
		res *StageResult
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- outcome{err: errdefs.New(errdefs.KindInternal, "stage %s panicked: %v", st.Name(), r)}
			}
		}()
		res, err := st.Run(stageCtx, pc)
		out <- outcome{res: res, err: err}
	}()

	select {
	case o := <-out:
		return o.res, o.err
	case <-stageCtx.Done():
	}

	grace := time.NewTimer(e.cfg.CancelGrace)
	defer grace.Stop()
	select {
	case o := <-out:
		return o.res, o.err
	case <-grace.C:
		e.logger.Warn().Str("stage", st.Name()).Msg("Stage ignored cancellation; abandoning it")
		return nil, stageCtx.Err()
	}
}

// persistArtifacts uploads stage outputs in parallel. Keys are derived
// from photo and role, so a retry that reproduces identical bytes is a
// checksum no-op in the store.
func (e *Engine) persistArtifacts(ctx context.Context, rec *types.PhotoRecord, result *StageResult) ([]types.Artifact, error) {
	if result == nil || len(result.Artifacts) == 0 {
		return nil, nil
	}

	out := make([]types.Artifact, len(result.Artifacts))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range result.Artifacts {
		i, a := i, a
		g.Go(func() error {
			key := fmt.Sprintf("artifacts/%s/%s", rec.ID, a.Role)
			info, err := e.blobs.Put(gctx, types.BucketArtifacts, key,
				bytes.NewReader(a.Bytes), int64(len(a.Bytes)),
				blob.PutOptions{ContentType: a.ContentType})
			if err != nil {
				return err
			}
			out[i] = types.Artifact{
				Role:        a.Role,
				BlobKey:     key,
				Bucket:      types.BucketArtifacts,
				Width:       a.Width,
				Height:      a.Height,
				SizeBytes:   info.SizeBytes,
				ContentType: a.ContentType,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransientBackend, err, "persist artifacts for photo %s", rec.ID)
	}
	return out, nil
}

// transition applies mutate and advances the photo's event sequence in
// one metastore update, returning the sequence to stamp on the paired
// event.
func (e *Engine) transition(ctx context.Context, photoID string, mutate func(*types.PhotoRecord) error) (*types.PhotoRecord, uint64, error) {
	var seq uint64
	rec, err := e.meta.Update(ctx, photoID, func(r *types.PhotoRecord) error {
		if err := mutate(r); err != nil {
			return err
		}
		r.EventSeq++
		seq = r.EventSeq
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return rec, seq, nil
}

var errAlreadyTerminal = errors.New("record already terminal")

// cancel settles a cancel-requested photo: record to cancelled, event
// out, and a Cancelled error so the worker acks the job. Runs on a
// detached context so shutdown cannot strand the transition.
func (e *Engine) cancel(job *types.Job, stale *types.PhotoRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	rec, seq, err := e.transition(ctx, stale.ID, func(r *types.PhotoRecord) error {
		if r.Status.Terminal() {
			return errAlreadyTerminal
		}
		r.Status = types.PhotoStatusCancelled
		r.CompletedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, errAlreadyTerminal) {
			return errdefs.New(errdefs.KindCancelled, "photo %s already settled", stale.ID)
		}
		return err
	}

	e.emit(ctx, types.TopicPhotoCancelled, rec, seq, job.TraceID, map[string]any{
		"photo_id": rec.ID,
	})
	e.logger.Info().Str("photo_id", rec.ID).Msg("Processing cancelled")
	return errdefs.New(errdefs.KindCancelled, "processing cancelled for photo %s", rec.ID)
}

// interrupted disambiguates a dead job context: a user cancel settles the
// photo as cancelled, anything else is a shutdown and the job goes back
// to the queue.
func (e *Engine) interrupted(job *types.Job, stale *types.PhotoRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fresh, err := e.meta.Get(ctx, stale.ID)
	if err == nil && fresh.CancelRequested {
		return e.cancel(job, fresh)
	}
	return errdefs.New(errdefs.KindTransientBackend, "processing interrupted for photo %s", stale.ID)
}

// fail settles the photo as terminally failed and returns a non-retryable
// error so the worker dead-letters the job
func (e *Engine) fail(job *types.Job, stale *types.PhotoRecord, stage string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, seq, err := e.transition(ctx, stale.ID, func(r *types.PhotoRecord) error {
		if r.Status.Terminal() {
			return errAlreadyTerminal
		}
		r.Status = types.PhotoStatusFailed
		r.Error = cause.Error()
		if stage != "" {
			if r.StageProgress == nil {
				r.StageProgress = make(map[string]types.StageProgress)
			}
			r.StageProgress[stage] = types.StageProgress{State: types.StageStateFailed, Percent: 0}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errAlreadyTerminal) {
		// could not persist the failure; let the queue retry the job
		return errdefs.Wrap(errdefs.KindTransientBackend, err, "record failure for photo %s", stale.ID)
	}
	if err == nil {
		e.emit(ctx, types.TopicProcessingFailed, rec, seq, job.TraceID, map[string]any{
			"stage": stage,
			"error": cause.Error(),
		})
	}

	e.logger.Error().Err(cause).Str("photo_id", stale.ID).Str("stage", stage).Msg("Processing failed")
	if errdefs.Retryable(cause) {
		return errdefs.Wrap(errdefs.KindStageFatal, cause, "stage %s", stage)
	}
	return cause
}

// emit publishes a lifecycle event; failures are logged, never fatal
func (e *Engine) emit(ctx context.Context, topic string, rec *types.PhotoRecord, seq uint64, traceID string, data map[string]any) {
	evt := events.New(topic, data, types.EventMetadata{
		Source:    "pipeline",
		TraceID:   traceID,
		ClientID:  rec.ClientID,
		SessionID: rec.SessionID,
		PhotoID:   rec.ID,
		Sequence:  seq,
	})
	if err := e.channel.Publish(ctx, evt); err != nil {
		e.logger.Warn().Err(err).Str("topic", topic).Str("photo_id", rec.ID).Msg("Event publish failed")
	}
}

func (e *Engine) markStage(ctx context.Context, photoID, stage string, state types.StageState, percent int) {
	_, err := e.meta.Update(ctx, photoID, func(r *types.PhotoRecord) error {
		if r.StageProgress == nil {
			r.StageProgress = make(map[string]types.StageProgress)
		}
		r.StageProgress[stage] = types.StageProgress{State: state, Percent: percent}
		return nil
	})
	if err != nil {
		e.logger.Debug().Err(err).Str("photo_id", photoID).Str("stage", stage).Msg("Stage progress write failed")
	}
}

func upsertArtifact(r *types.PhotoRecord, a types.Artifact) {
	for i := range r.Artifacts {
		if r.Artifacts[i].Role == a.Role {
			r.Artifacts[i] = a
			return
		}
	}
	r.Artifacts = append(r.Artifacts, a)
}

func mergeMetadata(r *types.PhotoRecord, result *StageResult) {
	if result == nil || len(result.Metadata) == 0 {
		return
	}
	if r.Metadata == nil {
		r.Metadata = make(map[string]string, len(result.Metadata))
	}
	for k, v := range result.Metadata {
		r.Metadata[k] = v
	}
}
