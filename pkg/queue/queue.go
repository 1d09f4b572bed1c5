package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/log"
	"github.com/cuemby/darkroom/pkg/metrics"
	"github.com/cuemby/darkroom/pkg/types"
)

// ErrLimiterBusy is returned by TryClaim when the claim rate limiter has no
// token available. Blocking Claim waits for a token instead.
var ErrLimiterBusy = errdefs.New(errdefs.KindTransientBackend, "claim rate limiter saturated")

// Config tunes one logical queue
type Config struct {
	// Namespace isolates deployments sharing a redis; keys live under
	// "<namespace>:q:<name>".
	Namespace string

	// Name is the logical queue name
	Name string

	// Lease is the default claim lease when a job does not set its own
	Lease time.Duration

	// MaxLeaseTotal caps cumulative lease extensions per claim
	MaxLeaseTotal time.Duration

	// ClaimRate caps claims per second across this process. Zero
	// disables the limiter.
	ClaimRate  float64
	ClaimBurst int

	// PromoteBatch bounds delayed-to-waiting promotions per claim call
	PromoteBatch int

	// JanitorInterval is the stalled-job scan cadence
	JanitorInterval time.Duration

	// JanitorBatch bounds reclaimed jobs per janitor pass
	JanitorBatch int

	// PollInterval is the idle claim retry cadence when no wake arrives
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "darkroom"
	}
	if c.Name == "" {
		c.Name = "photos"
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.MaxLeaseTotal <= 0 {
		c.MaxLeaseTotal = 10 * c.Lease
	}
	if c.PromoteBatch <= 0 {
		c.PromoteBatch = 100
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = 15 * time.Second
	}
	if c.JanitorBatch <= 0 {
		c.JanitorBatch = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.ClaimRate > 0 && c.ClaimBurst <= 0 {
		c.ClaimBurst = 1
	}
	return c
}

type keyset struct {
	waiting   string
	delayed   string
	active    string
	seq       string
	paused    string
	dead      string
	done      string
	doneLog   string
	wake      string
	jobPrefix string
}

func newKeyset(namespace, name string) keyset {
	ns := namespace + ":q:" + name
	return keyset{
		waiting:   ns + ":waiting",
		delayed:   ns + ":delayed",
		active:    ns + ":active",
		seq:       ns + ":seq",
		paused:    ns + ":paused",
		dead:      ns + ":dead",
		done:      ns + ":done",
		doneLog:   ns + ":done:log",
		wake:      ns + ":wake",
		jobPrefix: ns + ":job:",
	}
}

// Queue is a redis-backed priority job queue with leases, delayed retry,
// dead-lettering and recurring jobs. Every state transition is one atomic
// server-side script, so concurrent consumers can never double-claim and a
// crashed consumer's lease is reclaimed by the janitor.
type Queue struct {
	client  *redis.Client
	cfg     Config
	keys    keyset
	logger  zerolog.Logger
	limiter *rate.Limiter
	cron    *cron.Cron

	wakeCh chan struct{}

	mu        sync.Mutex
	recurring map[string]cron.EntryID
	started   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a queue over the given redis client. Background loops (the
// janitor, the wake listener, the recurring scheduler) start on Start.
func New(client *redis.Client, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		client:    client,
		cfg:       cfg,
		keys:      newKeyset(cfg.Namespace, cfg.Name),
		logger:    log.WithComponent("queue").With().Str("queue", cfg.Name).Logger(),
		cron:      cron.New(),
		wakeCh:    make(chan struct{}, 1),
		recurring: make(map[string]cron.EntryID),
		stopCh:    make(chan struct{}),
	}
	if cfg.ClaimRate > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(cfg.ClaimRate), cfg.ClaimBurst)
	}
	return q
}

// Start launches the janitor, the wake listener and the recurring-job
// scheduler
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(2)
	go q.janitorLoop()
	go q.wakeLoop()
	q.cron.Start()

	q.logger.Info().
		Dur("janitor_interval", q.cfg.JanitorInterval).
		Dur("lease", q.cfg.Lease).
		Msg("Queue started")
}

// Stop halts the background loops and waits for them to exit
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	close(q.stopCh)
	q.mu.Unlock()

	<-q.cron.Stop().Done()
	q.wg.Wait()
	q.logger.Info().Msg("Queue stopped")
}

// EnqueueResult reports the outcome of an enqueue
type EnqueueResult struct {
	Job *types.Job

	// Deduplicated is set when a live job with the same ID already
	// existed; Job then holds that existing job.
	Deduplicated bool
}

// Enqueue inserts the job unless a live job with the same ID exists, in
// which case the existing job is returned unchanged. Jobs with a future
// AvailableAt park in the delayed set.
func (q *Queue) Enqueue(ctx context.Context, job *types.Job) (*EnqueueResult, error) {
	if err := q.normalize(job); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "marshal job %s", job.ID)
	}

	now := time.Now()
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.keys.jobPrefix + job.ID, q.keys.waiting, q.keys.delayed, q.keys.seq},
		job.ID,
		string(payload),
		strconv.Itoa(job.Priority),
		strconv.FormatInt(job.AvailableAt.UnixMilli(), 10),
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.Itoa(job.MaxAttempts),
		job.PhotoID,
	).Result()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransientBackend, err, "enqueue job %s", job.ID)
	}

	inserted, state, data := parseEnqueueReply(res)
	if !inserted {
		existing := &types.Job{}
		if err := json.Unmarshal([]byte(data), existing); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "decode existing job %s", job.ID)
		}
		existing.State = types.JobState(state)
		q.logger.Debug().Str("job_id", job.ID).Str("state", state).Msg("Enqueue deduplicated")
		return &EnqueueResult{Job: existing, Deduplicated: true}, nil
	}

	job.State = types.JobState(state)
	metrics.JobsEnqueuedTotal.WithLabelValues(strconv.Itoa(job.Priority)).Inc()
	if job.State == types.JobStateWaiting {
		q.wake(ctx)
	}

	q.logger.Debug().
		Str("job_id", job.ID).
		Str("photo_id", job.PhotoID).
		Int("priority", job.Priority).
		Str("state", state).
		Msg("Job enqueued")
	return &EnqueueResult{Job: job}, nil
}

type bulkEntry struct {
	ID          string `json:"id"`
	Data        string `json:"data"`
	Priority    int    `json:"priority"`
	MaxAttempts int    `json:"max_attempts"`
	PhotoID     string `json:"photo_id"`
	AvailableAt int64  `json:"available_at"`
}

// EnqueueBulk inserts the jobs in one atomic step. Validation failures
// reject the whole batch before anything is written; entries whose ID
// already names a live job are skipped like single-enqueue dedup. Returns
// the number of jobs inserted.
func (q *Queue) EnqueueBulk(ctx context.Context, jobs []*types.Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}

	entries := make([]bulkEntry, 0, len(jobs))
	for i, job := range jobs {
		if err := q.normalize(job); err != nil {
			return 0, errdefs.Wrap(errdefs.KindValidationFailed, err, "bulk enqueue entry %d", i)
		}
		payload, err := json.Marshal(job)
		if err != nil {
			return 0, errdefs.Wrap(errdefs.KindInternal, err, "marshal job %s", job.ID)
		}
		entries = append(entries, bulkEntry{
			ID:          job.ID,
			Data:        string(payload),
			Priority:    job.Priority,
			MaxAttempts: job.MaxAttempts,
			PhotoID:     job.PhotoID,
			AvailableAt: job.AvailableAt.UnixMilli(),
		})
	}

	batch, err := json.Marshal(entries)
	if err != nil {
		return 0, errdefs.Wrap(errdefs.KindInternal, err, "marshal bulk batch")
	}

	res, err := bulkEnqueueScript.Run(ctx, q.client,
		[]string{q.keys.waiting, q.keys.delayed, q.keys.seq},
		string(batch),
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		q.keys.jobPrefix,
	).Result()
	if err != nil {
		return 0, errdefs.Wrap(errdefs.KindTransientBackend, err, "bulk enqueue %d jobs", len(jobs))
	}

	inserted := int(toInt64(res))
	if inserted > 0 {
		for _, job := range jobs {
			metrics.JobsEnqueuedTotal.WithLabelValues(strconv.Itoa(job.Priority)).Inc()
		}
		q.wake(ctx)
	}
	q.logger.Debug().Int("requested", len(jobs)).Int("inserted", inserted).Msg("Bulk enqueue")
	return inserted, nil
}

// Claim leases the highest-priority waiting job. It blocks until a job is
// available or the context ends, returning (nil, nil) when the context
// expires with nothing claimed. Paused queues never hand out work.
func (q *Queue) Claim(ctx context.Context, lease time.Duration) (*types.Job, error) {
	if lease <= 0 {
		lease = q.cfg.Lease
	}

	for {
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return nil, nil
			}
		}

		job, err := q.tryClaim(ctx, lease)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-q.wakeCh:
		case <-time.After(q.jitteredPoll()):
		}
	}
}

// TryClaim attempts a single non-blocking claim. A saturated rate limiter
// returns ErrLimiterBusy rather than waiting.
func (q *Queue) TryClaim(ctx context.Context, lease time.Duration) (*types.Job, error) {
	if lease <= 0 {
		lease = q.cfg.Lease
	}
	if q.limiter != nil && !q.limiter.Allow() {
		return nil, ErrLimiterBusy
	}
	return q.tryClaim(ctx, lease)
}

func (q *Queue) tryClaim(ctx context.Context, lease time.Duration) (*types.Job, error) {
	now := time.Now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.keys.waiting, q.keys.delayed, q.keys.active, q.keys.seq, q.keys.paused},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(lease).UnixMilli(), 10),
		q.keys.jobPrefix,
		strconv.Itoa(q.cfg.PromoteBatch),
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errdefs.Wrap(errdefs.KindTransientBackend, err, "claim")
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 3 {
		return nil, errdefs.New(errdefs.KindInternal, "unexpected claim reply %T", res)
	}

	job := &types.Job{}
	if err := json.Unmarshal([]byte(toString(reply[1])), job); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "decode claimed job %s", toString(reply[0]))
	}
	job.State = types.JobStateActive
	job.Attempts = int(toInt64(reply[2]))

	metrics.JobsClaimedTotal.Inc()
	q.logger.Debug().
		Str("job_id", job.ID).
		Str("photo_id", job.PhotoID).
		Int("attempt", job.Attempts).
		Msg("Job claimed")
	return job, nil
}

// Ack completes an active job. Acking a job whose lease was already
// reclaimed is a conflict; the work may be redelivered to another consumer.
func (q *Queue) Ack(ctx context.Context, job *types.Job) error {
	removeFlag := "0"
	if job.RemoveOnComplete.Remove {
		removeFlag = "1"
	}
	res, err := ackScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.done, q.keys.doneLog},
		job.ID,
		q.keys.jobPrefix,
		removeFlag,
		strconv.Itoa(job.RemoveOnComplete.Keep),
	).Result()
	if err != nil {
		return errdefs.Wrap(errdefs.KindTransientBackend, err, "ack job %s", job.ID)
	}
	if toInt64(res) == 0 {
		return errdefs.New(errdefs.KindConflict, "job %s is not active; lease expired or already settled", job.ID)
	}

	metrics.JobsCompletedTotal.WithLabelValues("completed").Inc()
	metrics.JobAttempts.Observe(float64(job.Attempts))
	q.logger.Debug().Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("Job acked")
	return nil
}

// Nack fails an active job. Retryable errors reschedule it after the
// job's backoff; fatal or attempt-exhausted jobs move to the dead-letter
// stream.
func (q *Queue) Nack(ctx context.Context, job *types.Job, jobErr error) error {
	fatal := "0"
	if !errdefs.Retryable(jobErr) {
		fatal = "1"
	}
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	removeFlag := "0"
	if job.RemoveOnFail.Remove {
		removeFlag = "1"
	}

	now := time.Now()
	availableAt := now.Add(backoffDelay(job.Backoff, job.Attempts))

	res, err := nackScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.delayed, q.keys.dead},
		job.ID,
		q.keys.jobPrefix,
		msg,
		fatal,
		strconv.FormatInt(availableAt.UnixMilli(), 10),
		strconv.FormatInt(now.UnixMilli(), 10),
		removeFlag,
	).Result()
	if err != nil {
		return errdefs.Wrap(errdefs.KindTransientBackend, err, "nack job %s", job.ID)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return errdefs.New(errdefs.KindInternal, "unexpected nack reply %T", res)
	}

	switch toInt64(reply[0]) {
	case 0:
		return errdefs.New(errdefs.KindConflict, "job %s is not active; lease expired or already settled", job.ID)
	case 2:
		metrics.DeadLettersTotal.Inc()
		metrics.JobsCompletedTotal.WithLabelValues("dead_letter").Inc()
		metrics.JobAttempts.Observe(float64(toInt64(reply[1])))
		q.logger.Warn().
			Str("job_id", job.ID).
			Str("photo_id", job.PhotoID).
			Int64("attempts", toInt64(reply[1])).
			Str("error", msg).
			Msg("Job dead-lettered")
	default:
		q.logger.Debug().
			Str("job_id", job.ID).
			Int64("attempts", toInt64(reply[1])).
			Time("available_at", availableAt).
			Str("error", msg).
			Msg("Job scheduled for retry")
	}
	return nil
}

// Extend pushes the job's lease deadline out by the given duration,
// bounded by the queue's maximum total lease. Returns the new deadline.
func (q *Queue) Extend(ctx context.Context, jobID string, extend time.Duration) (time.Time, error) {
	if extend <= 0 {
		extend = q.cfg.Lease
	}
	now := time.Now()
	res, err := extendScript.Run(ctx, q.client,
		[]string{q.keys.active},
		jobID,
		q.keys.jobPrefix,
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(extend.Milliseconds(), 10),
		strconv.FormatInt(q.cfg.MaxLeaseTotal.Milliseconds(), 10),
	).Result()
	if err != nil {
		return time.Time{}, errdefs.Wrap(errdefs.KindTransientBackend, err, "extend job %s", jobID)
	}
	deadline := toInt64(res)
	if deadline == 0 {
		return time.Time{}, errdefs.New(errdefs.KindConflict, "job %s is not active; lease expired or already settled", jobID)
	}
	return time.UnixMilli(deadline).UTC(), nil
}

// Pause stops claims without rejecting enqueues
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.client.Set(ctx, q.keys.paused, "1", 0).Err(); err != nil {
		return errdefs.Wrap(errdefs.KindTransientBackend, err, "pause queue")
	}
	q.logger.Info().Msg("Queue paused")
	return nil
}

// Resume lifts a pause
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.client.Del(ctx, q.keys.paused).Err(); err != nil {
		return errdefs.Wrap(errdefs.KindTransientBackend, err, "resume queue")
	}
	q.wake(ctx)
	q.logger.Info().Msg("Queue resumed")
	return nil
}

// Stats returns a point-in-time census of queue states
func (q *Queue) Stats(ctx context.Context) (*types.QueueStats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.keys.waiting)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	active := pipe.ZCard(ctx, q.keys.active)
	dead := pipe.XLen(ctx, q.keys.dead)
	done := pipe.Get(ctx, q.keys.done)
	paused := pipe.Exists(ctx, q.keys.paused)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, errdefs.Wrap(errdefs.KindTransientBackend, err, "queue stats")
	}

	completed := int64(0)
	if v, err := done.Result(); err == nil {
		completed, _ = strconv.ParseInt(v, 10, 64)
	}

	return &types.QueueStats{
		Waiting:     waiting.Val(),
		Delayed:     delayed.Val(),
		Active:      active.Val(),
		Completed:   completed,
		DeadLetters: dead.Val(),
		Paused:      paused.Val() == 1,
	}, nil
}

// DeadLetters returns up to limit dead letters, newest first
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*types.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := q.client.XRevRangeN(ctx, q.keys.dead, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransientBackend, err, "list dead letters")
	}

	letters := make([]*types.DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		letters = append(letters, deadLetterFromStream(m))
	}
	return letters, nil
}

// RequeueDead moves one dead letter back to the queue with a fresh
// attempt budget and removes it from the stream.
func (q *Queue) RequeueDead(ctx context.Context, jobID string) (*types.Job, error) {
	msgs, err := q.client.XRangeN(ctx, q.keys.dead, "-", "+", 10000).Result()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransientBackend, err, "scan dead letters")
	}

	for _, m := range msgs {
		if toString(m.Values["job_id"]) != jobID {
			continue
		}

		job := &types.Job{}
		if err := json.Unmarshal([]byte(toString(m.Values["payload"])), job); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "decode dead letter %s", jobID)
		}
		job.Attempts = 0
		job.LastError = ""
		job.State = ""
		job.EnqueuedAt = time.Time{}
		job.AvailableAt = time.Time{}

		res, err := q.Enqueue(ctx, job)
		if err != nil {
			return nil, err
		}
		if err := q.client.XDel(ctx, q.keys.dead, m.ID).Err(); err != nil {
			return nil, errdefs.Wrap(errdefs.KindTransientBackend, err, "remove dead letter %s", jobID)
		}

		q.logger.Info().Str("job_id", jobID).Bool("deduplicated", res.Deduplicated).Msg("Dead letter requeued")
		return res.Job, nil
	}
	return nil, errdefs.New(errdefs.KindNotFound, "dead letter not found: %s", jobID)
}

// Remove purges the job from every queue structure. Removing an absent
// job succeeds.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	err := removeScript.Run(ctx, q.client,
		[]string{q.keys.waiting, q.keys.delayed, q.keys.active, q.keys.doneLog},
		jobID,
		q.keys.jobPrefix,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errdefs.Wrap(errdefs.KindTransientBackend, err, "remove job %s", jobID)
	}
	return nil
}

// Ping verifies the queue backend is reachable
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return errdefs.Wrap(errdefs.KindTransientBackend, err, "queue backend unreachable")
	}
	return nil
}

// normalize validates the job and fills defaults in place
func (q *Queue) normalize(job *types.Job) error {
	if job == nil {
		return errdefs.New(errdefs.KindValidationFailed, "job is nil")
	}
	if job.ID == "" {
		return errdefs.New(errdefs.KindValidationFailed, "job id is required")
	}
	if job.Pipeline == "" {
		return errdefs.New(errdefs.KindValidationFailed, "job pipeline is required")
	}
	if job.Priority == 0 {
		job.Priority = 5
	}
	if job.Priority < 1 || job.Priority > 10 {
		return errdefs.New(errdefs.KindValidationFailed, "job priority %d outside 1..10", job.Priority)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if job.Backoff.Kind == "" {
		job.Backoff.Kind = types.BackoffExponential
	}
	if job.Backoff.BaseMS <= 0 {
		job.Backoff.BaseMS = 1000
	}
	if job.Backoff.Factor <= 0 {
		job.Backoff.Factor = 2
	}
	if job.Backoff.CapMS <= 0 {
		job.Backoff.CapMS = 60000
	}
	if job.LeaseMS <= 0 {
		job.LeaseMS = int(q.cfg.Lease.Milliseconds())
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = job.EnqueuedAt
	}
	return nil
}

// wake nudges one idle claimer; drops when nobody is parked
func (q *Queue) wake(ctx context.Context) {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
	// cross-process wake is best effort
	_ = q.client.Publish(ctx, q.keys.wake, "1").Err()
}

func (q *Queue) wakeLoop() {
	defer q.wg.Done()

	pubsub := q.client.Subscribe(context.Background(), q.keys.wake)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-q.stopCh:
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			select {
			case q.wakeCh <- struct{}{}:
			default:
			}
		}
	}
}

func (q *Queue) jitteredPoll() time.Duration {
	half := q.cfg.PollInterval / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// backoffDelay computes the retry delay: base * factor^(attempts-1) for
// exponential policies, capped; flat base for fixed policies.
func backoffDelay(p types.BackoffPolicy, attempts int) time.Duration {
	base := time.Duration(p.BaseMS) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	ceiling := time.Duration(p.CapMS) * time.Millisecond
	if ceiling <= 0 {
		ceiling = time.Minute
	}

	d := base
	if p.Kind != types.BackoffFixed {
		factor := p.Factor
		if factor <= 1 {
			factor = 2
		}
		for i := 1; i < attempts; i++ {
			d = time.Duration(float64(d) * factor)
			if d >= ceiling {
				break
			}
		}
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

func parseEnqueueReply(res interface{}) (inserted bool, state, data string) {
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 3 {
		return false, "", ""
	}
	return toInt64(reply[0]) == 1, toString(reply[1]), toString(reply[2])
}

func deadLetterFromStream(m redis.XMessage) *types.DeadLetter {
	attempts, _ := strconv.Atoi(toString(m.Values["attempts"]))
	failedMS, _ := strconv.ParseInt(toString(m.Values["failed_at"]), 10, 64)
	return &types.DeadLetter{
		JobID:     toString(m.Values["job_id"]),
		PhotoID:   toString(m.Values["photo_id"]),
		Payload:   toString(m.Values["payload"]),
		LastError: toString(m.Values["error"]),
		Attempts:  attempts,
		FailedAt:  time.UnixMilli(failedMS).UTC(),
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

func toString(v interface{}) string {
	s, _ := v.(string)
	return s
}
