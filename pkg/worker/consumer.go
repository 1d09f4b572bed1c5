package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/metrics"
	"github.com/cuemby/darkroom/pkg/types"
)

// consumer is one claim→execute→settle loop. It owns at most one job at a
// time; the claim context dies with stopCh while the run context survives
// retirement so the active job can finish.
type consumer struct {
	id     int
	pool   *Pool
	logger zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu            sync.Mutex
	activeJob     string
	processed     uint64
	failed        uint64
	lastHeartbeat time.Time
}

// retire stops the consumer after its current job, if any.
func (c *consumer) retire() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *consumer) run() {
	defer close(c.done)
	defer func() {
		c.pool.mu.Lock()
		delete(c.pool.consumers, c.id)
		c.pool.mu.Unlock()
		metrics.WorkerConsumers.Dec()
		c.logger.Debug().Msg("Consumer stopped")
	}()

	claimCtx, cancelClaims := context.WithCancel(context.Background())
	defer cancelClaims()
	go func() {
		<-c.stopCh
		cancelClaims()
	}()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if c.pool.waitWhilePaused(c.stopCh) {
			return
		}

		job, err := c.pool.queue.Claim(claimCtx, c.pool.cfg.Lease)
		if err != nil {
			c.logger.Error().Err(err).Msg("Claim failed")
			select {
			case <-time.After(time.Second):
			case <-c.stopCh:
				return
			}
			continue
		}
		if job == nil {
			continue
		}

		c.handle(job)
	}
}

func (c *consumer) handle(job *types.Job) {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.pool.track(job.ID, &jobRun{job: job, cancel: cancel, startedAt: time.Now()})
	defer c.pool.untrack(job.ID)

	c.mu.Lock()
	c.activeJob = job.ID
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
	metrics.WorkerActiveJobs.Inc()
	defer func() {
		c.mu.Lock()
		c.activeJob = ""
		c.mu.Unlock()
		metrics.WorkerActiveJobs.Dec()
	}()

	c.logger.Debug().
		Str("job_id", job.ID).
		Str("photo_id", job.PhotoID).
		Int("attempt", job.Attempts).
		Msg("Job claimed")

	err := c.pool.exec.Execute(runCtx, job)
	c.settle(job, err)
}

// settle turns an execution outcome into a queue acknowledgment. Success
// and cancellation both ack: the executor has already settled the record,
// so the job must leave the queue. Everything else nacks; the queue picks
// backoff or the dead-letter stream from the error kind and the attempt
// budget.
func (c *consumer) settle(job *types.Job, execErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()

	if execErr == nil || errdefs.IsCancelled(execErr) {
		if err := c.pool.queue.Ack(ctx, job); err != nil {
			c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Ack failed; lease likely lost")
			c.bumpFailed()
			return
		}
		c.bumpProcessed()
		return
	}

	if err := c.pool.queue.Nack(ctx, job, execErr); err != nil {
		c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Nack failed; lease likely lost")
	} else {
		c.logger.Debug().Err(execErr).Str("job_id", job.ID).Msg("Job nacked")
	}
	c.bumpFailed()
}

func (c *consumer) bumpProcessed() {
	c.mu.Lock()
	c.processed++
	c.mu.Unlock()
}

func (c *consumer) bumpFailed() {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
}

func (c *consumer) status() WorkerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := WorkerStatus{
		ID:             c.id,
		ProcessedTotal: c.processed,
		FailedTotal:    c.failed,
		LastHeartbeat:  c.lastHeartbeat,
	}
	if c.activeJob != "" {
		st.ActiveJobs = 1
	}
	return st
}

func (c *consumer) stampHeartbeat(t time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = t
	c.mu.Unlock()
}
