package queue

import (
	"context"
	"time"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/metrics"
)

// janitorLoop periodically reclaims jobs whose lease deadline passed
// without an ack, nack or extension. The consumer is presumed dead; the
// job either goes back to waiting or, with its attempt budget spent, to
// the dead-letter stream.
func (q *Queue) janitorLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			requeued, dead, err := q.RequeueStalled(ctx)
			cancel()
			if err != nil {
				q.logger.Error().Err(err).Msg("Janitor pass failed")
				continue
			}
			if requeued > 0 || dead > 0 {
				q.logger.Info().
					Int("requeued", requeued).
					Int("dead_lettered", dead).
					Msg("Reclaimed stalled jobs")
			}
		}
	}
}

// RequeueStalled reclaims expired leases in one atomic pass, bounded by
// the janitor batch size. Exposed so tests and operators can force a pass
// without waiting out the ticker.
func (q *Queue) RequeueStalled(ctx context.Context) (requeued, deadLettered int, err error) {
	now := time.Now()
	res, err := janitorScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.waiting, q.keys.seq, q.keys.dead},
		now.UnixMilli(),
		q.keys.jobPrefix,
		q.cfg.JanitorBatch,
	).Result()
	if err != nil {
		return 0, 0, errdefs.Wrap(errdefs.KindTransientBackend, err, "reclaim stalled jobs")
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return 0, 0, errdefs.New(errdefs.KindInternal, "unexpected janitor reply %T", res)
	}

	requeued = int(toInt64(reply[0]))
	deadLettered = int(toInt64(reply[1]))
	if requeued > 0 {
		metrics.StalledRequeuedTotal.Add(float64(requeued))
		q.wake(ctx)
	}
	if deadLettered > 0 {
		metrics.DeadLettersTotal.Add(float64(deadLettered))
	}
	return requeued, deadLettered, nil
}
