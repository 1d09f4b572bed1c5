package worker

import (
	"context"
	"time"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/types"
)

// heartbeatLoop extends the leases of in-flight jobs at a third of the
// lease interval, so a healthy worker never loses a claim to the janitor.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	interval := p.cfg.Lease / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.extendActiveLeases()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) extendActiveLeases() {
	p.mu.Lock()
	runs := make([]*jobRun, 0, len(p.active))
	for _, r := range p.active {
		runs = append(runs, r)
	}
	consumers := make([]*consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.Unlock()

	for _, r := range runs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := p.queue.Extend(ctx, r.job.ID, p.cfg.Lease)
		cancel()

		switch {
		case err == nil:
		case errdefs.IsConflict(err):
			// The lease is gone: the janitor requeued the job or an
			// operator removed it, so another consumer may own it now.
			// Cancel our execution to keep the claim exclusive.
			p.logger.Warn().
				Str("job_id", r.job.ID).
				Str("photo_id", r.job.PhotoID).
				Msg("Lost lease mid-run; interrupting execution")
			r.cancel()
		default:
			p.logger.Warn().Err(err).Str("job_id", r.job.ID).Msg("Lease extension failed")
		}
	}

	now := time.Now()
	for _, c := range consumers {
		c.stampHeartbeat(now)
	}
}

// onCancelRequested interrupts any in-flight execution for the cancelled
// photo. The executor re-reads the record, sees the cancel flag, and
// settles the record as cancelled; the consumer then acks.
func (p *Pool) onCancelRequested(_ context.Context, evt *types.Event) error {
	photoID := evt.Metadata.PhotoID
	if photoID == "" {
		return nil
	}

	p.mu.Lock()
	var cancels []context.CancelFunc
	for _, r := range p.active {
		if r.job.PhotoID == photoID {
			cancels = append(cancels, r.cancel)
		}
	}
	p.mu.Unlock()

	if len(cancels) == 0 {
		return nil
	}
	for _, cancel := range cancels {
		cancel()
	}
	p.logger.Info().Str("photo_id", photoID).Msg("Cancel requested; interrupting active job")
	return nil
}
