package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/types"
)

// AddRecurring schedules the template job on a cron cadence. Each firing
// derives its job ID from the name and the minute-aligned fire time, so
// several processes running the same schedule collapse to one enqueued
// job per tick via enqueue dedup. Re-adding a name replaces its schedule.
//
// The template's ID, timestamps and state are ignored; everything else is
// copied into each fired job.
func (q *Queue) AddRecurring(name, spec string, template *types.Job) error {
	if name == "" {
		return errdefs.New(errdefs.KindValidationFailed, "recurring job name is required")
	}
	if template == nil || template.Pipeline == "" {
		return errdefs.New(errdefs.KindValidationFailed, "recurring job template needs a pipeline")
	}

	tmpl := *template
	tmpl.Stages = append([]string(nil), template.Stages...)

	entryID, err := q.cron.AddFunc(spec, func() {
		q.fireRecurring(name, tmpl)
	})
	if err != nil {
		return errdefs.Wrap(errdefs.KindValidationFailed, err, "invalid cron spec %q", spec)
	}

	q.mu.Lock()
	if old, ok := q.recurring[name]; ok {
		q.cron.Remove(old)
	}
	q.recurring[name] = entryID
	q.mu.Unlock()

	q.logger.Info().Str("name", name).Str("spec", spec).Str("pipeline", tmpl.Pipeline).Msg("Recurring job registered")
	return nil
}

// RemoveRecurring drops a schedule. Removing an unknown name is a no-op.
func (q *Queue) RemoveRecurring(name string) {
	q.mu.Lock()
	entryID, ok := q.recurring[name]
	if ok {
		delete(q.recurring, name)
	}
	q.mu.Unlock()

	if ok {
		q.cron.Remove(entryID)
		q.logger.Info().Str("name", name).Msg("Recurring job removed")
	}
}

// RecurringNames lists registered schedule names
func (q *Queue) RecurringNames() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, 0, len(q.recurring))
	for name := range q.recurring {
		names = append(names, name)
	}
	return names
}

func (q *Queue) fireRecurring(name string, tmpl types.Job) {
	nominal := time.Now().UTC().Truncate(time.Minute)

	job := tmpl
	job.ID = fmt.Sprintf("recur:%s:%d", name, nominal.Unix())
	job.Stages = append([]string(nil), tmpl.Stages...)
	job.State = ""
	job.Attempts = 0
	job.EnqueuedAt = time.Time{}
	job.AvailableAt = time.Time{}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := q.Enqueue(ctx, &job)
	if err != nil {
		q.logger.Error().Err(err).Str("name", name).Msg("Recurring enqueue failed")
		return
	}
	if res.Deduplicated {
		q.logger.Debug().Str("name", name).Str("job_id", job.ID).Msg("Recurring tick already enqueued elsewhere")
		return
	}
	q.logger.Debug().Str("name", name).Str("job_id", job.ID).Msg("Recurring job fired")
}
