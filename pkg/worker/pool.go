package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/events"
	"github.com/cuemby/darkroom/pkg/health"
	"github.com/cuemby/darkroom/pkg/log"
	"github.com/cuemby/darkroom/pkg/metrics"
	"github.com/cuemby/darkroom/pkg/queue"
	"github.com/cuemby/darkroom/pkg/types"
)

// Executor runs one claimed job to completion. The pipeline engine is the
// production implementation; tests substitute fakes.
type Executor interface {
	Execute(ctx context.Context, job *types.Job) error
}

// Pool lifecycle states.
const (
	StateStarting = types.WorkerStateStarting
	StateRunning  = types.WorkerStateRunning
	StatePaused   = types.WorkerStatePaused
	StateDraining = types.WorkerStateDraining
	StateStopped  = types.WorkerStateStopped
)

// Config holds worker pool configuration
type Config struct {
	// Concurrency is the number of consumer goroutines Start launches.
	Concurrency int

	// Lease must match the queue's claim lease. In-flight jobs have their
	// leases extended every Lease/3.
	Lease time.Duration

	// ShutdownTimeout bounds how long Drain waits for active jobs before
	// cancelling the stragglers.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Pool binds queue consumers to an executor. Each consumer claims one job
// at a time, hands it to the executor, and settles it from the outcome:
// success and cancellation ack, everything else nacks and lets the queue
// decide between backoff and the dead-letter stream.
type Pool struct {
	queue   *queue.Queue
	exec    Executor
	channel events.Channel // optional; enables mid-stage cancel interrupts
	cfg     Config
	logger  zerolog.Logger

	mu        sync.Mutex
	state     types.WorkerState
	consumers map[int]*consumer
	nextID    int
	active    map[string]*jobRun

	cancelSub *events.Subscription
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// jobRun tracks one in-flight execution so the heartbeat loop and the
// cancel watcher can reach it.
type jobRun struct {
	job       *types.Job
	cancel    context.CancelFunc
	startedAt time.Time
}

// New creates a worker pool. channel may be nil; cancellation requests are
// then only honored between stages.
func New(q *queue.Queue, exec Executor, channel events.Channel, cfg Config) *Pool {
	return &Pool{
		queue:     q,
		exec:      exec,
		channel:   channel,
		cfg:       cfg.withDefaults(),
		logger:    log.WithComponent("worker"),
		state:     StateStarting,
		consumers: make(map[int]*consumer),
		active:    make(map[string]*jobRun),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the consumers, the lease heartbeat, and the cancel watcher.
func (p *Pool) Start() error {
	p.mu.Lock()
	if p.state != StateStarting {
		p.mu.Unlock()
		return errdefs.New(errdefs.KindConflict, "worker pool is %s; cannot start", p.state)
	}
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.spawnLocked()
	}
	p.state = StateRunning
	p.mu.Unlock()

	p.wg.Add(1)
	go p.heartbeatLoop()

	if p.channel != nil {
		sub, err := p.channel.Subscribe(types.TopicCancelRequested, p.onCancelRequested)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Cancel subscription unavailable; cancellations take effect between stages")
		} else {
			p.cancelSub = sub
		}
	}

	health.Register("worker_pool", false)
	health.Update("worker_pool", true, "running")

	p.logger.Info().
		Int("concurrency", p.cfg.Concurrency).
		Dur("lease", p.cfg.Lease).
		Msg("Worker pool started")
	return nil
}

// Stop drains the pool with the configured shutdown timeout.
func (p *Pool) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout+10*time.Second)
	defer cancel()
	return p.Drain(ctx)
}

// Drain stops new claims, waits for active jobs up to the shutdown timeout,
// then force-cancels the rest. Force-cancelled executions settle as
// retryable interrupts and their jobs return to the queue.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateDraining || p.state == StateStopped {
		p.mu.Unlock()
		return nil
	}
	p.state = StateDraining
	consumers := make([]*consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	active := len(p.active)
	p.mu.Unlock()

	health.Update("worker_pool", false, "draining")
	p.logger.Info().Int("active_jobs", active).Msg("Draining worker pool")

	for _, c := range consumers {
		c.retire()
	}

	done := make(chan struct{})
	go func() {
		for _, c := range consumers {
			<-c.done
		}
		close(done)
	}()

	deadline := time.NewTimer(p.cfg.ShutdownTimeout)
	defer deadline.Stop()

	graceful := true
	select {
	case <-done:
	case <-deadline.C:
		graceful = false
	case <-ctx.Done():
		graceful = false
	}

	if !graceful {
		p.mu.Lock()
		for _, r := range p.active {
			r.cancel()
		}
		p.mu.Unlock()

		select {
		case <-done:
		case <-time.After(10 * time.Second):
			p.logger.Error().Msg("Consumers did not exit after force-cancel")
		}
	}

	close(p.stopCh)
	p.wg.Wait()

	if p.cancelSub != nil {
		p.channel.Unsubscribe(p.cancelSub)
		p.cancelSub = nil
	}

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
	health.Update("worker_pool", false, "stopped")

	if graceful {
		p.logger.Info().Msg("Worker pool drained")
	} else {
		p.logger.Warn().Msg("Drain timed out; interrupted remaining jobs")
	}
	return nil
}

// Pause stops consumers from claiming new jobs. Active jobs run on.
func (p *Pool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return
	}
	p.state = StatePaused
	health.Update("worker_pool", true, "paused")
	p.logger.Info().Msg("Worker pool paused")
}

// Resume reopens claiming after Pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePaused {
		return
	}
	p.state = StateRunning
	health.Update("worker_pool", true, "running")
	p.logger.Info().Msg("Worker pool resumed")
}

// ScaleTo grows or shrinks the consumer set to target. Retired consumers
// drain: they finish their current job and stop claiming.
func (p *Pool) ScaleTo(target int) error {
	if target < 0 {
		return errdefs.New(errdefs.KindValidationFailed, "scale target must be >= 0, got %d", target)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning && p.state != StatePaused {
		return errdefs.New(errdefs.KindConflict, "worker pool is %s; cannot scale", p.state)
	}

	current := len(p.consumers)
	switch {
	case target > current:
		for i := current; i < target; i++ {
			p.spawnLocked()
		}
	case target < current:
		retire := current - target
		for _, c := range p.consumers {
			if retire == 0 {
				break
			}
			c.retire()
			retire--
		}
	}
	p.cfg.Concurrency = target

	p.logger.Info().Int("from", current).Int("to", target).Msg("Scaled worker pool")
	return nil
}

// State returns the pool lifecycle state.
func (p *Pool) State() types.WorkerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ActiveJobs returns the number of in-flight executions.
func (p *Pool) ActiveJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// WorkerStatus reports one consumer's counters.
type WorkerStatus struct {
	ID             int       `json:"id"`
	ActiveJobs     int       `json:"active_jobs"`
	ProcessedTotal uint64    `json:"processed_total"`
	FailedTotal    uint64    `json:"failed_total"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// PoolStatus aggregates the pool and its consumers.
type PoolStatus struct {
	State          types.WorkerState `json:"state"`
	Concurrency    int               `json:"concurrency"`
	ActiveJobs     int               `json:"active_jobs"`
	ProcessedTotal uint64            `json:"processed_total"`
	FailedTotal    uint64            `json:"failed_total"`
	Workers        []WorkerStatus    `json:"workers"`
}

// Status snapshots the pool for the admin API and CLI.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	consumers := make([]*consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	st := PoolStatus{
		State:       p.state,
		Concurrency: p.cfg.Concurrency,
		ActiveJobs:  len(p.active),
	}
	p.mu.Unlock()

	for _, c := range consumers {
		st.Workers = append(st.Workers, c.status())
	}
	sort.Slice(st.Workers, func(i, j int) bool { return st.Workers[i].ID < st.Workers[j].ID })

	for _, w := range st.Workers {
		st.ProcessedTotal += w.ProcessedTotal
		st.FailedTotal += w.FailedTotal
	}
	return st
}

func (p *Pool) spawnLocked() {
	id := p.nextID
	p.nextID++
	c := &consumer{
		id:     id,
		pool:   p,
		logger: p.logger.With().Int("consumer", id).Logger(),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.consumers[id] = c
	metrics.WorkerConsumers.Inc()
	go c.run()
}

func (p *Pool) track(id string, r *jobRun) {
	p.mu.Lock()
	p.active[id] = r
	p.mu.Unlock()
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

// waitWhilePaused blocks while the pool is paused. Returns true when the
// consumer should stop instead.
func (p *Pool) waitWhilePaused(stopCh chan struct{}) bool {
	for {
		p.mu.Lock()
		paused := p.state == StatePaused
		p.mu.Unlock()
		if !paused {
			return false
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-stopCh:
			return true
		}
	}
}
