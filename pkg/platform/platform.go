package platform

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cuemby/darkroom/pkg/api"
	"github.com/cuemby/darkroom/pkg/blob"
	"github.com/cuemby/darkroom/pkg/config"
	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/events"
	"github.com/cuemby/darkroom/pkg/fabric"
	"github.com/cuemby/darkroom/pkg/health"
	"github.com/cuemby/darkroom/pkg/ingress"
	"github.com/cuemby/darkroom/pkg/log"
	"github.com/cuemby/darkroom/pkg/metastore"
	"github.com/cuemby/darkroom/pkg/pipeline"
	"github.com/cuemby/darkroom/pkg/queue"
	"github.com/cuemby/darkroom/pkg/stages"
	"github.com/cuemby/darkroom/pkg/types"
	"github.com/cuemby/darkroom/pkg/worker"
)

// PipelineSweep names the recurring consistency sweep job. Sweep jobs
// carry no photo and are dispatched to the sweeper, not the engine.
const PipelineSweep = "consistency_sweep"

// recurringSweepName identifies the sweep schedule in the queue's cron.
const recurringSweepName = "consistency-sweep"

// Options selects the node role and lets tests substitute backends.
type Options struct {
	// WorkerOnly skips the API server, ingress, and websocket fabric;
	// the node only consumes jobs.
	WorkerOnly bool

	// Version stamps health reports and the startup event.
	Version string

	// Backend overrides. Nil fields are constructed from the config;
	// tests pass in-memory stores and a miniredis client here.
	Blobs       blob.Store
	Meta        metastore.Store
	RedisClient *redis.Client
}

// Platform is the composition root: it builds every component from one
// configuration and owns startup and shutdown ordering.
type Platform struct {
	cfg  *config.Config
	opts Options

	blobs    blob.Store
	meta     metastore.Store
	queue    *queue.Queue
	channel  events.Channel
	registry *pipeline.Registry
	engine   *pipeline.Engine
	pool     *worker.Pool
	ingress  *ingress.Coordinator
	fabric   *fabric.Fabric
	api      *api.Server
	sweeper  *sweeper
	monitor  *monitor
	checks   *health.Monitor

	// redis clients constructed here (as opposed to injected) are
	// closed on Stop
	ownedClients []*redis.Client

	logger  zerolog.Logger
	started bool
}

// New assembles a platform from configuration. No backend is contacted
// until Start.
func New(cfg *config.Config, opts Options) (*Platform, error) {
	p := &Platform{
		cfg:    cfg,
		opts:   opts,
		logger: log.WithComponent("platform"),
	}

	if err := p.buildBackends(); err != nil {
		return nil, err
	}

	p.registry = pipeline.NewRegistry()
	for _, st := range stages.All() {
		if err := p.registry.RegisterStage(st); err != nil {
			return nil, err
		}
	}
	if cfg.PipelinesFile != "" {
		if err := p.registry.LoadFile(cfg.PipelinesFile); err != nil {
			return nil, err
		}
	}

	p.engine = pipeline.NewEngine(p.registry, p.blobs, p.meta, p.channel, pipeline.Config{
		StageTimeout: cfg.Worker.StageTimeout(),
		CancelGrace:  cfg.Worker.CancelGrace(),
	})
	p.sweeper = newSweeper(p.blobs, p.meta, cfg.Sweep.GraceWindow())
	p.pool = worker.New(p.queue, &dispatcher{engine: p.engine, sweeper: p.sweeper}, p.channel, worker.Config{
		Concurrency:     cfg.Worker.Concurrency,
		Lease:           cfg.Worker.Lease(),
		ShutdownTimeout: cfg.Worker.ShutdownTimeout(),
	})
	p.monitor = newMonitor(p.queue, p.meta)

	p.checks = health.NewMonitor(health.Default(), 0)
	for _, c := range []health.CheckerFunc{
		{ComponentName: "blob_store", Fn: p.blobs.Ping},
		{ComponentName: "metastore", Fn: p.meta.Ping},
		{ComponentName: "queue", Fn: p.queue.Ping},
		{ComponentName: "events", Fn: p.channel.Ping},
	} {
		p.checks.Add(c, true)
	}

	if !opts.WorkerOnly {
		p.ingress = ingress.New(p.blobs, p.meta, p.queue, p.channel, ingress.Config{
			MaxUploadBytes:  cfg.Ingress.MaxUploadBytes,
			DedupByChecksum: cfg.Ingress.DedupByChecksum,
			DefaultPipeline: cfg.Ingress.DefaultPipeline,
		})
		p.fabric = fabric.New(p.channel, fabric.Config{})
		p.api = api.New(p.ingress, p.queue, p.pool, fabric.NewGateway(p.fabric, fabric.GatewayConfig{}), nil, api.Config{
			Addr:           cfg.ListenAddr,
			MaxUploadBytes: cfg.Ingress.MaxUploadBytes,
		})
	}

	return p, nil
}

func (p *Platform) buildBackends() error {
	var err error

	p.blobs = p.opts.Blobs
	if p.blobs == nil {
		p.blobs, err = blob.NewMinIOStore(p.cfg.Blob)
		if err != nil {
			return err
		}
	}

	p.meta = p.opts.Meta
	if p.meta == nil {
		p.meta, err = metastore.NewBoltStore(p.cfg.Metadata.Path)
		if err != nil {
			return err
		}
	}

	queueClient := p.opts.RedisClient
	if queueClient == nil {
		queueClient = redis.NewClient(&redis.Options{
			Addr:     p.cfg.Queue.Addr(),
			Password: p.cfg.Queue.Password,
		})
		p.ownedClients = append(p.ownedClients, queueClient)
	}

	eventClient := queueClient
	if p.opts.RedisClient == nil && p.cfg.Events.Addr() != p.cfg.Queue.Addr() {
		eventClient = redis.NewClient(&redis.Options{
			Addr:     p.cfg.Events.Addr(),
			Password: p.cfg.Events.Password,
		})
		p.ownedClients = append(p.ownedClients, eventClient)
	}

	p.queue = queue.New(queueClient, queue.Config{
		Namespace:       p.cfg.ServiceName,
		Name:            p.cfg.Queue.Name,
		Lease:           p.cfg.Worker.Lease(),
		ClaimRate:       p.cfg.Queue.RatePerSecond,
		JanitorInterval: p.cfg.Queue.JanitorInterval(),
		PollInterval:    p.cfg.Queue.PollInterval(),
	})
	p.channel = events.NewRedisChannel(eventClient, p.cfg.ServiceName)
	return nil
}

// Start brings the node up: waits for backends, prepares buckets and
// schedules, then starts consumers and, on full nodes, the edge.
func (p *Platform) Start(ctx context.Context) error {
	if p.started {
		return errdefs.New(errdefs.KindConflict, "platform already started")
	}

	health.SetVersion(p.opts.Version)

	if err := p.waitBackends(ctx); err != nil {
		return err
	}
	if err := p.ensureBuckets(ctx); err != nil {
		return err
	}

	p.queue.Start()
	if err := p.queue.AddRecurring(recurringSweepName, p.cfg.Sweep.Cron, &types.Job{
		Pipeline: PipelineSweep,
		Priority: 9,
	}); err != nil {
		return err
	}

	if err := p.pool.Start(); err != nil {
		return err
	}

	if p.api != nil {
		if err := p.fabric.Start(); err != nil {
			return err
		}
		if err := p.api.Start(); err != nil {
			return err
		}
	}

	p.monitor.start()
	p.checks.Start()
	p.started = true

	p.announce(ctx, types.TopicSystemStartup)
	p.logger.Info().
		Str("service", p.cfg.ServiceName).
		Str("version", p.opts.Version).
		Bool("worker_only", p.opts.WorkerOnly).
		Msg("Platform started")
	return nil
}

// Stop shuts components down in reverse dependency order: edge first,
// then consumers, then shared backends.
func (p *Platform) Stop(ctx context.Context) error {
	if !p.started {
		return nil
	}
	p.started = false

	p.announce(ctx, types.TopicSystemShutdown)

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if p.api != nil {
		keep(p.api.Stop(ctx))
	}
	keep(p.pool.Drain(ctx))
	if p.fabric != nil {
		p.fabric.Stop()
	}
	p.monitor.stop()
	p.checks.Stop()
	p.queue.Stop()
	keep(p.channel.Close())
	keep(p.meta.Close())
	for _, c := range p.ownedClients {
		keep(c.Close())
	}

	p.logger.Info().Msg("Platform stopped")
	return firstErr
}

// APIAddr reports the bound API address, empty on worker-only nodes.
func (p *Platform) APIAddr() string {
	if p.api == nil {
		return ""
	}
	return p.api.Addr()
}

// waitBackends pings every backend until it answers or the deadline
// passes. The components are already registered not-ready, so readiness
// stays 503 until every backend has answered once.
func (p *Platform) waitBackends(ctx context.Context) error {
	checks := []struct {
		name string
		ping func(context.Context) error
	}{
		{"blob_store", p.blobs.Ping},
		{"metastore", p.meta.Ping},
		{"queue", p.queue.Ping},
		{"events", p.channel.Ping},
	}

	for _, c := range checks {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 200 * time.Millisecond
		bo.MaxInterval = 2 * time.Second
		bo.MaxElapsedTime = 30 * time.Second

		err := backoff.Retry(func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return c.ping(pingCtx)
		}, backoff.WithContext(bo, ctx))
		if err != nil {
			health.Update(c.name, false, err.Error())
			return errdefs.Wrap(errdefs.KindTransientBackend, err, "%s unavailable", c.name)
		}
		health.Update(c.name, true, "")
	}
	return nil
}

func (p *Platform) ensureBuckets(ctx context.Context) error {
	for _, bucket := range []string{
		types.BucketPhotos,
		types.BucketPhotosLarge,
		types.BucketVideos,
		types.BucketArtifacts,
	} {
		if err := p.blobs.EnsureBucket(ctx, bucket); err != nil {
			return err
		}
	}
	return nil
}

func (p *Platform) announce(ctx context.Context, topic string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	evt := events.New(topic, map[string]any{
		"service": p.cfg.ServiceName,
		"version": p.opts.Version,
	}, types.EventMetadata{Source: "platform"})
	if err := p.channel.Publish(ctx, evt); err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Msg("Announcement publish failed")
	}
}

// dispatcher routes claimed jobs: sweep jobs to the sweeper, everything
// else to the pipeline engine.
type dispatcher struct {
	engine  *pipeline.Engine
	sweeper *sweeper
}

func (d *dispatcher) Execute(ctx context.Context, job *types.Job) error {
	if job.Pipeline == PipelineSweep {
		return d.sweeper.run(ctx)
	}
	return d.engine.Execute(ctx, job)
}
