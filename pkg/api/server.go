package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/health"
	"github.com/cuemby/darkroom/pkg/ingress"
	"github.com/cuemby/darkroom/pkg/log"
	"github.com/cuemby/darkroom/pkg/metrics"
	"github.com/cuemby/darkroom/pkg/queue"
	"github.com/cuemby/darkroom/pkg/worker"
)

const (
	defaultAddr           = ":8080"
	defaultMaxUploadBytes = 50 << 20

	// Slack on top of the upload cap for multipart boundaries and form
	// fields. The coordinator enforces the exact payload limit.
	uploadOverheadBytes = 1 << 20
)

// Config controls the HTTP listener.
type Config struct {
	Addr            string
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = defaultMaxUploadBytes
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	return c
}

// Server exposes the REST surface: photo CRUD on top of the ingress
// coordinator, queue and worker administration, the websocket gateway,
// and the health/metrics endpoints.
type Server struct {
	ingress  *ingress.Coordinator
	queue    *queue.Queue
	pool     *worker.Pool
	gateway  http.Handler
	registry *health.Registry

	cfg    Config
	logger zerolog.Logger
	http   *http.Server
	ln     net.Listener
}

// New assembles the server. pool and gateway may be nil on nodes that
// run without workers or websocket fan-out; registry nil means the
// process-wide default.
func New(ing *ingress.Coordinator, q *queue.Queue, pool *worker.Pool, gateway http.Handler, registry *health.Registry, cfg Config) *Server {
	if registry == nil {
		registry = health.Default()
	}
	s := &Server{
		ingress:  ing,
		queue:    q,
		pool:     pool,
		gateway:  gateway,
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   log.WithComponent("api"),
	}
	// No global read/write timeouts: uploads can be large and /ws
	// connections are long-lived. ReadHeaderTimeout bounds the
	// handshake instead.
	s.http = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start binds the listener and begins serving. The error covers bind
// failures only; serve errors after that are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errdefs.Wrap(errdefs.KindTransientBackend, err, "listen on %s", s.cfg.Addr)
	}
	s.ln = ln

	health.Register("api", false)
	health.Update("api", true, "")

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server terminated")
			health.Update("api", false, err.Error())
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API listening")
	return nil
}

// Stop drains in-flight requests within the configured shutdown window.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	health.Update("api", false, "shutting down")
	if err := s.http.Shutdown(ctx); err != nil {
		return errdefs.Wrap(errdefs.KindTimeout, err, "api shutdown")
	}
	return nil
}

// Addr returns the bound listen address, useful when Config.Addr
// requested an ephemeral port.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Handler returns the routed handler for embedding in another mux.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(s.traceID)
	r.Use(s.observe)
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/photos", func(r chi.Router) {
			r.Post("/", s.handleUpload)
			r.Get("/", s.handleList)
			r.Route("/{photoID}", func(r chi.Router) {
				r.Get("/", s.handleGetPhoto)
				r.Delete("/", s.handleDeletePhoto)
				r.Get("/download", s.handleDownload)
				r.Post("/cancel", s.handleCancel)
			})
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", s.handleQueueStats)
			r.Post("/pause", s.handleQueuePause)
			r.Post("/resume", s.handleQueueResume)
			r.Get("/dead", s.handleDeadLetters)
			r.Post("/dead/{jobID}/requeue", s.handleRequeueDead)
		})

		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.handleWorkers)
			r.Post("/scale", s.handleScaleWorkers)
		})
	})

	if s.gateway != nil {
		r.Get("/ws", s.gateway.ServeHTTP)
	}

	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", s.registry.Handler())
	r.Get("/ready", s.registry.ReadyHandler())
	r.Get("/live", s.registry.LivenessHandler())

	return r
}
