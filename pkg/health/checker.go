package health

import (
	"context"
	"time"

	"github.com/cuemby/darkroom/pkg/log"
)

// Checker probes one backend dependency
type Checker interface {
	// Name identifies the component in the registry
	Name() string

	// Check performs the probe; nil means healthy
	Check(ctx context.Context) error
}

// CheckerFunc adapts a ping function into a Checker
type CheckerFunc struct {
	ComponentName string
	Fn            func(ctx context.Context) error
}

func (c CheckerFunc) Name() string                    { return c.ComponentName }
func (c CheckerFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// Monitor runs registered checkers on an interval and feeds results into a
// registry. Components are registered on Add and promoted to healthy after
// their first passing probe.
type Monitor struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	checkers []Checker
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMonitor creates a monitor that reports into the given registry
func NewMonitor(registry *Registry, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		registry: registry,
		interval: interval,
		timeout:  5 * time.Second,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Add registers a checker. Critical components gate readiness.
func (m *Monitor) Add(c Checker, critical bool) {
	m.registry.Register(c.Name(), critical)
	m.checkers = append(m.checkers, c)
}

// Start begins periodic checking. The first pass runs immediately so
// readiness converges as soon as backends respond.
func (m *Monitor) Start() {
	go func() {
		defer close(m.doneCh)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.checkAll()

		for {
			select {
			case <-ticker.C:
				m.checkAll()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts periodic checking
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) checkAll() {
	logger := log.WithComponent("health")

	for _, c := range m.checkers {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			logger.Warn().Str("check", c.Name()).Err(err).Msg("Health check failed")
			m.registry.Update(c.Name(), false, err.Error())
		} else {
			m.registry.Update(c.Name(), true, "")
		}
	}
}
