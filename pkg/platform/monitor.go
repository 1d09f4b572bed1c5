package platform

import (
	"context"
	"time"

	"github.com/cuemby/darkroom/pkg/metastore"
	"github.com/cuemby/darkroom/pkg/metrics"
	"github.com/cuemby/darkroom/pkg/queue"
	"github.com/cuemby/darkroom/pkg/types"
)

const monitorInterval = 15 * time.Second

// monitor samples queue depth and photo status gauges on a fixed cadence
type monitor struct {
	queue  *queue.Queue
	meta   metastore.Store
	stopCh chan struct{}
	done   chan struct{}
}

func newMonitor(q *queue.Queue, meta metastore.Store) *monitor {
	return &monitor{
		queue:  q,
		meta:   meta,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (m *monitor) start() {
	go func() {
		defer close(m.done)

		m.collect()
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.collect()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *monitor) stop() {
	close(m.stopCh)
	<-m.done
}

func (m *monitor) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m.collectQueueDepth(ctx)
	m.collectPhotoCounts(ctx)
}

func (m *monitor) collectQueueDepth(ctx context.Context) {
	stats, err := m.queue.Stats(ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.WithLabelValues("waiting").Set(float64(stats.Waiting))
	metrics.QueueDepth.WithLabelValues("delayed").Set(float64(stats.Delayed))
	metrics.QueueDepth.WithLabelValues("active").Set(float64(stats.Active))
	metrics.QueueDepth.WithLabelValues("dead").Set(float64(stats.DeadLetters))
}

func (m *monitor) collectPhotoCounts(ctx context.Context) {
	for _, status := range []types.PhotoStatus{
		types.PhotoStatusQueued,
		types.PhotoStatusInProgress,
		types.PhotoStatusCompleted,
		types.PhotoStatusFailed,
		types.PhotoStatusCancelled,
	} {
		n, err := m.meta.Count(ctx, metastore.Filter{Status: status})
		if err != nil {
			return
		}
		metrics.PhotosByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}
