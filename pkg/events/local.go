package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/metrics"
	"github.com/cuemby/darkroom/pkg/types"
)

// LocalBus is the in-process Channel used by single-binary deployments and
// tests. Publish matches the event type against every subscription pattern
// and hands the event to the subscription's lanes without blocking; slow
// consumers lose events rather than stall publishers.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	published  atomic.Uint64
	lastPingNS atomic.Int64
	lastPingOK atomic.Bool
}

var _ Channel = (*LocalBus)(nil)

// NewLocalBus creates an in-process event channel
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subs: make(map[string]*Subscription),
	}
}

// Publish fans the event out to matching subscriptions. It never blocks;
// subscriptions with full lanes drop the event.
func (b *LocalBus) Publish(_ context.Context, evt *types.Event) error {
	if err := validateEvent(evt); err != nil {
		return err
	}
	stampEvent(evt)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errdefs.New(errdefs.KindTransientBackend, "event channel is closed")
	}
	matched := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if MatchTopic(sub.Pattern, evt.Type) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.enqueue(evt)
	}

	b.published.Add(1)
	metrics.EventsPublishedTotal.WithLabelValues(evt.Type).Inc()
	return nil
}

// Subscribe registers a handler for a topic pattern
func (b *LocalBus) Subscribe(pattern string, h Handler, opts ...SubOption) (*Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errdefs.New(errdefs.KindValidationFailed, "handler is required")
	}

	o := defaultSubOptions()
	for _, opt := range opts {
		opt(&o)
	}
	sub := newSubscription(pattern, h, o)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errdefs.New(errdefs.KindTransientBackend, "event channel is closed")
	}
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	sub.start()
	return sub, nil
}

// Unsubscribe detaches the subscription and waits for its lanes to stop
func (b *LocalBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.ID)
	b.mu.Unlock()
	sub.stop()
}

// Stats returns aggregate counters across all subscriptions
func (b *LocalBus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		Published:     b.published.Load(),
		Subscriptions: len(b.subs),
		LastPingOK:    b.lastPingOK.Load(),
	}
	if ns := b.lastPingNS.Load(); ns > 0 {
		st.LastPingAt = time.Unix(0, ns)
	}
	for _, sub := range b.subs {
		st.Delivered += sub.delivered.Load()
		st.Dropped += sub.dropped.Load()
		st.HandlerErrors += sub.handlerErrs.Load()
	}
	return st
}

// Ping succeeds unless the bus is closed; the local bus has no external
// transport to probe.
func (b *LocalBus) Ping(_ context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.lastPingNS.Store(time.Now().UnixNano())
	if b.closed {
		b.lastPingOK.Store(false)
		return errdefs.New(errdefs.KindTransientBackend, "event channel is closed")
	}
	b.lastPingOK.Store(true)
	return nil
}

// Close stops every subscription and rejects further publishes
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}
