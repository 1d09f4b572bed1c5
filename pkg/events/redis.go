package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/log"
	"github.com/cuemby/darkroom/pkg/metrics"
	"github.com/cuemby/darkroom/pkg/types"
)

// RedisChannel carries events across processes over redis pub/sub. Each
// topic maps to one redis channel under the namespace prefix; a trailing
// "*" in a subscription pattern becomes a redis glob, which matches one or
// more dotted segments exactly like the local matcher. One reader goroutine
// per subscription feeds the same ordered dispatch lanes the local bus
// uses, so per-photo ordering survives the transport hop.
type RedisChannel struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	subs   map[string]*redisSub
	closed bool

	published  atomic.Uint64
	lastPingNS atomic.Int64
	lastPingOK atomic.Bool
}

type redisSub struct {
	sub    *Subscription
	pubsub *redis.PubSub
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ Channel = (*RedisChannel)(nil)

// NewRedisChannel creates an event channel over the given redis client.
// The namespace isolates deployments sharing one redis; channels are named
// "<namespace>:evt:<topic>".
func NewRedisChannel(client *redis.Client, namespace string) *RedisChannel {
	if namespace == "" {
		namespace = "darkroom"
	}
	return &RedisChannel{
		client: client,
		prefix: namespace + ":evt:",
		subs:   make(map[string]*redisSub),
	}
}

// Publish sends the event to the topic's redis channel. Transport errors
// classify as transient so callers can decide between retry and log-and-go.
func (c *RedisChannel) Publish(ctx context.Context, evt *types.Event) error {
	if err := validateEvent(evt); err != nil {
		return err
	}
	stampEvent(evt)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errdefs.New(errdefs.KindTransientBackend, "event channel is closed")
	}
	c.mu.Unlock()

	payload, err := json.Marshal(evt)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "marshal event %s", evt.ID)
	}
	if err := c.client.Publish(ctx, c.prefix+evt.Type, payload).Err(); err != nil {
		return errdefs.Wrap(errdefs.KindTransientBackend, err, "event transport unavailable")
	}

	c.published.Add(1)
	metrics.EventsPublishedTotal.WithLabelValues(evt.Type).Inc()
	return nil
}

// Subscribe registers a handler backed by a redis pattern subscription
func (c *RedisChannel) Subscribe(pattern string, h Handler, opts ...SubOption) (*Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errdefs.New(errdefs.KindValidationFailed, "handler is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errdefs.New(errdefs.KindTransientBackend, "event channel is closed")
	}
	c.mu.Unlock()

	o := defaultSubOptions()
	for _, opt := range opts {
		opt(&o)
	}
	sub := newSubscription(pattern, h, o)

	pubsub := c.client.PSubscribe(context.Background(), c.prefix+pattern)

	// wait for the subscription confirmation so callers never race their
	// first publish against an unregistered pattern
	confirmCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := pubsub.Receive(confirmCtx); err != nil {
		_ = pubsub.Close()
		return nil, errdefs.Wrap(errdefs.KindTransientBackend, err, "subscribe %q", pattern)
	}

	rs := &redisSub{
		sub:    sub,
		pubsub: pubsub,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.subs[sub.ID] = rs
	c.mu.Unlock()

	sub.start()
	rs.wg.Add(1)
	go c.read(rs)

	return sub, nil
}

// read pumps redis messages into the subscription's dispatch lanes
func (c *RedisChannel) read(rs *redisSub) {
	defer rs.wg.Done()
	logger := log.WithComponent("events").With().Str("pattern", rs.sub.Pattern).Logger()

	ch := rs.pubsub.Channel()
	for {
		select {
		case <-rs.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt types.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping undecodable event")
				continue
			}
			rs.sub.enqueue(&evt)
		}
	}
}

// Unsubscribe closes the redis subscription and stops the dispatch lanes
func (c *RedisChannel) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	rs, ok := c.subs[sub.ID]
	if ok {
		delete(c.subs, sub.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.teardown(rs)
}

func (c *RedisChannel) teardown(rs *redisSub) {
	close(rs.done)
	_ = rs.pubsub.Close()
	rs.wg.Wait()
	rs.sub.stop()
}

// Stats returns aggregate counters across all subscriptions
func (c *RedisChannel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		Published:     c.published.Load(),
		Subscriptions: len(c.subs),
		LastPingOK:    c.lastPingOK.Load(),
	}
	if ns := c.lastPingNS.Load(); ns > 0 {
		st.LastPingAt = time.Unix(0, ns)
	}
	for _, rs := range c.subs {
		st.Delivered += rs.sub.delivered.Load()
		st.Dropped += rs.sub.dropped.Load()
		st.HandlerErrors += rs.sub.handlerErrs.Load()
	}
	return st
}

// Ping verifies the redis transport is reachable
func (c *RedisChannel) Ping(ctx context.Context) error {
	err := c.client.Ping(ctx).Err()
	c.lastPingNS.Store(time.Now().UnixNano())
	c.lastPingOK.Store(err == nil)
	if err != nil {
		return errdefs.Wrap(errdefs.KindTransientBackend, err, "event transport unreachable")
	}
	return nil
}

// Close stops all subscriptions. The shared redis client is owned by the
// caller and stays open.
func (c *RedisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*redisSub, 0, len(c.subs))
	for _, rs := range c.subs {
		subs = append(subs, rs)
	}
	c.subs = make(map[string]*redisSub)
	c.mu.Unlock()

	for _, rs := range subs {
		c.teardown(rs)
	}
	return nil
}
