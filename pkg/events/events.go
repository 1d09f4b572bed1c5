package events

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/log"
	"github.com/cuemby/darkroom/pkg/metrics"
	"github.com/cuemby/darkroom/pkg/types"
)

// eventNamespace seeds deterministic event IDs. A re-emitted event for the
// same (photo, sequence) pair hashes to the same ID, so consumers can
// deduplicate transport redeliveries.
var eventNamespace = uuid.MustParse("7f1a3c52-9b0e-4d8a-b6f4-2c5e8a91d303")

// Handler processes one delivered event. A non-nil error triggers the
// subscription's retry policy, if enabled.
type Handler func(ctx context.Context, evt *types.Event) error

// Channel is the transport-agnostic fan-out contract shared by the
// in-process bus and the redis-backed channel.
type Channel interface {
	// Publish delivers the event to every subscription whose pattern
	// matches the event type. Publish never blocks on slow consumers.
	Publish(ctx context.Context, evt *types.Event) error

	// Subscribe registers a handler for a topic pattern. Patterns are
	// dot-separated segments with an optional trailing "*" that matches
	// one or more remaining segments.
	Subscribe(pattern string, h Handler, opts ...SubOption) (*Subscription, error)

	// Unsubscribe detaches the subscription and stops its dispatch lanes
	Unsubscribe(sub *Subscription)

	// Stats returns a point-in-time snapshot of channel activity
	Stats() Stats

	// Ping verifies the transport is reachable
	Ping(ctx context.Context) error

	// Close stops every subscription. Publishes are rejected afterwards.
	Close() error
}

// Stats is a snapshot of channel activity since creation
type Stats struct {
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	Dropped       uint64 `json:"dropped"`
	HandlerErrors uint64 `json:"handler_errors"`
	Subscriptions int    `json:"subscriptions"`

	// LastPingAt and LastPingOK record the most recent Ping outcome.
	// LastPingAt stays zero until the channel has been pinged once.
	LastPingAt time.Time `json:"last_ping_at"`
	LastPingOK bool      `json:"last_ping_ok"`
}

// SubOptions tune delivery behavior for a single subscription
type SubOptions struct {
	// RetryOnError re-invokes the handler after a failure, with
	// exponential backoff between attempts.
	RetryOnError bool

	// MaxRetries bounds retry attempts per event
	MaxRetries int

	// Timeout bounds a single handler invocation. Zero means no limit.
	Timeout time.Duration

	// Lanes is the number of ordered dispatch goroutines. Events carrying
	// the same photo ID always land on the same lane, so per-photo order
	// is preserved regardless of lane count.
	Lanes int

	// Buffer is the per-lane queue depth. A full lane drops the event
	// rather than block the publisher.
	Buffer int
}

// SubOption mutates SubOptions at subscribe time
type SubOption func(*SubOptions)

// WithRetry enables handler retries with the given attempt cap
func WithRetry(maxRetries int) SubOption {
	return func(o *SubOptions) {
		o.RetryOnError = true
		o.MaxRetries = maxRetries
	}
}

// WithTimeout bounds each handler invocation
func WithTimeout(d time.Duration) SubOption {
	return func(o *SubOptions) { o.Timeout = d }
}

// WithLanes sets the number of ordered dispatch lanes
func WithLanes(n int) SubOption {
	return func(o *SubOptions) { o.Lanes = n }
}

// WithBuffer sets the per-lane queue depth
func WithBuffer(n int) SubOption {
	return func(o *SubOptions) { o.Buffer = n }
}

func defaultSubOptions() SubOptions {
	return SubOptions{
		Lanes:  4,
		Buffer: 64,
	}
}

// New builds an event, stamping the timestamp and an ID. Events that carry
// a photo sequence get a deterministic ID derived from (photo_id, sequence);
// everything else gets a random one.
func New(eventType string, data map[string]any, meta types.EventMetadata) *types.Event {
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}
	evt := &types.Event{
		Type:     eventType,
		Data:     data,
		Metadata: meta,
	}
	if meta.PhotoID != "" && meta.Sequence > 0 {
		evt.ID = DeterministicID(meta.PhotoID, meta.Sequence)
	} else {
		evt.ID = uuid.New().String()
	}
	return evt
}

// DeterministicID derives the stable event ID for a (photo, sequence) pair
func DeterministicID(photoID string, sequence uint64) string {
	return uuid.NewSHA1(eventNamespace, []byte(photoID+":"+strconv.FormatUint(sequence, 10))).String()
}

// Subscription is one registered handler plus its dispatch lanes. Events
// are delivered in arrival order per lane; same-photo events share a lane.
type Subscription struct {
	ID      string
	Pattern string

	handler Handler
	opts    SubOptions
	lanes   []chan *types.Event
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	logger  zerolog.Logger

	delivered   atomic.Uint64
	dropped     atomic.Uint64
	handlerErrs atomic.Uint64
}

func newSubscription(pattern string, h Handler, opts SubOptions) *Subscription {
	if opts.Lanes <= 0 {
		opts.Lanes = defaultSubOptions().Lanes
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultSubOptions().Buffer
	}
	s := &Subscription{
		ID:      uuid.New().String(),
		Pattern: pattern,
		handler: h,
		opts:    opts,
		lanes:   make([]chan *types.Event, opts.Lanes),
		done:    make(chan struct{}),
		logger:  log.WithComponent("events").With().Str("pattern", pattern).Logger(),
	}
	for i := range s.lanes {
		s.lanes[i] = make(chan *types.Event, opts.Buffer)
	}
	return s
}

func (s *Subscription) start() {
	for i := range s.lanes {
		s.wg.Add(1)
		go s.run(s.lanes[i])
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// enqueue places the event on its lane. Returns false when the lane is
// full or the subscription is stopped.
func (s *Subscription) enqueue(evt *types.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.lane(evt) <- evt:
		return true
	default:
		s.dropped.Add(1)
		metrics.EventsDroppedTotal.Inc()
		return false
	}
}

// lane shards by photo ID so a photo's lifecycle stays ordered
func (s *Subscription) lane(evt *types.Event) chan *types.Event {
	key := evt.Metadata.PhotoID
	if key == "" {
		key = evt.ID
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.lanes[int(h.Sum32())%len(s.lanes)]
}

func (s *Subscription) run(lane chan *types.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case evt := <-lane:
			s.deliver(evt)
		}
	}
}

func (s *Subscription) deliver(evt *types.Event) {
	attempt := 0
	for {
		err := s.invoke(evt)
		if err == nil {
			s.delivered.Add(1)
			metrics.EventsDeliveredTotal.Inc()
			return
		}

		s.handlerErrs.Add(1)
		s.logger.Warn().
			Err(err).
			Str("event_id", evt.ID).
			Str("event_type", evt.Type).
			Int("attempt", attempt+1).
			Msg("Event handler failed")

		if !s.opts.RetryOnError || attempt >= s.opts.MaxRetries {
			return
		}
		attempt++

		select {
		case <-s.done:
			return
		case <-time.After(retryDelay(attempt)):
		}
	}
}

// invoke runs the handler with the configured timeout, converting panics
// into errors so one bad handler cannot take down a dispatch lane.
func (s *Subscription) invoke(evt *types.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errdefs.New(errdefs.KindInternal, "event handler panic: %v", r)
		}
	}()

	ctx := context.Background()
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	return s.handler(ctx, evt)
}

// Delivered returns the number of events this subscription handled
func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }

// Dropped returns the number of events lost to full lanes
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func retryDelay(attempt int) time.Duration {
	d := 100 * time.Millisecond << (attempt - 1)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// stampEvent fills the pieces publishers are allowed to omit
func stampEvent(evt *types.Event) {
	if evt.ID == "" {
		if evt.Metadata.PhotoID != "" && evt.Metadata.Sequence > 0 {
			evt.ID = DeterministicID(evt.Metadata.PhotoID, evt.Metadata.Sequence)
		} else {
			evt.ID = uuid.New().String()
		}
	}
	if evt.Metadata.Timestamp.IsZero() {
		evt.Metadata.Timestamp = time.Now().UTC()
	}
}

func validateEvent(evt *types.Event) error {
	if evt == nil {
		return errdefs.New(errdefs.KindValidationFailed, "event is nil")
	}
	if evt.Type == "" {
		return errdefs.New(errdefs.KindValidationFailed, "event type is required")
	}
	return nil
}
