package fabric

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/metrics"
	"github.com/cuemby/darkroom/pkg/types"
)

// Conn is the transport half of an attached connection. WriteEvent may
// block; each client's queue and writer goroutine isolate slow transports
// from the fabric. Production conns are websockets; tests use fakes.
type Conn interface {
	WriteEvent(evt *types.Event) error
	Close() error
}

// Client is one attached connection's fabric-side state: its room
// memberships and its bounded outbound queue.
type Client struct {
	fabric *Fabric
	conn   Conn

	sendCh  chan *types.Event
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64

	// rooms is guarded by fabric.mu
	rooms map[string]struct{}

	mu        sync.Mutex
	clientID  string
	sessionID string
}

func newClient(f *Fabric, conn Conn, buffer int) *Client {
	return &Client{
		fabric: f,
		conn:   conn,
		sendCh: make(chan *types.Event, buffer),
		done:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
}

// Identify joins the client room and, when a session is given, the session
// room. Re-identifying moves the connection between rooms.
func (c *Client) Identify(clientID, sessionID string) error {
	if clientID == "" {
		return errdefs.New(errdefs.KindValidationFailed, "client_id is required")
	}

	c.mu.Lock()
	prevClient, prevSession := c.clientID, c.sessionID
	c.clientID, c.sessionID = clientID, sessionID
	c.mu.Unlock()

	if prevClient != "" && prevClient != clientID {
		c.fabric.leave(c, RoomClient(prevClient))
	}
	if prevSession != "" && prevSession != sessionID {
		c.fabric.leave(c, RoomSession(prevSession))
	}

	c.fabric.join(c, RoomClient(clientID))
	if sessionID != "" {
		c.fabric.join(c, RoomSession(sessionID))
	}
	return nil
}

// Subscribe joins the photo's lifecycle room
func (c *Client) Subscribe(photoID string) error {
	if photoID == "" {
		return errdefs.New(errdefs.KindValidationFailed, "photo_id is required")
	}
	c.fabric.join(c, RoomPhoto(photoID))
	return nil
}

// Unsubscribe leaves the photo's lifecycle room
func (c *Client) Unsubscribe(photoID string) {
	if photoID == "" {
		return
	}
	c.fabric.leave(c, RoomPhoto(photoID))
}

// Close detaches the connection from the fabric and closes the transport
func (c *Client) Close() error {
	c.fabric.detach(c)
	return nil
}

// Dropped returns how many events overflowed this connection's queue
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// trySend queues the event without blocking. Overflow drops the event for
// this connection only.
func (c *Client) trySend(evt *types.Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.sendCh <- evt:
	default:
		c.dropped.Add(1)
		metrics.FabricDroppedTotal.Inc()
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case evt := <-c.sendCh:
			if err := c.conn.WriteEvent(evt); err != nil {
				c.fabric.logger.Debug().Err(err).Msg("Connection write failed; detaching")
				c.fabric.detach(c)
				return
			}
		}
	}
}

// shutdown stops the writer and closes the transport. Called by the
// fabric with the client already out of every room.
func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
