package fabric

import (
	"context"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/cuemby/darkroom/pkg/events"
	"github.com/cuemby/darkroom/pkg/log"
	"github.com/cuemby/darkroom/pkg/metrics"
	"github.com/cuemby/darkroom/pkg/types"
)

// Room names. Every attached connection is in the broadcast room; identify
// joins the client and session rooms; subscribe joins photo rooms.
const RoomBroadcast = "broadcast"

// RoomPhoto names the room carrying one photo's lifecycle
func RoomPhoto(photoID string) string { return "photo:" + photoID }

// RoomClient names the room carrying all of a client's events
func RoomClient(clientID string) string { return "client:" + clientID }

// RoomSession names the session-scoped room
func RoomSession(sessionID string) string { return "session:" + sessionID }

// Config holds fabric tuning knobs
type Config struct {
	// SendBuffer is the per-connection outbound queue depth. A full queue
	// drops the event for that connection rather than blocking the fabric.
	SendBuffer int

	// SeenSize bounds the duplicate-suppression cache. The event channel
	// delivers at least once; the fabric forwards exactly once per event ID.
	SeenSize int

	// Lanes is the per-subscription dispatch parallelism. Events for one
	// photo always share a lane, so per-photo order survives the fan-out.
	Lanes int
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.SeenSize <= 0 {
		c.SeenSize = 1024
	}
	if c.Lanes <= 0 {
		c.Lanes = 8
	}
	return c
}

// Fabric routes platform events to rooms of attached client connections.
type Fabric struct {
	channel events.Channel
	cfg     Config
	logger  zerolog.Logger
	seen    *lru.Cache[string, struct{}]

	mu      sync.Mutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]struct{}
	subs    []*events.Subscription
	started bool
	closed  bool
}

// New creates a fabric bound to the platform event channel
func New(channel events.Channel, cfg Config) *Fabric {
	cfg = cfg.withDefaults()
	seen, _ := lru.New[string, struct{}](cfg.SeenSize)
	return &Fabric{
		channel: channel,
		cfg:     cfg,
		logger:  log.WithComponent("fabric"),
		seen:    seen,
		rooms:   make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]struct{}),
	}
}

// Start subscribes the fabric to photo and system events
func (f *Fabric) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil
	}

	for _, pattern := range []string{"photo.*", "system.*"} {
		sub, err := f.channel.Subscribe(pattern, f.route,
			events.WithLanes(f.cfg.Lanes), events.WithBuffer(4*f.cfg.SendBuffer))
		if err != nil {
			return err
		}
		f.subs = append(f.subs, sub)
	}
	f.started = true
	f.logger.Info().Msg("Event fabric started")
	return nil
}

// Stop unsubscribes from the channel and detaches every connection
func (f *Fabric) Stop() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := f.subs
	f.subs = nil
	clients := make([]*Client, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		f.channel.Unsubscribe(sub)
	}
	for _, c := range clients {
		f.detach(c)
	}
	f.logger.Info().Msg("Event fabric stopped")
}

// Attach registers a connection and starts its writer. The connection
// joins the broadcast room immediately; identify and subscribe add more.
func (f *Fabric) Attach(conn Conn) *Client {
	c := newClient(f, conn, f.cfg.SendBuffer)

	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.joinLocked(c, RoomBroadcast)
	total := len(f.clients)
	f.mu.Unlock()

	metrics.FabricConnections.Set(float64(total))
	go c.writeLoop()

	f.logger.Debug().Int("connections", total).Msg("Connection attached")
	return c
}

// detach removes the client from every room and closes its transport.
func (f *Fabric) detach(c *Client) {
	f.mu.Lock()
	if _, ok := f.clients[c]; !ok {
		f.mu.Unlock()
		return
	}
	delete(f.clients, c)
	for room := range c.rooms {
		f.leaveLocked(c, room)
	}
	total := len(f.clients)
	f.mu.Unlock()

	metrics.FabricConnections.Set(float64(total))
	c.shutdown()
	f.logger.Debug().Int("connections", total).Msg("Connection detached")
}

// route is the channel subscription handler: suppress duplicates, resolve
// rooms, fan out without blocking.
func (f *Fabric) route(_ context.Context, evt *types.Event) error {
	if evt.ID != "" {
		if dup, _ := f.seen.ContainsOrAdd(evt.ID, struct{}{}); dup {
			return nil
		}
	}

	rooms := roomsFor(evt)
	if len(rooms) == 0 {
		return nil
	}

	f.mu.Lock()
	targets := make(map[*Client]struct{})
	for _, room := range rooms {
		for c := range f.rooms[room] {
			targets[c] = struct{}{}
		}
	}
	f.mu.Unlock()

	for c := range targets {
		c.trySend(evt)
	}
	return nil
}

// roomsFor implements the routing table: uploads reach the client, the
// session, and the photo room; lifecycle events reach the photo and client
// rooms; system events broadcast.
func roomsFor(evt *types.Event) []string {
	md := evt.Metadata
	if strings.HasPrefix(evt.Type, "system.") {
		return []string{RoomBroadcast}
	}

	var rooms []string
	if evt.Type == types.TopicPhotoUploaded {
		if md.ClientID != "" {
			rooms = append(rooms, RoomClient(md.ClientID))
		}
		if md.SessionID != "" {
			rooms = append(rooms, RoomSession(md.SessionID))
		}
		if md.PhotoID != "" {
			rooms = append(rooms, RoomPhoto(md.PhotoID))
		}
		return rooms
	}

	if md.PhotoID != "" {
		rooms = append(rooms, RoomPhoto(md.PhotoID))
	}
	if md.ClientID != "" {
		rooms = append(rooms, RoomClient(md.ClientID))
	}
	return rooms
}

func (f *Fabric) join(c *Client, room string) {
	f.mu.Lock()
	f.joinLocked(c, room)
	f.mu.Unlock()
}

func (f *Fabric) leave(c *Client, room string) {
	f.mu.Lock()
	f.leaveLocked(c, room)
	f.mu.Unlock()
}

func (f *Fabric) joinLocked(c *Client, room string) {
	members, ok := f.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		f.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
	metrics.FabricRooms.Set(float64(len(f.rooms)))
}

func (f *Fabric) leaveLocked(c *Client, room string) {
	if members, ok := f.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(f.rooms, room)
		}
	}
	delete(c.rooms, room)
	metrics.FabricRooms.Set(float64(len(f.rooms)))
}

// Stats reports current fan-out state
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

// Stats snapshots connection and room counts
func (f *Fabric) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{Connections: len(f.clients), Rooms: len(f.rooms)}
}
