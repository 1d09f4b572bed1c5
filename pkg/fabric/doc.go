// Package fabric fans platform events out to subscribed client
// connections.
//
// # Architecture
//
//	 event channel (photo.*, system.*)
//	        │  per-photo lanes keep one photo's events ordered
//	        ▼
//	 ┌──── route ────┐        rooms
//	 │ dedup by ID   │    photo:{photo_id}
//	 │ resolve rooms ├──▶  client:{client_id}   ──▶ per-conn queue ──▶ Conn
//	 │ fan out       │    session:{session_id}       (bounded, drop
//	 └───────────────┘    broadcast                   on overflow)
//
// Routing: photo.uploaded reaches the client, session, and photo rooms;
// other photo lifecycle events reach the photo and client rooms; system
// events broadcast to every connection.
//
// # Delivery guarantees
//
// Per-photo order is preserved end to end: the channel subscription lanes
// shard by photo ID and each connection's writer drains its queue FIFO.
// A slow connection never blocks routing; its queue overflows and the
// event is dropped for that connection only, counted in
// darkroom_fabric_dropped_total. Clients recover by re-fetching the photo
// record; there is no per-client outbox.
//
// The event channel delivers at least once. The fabric suppresses
// duplicate event IDs with a bounded cache, so connections see each event
// once.
//
// # Connections
//
// Anything implementing Conn can attach. The websocket gateway serves
// production traffic: inbound JSON frames carry identify / subscribe /
// unsubscribe actions, outbound frames are event JSON, and ping/pong
// keeps idle connections alive.
package fabric
