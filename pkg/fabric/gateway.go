package fabric

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cuemby/darkroom/pkg/log"
	"github.com/cuemby/darkroom/pkg/types"
)

// GatewayConfig tunes the websocket endpoint
type GatewayConfig struct {
	// WriteTimeout bounds each outbound frame write. Default 10s.
	WriteTimeout time.Duration

	// PongWait is how long a connection may stay silent before the read
	// side gives up. Pings go out at 90% of it. Default 60s.
	PongWait time.Duration

	// ReadLimit caps inbound frame size. Control frames are tiny. Default 4 KiB.
	ReadLimit int64
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4 << 10
	}
	return c
}

// wsFrame is the inbound control frame shape:
//
//	{"action": "identify", "client_id": "...", "session_id": "..."}
//	{"action": "subscribe", "photo_id": "..."}
//	{"action": "unsubscribe", "photo_id": "..."}
type wsFrame struct {
	Action    string `json:"action"`
	ClientID  string `json:"client_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	PhotoID   string `json:"photo_id,omitempty"`
}

// Gateway upgrades HTTP requests to websocket connections and bridges
// them onto the fabric. Outbound frames are event JSON.
type Gateway struct {
	fabric   *Fabric
	cfg      GatewayConfig
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewGateway creates the websocket endpoint for a fabric
func NewGateway(f *Fabric, cfg GatewayConfig) *Gateway {
	return &Gateway{
		fabric: f,
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("fabric.gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 << 10,
			WriteBufferSize: 4 << 10,
			// auth and origin policy live at the edge proxy
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	conn := &wsConn{ws: ws, writeTimeout: g.cfg.WriteTimeout}
	client := g.fabric.Attach(conn)

	stopPing := make(chan struct{})
	go g.pingLoop(ws, stopPing)

	g.readLoop(ws, client)

	close(stopPing)
	_ = client.Close()
}

func (g *Gateway) readLoop(ws *websocket.Conn, client *Client) {
	ws.SetReadLimit(g.cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	for {
		var frame wsFrame
		if err := ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug().Err(err).Msg("Websocket closed")
			}
			return
		}

		switch frame.Action {
		case "identify":
			if err := client.Identify(frame.ClientID, frame.SessionID); err != nil {
				g.logger.Debug().Err(err).Msg("Identify rejected")
			}
		case "subscribe":
			if err := client.Subscribe(frame.PhotoID); err != nil {
				g.logger.Debug().Err(err).Msg("Subscribe rejected")
			}
		case "unsubscribe":
			client.Unsubscribe(frame.PhotoID)
		default:
			g.logger.Debug().Str("action", frame.Action).Msg("Unknown frame action")
		}
	}
}

// pingLoop keeps the connection alive. WriteControl is safe alongside the
// client writer goroutine.
func (g *Gateway) pingLoop(ws *websocket.Conn, stop chan struct{}) {
	interval := g.cfg.PongWait * 9 / 10
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(g.cfg.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// wsConn adapts a gorilla websocket to the fabric Conn interface. The
// write mutex keeps event frames and close frames from interleaving.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *wsConn) WriteEvent(evt *types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(evt)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}
