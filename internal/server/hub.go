package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/envrun/envrun/internal/models"
	"github.com/envrun/envrun/internal/telemetry"
	"github.com/envrun/envrun/pkg/logger"
)

// wsSendBuffer bounds the per-client event queue. A client that falls this
// far behind is disconnected instead of stalling the broadcast loop.
const wsSendBuffer = 64

// Hub streams run events to websocket subscribers. It implements
// runner.EventSink, so wiring it into the runner service forwards every
// event to connected clients as it happens.
//
// One goroutine owns the client set; register, unregister and broadcast
// all funnel through its channels, so no locking is needed.
type Hub struct {
	clients    map[*wsClient]struct{}
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan models.Event
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

type wsClient struct {
	conn *websocket.Conn
	send chan models.Event
}

func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient, 16),
		broadcast:  make(chan models.Event, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the broadcast loop.
func (h *Hub) Start() {
	go h.run()
}

// Stop disconnects all clients and ends the broadcast loop.
func (h *Hub) Stop() {
	h.cancel()
}

func (h *Hub) run() {
	log := logger.WithComponent("server.hub")

	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			telemetry.RecordWebsocketClient(1)
			log.Debug().Int("clients", len(h.clients)).Msg("Event stream client connected")

		case c := <-h.unregister:
			h.drop(c, log)

		case event := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- event:
				default:
					log.Warn().Msg("Dropping slow event stream client")
					h.drop(c, log)
				}
			}

		case <-h.ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
				telemetry.RecordWebsocketClient(-1)
			}
			return
		}
	}
}

func (h *Hub) drop(c *wsClient, log zerolog.Logger) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	telemetry.RecordWebsocketClient(-1)
	log.Debug().Int("clients", len(h.clients)).Msg("Event stream client disconnected")
}

// Publish implements runner.EventSink. It never blocks the runner; when
// the broadcast queue is saturated the event is dropped.
func (h *Hub) Publish(event models.Event) {
	select {
	case h.broadcast <- event:
	default:
	}
}

// HandleWebSocket upgrades the request and subscribes the client to the
// event stream.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("server.hub")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &wsClient{conn: conn, send: make(chan models.Event, wsSendBuffer)}

	select {
	case h.register <- c:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go c.writePump()
	go h.readPump(c)
}

// writePump serializes queued events to the peer. It exits when the hub
// closes the send channel or the connection breaks.
func (c *wsClient) writePump() {
	defer c.conn.Close()

	for event := range c.send {
		if err := c.conn.WriteJSON(event); err != nil {
			return
		}
	}

	// Channel closed: the hub dropped us, say goodbye properly.
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

// readPump discards inbound frames until the peer disconnects, then
// unregisters the client.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.ctx.Done():
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
