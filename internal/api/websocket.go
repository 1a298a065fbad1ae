package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"dnsbypass/internal/vpn"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Only allow connections from localhost
		return r.Header.Get("Origin") == "http://localhost" ||
			r.Header.Get("Origin") == "https://localhost" ||
			r.Header.Get("Origin") == ""
	},
}

type WSClient struct {
	conn   *websocket.Conn
	send   chan []byte
	server *WSServer
}

// WSServer fans controller state changes out to connected clients
type WSServer struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	greeting   func() WSMessage
}

type WSMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewWSServer creates a hub. greeting, if set, is sent to each new client.
func NewWSServer(greeting func() WSMessage) *WSServer {
	return &WSServer{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
		greeting:   greeting,
	}
}

// Run owns the client set until ctx is done, then closes every client
func (ws *WSServer) Run(ctx context.Context) {
	defer func() {
		close(ws.done)
		for client := range ws.clients {
			close(client.send)
			delete(ws.clients, client)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-ws.register:
			ws.clients[client] = true
			logrus.Debug("WebSocket client connected")

		case client := <-ws.unregister:
			if _, ok := ws.clients[client]; ok {
				delete(ws.clients, client)
				close(client.send)
				logrus.Debug("WebSocket client disconnected")
			}

		case message := <-ws.broadcast:
			for client := range ws.clients {
				select {
				case client.send <- message:
				default:
					// Client's send channel is full, close it
					close(client.send)
					delete(ws.clients, client)
				}
			}
		}
	}
}

func (ws *WSServer) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &WSClient{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: ws,
	}

	if ws.greeting != nil {
		if data, err := json.Marshal(ws.greeting()); err == nil {
			client.send <- data
		}
	}

	select {
	case ws.register <- client:
	case <-ws.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.Errorf("WebSocket error: %v", err)
			}
			break
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func stateMessage(snap vpn.Snapshot) WSMessage {
	return WSMessage{
		Type:      "state_update",
		Timestamp: time.Now(),
		Data:      snap,
	}
}

// BroadcastState pushes a controller snapshot to every client
func (ws *WSServer) BroadcastState(snap vpn.Snapshot) {
	ws.broadcastMessage(stateMessage(snap))
}

func (ws *WSServer) broadcastMessage(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logrus.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	select {
	case ws.broadcast <- data:
	default:
		// Broadcast channel is full, drop the message
		logrus.Warn("WebSocket broadcast channel full, dropping message")
	}
}
