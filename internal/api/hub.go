package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/opsync/internal/ids"
	"github.com/kimhsiao/opsync/internal/logging"
	syncpkg "github.com/kimhsiao/opsync/internal/sync"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// Envelope wraps every message sent to websocket clients.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// client is one websocket connection.
type client struct {
	id            string
	conn          *websocket.Conn
	send          chan []byte
	hub           *Hub
	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client receives messages of type t. A client
// without subscriptions receives everything.
func (c *client) wants(t string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

// Hub maintains active client connections and fans coordinator events out to them.
type Hub struct {
	clients    map[string]*client
	broadcast  chan Envelope
	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	log        *logging.Logger
}

// NewHub creates a hub and starts its loop. checkOrigin may be nil to accept
// same-host connections only.
func NewHub(checkOrigin func(r *http.Request) bool) *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan Envelope, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		log: logging.WithComponent("ws"),
	}
	go h.run()
	return h
}

// Close disconnects every client and stops the loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Client connected", map[string]interface{}{"client": c.id, "total": n})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Client disconnected", map[string]interface{}{"client": c.id, "total": n})

		case env := <-h.broadcast:
			msg, err := json.Marshal(env)
			if err != nil {
				h.log.Error("Failed to marshal message", err, nil)
				continue
			}
			h.mu.Lock()
			for id, c := range h.clients {
				if !c.wants(env.Type) {
					continue
				}
				select {
				case c.send <- msg:
				default:
					// Slow client: drop it rather than stall the feed.
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for every interested client. It never blocks;
// messages are dropped when the hub is saturated.
func (h *Hub) Broadcast(messageType string, data interface{}) {
	env := Envelope{Type: messageType, Data: data, Timestamp: time.Now().Unix()}
	select {
	case h.broadcast <- env:
	case <-h.done:
	default:
		h.log.Warn("Broadcast buffer full, dropping message", map[string]interface{}{"type": messageType})
	}
}

// Publish forwards a coordinator event. It is registered with Engine.Subscribe.
func (h *Hub) Publish(ev syncpkg.Event) {
	h.Broadcast(string(ev.Kind), ev)
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade", map[string]interface{}{"error": err.Error()})
		return
	}
	c := &client{
		id:            ids.New(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// clientMessage is what clients send: subscribe, unsubscribe or ping.
type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("Read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply("subscribe_ack", msg.Events)
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
		case "ping":
			c.reply("pong", nil)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply sends a direct answer to this client, bypassing subscriptions.
func (c *client) reply(action string, events []string) {
	body := map[string]interface{}{
		"action":    action,
		"timestamp": time.Now().Unix(),
	}
	if events != nil {
		body["subscribed"] = events
	}
	msg, _ := json.Marshal(body)

	c.hub.mu.RLock()
	_, live := c.hub.clients[c.id]
	if live {
		select {
		case c.send <- msg:
		default:
		}
	}
	c.hub.mu.RUnlock()
}
