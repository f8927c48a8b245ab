package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wricardo/ctorgame/game/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. A capture list on the largest
	// board fits comfortably.
	maxMessageSize = 32 * 1024

	// Outbound messages buffered per connection before it is dropped as too slow.
	sendBuffer = 256
)

// Client is one WebSocket connection
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	id       string
	playerID string

	closeOnce sync.Once
}

// ID returns the connection id
func (c *Client) ID() string { return c.id }

// PlayerID returns the stable player identity behind the connection
func (c *Client) PlayerID() string { return c.playerID }

// kick closes the underlying connection so the read pump runs the disconnect path
func (c *Client) kick() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Hub is the connection registry: it tracks live connections and the game rooms
// they subscribe to, and delivers events. It implements session.Router.
type Hub struct {
	mu sync.RWMutex

	// clients by connection id
	clients map[string]*Client

	// rooms maps game id to subscribed connection ids
	rooms map[string]map[string]bool

	// memberships maps connection id to the game ids it is subscribed to
	memberships map[string]map[string]bool
}

var _ session.Router = (*Hub)(nil)

// NewHub creates an empty registry
func NewHub() *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		rooms:       make(map[string]map[string]bool),
		memberships: make(map[string]map[string]bool),
	}
}

// register adds a connection
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()

	log.Printf("[WS] connection %s registered for player %s (total connections: %d)", c.id, c.playerID, total)
}

// unregister removes a connection and closes its send queue. Room membership is
// cleared separately through LeaveAll so peers can be notified.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
		close(c.send)
		log.Printf("[WS] connection %s unregistered (remaining connections: %d)", c.id, len(h.clients))
	}
}

// Subscribe adds the connection to the game's room
func (h *Hub) Subscribe(connID, gameID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[gameID][connID] {
		return false
	}
	if h.rooms[gameID] == nil {
		h.rooms[gameID] = make(map[string]bool)
	}
	if h.memberships[connID] == nil {
		h.memberships[connID] = make(map[string]bool)
	}
	h.rooms[gameID][connID] = true
	h.memberships[connID][gameID] = true
	return true
}

// Unsubscribe removes the connection from the game's room
func (h *Hub) Unsubscribe(connID, gameID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.rooms[gameID][connID] {
		return false
	}
	h.removeLocked(connID, gameID)
	return true
}

// IsSubscribed reports whether the connection is in the game's room
func (h *Hub) IsSubscribed(connID, gameID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[gameID][connID]
}

// LeaveAll removes the connection from every room it joined
func (h *Hub) LeaveAll(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var games []string
	for gameID := range h.memberships[connID] {
		games = append(games, gameID)
	}
	for _, gameID := range games {
		h.removeLocked(connID, gameID)
	}
	return games
}

// DropRoom deletes a game's room
func (h *Hub) DropRoom(gameID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var conns []string
	for connID := range h.rooms[gameID] {
		conns = append(conns, connID)
	}
	for _, connID := range conns {
		h.removeLocked(connID, gameID)
	}
	delete(h.rooms, gameID)
	return conns
}

func (h *Hub) removeLocked(connID, gameID string) {
	if members, ok := h.rooms[gameID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, gameID)
		}
	}
	if games, ok := h.memberships[connID]; ok {
		delete(games, gameID)
		if len(games) == 0 {
			delete(h.memberships, connID)
		}
	}
}

// Publish sends ev to every connection in the game's room except the listed ones.
// The event is encoded once; members whose queue is full are disconnected.
func (h *Hub) Publish(gameID string, ev session.Event, except ...string) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[WS] failed to marshal %s event: %v", ev.EventType(), err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for connID := range h.rooms[gameID] {
		if contains(except, connID) {
			continue
		}
		if c, ok := h.clients[connID]; ok {
			h.enqueue(c, data)
		}
	}
}

// Send delivers ev to a single connection
func (h *Hub) Send(connID string, ev session.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[WS] failed to marshal %s event: %v", ev.EventType(), err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if c, ok := h.clients[connID]; ok {
		h.enqueue(c, data)
	}
}

// enqueue must be called with at least the read lock held
func (h *Hub) enqueue(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		log.Printf("[WS] connection %s is not keeping up, closing it", c.id)
		c.kick()
	}
}

// ConnectionCount returns the number of live connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomCount returns the number of rooms with at least one member
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Members returns the connections subscribed to a game
func (h *Hub) Members(gameID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]string, 0, len(h.rooms[gameID]))
	for connID := range h.rooms[gameID] {
		conns = append(conns, connID)
	}
	return conns
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
