package websocket

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wricardo/ctorgame/game/engine"
	"github.com/wricardo/ctorgame/game/session"
)

// Sessions is the game API the handler dispatches inbound messages to
type Sessions interface {
	CreateGame(ctx context.Context, caller session.Caller, opts session.CreateOptions) (*engine.Game, error)
	JoinGame(ctx context.Context, caller session.Caller, code string) (*engine.Game, error)
	SubmitMove(ctx context.Context, caller session.Caller, req session.MoveRequest) (*engine.Outcome, error)
	LeaveGame(ctx context.Context, caller session.Caller, gameID string) error
	Reconnect(ctx context.Context, caller session.Caller, gameID string) (*engine.Game, error)
	OnDisconnect(connID string)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests to game connections
type Handler struct {
	hub      *Hub
	sessions Sessions
}

// NewHandler creates a WebSocket endpoint that registers connections on hub
func NewHandler(hub *Hub, sessions Sessions) *Handler {
	return &Handler{hub: hub, sessions: sessions}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// The optional "player" query parameter carries a stable player id across
// reconnects; without it a fresh id is assigned.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("player")
	if len(playerID) > 128 {
		http.Error(w, "player id too long", http.StatusBadRequest)
		return
	}
	if playerID == "" {
		playerID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:      h.hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		id:       uuid.NewString(),
		playerID: playerID,
	}
	h.hub.register(client)
	h.hub.Send(client.id, session.NewConnected(client.id, client.playerID))

	go client.writePump()
	h.readPump(r.Context(), client)
}

// readPump reads inbound frames and dispatches them in order
func (h *Handler) readPump(ctx context.Context, c *Client) {
	defer func() {
		h.sessions.OnDisconnect(c.id)
		h.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] connection %s error: %v", c.id, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			h.hub.Send(c.id, session.NewCodedError(session.CodeInvalidJSON, "binary frames are not supported", ""))
			continue
		}
		h.dispatch(ctx, c, data)
	}
}

// dispatch handles a single frame. Failures go back to the sender only; a panic
// is logged and reported as an internal error without closing the connection.
func (h *Handler) dispatch(ctx context.Context, c *Client, data []byte) {
	reqType := ""
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WS] panic handling %s from %s: %v\n%s", reqType, c.id, r, debug.Stack())
			h.hub.Send(c.id, session.NewErrorEvent(fmt.Errorf("panic: %v", r), reqType))
		}
	}()

	req, errEv := DecodeRequest(data)
	if errEv != nil {
		h.hub.Send(c.id, errEv)
		return
	}
	reqType = req.RequestType()

	caller := session.Caller{ConnID: c.id, PlayerID: c.playerID}
	var err error
	switch r := req.(type) {
	case *CreateGameRequest:
		_, err = h.sessions.CreateGame(ctx, caller, session.CreateOptions{Preset: r.Preset})
	case *JoinGameRequest:
		_, err = h.sessions.JoinGame(ctx, caller, r.Code)
	case *MakeMoveRequest:
		_, err = h.sessions.SubmitMove(ctx, caller, session.MoveRequest{
			GameID:       r.GameID,
			X:            *r.X,
			Y:            *r.Y,
			PlayerNumber: r.PlayerNumber,
			Captures:     r.Captures,
		})
	case *LeaveGameRequest:
		err = h.sessions.LeaveGame(ctx, caller, r.GameID)
	case *ReconnectRequest:
		_, err = h.sessions.Reconnect(ctx, caller, r.GameID)
	}

	if err != nil {
		if session.Code(err) == session.CodeInternal {
			log.Printf("[WS] %s from %s failed: %v", reqType, c.id, err)
		}
		h.hub.Send(c.id, session.NewErrorEvent(err, reqType))
	}
}

// writePump delivers queued events, one frame per event, and keeps the connection alive
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
