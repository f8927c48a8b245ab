package session

import (
	"time"

	"github.com/wricardo/ctorgame/game/engine"
)

// Outbound event type tags
const (
	EventConnected          = "connected"
	EventGameCreated        = "gameCreated"
	EventGameStarted        = "gameStarted"
	EventGameJoined         = "gameJoined"
	EventGameUpdated        = "gameUpdated"
	EventGameOver           = "gameOver"
	EventPlayerLeft         = "playerLeft"
	EventPlayerDisconnected = "playerDisconnected"
	EventPlayerReconnected  = "playerReconnected"
	EventGameReconnected    = "gameReconnected"
	EventGameLeft           = "gameLeft"
	EventGameExpired        = "gameExpired"
	EventError              = "error"
)

// Event is a message sent to one connection or broadcast to a room
type Event interface {
	EventType() string
}

type envelope struct {
	Type string `json:"type"`
}

func (e envelope) EventType() string { return e.Type }

func tag(t string) envelope { return envelope{Type: t} }

type Connected struct {
	envelope
	ConnectionID string `json:"connectionId"`
	PlayerID     string `json:"playerId"`
}

// NewConnected is sent once when a connection is registered
func NewConnected(connID, playerID string) *Connected {
	return &Connected{envelope: tag(EventConnected), ConnectionID: connID, PlayerID: playerID}
}

type GameCreated struct {
	envelope
	GameID       string           `json:"gameId"`
	Code         string           `json:"code"`
	Status       engine.Status    `json:"status"`
	PlayerNumber int              `json:"playerNumber"`
	Preset       string           `json:"preset,omitempty"`
	Board        engine.BoardSize `json:"boardSize"`
	OpsPerTurn   int              `json:"opsPerTurn"`
	ExpiresAt    time.Time        `json:"expiresAt"`
}

type GameStarted struct {
	envelope
	GameID string        `json:"gameId"`
	Status engine.Status `json:"status"`
	State  *engine.Game  `json:"state"`
}

type GameJoined struct {
	envelope
	GameID       string        `json:"gameId"`
	Status       engine.Status `json:"status"`
	PlayerNumber int           `json:"playerNumber"`
}

type GameUpdated struct {
	envelope
	GameID       string            `json:"gameId"`
	Move         engine.Move       `json:"move"`
	NextPlayer   int               `json:"nextPlayer"`
	OpsRemaining int               `json:"opsRemaining"`
	Score        engine.Score      `json:"score"`
	Captures     []engine.Position `json:"captures"`
	TurnEnded    bool              `json:"turnEnded"`
	TotalTurns   int               `json:"totalTurns"`
}

type GameOver struct {
	envelope
	GameID          string       `json:"gameId"`
	Winner          *int         `json:"winner"`
	IsDraw          bool         `json:"isDraw"`
	FinalScore      engine.Score `json:"finalScore"`
	EndTime         *time.Time   `json:"endTime,omitempty"`
	DurationSeconds float64      `json:"durationSeconds"`
}

// RoomNotice is the shared shape of playerLeft, playerDisconnected and playerReconnected
type RoomNotice struct {
	envelope
	GameID       string `json:"gameId"`
	ConnectionID string `json:"connectionId"`
}

type GameReconnected struct {
	envelope
	GameID       string       `json:"gameId"`
	State        *engine.Game `json:"state"`
	PlayerNumber int          `json:"playerNumber"`
}

// GameNotice carries only the game id (gameLeft, gameExpired)
type GameNotice struct {
	envelope
	GameID string `json:"gameId"`
}

// ErrorEvent reports a failed request to its originating connection only
type ErrorEvent struct {
	envelope
	Code        string `json:"code"`
	Message     string `json:"message"`
	Request     string `json:"request,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// NewErrorEvent converts err into its public wire form. request names the
// inbound message type that failed, if known.
func NewErrorEvent(err error, request string) *ErrorEvent {
	code, msg := PublicError(err)
	return &ErrorEvent{
		envelope:    tag(EventError),
		Code:        code,
		Message:     msg,
		Request:     request,
		Recoverable: Recoverable(err),
	}
}

// NewCodedError builds an error event for failures detected before a request
// reaches the manager, such as malformed JSON.
func NewCodedError(code, message, request string) *ErrorEvent {
	return &ErrorEvent{envelope: tag(EventError), Code: code, Message: message, Request: request}
}

func roomNotice(t, gameID, connID string) *RoomNotice {
	return &RoomNotice{envelope: tag(t), GameID: gameID, ConnectionID: connID}
}

func gameNotice(t, gameID string) *GameNotice {
	return &GameNotice{envelope: tag(t), GameID: gameID}
}

func gameUpdated(o *engine.Outcome) *GameUpdated {
	return &GameUpdated{
		envelope:     tag(EventGameUpdated),
		GameID:       o.Game.ID,
		Move:         o.Move.Clone(),
		NextPlayer:   o.NextPlayer,
		OpsRemaining: o.OpsLeft,
		Score:        o.Game.Score,
		Captures:     append([]engine.Position{}, o.Move.Captures...),
		TurnEnded:    o.TurnEnded,
		TotalTurns:   o.Game.TotalTurns,
	}
}

func gameOver(g *engine.Game) *GameOver {
	ev := &GameOver{
		envelope:        tag(EventGameOver),
		GameID:          g.ID,
		Winner:          g.Winner,
		IsDraw:          g.IsDraw,
		EndTime:         g.EndTime,
		DurationSeconds: g.Duration,
	}
	if g.FinalScore != nil {
		ev.FinalScore = *g.FinalScore
	}
	return ev
}
