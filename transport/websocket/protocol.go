package websocket

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/wricardo/ctorgame/game/engine"
	"github.com/wricardo/ctorgame/game/session"
)

// Inbound message types
const (
	TypeCreateGame = "createGame"
	TypeJoinGame   = "joinGame"
	TypeMakeMove   = "makeMove"
	TypeLeaveGame  = "leaveGame"
	TypeReconnect  = "reconnect"
)

// Request is one decoded inbound message
type Request interface {
	RequestType() string
}

type CreateGameRequest struct {
	Type   string `json:"type"`
	Preset string `json:"preset,omitempty"`
}

type JoinGameRequest struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

type MakeMoveRequest struct {
	Type         string            `json:"type"`
	GameID       string            `json:"gameId"`
	X            *int              `json:"x"`
	Y            *int              `json:"y"`
	PlayerNumber int               `json:"playerNumber"`
	Captures     []engine.Position `json:"captures"`
}

type LeaveGameRequest struct {
	Type   string `json:"type"`
	GameID string `json:"gameId"`
}

type ReconnectRequest struct {
	Type   string `json:"type"`
	GameID string `json:"gameId"`
}

func (CreateGameRequest) RequestType() string { return TypeCreateGame }
func (JoinGameRequest) RequestType() string   { return TypeJoinGame }
func (MakeMoveRequest) RequestType() string   { return TypeMakeMove }
func (LeaveGameRequest) RequestType() string  { return TypeLeaveGame }
func (ReconnectRequest) RequestType() string  { return TypeReconnect }

// DecodeRequest parses an inbound frame into its typed request. Fields not
// defined for the message type are rejected. On failure the returned event is
// ready to send back to the client.
func DecodeRequest(data []byte) (Request, *session.ErrorEvent) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, session.NewCodedError(session.CodeInvalidJSON, "message is not a JSON object", "")
	}
	if head.Type == nil || *head.Type == "" {
		return nil, session.NewCodedError(session.CodeValidation, "missing message type", "")
	}

	var req Request
	switch t := *head.Type; t {
	case TypeCreateGame:
		req = &CreateGameRequest{}
	case TypeJoinGame:
		req = &JoinGameRequest{}
	case TypeMakeMove:
		req = &MakeMoveRequest{}
	case TypeLeaveGame:
		req = &LeaveGameRequest{}
	case TypeReconnect:
		req = &ReconnectRequest{}
	default:
		return nil, session.NewCodedError(session.CodeUnknownMessageType, fmt.Sprintf("unknown message type %q", t), t)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return nil, session.NewCodedError(session.CodeValidation, fmt.Sprintf("invalid %s message: %v", req.RequestType(), err), req.RequestType())
	}
	if dec.More() {
		return nil, session.NewCodedError(session.CodeInvalidJSON, "trailing data after message", req.RequestType())
	}

	if m, ok := req.(*MakeMoveRequest); ok && (m.X == nil || m.Y == nil) {
		return nil, session.NewCodedError(session.CodeValidation, "makeMove requires x and y", TypeMakeMove)
	}
	return req, nil
}
