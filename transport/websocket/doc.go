// Package websocket provides the real-time transport for ctorgame.
//
// The websocket package implements:
//   - The connection registry (Hub): live connections plus game rooms,
//     implementing session.Router for the session manager
//   - The endpoint (Handler) that upgrades requests and dispatches inbound
//     frames to the session manager
//   - The inbound protocol: a closed set of message types decoded strictly
//
// Architecture:
//
// Each connection gets a read pump, which decodes and dispatches frames in
// arrival order, and a write pump, which drains a buffered queue. Events are
// encoded once per publish and queued without blocking; a connection whose
// queue is full is closed and goes through the normal disconnect path.
//
// Message Protocol:
//
// Every frame is one JSON object with a "type":
//   - Incoming: createGame{preset?}, joinGame{code},
//     makeMove{gameId,x,y,playerNumber,captures}, leaveGame{gameId},
//     reconnect{gameId}
//   - Outgoing: connected, gameCreated, gameStarted, gameJoined, gameUpdated,
//     gameOver, playerLeft, playerDisconnected, playerReconnected,
//     gameReconnected, gameLeft, gameExpired, error{code,message,request}
//
// Unknown fields are rejected with VALIDATION_ERROR, unparseable frames with
// INVALID_JSON and unknown types with UNKNOWN_MESSAGE_TYPE.
//
// Identity:
//
// Clients pass ?player=<id> to keep their seat across reconnects. Without it
// the server assigns one and reports it in the connected event.
//
// Usage:
//
//	hub := websocket.NewHub()
//	manager, _ := session.NewManager(store, moves, hub, settings)
//	router.Handle("/ws", websocket.NewHandler(hub, manager))
package websocket
