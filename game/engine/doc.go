// Package engine provides the rules of a capture game played by two players
// on a fixed rectangular board.
//
// The engine package implements:
//   - The Game record and its lifecycle states (waiting, playing, finished)
//   - Turn order with a per-turn move budget (OpsRemaining)
//   - Capture scoring and end-of-game detection
//   - Ruleset validation and move-log replay
//
// The package is pure: functions take the current Game and return a new one
// without touching storage or connections. Concurrency control belongs to
// the caller (see package session).
//
// Usage:
//
//	g := engine.NewGame(id, code, playerID, engine.DefaultRules(), time.Now(), 30*time.Minute)
//	engine.Seat(g, otherPlayerID, time.Now(), 30*time.Minute)
//
//	out, err := engine.ApplyMove(g, engine.MoveInput{Player: 1, X: 3, Y: 4}, time.Now(), 30*time.Minute)
//	if err != nil {
//		return err
//	}
//	g = out.Game
//
// Game Rules:
//
// Player 1 moves first. Each accepted move spends one unit of the active
// player's budget; when it reaches zero the turn passes to the opponent and
// the budget resets. A move may capture cells, each adding one point to the
// mover's score. The game ends once the scores together cover the whole
// board: the higher score wins and equal scores are a draw.
package engine
