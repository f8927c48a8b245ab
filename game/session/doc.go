// Package session owns the lifecycle of two-player games.
//
// The session package implements:
//   - Matchmaking: creating a waiting game with a short numeric join code and
//     seating a second player with an atomic conditional claim
//   - Move submission under a per-game lock, persisted to an append-only move
//     log and a conditionally updated game record
//   - Room membership: leave, reconnect and disconnect notifications
//   - Expiry of idle games and retention of finished ones
//
// Core Types:
//
// Manager runs every operation. It talks to a SessionStore (game records), a
// MoveLog (accepted moves keyed by seq) and a Router (connection registry and
// event delivery). MemoryStore implements both storage interfaces in memory;
// FileMoveLog keeps move logs as JSON lines on disk.
//
// Identity:
//
// A Caller carries the connection a request arrived on and the stable player
// id behind it. Game slots hold player ids, rooms hold connection ids, so a
// player can reconnect on a new connection and keep their seat.
//
// Errors:
//
// Every failure a client can cause is a sentinel error with a wire code (see
// Code and PublicError). Errors are reported to the originating connection
// only; anything unclassified is INTERNAL_ERROR and its message is withheld.
//
// Usage:
//
//	store := session.NewMemoryStore()
//	manager, err := session.NewManager(store, store, hub, settings,
//		session.WithRules(presets))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	game, err := manager.CreateGame(ctx, caller, session.CreateOptions{Preset: "quick"})
//
// Cleanup:
//
// Sweeper runs Manager.Sweep on a gocron schedule. Expired waiting/playing
// games are deleted and their rooms receive gameExpired; finished games past
// the retention window are archived (when an Archiver is set) and purged.
package session
