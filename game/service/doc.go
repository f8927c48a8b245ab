// Package service provides the read and maintenance layer over ctorgame sessions.
//
// The service package implements:
//   - Game listings and snapshots with derived fields (joinable, expiry)
//   - Paginated move history with per-game statistics
//   - Server statistics combining session counters and live connections
//   - On-demand sweeps
//   - Rule preset listing, loading and saving
//
// Core Interfaces:
//
// GameService is the facade used by the REST API and the MCP tools.
// SessionReader is satisfied by *session.Manager, PresetManager by
// *config.Manager and ConnectionCounter by the WebSocket hub.
//
// Architecture:
//
// Gameplay (create, join, move, leave, reconnect) only happens over the
// WebSocket protocol and goes straight to the session manager. This layer
// never mutates a game; Sweep deletes games exactly as the background
// sweeper would.
//
// Usage:
//
//	presets, _ := config.NewManager("configs", settings.Rules)
//	manager, _ := session.NewManager(store, moves, hub, settings, session.WithRules(presets))
//	gameService := service.NewGameService(manager, presets, hub)
//
//	games, err := gameService.ListGames(ctx, service.ListOptions{Status: "waiting"})
//	page, err := gameService.GetHistory(ctx, games[0].ID, service.HistoryOptions{Limit: 50})
package service
