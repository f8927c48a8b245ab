// Package api provides the HTTP REST API for the ctorgame server.
//
// The api package implements:
//   - Read-only game endpoints (listing, snapshots, move history)
//   - Server statistics and health
//   - Rule preset listing, lookup and creation
//   - An on-demand sweep
//   - Mounting the WebSocket game endpoint at /ws
//
// Endpoints:
//
//   - GET  /api/health
//   - GET  /api/stats
//   - GET  /api/games?status=waiting|playing|finished&limit=N
//   - GET  /api/games/{id}
//   - GET  /api/games/{id}/history?page=1&limit=20&order=asc|desc
//   - GET  /api/presets
//   - POST /api/presets           {"preset_id": "...", "name": ..., "board": {...}, "ops_per_turn": N}
//   - GET  /api/presets/{name}
//   - POST /api/sweep
//
// Creating, joining and playing games is only possible over /ws.
//
// Usage:
//
//	hub := websocket.NewHub()
//	server := api.NewServer(gameService, websocket.NewHandler(hub, manager))
//	http.ListenAndServe(":8080", server)
//
// Error Handling:
//
// Errors are returned as JSON with the same codes the WebSocket protocol uses:
//
//	{
//	  "error": "game not found",
//	  "code": "NOT_FOUND"
//	}
package api
