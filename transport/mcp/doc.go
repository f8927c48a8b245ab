// Package mcp exposes the ctorgame REST API as Model Context Protocol tools.
//
// The client is a thin proxy: every tool is one call to the HTTP API, with the
// JSON response rendered as text for the agent.
//
// MCP Tools:
//   - list_games: games filtered by status, with joinable/expired flags
//   - get_game: snapshot of one game
//   - game_history: paginated move log, per-player statistics and a board rendering
//   - list_presets: available rule presets
//   - server_stats: lifetime counters, active games and live connections
//   - run_sweep: expire idle games and purge old finished ones immediately
//
// Transport Modes:
//   - Stdio: server.ServeStdio(client.GetMCPServer())
//   - HTTP: client.HTTPHandler() answers one JSON-RPC message per POST, mounted at /mcp
//
// Usage:
//
//	client := mcp.NewClient("http://localhost:8080")
//	mux.Handle("/mcp", client.HTTPHandler())
package mcp
