package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/wricardo/ctorgame/game/config"
	"github.com/wricardo/ctorgame/game/engine"
	"github.com/wricardo/ctorgame/game/service"
	"github.com/wricardo/ctorgame/game/session"
)

// Client is a thin MCP client that proxies to the REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the REST API
func NewClient(baseURL string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	c.initMCPServer()
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		"ctorgame",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(`ctorgame - MCP Interface

Read-only inspection of a two-player capture game server. Players connect over
WebSocket, create a game to get a numeric join code and share it with an
opponent. Games are played on a rectangular board; each turn a player places up
to ops_per_turn moves, each move may claim captures. The game ends when every
cell has been played and the higher score wins.

This is a thin client that proxies all requests to the REST API server.
It cannot create, join or play games.

AVAILABLE TOOLS:
- list_games: List games, optionally filtered by status
- get_game: Snapshot of one game
- game_history: Accepted moves of a game with a board rendering
- list_presets: Available rule presets
- server_stats: Lifetime counters, active games and live connections
- run_sweep: Expire idle games and purge old finished ones now`),
	)

	c.registerTools()
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_games",
		Description: "List games, newest first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"status": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"waiting", "playing", "finished"},
					"description": "Only list games in this status (optional)",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of games (optional)",
				},
			},
		},
	}, c.handleListGames)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "get_game",
		Description: "Get a snapshot of a specific game",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"game_id": map[string]interface{}{
					"type":        "string",
					"description": "Game ID",
				},
			},
			Required: []string{"game_id"},
		},
	}, c.handleGetGame)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "game_history",
		Description: "Get the accepted moves of a game, with statistics and a board rendering",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"game_id": map[string]interface{}{
					"type":        "string",
					"description": "Game ID",
				},
				"page": map[string]interface{}{
					"type":        "integer",
					"description": "Page number",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Items per page",
				},
				"order": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"asc", "desc"},
					"description": "Move order (default asc)",
				},
			},
			Required: []string{"game_id"},
		},
	}, c.handleGameHistory)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_presets",
		Description: "List available rule presets",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleListPresets)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "server_stats",
		Description: "Get server counters, active games and live connections",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleServerStats)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "run_sweep",
		Description: "Run the expiry and retention sweep immediately",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleRunSweep)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// HTTPHandler serves single JSON-RPC messages over POST
func (c *Client) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		response := c.mcpServer.HandleMessage(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		if response == nil {
			// notifications have no response
			w.WriteHeader(http.StatusAccepted)
			return
		}
		responseData, err := json.Marshal(response)
		if err != nil {
			http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.Write(responseData)
	})
}

// Helper methods for API calls

func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		if msg, ok := errResp["error"]; ok {
			if code := errResp["code"]; code != "" {
				return fmt.Errorf("%s: %s", code, msg)
			}
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

// Tool handlers

func (c *Client) handleListGames(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := url.Values{}
	if status := request.GetString("status", ""); status != "" {
		q.Set("status", status)
	}
	if limit := request.GetInt("limit", 0); limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/api/games"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var response struct {
		Count int                 `json:"count"`
		Games []*service.GameInfo `json:"games"`
	}
	if err := c.apiCall(ctx, "GET", path, nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Games (%d):\n\n", response.Count)
	for _, g := range response.Games {
		b.WriteString(formatGameLine(g))
		b.WriteByte('\n')
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (c *Client) handleGetGame(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gameID, err := request.RequireString("game_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var game service.GameInfo
	if err := c.apiCall(ctx, "GET", "/api/games/"+url.PathEscape(gameID), nil, &game); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatGameInfo(&game)), nil
}

func (c *Client) handleGameHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gameID, err := request.RequireString("game_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	q := url.Values{}
	if page := request.GetInt("page", 0); page > 0 {
		q.Set("page", fmt.Sprint(page))
	}
	if limit := request.GetInt("limit", 0); limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if order := request.GetString("order", ""); order != "" {
		q.Set("order", order)
	}
	path := "/api/games/" + url.PathEscape(gameID) + "/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var history service.HistoryResponse
	if err := c.apiCall(ctx, "GET", path, nil, &history); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatHistory(&history)), nil
}

func (c *Client) handleListPresets(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var presets []*config.PresetInfo
	if err := c.apiCall(ctx, "GET", "/api/presets", nil, &presets); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var b strings.Builder
	b.WriteString("Available Presets:\n\n")
	for _, p := range presets {
		fmt.Fprintf(&b, "- %s: %s (%dx%d, %d ops/turn)\n  %s\n",
			p.PresetID, p.Name, p.Board.Width, p.Board.Height, p.OpsPerTurn, p.Description)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (c *Client) handleServerStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var stats service.ServerStats
	if err := c.apiCall(ctx, "GET", "/api/stats", nil, &stats); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := fmt.Sprintf(`Server Stats:
Uptime: %s
Active games: %d
Connections: %d (rooms: %d)
Games created: %d, joined: %d, finished: %d
Moves accepted: %d
Games expired: %d, purged: %d
`,
		(time.Duration(stats.Uptime) * time.Second).String(),
		stats.ActiveGames, stats.Connections, stats.Rooms,
		stats.GamesCreated, stats.GamesJoined, stats.GamesFinished,
		stats.MovesAccepted,
		stats.GamesExpired, stats.GamesPurged)
	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleRunSweep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var report session.SweepReport
	if err := c.apiCall(ctx, "POST", "/api/sweep", nil, &report); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := fmt.Sprintf("Sweep complete: %d expired, %d purged\n", len(report.Expired), len(report.Purged))
	if len(report.Expired) > 0 {
		result += "Expired: " + strings.Join(report.Expired, ", ") + "\n"
	}
	if len(report.Purged) > 0 {
		result += "Purged: " + strings.Join(report.Purged, ", ") + "\n"
	}
	return mcp.NewToolResultText(result), nil
}

// Formatting

func formatGameLine(g *service.GameInfo) string {
	line := fmt.Sprintf("- %s code=%s %s %dx%d score %d-%d turns=%d",
		g.ID, g.Code, g.Status, g.Board.Width, g.Board.Height, g.Score.First, g.Score.Second, g.TotalTurns)
	switch {
	case g.Joinable:
		line += " (joinable)"
	case g.Expired:
		line += " (expired)"
	}
	return line
}

func formatGameInfo(g *service.GameInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Game %s (code %s)\n", g.ID, g.Code)
	fmt.Fprintf(&b, "Status: %s\n", g.Status)
	if g.Preset != "" {
		fmt.Fprintf(&b, "Preset: %s\n", g.Preset)
	}
	fmt.Fprintf(&b, "Board: %dx%d, %d ops per turn\n", g.Board.Width, g.Board.Height, g.OpsPerTurn)
	second := g.Players.Second
	if second == "" {
		second = "(open)"
	}
	fmt.Fprintf(&b, "Players: 1=%s 2=%s\n", g.Players.First, second)
	fmt.Fprintf(&b, "Score: %d - %d\n", g.Score.First, g.Score.Second)
	fmt.Fprintf(&b, "Turns played: %d (%d cells left)\n", g.TotalTurns, g.CellsRemaining)

	switch g.Status {
	case engine.StatusPlaying:
		fmt.Fprintf(&b, "To move: player %d (%d ops left)\n", g.CurrentPlayer, g.OpsRemaining)
	case engine.StatusFinished:
		switch {
		case g.IsDraw:
			b.WriteString("Result: draw\n")
		case g.Winner != nil:
			fmt.Fprintf(&b, "Result: player %d wins\n", *g.Winner)
		}
		if g.Duration > 0 {
			fmt.Fprintf(&b, "Duration: %.0fs\n", g.Duration)
		}
	}
	if g.LastMove != nil {
		fmt.Fprintf(&b, "Last move: #%d player %d at (%d,%d)\n", g.LastMove.Seq, g.LastMove.Player, g.LastMove.X, g.LastMove.Y)
	}
	if g.Expired {
		b.WriteString("Expired: awaiting sweep\n")
	} else if g.SecondsToExpiry > 0 {
		fmt.Fprintf(&b, "Expires in: %.0fs\n", g.SecondsToExpiry)
	}
	return b.String()
}

func formatHistory(history *service.HistoryResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Move History for %s (Page %d/%d), Total: %d\n",
		history.GameID, history.Page, history.TotalPages, history.TotalMoves)

	d := history.Details
	fmt.Fprintf(&b, "Moves per player: %d / %d, captures: %d / %d\n",
		d.MovesPerPlayer.First, d.MovesPerPlayer.Second, d.CapturesPerPlayer.First, d.CapturesPerPlayer.Second)
	if !d.Complete {
		b.WriteString("Warning: log is shorter than the game's turn counter\n")
	}
	b.WriteByte('\n')

	for _, m := range history.Moves {
		fmt.Fprintf(&b, "%d. P%d (%d,%d)", m.Seq, m.Player, m.X, m.Y)
		if len(m.Captures) > 0 {
			fmt.Fprintf(&b, " captures %d", len(m.Captures))
		}
		b.WriteByte('\n')
	}

	if history.Metadata != nil {
		b.WriteByte('\n')
		b.WriteString(formatBoard(history.Metadata.Board, history.Moves))
	}
	return b.String()
}

// formatBoard renders the cells played in moves: 1 or 2 for the player, '.' for empty
func formatBoard(board engine.BoardSize, moves []engine.Move) string {
	if board.Width <= 0 || board.Height <= 0 {
		return ""
	}
	grid := make([][]byte, board.Height)
	for y := range grid {
		grid[y] = bytes.Repeat([]byte{'.'}, board.Width)
	}
	for _, m := range moves {
		if board.Contains(m.X, m.Y) {
			grid[m.Y][m.X] = byte('0' + m.Player)
		}
	}

	var b strings.Builder
	for _, row := range grid {
		b.Write(row)
		b.WriteByte('\n')
	}
	return b.String()
}
