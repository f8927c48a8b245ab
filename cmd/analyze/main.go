// Command analyze audits game histories by replaying their move logs through
// the rules engine. Histories come from archived JSON files or straight from a
// running server's /api/games/{id}/history endpoint. For each game it reports
// mismatches between the replayed state and the recorded one: score, turn
// counter, completion, winner and the derived per-player statistics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/wricardo/ctorgame/game/engine"
	"github.com/wricardo/ctorgame/game/service"
	"github.com/wricardo/ctorgame/game/session"
)

// historyPageSize is the largest page the history endpoint serves
const historyPageSize = 100

// Report is the audit outcome of one game
type Report struct {
	Source     string
	GameID     string
	Moves      int
	Duration   time.Duration
	Mismatches []string
	Warnings   []string
}

// OK reports whether the replay agreed with the recorded game
func (r *Report) OK() bool {
	return len(r.Mismatches) == 0
}

func (r *Report) mismatch(format string, args ...interface{}) {
	r.Mismatches = append(r.Mismatches, fmt.Sprintf(format, args...))
}

func main() {
	cmd := &cli.Command{
		Name:      "analyze",
		Usage:     "Replay game histories and report inconsistencies",
		ArgsUsage: "<history.json | game id>...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "Fetch histories for game ids from this server instead of reading files",
				Sources: cli.EnvVars("CTORGAME_API_URL"),
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "With --url, audit every finished game the server lists",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	baseURL := strings.TrimSuffix(cmd.String("url"), "/")
	targets := cmd.Args().Slice()

	if cmd.Bool("all") {
		if baseURL == "" {
			return fmt.Errorf("--all needs --url")
		}
		ids, err := listFinished(ctx, http.DefaultClient, baseURL)
		if err != nil {
			return err
		}
		targets = append(targets, ids...)
	}
	if len(targets) == 0 {
		return fmt.Errorf("nothing to analyze: pass history files, or game ids with --url")
	}

	failed := 0
	for _, target := range targets {
		var h *session.History
		var err error
		if baseURL != "" {
			h, err = fetchHistory(ctx, http.DefaultClient, baseURL, target)
		} else {
			h, err = readHistory(target)
		}

		fmt.Printf("\n=== Analyzing %s ===\n", target)
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			failed++
			continue
		}

		report := audit(target, h)
		printReport(report)
		if !report.OK() {
			failed++
		}
	}

	fmt.Printf("\n%s\n", strings.Repeat("=", 40))
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("❌ %d of %d histories have problems", failed, len(targets)), 1)
	}
	fmt.Printf("✅ All %d histories replay cleanly\n", len(targets))
	return nil
}

// readHistory loads an archived history file
func readHistory(path string) (*session.History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}
	var h session.History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("error parsing JSON: %w", err)
	}
	if h.Metadata == nil {
		return nil, fmt.Errorf("history has no metadata")
	}
	return &h, nil
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s %s", rawURL, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// fetchHistory walks every page of a game's history in ascending order
func fetchHistory(ctx context.Context, client *http.Client, baseURL, gameID string) (*session.History, error) {
	var h *session.History
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", fmt.Sprint(page))
		q.Set("limit", fmt.Sprint(historyPageSize))
		q.Set("order", "asc")

		var resp service.HistoryResponse
		u := fmt.Sprintf("%s/api/games/%s/history?%s", baseURL, url.PathEscape(gameID), q.Encode())
		if err := getJSON(ctx, client, u, &resp); err != nil {
			return nil, err
		}
		if h == nil {
			if resp.Metadata == nil {
				return nil, fmt.Errorf("history has no metadata")
			}
			h = &session.History{Metadata: resp.Metadata, Details: resp.Details}
		}
		h.Moves = append(h.Moves, resp.Moves...)
		if !resp.HasNext {
			break
		}
	}
	return h, nil
}

// listFinished returns the ids of the finished games a server lists
func listFinished(ctx context.Context, client *http.Client, baseURL string) ([]string, error) {
	var resp struct {
		Games []*engine.Game `json:"games"`
	}
	if err := getJSON(ctx, client, baseURL+"/api/games?status=finished&limit=100", &resp); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Games))
	for _, g := range resp.Games {
		ids = append(ids, g.ID)
	}
	return ids, nil
}

// audit replays the move log and compares the result to the recorded game
func audit(source string, h *session.History) *Report {
	g := h.Metadata
	report := &Report{
		Source:   source,
		GameID:   g.ID,
		Moves:    len(h.Moves),
		Duration: time.Duration(h.Details.DurationSeconds * float64(time.Second)).Round(time.Second),
	}

	derived := session.NewHistory(g, h.Moves).Details
	if derived.TotalMoves != h.Details.TotalMoves {
		report.mismatch("details.totalMoves: recorded %d, log has %d", h.Details.TotalMoves, derived.TotalMoves)
	}
	if derived.MovesPerPlayer != h.Details.MovesPerPlayer {
		report.mismatch("details.movesPerPlayer: recorded %d-%d, log has %d-%d",
			h.Details.MovesPerPlayer.First, h.Details.MovesPerPlayer.Second,
			derived.MovesPerPlayer.First, derived.MovesPerPlayer.Second)
	}
	if derived.CapturesPerPlayer != h.Details.CapturesPerPlayer {
		report.mismatch("details.capturesPerPlayer: recorded %d-%d, log has %d-%d",
			h.Details.CapturesPerPlayer.First, h.Details.CapturesPerPlayer.Second,
			derived.CapturesPerPlayer.First, derived.CapturesPerPlayer.Second)
	}

	if !derived.Complete {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("log has %d moves but the game counted %d turns", len(h.Moves), g.TotalTurns))
	}

	if len(h.Moves) == 0 && g.Status == engine.StatusWaiting {
		return report
	}

	res, err := engine.Replay(g.Rules(), h.Moves)
	if err != nil {
		report.mismatch("replay failed: %v", err)
		return report
	}
	replayed := res.Game

	// A short log cannot reproduce the final state; only the checks above apply
	if !derived.Complete {
		return report
	}

	if replayed.TotalTurns != g.TotalTurns {
		report.mismatch("totalTurns: recorded %d, replay %d", g.TotalTurns, replayed.TotalTurns)
	}
	if replayed.Score != g.Score {
		report.mismatch("score: recorded %d-%d, replay %d-%d", g.Score.First, g.Score.Second, replayed.Score.First, replayed.Score.Second)
	}

	finished := g.Status == engine.StatusFinished
	if finished != (res.FinishedAt > 0) {
		report.mismatch("completion: recorded status %s, replay finished=%t", g.Status, res.FinishedAt > 0)
	}
	if finished && res.FinishedAt > 0 {
		if winnerOf(g) != winnerOf(replayed) {
			report.mismatch("result: recorded %s, replay %s", winnerOf(g), winnerOf(replayed))
		}
		if g.FinalScore != nil && *g.FinalScore != g.Score {
			report.mismatch("finalScore %d-%d differs from score %d-%d", g.FinalScore.First, g.FinalScore.Second, g.Score.First, g.Score.Second)
		}
	}
	if !finished && replayed.CurrentPlayer != g.CurrentPlayer {
		report.mismatch("currentPlayer: recorded %d, replay %d", g.CurrentPlayer, replayed.CurrentPlayer)
	}
	if !finished && replayed.OpsRemaining != g.OpsRemaining {
		report.mismatch("opsRemaining: recorded %d, replay %d", g.OpsRemaining, replayed.OpsRemaining)
	}

	return report
}

func winnerOf(g *engine.Game) string {
	switch {
	case g.IsDraw:
		return "draw"
	case g.Winner != nil:
		return fmt.Sprintf("player %d wins", *g.Winner)
	}
	return "no result"
}

func printReport(r *Report) {
	fmt.Printf("Game: %s\n", r.GameID)
	fmt.Printf("Moves: %d\n", r.Moves)
	if r.Duration > 0 {
		fmt.Printf("Duration: %s\n", r.Duration)
	}
	for _, w := range r.Warnings {
		fmt.Printf("⚠️  WARNING: %s\n", w)
	}
	if r.OK() {
		fmt.Printf("✅ Replay matches the recorded game\n")
		return
	}
	for _, m := range r.Mismatches {
		fmt.Printf("❌ %s\n", m)
	}
}
