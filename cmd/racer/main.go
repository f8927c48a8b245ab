// Command racer is a WebSocket load client for the join path. Each round one
// connection creates a game and N others race to join it by code at the same
// instant. Exactly one joiner must receive gameJoined; every other one must
// get an error. Any other outcome fails the run.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v3"
)

// Event is the subset of server events the racer reads. Code is the join code
// on gameCreated and the error code on error events.
type Event struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId,omitempty"`
	GameID       string `json:"gameId,omitempty"`
	Code         string `json:"code,omitempty"`
	PlayerNumber int    `json:"playerNumber,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Client is one WebSocket connection to the game server
type Client struct {
	conn    *websocket.Conn
	id      string
	timeout time.Duration
}

// Dial connects and waits for the server's connected event
func Dial(ctx context.Context, wsURL string, timeout time.Duration) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	c := &Client{conn: conn, timeout: timeout}

	ev, err := c.Expect("connected")
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.id = ev.ConnectionID
	return c, nil
}

// Send writes one JSON message
func (c *Client) Send(msg interface{}) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.conn.WriteJSON(msg)
}

// Next reads the next event
func (c *Client) Next() (*Event, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

// Expect reads events until one of the given types arrives. An error event
// that was not asked for is returned as an error.
func (c *Client) Expect(types ...string) (*Event, error) {
	for {
		ev, err := c.Next()
		if err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", strings.Join(types, "|"), err)
		}
		for _, t := range types {
			if ev.Type == t {
				return ev, nil
			}
		}
		if ev.Type == "error" {
			return nil, fmt.Errorf("waiting for %s: server error %s: %s", strings.Join(types, "|"), ev.Code, ev.Message)
		}
	}
}

// Close sends a close frame and drops the connection
func (c *Client) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

// RoundResult is the outcome of one join race
type RoundResult struct {
	GameID   string
	Code     string
	Joined   int
	Rejected map[string]int
	Failed   []string
	Started  bool
	Elapsed  time.Duration
}

// OK reports whether exactly one joiner won and every other one was rejected
func (r *RoundResult) OK(joiners int) bool {
	rejected := 0
	for _, n := range r.Rejected {
		rejected += n
	}
	return r.Joined == 1 && rejected == joiners-1 && len(r.Failed) == 0 && r.Started
}

func (r *RoundResult) String() string {
	codes := make([]string, 0, len(r.Rejected))
	for code, n := range r.Rejected {
		codes = append(codes, fmt.Sprintf("%s=%d", code, n))
	}
	sort.Strings(codes)
	return fmt.Sprintf("game=%s code=%s joined=%d rejected=[%s] failed=%d started=%t in %s",
		r.GameID, r.Code, r.Joined, strings.Join(codes, " "), len(r.Failed), r.Started, r.Elapsed.Round(time.Millisecond))
}

// Race runs one round: create a game, then release every joiner at once
func Race(ctx context.Context, wsURL string, joiners int, preset string, timeout time.Duration) (*RoundResult, error) {
	creator, err := Dial(ctx, wsURL, timeout)
	if err != nil {
		return nil, err
	}
	defer creator.Close()

	create := map[string]string{"type": "createGame"}
	if preset != "" {
		create["preset"] = preset
	}
	if err := creator.Send(create); err != nil {
		return nil, fmt.Errorf("send createGame: %w", err)
	}
	created, err := creator.Expect("gameCreated")
	if err != nil {
		return nil, err
	}

	// Connect everyone before the start signal so the joins land together
	clients := make([]*Client, joiners)
	for i := range clients {
		c, err := Dial(ctx, wsURL, timeout)
		if err != nil {
			for _, prev := range clients[:i] {
				prev.Close()
			}
			return nil, fmt.Errorf("joiner %d: %w", i, err)
		}
		clients[i] = c
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	result := &RoundResult{GameID: created.GameID, Code: created.Code, Rejected: map[string]int{}}
	var mu sync.Mutex
	var wg sync.WaitGroup
	start := make(chan struct{})
	began := time.Now()

	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			<-start

			if err := c.Send(map[string]string{"type": "joinGame", "code": created.Code}); err != nil {
				mu.Lock()
				result.Failed = append(result.Failed, fmt.Sprintf("joiner %d: send: %v", i, err))
				mu.Unlock()
				return
			}
			ev, err := c.Expect("gameJoined", "error")

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed = append(result.Failed, fmt.Sprintf("joiner %d: %v", i, err))
			case ev.Type == "gameJoined":
				result.Joined++
			default:
				result.Rejected[ev.Code]++
			}
		}(i, c)
	}
	close(start)
	wg.Wait()
	result.Elapsed = time.Since(began)

	if result.Joined > 0 {
		if _, err := creator.Expect("gameStarted"); err == nil {
			result.Started = true
		}
	}
	return result, nil
}

func main() {
	cmd := &cli.Command{
		Name:  "racer",
		Usage: "Race concurrent joiners against one game code and check that exactly one wins",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "ws://localhost:8080/ws", Usage: "Game server WebSocket endpoint", Sources: cli.EnvVars("CTORGAME_WS_URL")},
			&cli.IntFlag{Name: "joiners", Value: 10, Usage: "Concurrent joiners per round"},
			&cli.IntFlag{Name: "rounds", Value: 1, Usage: "Number of games to race"},
			&cli.StringFlag{Name: "preset", Usage: "Preset for created games"},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "Per-message read and write deadline"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	joiners := cmd.Int("joiners")
	if joiners < 2 {
		return fmt.Errorf("--joiners must be at least 2, got %d", joiners)
	}

	failures := 0
	for round := 1; round <= cmd.Int("rounds"); round++ {
		result, err := Race(ctx, cmd.String("url"), joiners, cmd.String("preset"), cmd.Duration("timeout"))
		if err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}

		status := "ok"
		if !result.OK(joiners) {
			status = "FAIL"
			failures++
		}
		log.Printf("[RACE] round=%d %s %s", round, status, result)
		for _, f := range result.Failed {
			log.Printf("[RACE]   %s", f)
		}
	}

	if failures > 0 {
		return cli.Exit(fmt.Sprintf("%d rounds did not produce exactly one join", failures), 1)
	}
	log.Printf("[RACE] all rounds produced exactly one join")
	return nil
}
