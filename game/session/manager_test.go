package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wricardo/ctorgame/game/config"
	"github.com/wricardo/ctorgame/game/engine"
)

// fakeRouter records every delivered event per connection
type fakeRouter struct {
	mu      sync.Mutex
	rooms   map[string]map[string]bool
	members map[string]map[string]bool
	events  map[string][]Event
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		rooms:   make(map[string]map[string]bool),
		members: make(map[string]map[string]bool),
		events:  make(map[string][]Event),
	}
}

func (r *fakeRouter) Subscribe(connID, gameID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[gameID] == nil {
		r.rooms[gameID] = make(map[string]bool)
	}
	if r.members[connID] == nil {
		r.members[connID] = make(map[string]bool)
	}
	if r.rooms[gameID][connID] {
		return false
	}
	r.rooms[gameID][connID] = true
	r.members[connID][gameID] = true
	return true
}

func (r *fakeRouter) Unsubscribe(connID, gameID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.rooms[gameID][connID] {
		return false
	}
	delete(r.rooms[gameID], connID)
	delete(r.members[connID], gameID)
	return true
}

func (r *fakeRouter) IsSubscribed(connID, gameID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[gameID][connID]
}

func (r *fakeRouter) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for gameID := range r.members[connID] {
		delete(r.rooms[gameID], connID)
		ids = append(ids, gameID)
	}
	delete(r.members, connID)
	return ids
}

func (r *fakeRouter) DropRoom(gameID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var conns []string
	for connID := range r.rooms[gameID] {
		delete(r.members[connID], gameID)
		conns = append(conns, connID)
	}
	delete(r.rooms, gameID)
	return conns
}

func (r *fakeRouter) Publish(gameID string, ev Event, except ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	skip := make(map[string]bool, len(except))
	for _, c := range except {
		skip[c] = true
	}
	for connID := range r.rooms[gameID] {
		if !skip[connID] {
			r.events[connID] = append(r.events[connID], ev)
		}
	}
}

func (r *fakeRouter) Send(connID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[connID] = append(r.events[connID], ev)
}

// of returns the events of the given type delivered to connID
func (r *fakeRouter) of(connID, eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events[connID] {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// types lists the event types delivered to connID in order
func (r *fakeRouter) types(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events[connID]))
	for _, ev := range r.events[connID] {
		out = append(out, ev.EventType())
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingArchiver struct {
	mu      sync.Mutex
	archive []*History
	fail    bool
}

func (a *recordingArchiver) Archive(ctx context.Context, h *History) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("bucket unavailable")
	}
	a.archive = append(a.archive, h)
	return nil
}

type testEnv struct {
	manager *Manager
	store   *MemoryStore
	router  *fakeRouter
	clock   *fakeClock
}

func sequentialCodes() func(int) (string, error) {
	var n atomic.Int64
	return func(digits int) (string, error) {
		return fmt.Sprintf("%0*d", digits, n.Add(1)), nil
	}
}

func newTestEnv(t *testing.T, mutate func(*config.Settings), opts ...Option) *testEnv {
	t.Helper()
	settings := config.DefaultSettings()
	if mutate != nil {
		mutate(&settings)
	}
	env := &testEnv{
		store:  NewMemoryStore(),
		router: newFakeRouter(),
		clock:  &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	opts = append([]Option{WithClock(env.clock.Now), WithCodeGenerator(sequentialCodes())}, opts...)
	m, err := NewManager(env.store, env.store, env.router, settings, opts...)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	env.manager = m
	return env
}

var (
	alice = Caller{ConnID: "conn-a", PlayerID: "alice"}
	bob   = Caller{ConnID: "conn-b", PlayerID: "bob"}
	carol = Caller{ConnID: "conn-c", PlayerID: "carol"}
)

// startGame creates a game as alice and joins it as bob
func (e *testEnv) startGame(t *testing.T) *engine.Game {
	t.Helper()
	ctx := context.Background()
	g, err := e.manager.CreateGame(ctx, alice, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateGame failed: %v", err)
	}
	g, err = e.manager.JoinGame(ctx, bob, g.Code)
	if err != nil {
		t.Fatalf("JoinGame failed: %v", err)
	}
	return g
}

func (e *testEnv) move(t *testing.T, c Caller, gameID string, player, x, y int) *engine.Outcome {
	t.Helper()
	out, err := e.manager.SubmitMove(context.Background(), c, MoveRequest{GameID: gameID, PlayerNumber: player, X: x, Y: y})
	if err != nil {
		t.Fatalf("SubmitMove(%d,%d) by player %d failed: %v", x, y, player, err)
	}
	return out
}

func TestNewManager_Validation(t *testing.T) {
	store := NewMemoryStore()
	if _, err := NewManager(nil, store, newFakeRouter(), config.DefaultSettings()); err == nil {
		t.Error("Expected error for missing store")
	}
	bad := config.DefaultSettings()
	bad.CodeDigits = 0
	if _, err := NewManager(store, store, newFakeRouter(), bad); err == nil {
		t.Error("Expected error for invalid settings")
	}
}

func TestManager_CreateGame(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	g, err := env.manager.CreateGame(ctx, alice, CreateOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if g.Status != engine.StatusWaiting {
		t.Errorf("Expected waiting, got %s", g.Status)
	}
	if len(g.Code) != 4 {
		t.Errorf("Expected 4-digit code, got %q", g.Code)
	}
	if g.Players.First != "alice" || g.Players.Second != "" {
		t.Errorf("Expected alice alone in slot 1, got %+v", g.Players)
	}
	if g.Preset != config.DefaultPresetID {
		t.Errorf("Expected default preset, got %q", g.Preset)
	}
	if !env.router.IsSubscribed(alice.ConnID, g.ID) {
		t.Error("Expected creator to be subscribed to the room")
	}

	created := env.router.of(alice.ConnID, EventGameCreated)
	if len(created) != 1 {
		t.Fatalf("Expected 1 gameCreated event, got %d", len(created))
	}
	ev := created[0].(*GameCreated)
	if ev.GameID != g.ID || ev.Code != g.Code || ev.PlayerNumber != 1 {
		t.Errorf("Unexpected gameCreated payload %+v", ev)
	}

	t.Run("missing identity", func(t *testing.T) {
		_, err := env.manager.CreateGame(ctx, Caller{ConnID: "x"}, CreateOptions{})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("Expected ErrValidation, got %v", err)
		}
	})

	t.Run("unknown preset without resolver", func(t *testing.T) {
		_, err := env.manager.CreateGame(ctx, alice, CreateOptions{Preset: "quick"})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("Expected ErrValidation, got %v", err)
		}
	})
}

func TestManager_CreateGame_Preset(t *testing.T) {
	presets, err := config.NewManager("../../configs", engine.DefaultRules())
	if err != nil {
		t.Fatalf("Failed to load presets: %v", err)
	}
	env := newTestEnv(t, nil, WithRules(presets))

	g, err := env.manager.CreateGame(context.Background(), alice, CreateOptions{Preset: "quick"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if g.Board.Width != 6 || g.Board.Height != 6 || g.Preset != "quick" {
		t.Errorf("Expected quick 6x6 board, got %+v preset %q", g.Board, g.Preset)
	}

	if _, err := env.manager.CreateGame(context.Background(), alice, CreateOptions{Preset: "nope"}); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for unknown preset, got %v", err)
	}
}

func TestManager_CreateGame_Capacity(t *testing.T) {
	env := newTestEnv(t, func(s *config.Settings) { s.MaxActiveGames = 2 })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := env.manager.CreateGame(ctx, alice, CreateOptions{}); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}
	if _, err := env.manager.CreateGame(ctx, alice, CreateOptions{}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Expected ErrCapacityExceeded, got %v", err)
	}
	if Code(ErrCapacityExceeded) != CodeCapacityExceeded {
		t.Errorf("Expected %s, got %s", CodeCapacityExceeded, Code(ErrCapacityExceeded))
	}

	// expired games no longer count against the cap
	env.clock.Advance(31 * time.Minute)
	if _, err := env.manager.CreateGame(ctx, alice, CreateOptions{}); err != nil {
		t.Errorf("Expected create to succeed once games expired, got %v", err)
	}
}

func TestManager_CreateGame_CodeSpaceExhausted(t *testing.T) {
	env := newTestEnv(t, func(s *config.Settings) { s.CodeAttempts = 3 },
		WithCodeGenerator(func(int) (string, error) { return "0042", nil }))
	ctx := context.Background()

	if _, err := env.manager.CreateGame(ctx, alice, CreateOptions{}); err != nil {
		t.Fatalf("First create failed: %v", err)
	}
	_, err := env.manager.CreateGame(ctx, bob, CreateOptions{})
	if !errors.Is(err, ErrCodeSpaceExhausted) {
		t.Fatalf("Expected ErrCodeSpaceExhausted, got %v", err)
	}

	games, _ := env.store.List(ctx, Filter{})
	if len(games) != 1 {
		t.Errorf("Expected no game to be stored for the failed create, got %d games", len(games))
	}
}

func TestManager_JoinGame(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	g, err := env.manager.CreateGame(ctx, alice, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateGame failed: %v", err)
	}

	t.Run("join own game", func(t *testing.T) {
		other := Caller{ConnID: "conn-a2", PlayerID: "alice"}
		if _, err := env.manager.JoinGame(ctx, other, g.Code); !errors.Is(err, ErrValidation) {
			t.Errorf("Expected ErrValidation, got %v", err)
		}
	})

	t.Run("malformed code", func(t *testing.T) {
		for _, code := range []string{"", "12", "12a4", "12345"} {
			if _, err := env.manager.JoinGame(ctx, bob, code); !errors.Is(err, ErrValidation) {
				t.Errorf("Code %q: expected ErrValidation, got %v", code, err)
			}
		}
	})

	t.Run("unknown code", func(t *testing.T) {
		if _, err := env.manager.JoinGame(ctx, bob, "9999"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("successful join", func(t *testing.T) {
		joined, err := env.manager.JoinGame(ctx, bob, g.Code)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if joined.Status != engine.StatusPlaying || joined.Players.Second != "bob" {
			t.Errorf("Expected playing game with bob, got %s %+v", joined.Status, joined.Players)
		}

		for _, conn := range []string{alice.ConnID, bob.ConnID} {
			if n := len(env.router.of(conn, EventGameStarted)); n != 1 {
				t.Errorf("Expected gameStarted on %s, got %d", conn, n)
			}
		}
		joinedEvents := env.router.of(bob.ConnID, EventGameJoined)
		if len(joinedEvents) != 1 || joinedEvents[0].(*GameJoined).PlayerNumber != 2 {
			t.Errorf("Expected gameJoined with player 2, got %+v", joinedEvents)
		}
		if len(env.router.of(alice.ConnID, EventGameJoined)) != 0 {
			t.Error("gameJoined must only go to the joiner")
		}
	})

	t.Run("already started", func(t *testing.T) {
		if _, err := env.manager.JoinGame(ctx, carol, g.Code); !errors.Is(err, ErrAlreadyStarted) {
			t.Errorf("Expected ErrAlreadyStarted, got %v", err)
		}
	})
}

func TestManager_JoinGame_Expired(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	g, err := env.manager.CreateGame(ctx, alice, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateGame failed: %v", err)
	}
	env.clock.Advance(30 * time.Minute)

	if _, err := env.manager.JoinGame(ctx, bob, g.Code); !errors.Is(err, ErrExpired) {
		t.Errorf("Expected ErrExpired, got %v", err)
	}
}

func TestManager_JoinGame_Race(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	g, err := env.manager.CreateGame(ctx, alice, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateGame failed: %v", err)
	}

	const joiners = 25
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		errs      = make(chan error, joiners)
	)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := Caller{ConnID: fmt.Sprintf("conn-%d", i), PlayerID: fmt.Sprintf("player-%d", i)}
			if _, err := env.manager.JoinGame(ctx, c, g.Code); err != nil {
				errs <- err
				return
			}
			successes.Add(1)
		}(i)
	}
	wg.Wait()
	close(errs)

	if successes.Load() != 1 {
		t.Fatalf("Expected exactly one successful join, got %d", successes.Load())
	}
	for err := range errs {
		if !errors.Is(err, ErrAlreadyStarted) {
			t.Errorf("Expected ErrAlreadyStarted for losers, got %v", err)
		}
	}

	final, _ := env.store.Get(ctx, g.ID)
	if final.Players.Second == "" || final.Status != engine.StatusPlaying {
		t.Errorf("Expected a seated second player, got %+v", final)
	}
	if env.manager.locks.size() != 0 {
		t.Errorf("Expected all game locks released, %d held", env.manager.locks.size())
	}
}

func TestManager_SubmitMove_TurnBudget(t *testing.T) {
	env := newTestEnv(t, nil)
	g := env.startGame(t)

	out := env.move(t, alice, g.ID, 1, 0, 0)
	if out.OpsLeft != 1 || out.NextPlayer != 1 || out.TurnEnded {
		t.Errorf("After first move expected 1 op left for player 1, got %+v", out)
	}

	out = env.move(t, alice, g.ID, 1, 1, 0)
	if out.OpsLeft != 0 || out.NextPlayer != 2 || !out.TurnEnded {
		t.Errorf("After second move expected turn to pass to player 2, got %+v", out)
	}

	stored, _ := env.store.Get(context.Background(), g.ID)
	if stored.CurrentPlayer != 2 || stored.OpsRemaining != 2 || stored.TotalTurns != 2 {
		t.Errorf("Expected player 2 with a fresh budget after 2 moves, got current=%d ops=%d turns=%d",
			stored.CurrentPlayer, stored.OpsRemaining, stored.TotalTurns)
	}

	_, err := env.manager.SubmitMove(context.Background(), alice, MoveRequest{GameID: g.ID, PlayerNumber: 1, X: 2, Y: 0})
	if !errors.Is(err, engine.ErrOutOfTurn) || Code(err) != CodeOutOfTurn {
		t.Errorf("Expected OUT_OF_TURN, got %v", err)
	}

	updates := env.router.of(bob.ConnID, EventGameUpdated)
	if len(updates) != 2 {
		t.Fatalf("Expected 2 gameUpdated events for the opponent, got %d", len(updates))
	}
	first, second := updates[0].(*GameUpdated), updates[1].(*GameUpdated)
	if first.OpsRemaining != 1 || second.OpsRemaining != 0 || !second.TurnEnded || second.NextPlayer != 2 {
		t.Errorf("Unexpected update sequence: %+v then %+v", first, second)
	}
	if first.Move.Seq != 1 || second.Move.Seq != 2 {
		t.Errorf("Expected seq 1 then 2, got %d then %d", first.Move.Seq, second.Move.Seq)
	}

	moves, _ := env.store.Moves(context.Background(), g.ID)
	if len(moves) != 2 {
		t.Errorf("Expected 2 logged moves, got %d", len(moves))
	}
}

func TestManager_SubmitMove_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	g := env.startGame(t)

	waiting, err := env.manager.CreateGame(ctx, carol, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateGame failed: %v", err)
	}

	tests := []struct {
		name   string
		caller Caller
		req    MoveRequest
		want   error
		code   string
	}{
		{"missing game id", alice, MoveRequest{PlayerNumber: 1}, ErrValidation, CodeValidation},
		{"bad player number", alice, MoveRequest{GameID: g.ID, PlayerNumber: 3}, ErrValidation, CodeValidation},
		{"not subscribed", carol, MoveRequest{GameID: g.ID, PlayerNumber: 1}, ErrNotSubscribed, CodeNotSubscribed},
		{"cross attribution", bob, MoveRequest{GameID: g.ID, PlayerNumber: 1}, ErrValidation, CodeValidation},
		{"out of bounds", alice, MoveRequest{GameID: g.ID, PlayerNumber: 1, X: 10, Y: 0}, engine.ErrOutOfBounds, CodeValidation},
		{"negative coordinate", alice, MoveRequest{GameID: g.ID, PlayerNumber: 1, X: -1, Y: 0}, engine.ErrOutOfBounds, CodeValidation},
		{"wrong turn", bob, MoveRequest{GameID: g.ID, PlayerNumber: 2}, engine.ErrOutOfTurn, CodeOutOfTurn},
		{"waiting game", carol, MoveRequest{GameID: waiting.ID, PlayerNumber: 1}, ErrGameNotPlaying, CodeGameNotPlaying},
		{"bad capture", alice, MoveRequest{GameID: g.ID, PlayerNumber: 1, Captures: []engine.Position{{X: 0, Y: 0}, {X: 0, Y: 0}}}, engine.ErrInvalidCapture, CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.manager.SubmitMove(ctx, tt.caller, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
			if Code(err) != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, Code(err))
			}
		})
	}

	stored, _ := env.store.Get(ctx, g.ID)
	if stored.TotalTurns != 0 {
		t.Errorf("Rejected moves must not change the game, got %d turns", stored.TotalTurns)
	}
}

func TestManager_SubmitMove_Completion(t *testing.T) {
	env := newTestEnv(t, func(s *config.Settings) {
		s.Rules = engine.Rules{Board: engine.BoardSize{Width: 5, Height: 5}, OpsPerTurn: 1}
	})
	ctx := context.Background()
	g := env.startGame(t)

	var cells []engine.Position
	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			cells = append(cells, engine.Position{X: x, Y: y})
		}
	}

	if _, err := env.manager.SubmitMove(ctx, alice, MoveRequest{GameID: g.ID, PlayerNumber: 1, Captures: cells[:13]}); err != nil {
		t.Fatalf("First move failed: %v", err)
	}
	env.clock.Advance(90 * time.Second)
	out, err := env.manager.SubmitMove(ctx, bob, MoveRequest{GameID: g.ID, PlayerNumber: 2, X: 4, Y: 4, Captures: cells[13:]})
	if err != nil {
		t.Fatalf("Second move failed: %v", err)
	}
	if !out.Finished {
		t.Fatal("Expected the game to finish once every cell is captured")
	}

	final, _ := env.store.Get(ctx, g.ID)
	if final.Status != engine.StatusFinished || final.Winner == nil || *final.Winner != 1 || final.IsDraw {
		t.Errorf("Expected player 1 to win, got status=%s winner=%v draw=%v", final.Status, final.Winner, final.IsDraw)
	}
	if final.FinalScore == nil || *final.FinalScore != (engine.Score{First: 13, Second: 12}) {
		t.Errorf("Expected final score 13-12, got %+v", final.FinalScore)
	}

	overs := env.router.of(alice.ConnID, EventGameOver)
	if len(overs) != 1 {
		t.Fatalf("Expected one gameOver event, got %d", len(overs))
	}
	for _, c := range []Caller{alice, bob} {
		types := env.router.types(c.ConnID)
		last := len(types) - 1
		if last < 1 || types[last] != EventGameOver || types[last-1] != EventGameUpdated {
			t.Errorf("Expected %s to receive the final gameUpdated right before gameOver, got %v", c.PlayerID, types)
		}
	}
	over := overs[0].(*GameOver)
	if *over.Winner != 1 || over.FinalScore.First != 13 || over.DurationSeconds != 90 {
		t.Errorf("Unexpected gameOver payload %+v", over)
	}

	_, err = env.manager.SubmitMove(ctx, alice, MoveRequest{GameID: g.ID, PlayerNumber: 1})
	if !errors.Is(err, ErrGameFinished) {
		t.Errorf("Expected ErrGameFinished, got %v", err)
	}
}

func TestManager_SubmitMove_Expired(t *testing.T) {
	env := newTestEnv(t, nil)
	g := env.startGame(t)
	env.clock.Advance(45 * time.Minute)

	_, err := env.manager.SubmitMove(context.Background(), alice, MoveRequest{GameID: g.ID, PlayerNumber: 1})
	if !errors.Is(err, ErrExpired) {
		t.Errorf("Expected ErrExpired, got %v", err)
	}
}

func TestManager_SubmitMove_Vanished(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	g := env.startGame(t)
	env.move(t, alice, g.ID, 1, 0, 0)

	// the sweep deleted the record between two moves
	if _, err := env.store.DeleteExpired(ctx, env.clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}

	_, err := env.manager.SubmitMove(ctx, alice, MoveRequest{GameID: g.ID, PlayerNumber: 1, X: 1})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a missing record, got %v", err)
	}
}

// vanishingStore deletes the game right before the conditional update lands
type vanishingStore struct {
	*MemoryStore
}

func (s vanishingStore) Update(ctx context.Context, g *engine.Game, expectedTurns int) error {
	s.MemoryStore.mu.Lock()
	delete(s.MemoryStore.games, g.ID)
	s.MemoryStore.mu.Unlock()
	return s.MemoryStore.Update(ctx, g, expectedTurns)
}

func TestManager_SubmitMove_VanishedDuringUpdate(t *testing.T) {
	mem := NewMemoryStore()
	router := newFakeRouter()
	m, err := NewManager(vanishingStore{mem}, mem, router, config.DefaultSettings())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	ctx := context.Background()

	g, err := m.CreateGame(ctx, alice, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateGame failed: %v", err)
	}
	if _, err := m.JoinGame(ctx, bob, g.Code); err != nil {
		t.Fatalf("JoinGame failed: %v", err)
	}

	_, err = m.SubmitMove(ctx, alice, MoveRequest{GameID: g.ID, PlayerNumber: 1})
	if !errors.Is(err, ErrGameVanished) || Code(err) != CodeGameNotFound {
		t.Fatalf("Expected GAME_NOT_FOUND, got %v", err)
	}
	moves, _ := mem.Moves(ctx, g.ID)
	if len(moves) != 0 {
		t.Errorf("Expected the orphaned move log to be dropped, got %d moves", len(moves))
	}
	if len(router.of(bob.ConnID, EventGameUpdated)) != 0 {
		t.Error("No update may be broadcast for a move that did not commit")
	}
}

// conflictStore fails every conditional update as if another writer won
type conflictStore struct {
	*MemoryStore
}

func (s conflictStore) Update(ctx context.Context, g *engine.Game, expectedTurns int) error {
	return ErrConflict
}

func TestManager_SubmitMove_ConflictRollsBackLog(t *testing.T) {
	mem := NewMemoryStore()
	m, err := NewManager(conflictStore{mem}, mem, newFakeRouter(), config.DefaultSettings())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	ctx := context.Background()

	g, _ := m.CreateGame(ctx, alice, CreateOptions{})
	if _, err := m.JoinGame(ctx, bob, g.Code); err != nil {
		t.Fatalf("JoinGame failed: %v", err)
	}

	_, err = m.SubmitMove(ctx, alice, MoveRequest{GameID: g.ID, PlayerNumber: 1})
	if !errors.Is(err, ErrConflict) || !Recoverable(err) {
		t.Fatalf("Expected a recoverable ErrConflict, got %v", err)
	}
	moves, _ := mem.Moves(ctx, g.ID)
	if len(moves) != 0 {
		t.Errorf("Expected the uncommitted move to be rolled back, got %d moves", len(moves))
	}
}

// lateTimeoutStore commits an update and then reports a deadline, as a
// database round trip can when the reply is lost
type lateTimeoutStore struct {
	*MemoryStore
	commit   bool
	failures atomic.Int32
}

func (s *lateTimeoutStore) Update(ctx context.Context, g *engine.Game, expectedTurns int) error {
	if s.failures.Add(-1) < 0 {
		return s.MemoryStore.Update(ctx, g, expectedTurns)
	}
	if s.commit {
		if err := s.MemoryStore.Update(ctx, g, expectedTurns); err != nil {
			return err
		}
	}
	return context.DeadlineExceeded
}

func newTimeoutEnv(t *testing.T, commit bool) (*Manager, *lateTimeoutStore, *fakeRouter, *engine.Game) {
	t.Helper()
	store := &lateTimeoutStore{MemoryStore: NewMemoryStore(), commit: commit}
	router := newFakeRouter()
	m, err := NewManager(store, store.MemoryStore, router, config.DefaultSettings())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	ctx := context.Background()
	g, err := m.CreateGame(ctx, alice, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateGame failed: %v", err)
	}
	if _, err := m.JoinGame(ctx, bob, g.Code); err != nil {
		t.Fatalf("JoinGame failed: %v", err)
	}
	store.failures.Store(1)
	return m, store, router, g
}

func TestManager_SubmitMove_TimeoutAfterCommit(t *testing.T) {
	m, store, router, g := newTimeoutEnv(t, true)
	ctx := context.Background()

	out, err := m.SubmitMove(ctx, alice, MoveRequest{GameID: g.ID, PlayerNumber: 1, X: 0, Y: 0})
	if err != nil {
		t.Fatalf("Expected the committed move to succeed, got %v", err)
	}
	if out.Game.TotalTurns != 1 {
		t.Errorf("Expected totalTurns 1, got %d", out.Game.TotalTurns)
	}

	stored, _ := store.Get(ctx, g.ID)
	moves, _ := store.Moves(ctx, g.ID)
	if stored.TotalTurns != 1 || len(moves) != 1 {
		t.Fatalf("Expected totalTurns 1 with one log entry, got %d and %d", stored.TotalTurns, len(moves))
	}
	if len(router.of(bob.ConnID, EventGameUpdated)) != 1 {
		t.Error("Expected gameUpdated for the committed move")
	}

	h, err := m.History(ctx, g.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if !h.Details.Complete || len(h.Moves) != 1 {
		t.Errorf("Expected a complete one-move history, got complete=%t moves=%d", h.Details.Complete, len(h.Moves))
	}

	if _, err := m.SubmitMove(ctx, alice, MoveRequest{GameID: g.ID, PlayerNumber: 1, X: 1, Y: 0}); err != nil {
		t.Fatalf("Expected the next move to succeed, got %v", err)
	}
	moves, _ = store.Moves(ctx, g.ID)
	if len(moves) != 2 {
		t.Errorf("Expected 2 log entries, got %d", len(moves))
	}
}

func TestManager_SubmitMove_TimeoutBeforeCommit(t *testing.T) {
	m, store, router, g := newTimeoutEnv(t, false)
	ctx := context.Background()

	_, err := m.SubmitMove(ctx, alice, MoveRequest{GameID: g.ID, PlayerNumber: 1, X: 0, Y: 0})
	if !errors.Is(err, ErrTimeout) || Code(err) != CodeTimeout {
		t.Fatalf("Expected TIMEOUT, got %v", err)
	}
	moves, _ := store.Moves(ctx, g.ID)
	if len(moves) != 0 {
		t.Errorf("Expected the uncommitted move to be rolled back, got %d moves", len(moves))
	}
	if len(router.of(bob.ConnID, EventGameUpdated)) != 0 {
		t.Error("No update may be broadcast for a move that did not commit")
	}

	out, err := m.SubmitMove(ctx, alice, MoveRequest{GameID: g.ID, PlayerNumber: 1, X: 2, Y: 2})
	if err != nil {
		t.Fatalf("Expected the retry to succeed, got %v", err)
	}
	if out.Move.Seq != 1 {
		t.Errorf("Expected the retry to take seq 1, got %d", out.Move.Seq)
	}
}

func TestManager_SubmitMove_DropsLeftoverLogEntries(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	g := env.startGame(t)

	// an entry whose update never committed and whose rollback failed
	stale := engine.Move{Seq: 1, Player: 1, X: 9, Y: 9, Timestamp: env.clock.Now()}
	if err := env.store.Append(ctx, g.ID, stale); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	env.move(t, alice, g.ID, 1, 3, 4)

	moves, _ := env.store.Moves(ctx, g.ID)
	if len(moves) != 1 || moves[0].X != 3 || moves[0].Y != 4 {
		t.Fatalf("Expected the leftover entry to be replaced by the accepted move, got %+v", moves)
	}
	h, err := env.manager.History(ctx, g.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if !h.Details.Complete {
		t.Error("Expected a complete history")
	}
}

func TestManager_LeaveGame(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	g := env.startGame(t)

	if err := env.manager.LeaveGame(ctx, carol, g.ID); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("Expected ErrNotSubscribed, got %v", err)
	}

	if err := env.manager.LeaveGame(ctx, bob, g.ID); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if env.router.IsSubscribed(bob.ConnID, g.ID) {
		t.Error("Expected bob to be unsubscribed")
	}
	left := env.router.of(alice.ConnID, EventPlayerLeft)
	if len(left) != 1 || left[0].(*RoomNotice).ConnectionID != bob.ConnID {
		t.Errorf("Expected playerLeft naming bob's connection, got %+v", left)
	}
	if len(env.router.of(bob.ConnID, EventGameLeft)) != 1 {
		t.Error("Expected gameLeft confirmation to the leaver")
	}

	stored, _ := env.store.Get(ctx, g.ID)
	if stored.Status != engine.StatusPlaying {
		t.Errorf("Leaving must not change the game status, got %s", stored.Status)
	}
}

func TestManager_ReconnectAndDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	g := env.startGame(t)

	env.manager.OnDisconnect(alice.ConnID)
	if env.router.IsSubscribed(alice.ConnID, g.ID) {
		t.Error("Expected disconnected connection to leave every room")
	}
	dis := env.router.of(bob.ConnID, EventPlayerDisconnected)
	if len(dis) != 1 || dis[0].(*RoomNotice).ConnectionID != alice.ConnID {
		t.Errorf("Expected playerDisconnected naming alice's connection, got %+v", dis)
	}
	stored, _ := env.store.Get(ctx, g.ID)
	if stored.Status != engine.StatusPlaying {
		t.Errorf("Disconnect must not change the game status, got %s", stored.Status)
	}

	if _, err := env.manager.Reconnect(ctx, alice, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	back := Caller{ConnID: "conn-a-new", PlayerID: "alice"}
	if _, err := env.manager.Reconnect(ctx, back, g.ID); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	rec := env.router.of(back.ConnID, EventGameReconnected)
	if len(rec) != 1 {
		t.Fatalf("Expected gameReconnected, got %d", len(rec))
	}
	if ev := rec[0].(*GameReconnected); ev.PlayerNumber != 1 || ev.State.ID != g.ID {
		t.Errorf("Unexpected gameReconnected payload %+v", ev)
	}
	if len(env.router.of(bob.ConnID, EventPlayerReconnected)) != 1 {
		t.Error("Expected playerReconnected to the opponent")
	}
	if len(env.router.of(back.ConnID, EventPlayerReconnected)) != 0 {
		t.Error("The reconnecting connection must not be told about itself")
	}

	// the seat follows the player id onto the new connection
	env.move(t, back, g.ID, 1, 3, 3)

	t.Run("spectator", func(t *testing.T) {
		if _, err := env.manager.Reconnect(ctx, carol, g.ID); err != nil {
			t.Fatalf("Reconnect failed: %v", err)
		}
		ev := env.router.of(carol.ConnID, EventGameReconnected)[0].(*GameReconnected)
		if ev.PlayerNumber != 0 {
			t.Errorf("Expected spectator player number 0, got %d", ev.PlayerNumber)
		}
		_, err := env.manager.SubmitMove(ctx, carol, MoveRequest{GameID: g.ID, PlayerNumber: 1})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("Expected spectator move to be rejected, got %v", err)
		}
	})
}

// gatedStore parks the next Get after it has read the game
type gatedStore struct {
	*MemoryStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Get(ctx context.Context, id string) (*engine.Game, error) {
	g, err := s.MemoryStore.Get(ctx, id)
	if s.armed.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.release
	}
	return g, err
}

func TestManager_Reconnect_SweptMeanwhile(t *testing.T) {
	store := &gatedStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	router := newFakeRouter()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	m, err := NewManager(store, store.MemoryStore, router, config.DefaultSettings(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	ctx := context.Background()
	g, err := m.CreateGame(ctx, alice, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateGame failed: %v", err)
	}
	m.OnDisconnect(alice.ConnID)
	clock.Advance(45 * time.Minute)

	store.armed.Store(true)
	reconnected := make(chan error, 1)
	go func() {
		_, err := m.Reconnect(ctx, alice, g.ID)
		reconnected <- err
	}()
	<-store.entered

	swept := make(chan *SweepReport, 1)
	go func() {
		report, _ := m.Sweep(ctx)
		swept <- report
	}()

	select {
	case <-swept:
		t.Fatal("Sweep dropped the room while a reconnect was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(store.release)

	if err := <-reconnected; err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	report := <-swept
	if len(report.Expired) != 1 || report.Expired[0] != g.ID {
		t.Fatalf("Expected the game to expire, got %+v", report)
	}
	if router.IsSubscribed(alice.ConnID, g.ID) {
		t.Error("Expected no room membership for a deleted game")
	}
	if len(router.of(alice.ConnID, EventGameExpired)) != 1 {
		t.Error("Expected the reconnected connection to be told the game expired")
	}
}

func TestManager_Sweep(t *testing.T) {
	archiver := &recordingArchiver{}
	env := newTestEnv(t, func(s *config.Settings) {
		s.Rules = engine.Rules{Board: engine.BoardSize{Width: 5, Height: 5}, OpsPerTurn: 1}
	}, WithArchiver(archiver))
	ctx := context.Background()

	finished := env.startGame(t)
	var all []engine.Position
	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			all = append(all, engine.Position{X: x, Y: y})
		}
	}
	if _, err := env.manager.SubmitMove(ctx, alice, MoveRequest{GameID: finished.ID, PlayerNumber: 1, Captures: all}); err != nil {
		t.Fatalf("Finishing move failed: %v", err)
	}

	idle, err := env.manager.CreateGame(ctx, carol, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateGame failed: %v", err)
	}

	t.Run("nothing due", func(t *testing.T) {
		report, err := env.manager.Sweep(ctx)
		if err != nil {
			t.Fatalf("Sweep failed: %v", err)
		}
		if len(report.Expired) != 0 || len(report.Purged) != 0 {
			t.Errorf("Expected empty report, got %+v", report)
		}
	})

	t.Run("expiry", func(t *testing.T) {
		env.clock.Advance(31 * time.Minute)
		report, err := env.manager.Sweep(ctx)
		if err != nil {
			t.Fatalf("Sweep failed: %v", err)
		}
		if len(report.Expired) != 1 || report.Expired[0] != idle.ID {
			t.Errorf("Expected %s to expire, got %+v", idle.ID, report.Expired)
		}
		if len(env.router.of(carol.ConnID, EventGameExpired)) != 1 {
			t.Error("Expected gameExpired to the room")
		}
		if env.router.IsSubscribed(carol.ConnID, idle.ID) {
			t.Error("Expected the expired room to be dropped")
		}
		if _, err := env.manager.GetGame(ctx, idle.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected expired game to be gone, got %v", err)
		}
		if _, err := env.manager.GetGame(ctx, finished.ID); err != nil {
			t.Errorf("Finished games must survive expiry, got %v", err)
		}
	})

	t.Run("archive failure keeps the game", func(t *testing.T) {
		archiver.fail = true
		env.clock.Advance(24 * time.Hour)
		report, err := env.manager.Sweep(ctx)
		if err != nil {
			t.Fatalf("Sweep failed: %v", err)
		}
		if len(report.Purged) != 0 {
			t.Errorf("Expected nothing purged while archiving fails, got %+v", report.Purged)
		}
		archiver.fail = false
	})

	t.Run("retention", func(t *testing.T) {
		report, err := env.manager.Sweep(ctx)
		if err != nil {
			t.Fatalf("Sweep failed: %v", err)
		}
		if len(report.Purged) != 1 || report.Purged[0] != finished.ID {
			t.Fatalf("Expected %s to be purged, got %+v", finished.ID, report.Purged)
		}
		if len(archiver.archive) != 1 || archiver.archive[0].Metadata.ID != finished.ID {
			t.Fatalf("Expected the history to be archived first, got %d archives", len(archiver.archive))
		}
		if len(archiver.archive[0].Moves) != 1 {
			t.Errorf("Expected archived history with 1 move, got %d", len(archiver.archive[0].Moves))
		}
		moves, _ := env.store.Moves(ctx, finished.ID)
		if len(moves) != 0 {
			t.Errorf("Expected purged move log, got %d moves", len(moves))
		}
	})

	stats, err := env.manager.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.GamesExpired != 1 || stats.GamesPurged != 1 || stats.GamesFinished != 1 || stats.ActiveGames != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestManager_Sweep_Cancelled(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := env.manager.Sweep(ctx); err == nil {
		t.Error("Expected a cancelled sweep to fail")
	}
}

func TestManager_HistoryAndReads(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	g := env.startGame(t)

	env.move(t, alice, g.ID, 1, 0, 0)
	env.move(t, alice, g.ID, 1, 1, 1)
	if _, err := env.manager.SubmitMove(ctx, bob, MoveRequest{
		GameID: g.ID, PlayerNumber: 2, X: 2, Y: 2,
		Captures: []engine.Position{{X: 5, Y: 5}, {X: 6, Y: 6}},
	}); err != nil {
		t.Fatalf("Capturing move failed: %v", err)
	}

	h, err := env.manager.History(ctx, g.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(h.Moves) != 3 || h.Details.TotalMoves != 3 || !h.Details.Complete {
		t.Errorf("Expected a complete 3-move history, got %+v", h.Details)
	}
	if h.Details.MovesPerPlayer != (engine.Score{First: 2, Second: 1}) {
		t.Errorf("Expected moves 2-1, got %+v", h.Details.MovesPerPlayer)
	}
	if h.Details.CapturesPerPlayer != (engine.Score{First: 0, Second: 2}) {
		t.Errorf("Expected captures 0-2, got %+v", h.Details.CapturesPerPlayer)
	}

	if _, err := env.manager.History(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	playing, err := env.manager.ListGames(ctx, Filter{Status: engine.StatusPlaying})
	if err != nil || len(playing) != 1 {
		t.Errorf("Expected 1 playing game, got %d (%v)", len(playing), err)
	}
	if _, err := env.manager.ListGames(ctx, Filter{Status: "bogus"}); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected ErrValidation for unknown status, got %v", err)
	}

	snap, _ := env.manager.GetGame(ctx, g.ID)
	snap.Score.First = 99
	again, _ := env.manager.GetGame(ctx, g.ID)
	if again.Score.First == 99 {
		t.Error("GetGame must return an independent snapshot")
	}
}

func TestManager_ConcurrentGames(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	const games = 10
	var wg sync.WaitGroup
	for i := 0; i < games; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p1 := Caller{ConnID: fmt.Sprintf("c1-%d", i), PlayerID: fmt.Sprintf("p1-%d", i)}
			p2 := Caller{ConnID: fmt.Sprintf("c2-%d", i), PlayerID: fmt.Sprintf("p2-%d", i)}
			g, err := env.manager.CreateGame(ctx, p1, CreateOptions{})
			if err != nil {
				t.Errorf("CreateGame %d failed: %v", i, err)
				return
			}
			if _, err := env.manager.JoinGame(ctx, p2, g.Code); err != nil {
				t.Errorf("JoinGame %d failed: %v", i, err)
				return
			}
			for n := 0; n < 4; n++ {
				c, player := p1, 1
				if n >= 2 {
					c, player = p2, 2
				}
				if _, err := env.manager.SubmitMove(ctx, c, MoveRequest{GameID: g.ID, PlayerNumber: player, X: n, Y: n}); err != nil {
					t.Errorf("Move %d in game %d failed: %v", n, i, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	stats, _ := env.manager.Stats(ctx)
	if stats.GamesCreated != games || stats.GamesJoined != games || stats.MovesAccepted != games*4 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{validationf("missing code"), CodeValidation},
		{fmt.Errorf("wrapped: %w", ErrGameFull), CodeGameFull},
		{engine.ErrOutOfTurn, CodeOutOfTurn},
		{ErrGameVanished, CodeGameNotFound},
		{context.DeadlineExceeded, CodeTimeout},
		{errors.New("connection refused"), CodeInternal},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.code {
			t.Errorf("Code(%v): expected %s, got %s", tt.err, tt.code, got)
		}
	}

	code, msg := PublicError(errors.New("pq: password authentication failed"))
	if code != CodeInternal || msg != "internal error" {
		t.Errorf("Expected internal errors to be masked, got %s %q", code, msg)
	}

	if err := storeErr("load game", context.DeadlineExceeded); !errors.Is(err, ErrTimeout) || !Recoverable(err) {
		t.Errorf("Expected a recoverable timeout, got %v", err)
	}
}
