package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotPlaying     = errors.New("game is not in progress")
	ErrOutOfTurn      = errors.New("not your turn")
	ErrOutOfBounds    = errors.New("coordinates outside the board")
	ErrInvalidCapture = errors.New("invalid capture")
	ErrInvalidPlayer  = errors.New("player number must be 1 or 2")
)

// NewGame builds a waiting game for the initiating player. The caller assigns ID and Code.
func NewGame(id, code, initiator string, rules Rules, now time.Time, ttl time.Duration) *Game {
	return &Game{
		ID:             id,
		Code:           code,
		Status:         StatusWaiting,
		Players:        Players{First: initiator},
		Board:          rules.Board,
		OpsPerTurn:     rules.OpsPerTurn,
		CurrentPlayer:  1,
		OpsRemaining:   rules.OpsPerTurn,
		StartTime:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(ttl),
	}
}

// Seat fills the second slot and starts the game. It is the state change a successful
// join applies; stores call it inside their atomic conditional update.
func Seat(g *Game, joiner string, now time.Time, ttl time.Duration) {
	g.Players.Second = joiner
	g.Status = StatusPlaying
	g.LastActivityAt = now
	g.ExpiresAt = now.Add(ttl)
}

// MoveInput is a move as submitted, before it is accepted
type MoveInput struct {
	Player   int
	X        int
	Y        int
	Captures []Position
}

// Outcome describes the effect of an accepted move
type Outcome struct {
	// Game is the updated copy; the input game is left untouched.
	Game *Game
	Move Move
	// OpsLeft is the mover's remaining budget after this move, 0 when the turn ended.
	OpsLeft    int
	NextPlayer int
	TurnEnded  bool
	Finished   bool
}

// ApplyMove validates a move against the game and returns the resulting state.
// It enforces bounds, turn order, the per-turn budget, scoring and completion.
func ApplyMove(g *Game, in MoveInput, now time.Time, ttl time.Duration) (*Outcome, error) {
	if g.Status != StatusPlaying {
		return nil, ErrNotPlaying
	}
	if in.Player != 1 && in.Player != 2 {
		return nil, ErrInvalidPlayer
	}
	if !g.Board.Contains(in.X, in.Y) {
		return nil, fmt.Errorf("%w: (%d,%d) on %dx%d", ErrOutOfBounds, in.X, in.Y, g.Board.Width, g.Board.Height)
	}
	if in.Player != g.CurrentPlayer {
		return nil, fmt.Errorf("%w: player %d is active", ErrOutOfTurn, g.CurrentPlayer)
	}
	if err := validateCaptures(g, in.Captures); err != nil {
		return nil, err
	}

	next := g.Clone()
	move := Move{
		Seq:       g.TotalTurns + 1,
		Player:    in.Player,
		X:         in.X,
		Y:         in.Y,
		Timestamp: now,
		Captures:  append([]Position{}, in.Captures...),
	}

	if in.Player == 1 {
		next.Score.First += len(move.Captures)
	} else {
		next.Score.Second += len(move.Captures)
	}

	out := &Outcome{Game: next, Move: move}

	next.OpsRemaining--
	out.OpsLeft = next.OpsRemaining
	if next.OpsRemaining <= 0 {
		next.CurrentPlayer = opponent(in.Player)
		next.OpsRemaining = next.OpsPerTurn
		out.TurnEnded = true
	}
	out.NextPlayer = next.CurrentPlayer

	next.TotalTurns = move.Seq
	lm := move.Clone()
	next.LastMove = &lm
	next.LastActivityAt = now
	next.ExpiresAt = now.Add(ttl)

	if next.Score.Total() >= next.Board.Cells() {
		finish(next, now)
		out.Finished = true
	}

	return out, nil
}

func validateCaptures(g *Game, captures []Position) error {
	seen := make(map[Position]bool, len(captures))
	for _, c := range captures {
		if !g.Board.Contains(c.X, c.Y) {
			return fmt.Errorf("%w: (%d,%d) is off the board", ErrInvalidCapture, c.X, c.Y)
		}
		if seen[c] {
			return fmt.Errorf("%w: (%d,%d) listed twice", ErrInvalidCapture, c.X, c.Y)
		}
		seen[c] = true
	}
	if g.Score.Total()+len(captures) > g.Board.Cells() {
		return fmt.Errorf("%w: %d captures exceed the %d free cells", ErrInvalidCapture,
			len(captures), g.Board.Cells()-g.Score.Total())
	}
	return nil
}

// finish fixes the final fields. Winner is the strictly higher scorer; a tie is a draw.
func finish(g *Game, now time.Time) {
	g.Status = StatusFinished
	final := g.Score
	g.FinalScore = &final
	g.Winner = nil
	g.IsDraw = false
	switch {
	case final.First > final.Second:
		w := 1
		g.Winner = &w
	case final.Second > final.First:
		w := 2
		g.Winner = &w
	default:
		g.IsDraw = true
	}
	end := now
	g.EndTime = &end
	g.Duration = now.Sub(g.StartTime).Seconds()
}

func opponent(player int) int {
	if player == 1 {
		return 2
	}
	return 1
}
