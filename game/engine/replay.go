package engine

import (
	"fmt"
	"time"
)

// ReplayResult is the state rebuilt from a move log
type ReplayResult struct {
	Game *Game
	// FinishedAt is the seq of the move that completed the game, 0 if it never did.
	FinishedAt int
}

// Replay rebuilds a game from its rules and move log, applying every move in order.
// It fails on the first move the rules would have rejected, or on a gap in seq.
func Replay(rules Rules, moves []Move) (*ReplayResult, error) {
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}

	start := time.Time{}
	if len(moves) > 0 {
		start = moves[0].Timestamp
	}
	g := NewGame("replay", "", "first", rules, start, 0)
	Seat(g, "second", start, 0)

	res := &ReplayResult{Game: g}
	for i, m := range moves {
		if m.Seq != 0 && m.Seq != i+1 {
			return nil, fmt.Errorf("move %d: expected seq %d, got %d", i+1, i+1, m.Seq)
		}
		out, err := ApplyMove(res.Game, MoveInput{
			Player:   m.Player,
			X:        m.X,
			Y:        m.Y,
			Captures: m.Captures,
		}, m.Timestamp, 0)
		if err != nil {
			return nil, fmt.Errorf("move %d: %w", i+1, err)
		}
		res.Game = out.Game
		if out.Finished {
			res.FinishedAt = out.Move.Seq
		}
	}
	return res, nil
}
