package engine

import "time"

// Status is the lifecycle state of a game
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusPlaying  Status = "playing"
	StatusFinished Status = "finished"

	// Validation constants
	MinBoardSide      = 5
	MaxBoardSide      = 23
	DefaultBoardSide  = 10
	DefaultOpsPerTurn = 2
	MaxOpsPerTurn     = 10
)

// Terminal reports whether no further transitions are possible
func (s Status) Terminal() bool {
	return s == StatusFinished
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusPlaying, StatusFinished:
		return true
	}
	return false
}

// Position represents x,y coordinates on the board
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// BoardSize is the fixed width×height of a game board
type BoardSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Cells returns the total number of cells on the board
func (b BoardSize) Cells() int {
	return b.Width * b.Height
}

// Contains reports whether (x, y) lies on the board
func (b BoardSize) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < b.Width && y < b.Height
}

// Players holds the player id occupying each slot. Second is empty until a join succeeds.
type Players struct {
	First  string `json:"first"`
	Second string `json:"second,omitempty"`
}

// Slot returns the player number (1 or 2) held by playerID, or 0
func (p Players) Slot(playerID string) int {
	switch {
	case playerID == "":
		return 0
	case p.First == playerID:
		return 1
	case p.Second == playerID:
		return 2
	}
	return 0
}

// Score holds the capture count of each player
type Score struct {
	First  int `json:"first"`
	Second int `json:"second"`
}

// Total returns the sum of both scores
func (s Score) Total() int {
	return s.First + s.Second
}

// Of returns the score of the given player number
func (s Score) Of(player int) int {
	if player == 2 {
		return s.Second
	}
	return s.First
}

// Rules define the board and the per-turn move budget of a game
type Rules struct {
	Board      BoardSize `json:"board"`
	OpsPerTurn int       `json:"ops_per_turn"`
}

// DefaultRules returns the 10x10, two-moves-per-turn ruleset
func DefaultRules() Rules {
	return Rules{
		Board:      BoardSize{Width: DefaultBoardSide, Height: DefaultBoardSide},
		OpsPerTurn: DefaultOpsPerTurn,
	}
}

// Move is one accepted move. Moves are immutable once appended to a game's log.
type Move struct {
	Seq       int        `json:"seq"`
	Player    int        `json:"player"`
	X         int        `json:"x"`
	Y         int        `json:"y"`
	Timestamp time.Time  `json:"timestamp"`
	Captures  []Position `json:"captures"`
}

// Game is the authoritative record of a match
type Game struct {
	ID             string     `json:"gameId"`
	Code           string     `json:"code"`
	Status         Status     `json:"status"`
	Preset         string     `json:"preset,omitempty"`
	Players        Players    `json:"players"`
	Board          BoardSize  `json:"boardSize"`
	OpsPerTurn     int        `json:"opsPerTurn"`
	CurrentPlayer  int        `json:"currentPlayer"`
	OpsRemaining   int        `json:"opsRemaining"`
	Score          Score      `json:"score"`
	TotalTurns     int        `json:"totalTurns"`
	LastMove       *Move      `json:"lastMove,omitempty"`
	StartTime      time.Time  `json:"startTime"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	Winner         *int       `json:"winner"`
	IsDraw         bool       `json:"isDraw"`
	FinalScore     *Score     `json:"finalScore,omitempty"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	Duration       float64    `json:"durationSeconds,omitempty"`
}

// Expired reports whether a non-terminal game is past its expiry window at now
func (g *Game) Expired(now time.Time) bool {
	return !g.Status.Terminal() && !now.Before(g.ExpiresAt)
}

// Active reports whether the game counts against the concurrent-game cap
func (g *Game) Active(now time.Time) bool {
	return !g.Status.Terminal() && !g.Expired(now)
}

// Rules returns the ruleset the game was created with
func (g *Game) Rules() Rules {
	return Rules{Board: g.Board, OpsPerTurn: g.OpsPerTurn}
}

// Clone returns a deep copy, safe to hand to readers while the original is mutated
func (g *Game) Clone() *Game {
	if g == nil {
		return nil
	}
	c := *g
	if g.LastMove != nil {
		m := g.LastMove.Clone()
		c.LastMove = &m
	}
	if g.Winner != nil {
		w := *g.Winner
		c.Winner = &w
	}
	if g.FinalScore != nil {
		s := *g.FinalScore
		c.FinalScore = &s
	}
	if g.EndTime != nil {
		t := *g.EndTime
		c.EndTime = &t
	}
	return &c
}

// Clone returns a copy of the move with its own captures slice
func (m Move) Clone() Move {
	c := m
	if m.Captures != nil {
		c.Captures = append([]Position(nil), m.Captures...)
	}
	return c
}
