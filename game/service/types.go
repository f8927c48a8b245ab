package service

import (
	"time"

	"github.com/wricardo/ctorgame/game/engine"
	"github.com/wricardo/ctorgame/game/session"
)

// ListOptions filters game listings
type ListOptions struct {
	Status string `json:"status"` // "waiting", "playing", "finished" or empty for all
	Limit  int    `json:"limit"`
}

// GameInfo is a game snapshot with fields derived at read time
type GameInfo struct {
	*engine.Game

	Joinable        bool    `json:"joinable"`
	Expired         bool    `json:"expired"`
	SecondsToExpiry float64 `json:"secondsToExpiry,omitempty"`
	CellsRemaining  int     `json:"cellsRemaining"`
}

// HistoryOptions configures move history retrieval
type HistoryOptions struct {
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
	Order string `json:"order"` // "asc" or "desc"
}

// HistoryResponse contains a page of a game's move log
type HistoryResponse struct {
	GameID      string                 `json:"game_id"`
	Metadata    *engine.Game           `json:"metadata"`
	Details     session.HistoryDetails `json:"details"`
	Moves       []engine.Move          `json:"moves"`
	TotalMoves  int                    `json:"total_moves"`
	Page        int                    `json:"page"`
	PageSize    int                    `json:"page_size"`
	TotalPages  int                    `json:"total_pages"`
	HasNext     bool                   `json:"has_next"`
	HasPrevious bool                   `json:"has_previous"`
}

// ServerStats combines session counters with live transport counts
type ServerStats struct {
	session.Stats
	Connections int       `json:"connections"`
	Rooms       int       `json:"rooms"`
	Uptime      float64   `json:"uptime_seconds"`
	StartedAt   time.Time `json:"started_at"`
}
