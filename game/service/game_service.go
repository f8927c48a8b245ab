package service

import (
	"context"

	"github.com/wricardo/ctorgame/game/config"
	"github.com/wricardo/ctorgame/game/engine"
	"github.com/wricardo/ctorgame/game/session"
)

// GameService defines the inspection and maintenance operations shared by the
// REST API and the MCP tools. Games are only mutated over the WebSocket protocol.
type GameService interface {
	// Games
	ListGames(ctx context.Context, opts ListOptions) ([]*GameInfo, error)
	GetGame(ctx context.Context, gameID string) (*GameInfo, error)
	GetHistory(ctx context.Context, gameID string, opts HistoryOptions) (*HistoryResponse, error)

	// Server
	Stats(ctx context.Context) (*ServerStats, error)
	Sweep(ctx context.Context) (*session.SweepReport, error)

	// Presets
	ListPresets(ctx context.Context) ([]*config.PresetInfo, error)
	GetPreset(ctx context.Context, name string) (*config.Preset, error)
	SavePreset(ctx context.Context, name string, preset *config.Preset) error
}

// SessionReader is the part of the session manager the service reads from
type SessionReader interface {
	GetGame(ctx context.Context, id string) (*engine.Game, error)
	ListGames(ctx context.Context, f session.Filter) ([]*engine.Game, error)
	History(ctx context.Context, id string) (*session.History, error)
	Stats(ctx context.Context) (session.Stats, error)
	Sweep(ctx context.Context) (*session.SweepReport, error)
}

// PresetManager handles rule preset loading
type PresetManager interface {
	Load(name string) (*config.Preset, error)
	List() ([]*config.PresetInfo, error)
	Save(name string, p *config.Preset) error
}

// ConnectionCounter reports live transport state
type ConnectionCounter interface {
	ConnectionCount() int
	RoomCount() int
}
