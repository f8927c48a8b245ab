package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wricardo/ctorgame/game/config"
	"github.com/wricardo/ctorgame/game/engine"
	"github.com/wricardo/ctorgame/game/session"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// gameServiceImpl implements the GameService interface
type gameServiceImpl struct {
	sessions  SessionReader
	presets   PresetManager
	conns     ConnectionCounter
	now       func() time.Time
	startedAt time.Time
}

// Option customizes the service
type Option func(*gameServiceImpl)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *gameServiceImpl) { s.now = now }
}

// NewGameService creates a new game service instance. conns may be nil when no
// transport is attached.
func NewGameService(sessions SessionReader, presets PresetManager, conns ConnectionCounter, opts ...Option) GameService {
	s := &gameServiceImpl{
		sessions: sessions,
		presets:  presets,
		conns:    conns,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startedAt = s.now()
	return s
}

// ListGames returns game snapshots, newest first
func (s *gameServiceImpl) ListGames(ctx context.Context, opts ListOptions) ([]*GameInfo, error) {
	if opts.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", session.ErrValidation)
	}
	games, err := s.sessions.ListGames(ctx, session.Filter{
		Status: engine.Status(strings.ToLower(opts.Status)),
		Limit:  opts.Limit,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	result := make([]*GameInfo, 0, len(games))
	for _, g := range games {
		result = append(result, newGameInfo(g, now))
	}
	return result, nil
}

// GetGame returns one game snapshot
func (s *gameServiceImpl) GetGame(ctx context.Context, gameID string) (*GameInfo, error) {
	g, err := s.sessions.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return newGameInfo(g, s.now()), nil
}

func newGameInfo(g *engine.Game, now time.Time) *GameInfo {
	info := &GameInfo{
		Game:           g,
		Expired:        g.Expired(now),
		CellsRemaining: g.Board.Cells() - g.TotalTurns,
	}
	info.Joinable = g.Status == engine.StatusWaiting && !info.Expired && g.Players.Second == ""
	if !g.Status.Terminal() && !info.Expired {
		info.SecondsToExpiry = g.ExpiresAt.Sub(now).Seconds()
	}
	return info
}

// GetHistory returns a page of the game's move log together with its statistics
func (s *gameServiceImpl) GetHistory(ctx context.Context, gameID string, opts HistoryOptions) (*HistoryResponse, error) {
	h, err := s.sessions.History(ctx, gameID)
	if err != nil {
		return nil, err
	}
	history := h.Moves
	total := len(history)

	// Apply defaults
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultPageSize
	}
	if opts.Limit > maxPageSize {
		opts.Limit = maxPageSize
	}
	switch strings.ToLower(opts.Order) {
	case "":
		opts.Order = "asc"
	case "asc", "desc":
		opts.Order = strings.ToLower(opts.Order)
	default:
		return nil, fmt.Errorf("%w: order must be asc or desc", session.ErrValidation)
	}

	totalPages := (total + opts.Limit - 1) / opts.Limit
	if totalPages == 0 {
		totalPages = 1
	}

	start := (opts.Page - 1) * opts.Limit
	end := start + opts.Limit
	if end > total {
		end = total
	}

	moves := []engine.Move{}
	if opts.Order == "desc" {
		// Most recent first
		for i := total - 1 - start; i >= 0 && i >= total-end; i-- {
			moves = append(moves, history[i])
		}
	} else if start < total {
		moves = append(moves, history[start:end]...)
	}

	return &HistoryResponse{
		GameID:      gameID,
		Metadata:    h.Metadata,
		Details:     h.Details,
		Moves:       moves,
		TotalMoves:  total,
		Page:        opts.Page,
		PageSize:    opts.Limit,
		TotalPages:  totalPages,
		HasNext:     opts.Page < totalPages,
		HasPrevious: opts.Page > 1,
	}, nil
}

// Stats reports session counters, active games and live connections
func (s *gameServiceImpl) Stats(ctx context.Context) (*ServerStats, error) {
	st, err := s.sessions.Stats(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := &ServerStats{
		Stats:     st,
		StartedAt: s.startedAt,
		Uptime:    now.Sub(s.startedAt).Seconds(),
	}
	if s.conns != nil {
		out.Connections = s.conns.ConnectionCount()
		out.Rooms = s.conns.RoomCount()
	}
	return out, nil
}

// Sweep runs one expiry and retention pass immediately
func (s *gameServiceImpl) Sweep(ctx context.Context) (*session.SweepReport, error) {
	return s.sessions.Sweep(ctx)
}

// ListPresets returns available rule presets
func (s *gameServiceImpl) ListPresets(ctx context.Context) ([]*config.PresetInfo, error) {
	return s.presets.List()
}

// GetPreset loads a specific preset
func (s *gameServiceImpl) GetPreset(ctx context.Context, name string) (*config.Preset, error) {
	return s.presets.Load(name)
}

// SavePreset validates and stores a preset for future games
func (s *gameServiceImpl) SavePreset(ctx context.Context, name string, preset *config.Preset) error {
	if preset == nil {
		return fmt.Errorf("%w: preset body is required", config.ErrInvalidPreset)
	}
	return s.presets.Save(name, preset)
}
