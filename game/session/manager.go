package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wricardo/ctorgame/game/config"
	"github.com/wricardo/ctorgame/game/engine"
)

// Rooms tracks which connections are subscribed to which game
type Rooms interface {
	// Subscribe adds the connection to the game's room; false if already a member.
	Subscribe(connID, gameID string) bool
	// Unsubscribe removes the connection; false if it was not a member.
	Unsubscribe(connID, gameID string) bool
	IsSubscribed(connID, gameID string) bool
	// LeaveAll removes the connection from every room and returns those game ids.
	LeaveAll(connID string) []string
	// DropRoom removes the room and returns the connections that were in it.
	DropRoom(gameID string) []string
}

// Publisher delivers events to connections
type Publisher interface {
	// Publish sends ev to every member of the game's room except the listed connections.
	Publish(gameID string, ev Event, except ...string)
	Send(connID string, ev Event)
}

// Router is the connection registry the manager talks to
type Router interface {
	Rooms
	Publisher
}

// RuleResolver maps a preset name to a ruleset and its canonical id
type RuleResolver interface {
	Resolve(name string) (engine.Rules, string, error)
}

// Caller identifies who sent a request: the connection it arrived on and the
// stable player identity behind it.
type Caller struct {
	ConnID   string
	PlayerID string
}

func (c Caller) validate() error {
	if c.ConnID == "" {
		return validationf("missing connection id")
	}
	if c.PlayerID == "" {
		return validationf("missing player id")
	}
	return nil
}

// CreateOptions tune a new game
type CreateOptions struct {
	// Preset names a rule preset; empty uses the server default.
	Preset string
}

// MoveRequest is a move as submitted by a player
type MoveRequest struct {
	GameID       string
	X            int
	Y            int
	PlayerNumber int
	Captures     []engine.Position
}

// SweepReport lists the games removed by one sweep
type SweepReport struct {
	Expired []string `json:"expired"`
	Purged  []string `json:"purged"`
}

// History is a game together with its move log
type History struct {
	Metadata *engine.Game   `json:"metadata"`
	Moves    []engine.Move  `json:"moves"`
	Details  HistoryDetails `json:"details"`
}

// HistoryDetails are statistics derived from a move log
type HistoryDetails struct {
	TotalMoves        int          `json:"totalMoves"`
	MovesPerPlayer    engine.Score `json:"movesPerPlayer"`
	CapturesPerPlayer engine.Score `json:"capturesPerPlayer"`
	DurationSeconds   float64      `json:"durationSeconds"`
	// Complete is false when the log is shorter than the game's turn counter.
	Complete bool `json:"complete"`
}

// Stats are process-lifetime counters
type Stats struct {
	GamesCreated  int64 `json:"games_created"`
	GamesJoined   int64 `json:"games_joined"`
	MovesAccepted int64 `json:"moves_accepted"`
	GamesFinished int64 `json:"games_finished"`
	GamesExpired  int64 `json:"games_expired"`
	GamesPurged   int64 `json:"games_purged"`
	ActiveGames   int   `json:"active_games"`
}

type counters struct {
	created, joined, moves, finished, expired, purged atomic.Int64
}

// Manager owns the game lifecycle: matchmaking, moves, room membership and expiry
type Manager struct {
	store    SessionStore
	moves    MoveLog
	router   Router
	settings config.Settings
	rules    RuleResolver
	archiver Archiver

	now     func() time.Time
	newCode func(digits int) (string, error)
	newID   func() string

	locks *keyedMutex
	stats counters
}

// Option configures a Manager
type Option func(*Manager)

// WithRules resolves createGame presets through r
func WithRules(r RuleResolver) Option {
	return func(m *Manager) { m.rules = r }
}

// WithArchiver keeps finished game histories before retention purges them
func WithArchiver(a Archiver) Option {
	return func(m *Manager) { m.archiver = a }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCodeGenerator replaces the random join code source
func WithCodeGenerator(gen func(digits int) (string, error)) Option {
	return func(m *Manager) { m.newCode = gen }
}

// WithIDGenerator replaces uuid game ids
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// NewManager creates a session manager over the given store, move log and router
func NewManager(store SessionStore, moves MoveLog, router Router, settings config.Settings, opts ...Option) (*Manager, error) {
	if store == nil || moves == nil || router == nil {
		return nil, errors.New("session manager needs a store, a move log and a router")
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	m := &Manager{
		store:    store,
		moves:    moves,
		router:   router,
		settings: settings,
		now:      time.Now,
		newCode:  randomCode,
		newID:    uuid.NewString,
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Settings returns the limits the manager runs with
func (m *Manager) Settings() config.Settings {
	return m.settings
}

func randomCode(digits int) (string, error) {
	space := big.NewInt(1)
	for i := 0; i < digits; i++ {
		space.Mul(space, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, space)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()), nil
}

func (m *Manager) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.settings.StoreTimeout)
}

// cleanupCtx outlives a cancelled or timed-out request so rollbacks still run
func (m *Manager) cleanupCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.settings.StoreTimeout)
}

func (m *Manager) resolveRules(preset string) (engine.Rules, string, error) {
	if m.rules == nil {
		if preset != "" && preset != config.DefaultPresetID {
			return engine.Rules{}, "", validationf("unknown preset %q", preset)
		}
		return m.settings.Rules, config.DefaultPresetID, nil
	}
	rules, id, err := m.rules.Resolve(preset)
	if err != nil {
		return engine.Rules{}, "", validationf("preset %q: %v", preset, err)
	}
	return rules, id, nil
}

// CreateGame starts a waiting game for the caller and subscribes it to the room
func (m *Manager) CreateGame(ctx context.Context, caller Caller, opts CreateOptions) (*engine.Game, error) {
	if err := caller.validate(); err != nil {
		return nil, err
	}
	rules, presetID, err := m.resolveRules(opts.Preset)
	if err != nil {
		return nil, err
	}

	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	var g *engine.Game
	for attempt := 0; attempt < m.settings.CodeAttempts; attempt++ {
		code, err := m.newCode(m.settings.CodeDigits)
		if err != nil {
			return nil, fmt.Errorf("generate join code: %w", err)
		}
		candidate := engine.NewGame(m.newID(), code, caller.PlayerID, rules, m.now(), m.settings.IdleTimeout)
		candidate.Preset = presetID

		err = m.store.Create(sctx, candidate, m.settings.MaxActiveGames)
		if errors.Is(err, ErrCodeTaken) {
			continue
		}
		if err != nil {
			return nil, storeErr("create game", err)
		}
		g = candidate
		break
	}
	if g == nil {
		log.Printf("[CREATE] no free join code after %d attempts", m.settings.CodeAttempts)
		return nil, ErrCodeSpaceExhausted
	}

	m.stats.created.Add(1)
	m.router.Subscribe(caller.ConnID, g.ID)
	m.router.Send(caller.ConnID, &GameCreated{
		envelope:     tag(EventGameCreated),
		GameID:       g.ID,
		Code:         g.Code,
		Status:       g.Status,
		PlayerNumber: 1,
		Preset:       g.Preset,
		Board:        g.Board,
		OpsPerTurn:   g.OpsPerTurn,
		ExpiresAt:    g.ExpiresAt,
	})
	log.Printf("[CREATE] game %s code %s preset %s by player %s", g.ID, g.Code, g.Preset, caller.PlayerID)
	return g.Clone(), nil
}

func (m *Manager) validCode(code string) bool {
	if len(code) != m.settings.CodeDigits {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// JoinGame seats the caller as player 2 of the waiting game holding code
func (m *Manager) JoinGame(ctx context.Context, caller Caller, code string) (*engine.Game, error) {
	if err := caller.validate(); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, validationf("missing code")
	}
	if !m.validCode(code) {
		return nil, validationf("code must be %d digits", m.settings.CodeDigits)
	}

	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	candidate, err := m.store.FindByCode(sctx, code)
	if err != nil {
		return nil, storeErr("find game", err)
	}

	unlock := m.locks.Lock(candidate.ID)
	defer unlock()

	now := m.now()
	g, err := m.store.ClaimSecondSlot(sctx, code, caller.PlayerID, now, m.settings.IdleTimeout)
	if errors.Is(err, ErrNoMatch) {
		return nil, m.diagnoseJoin(sctx, code, caller.PlayerID, now)
	}
	if err != nil {
		return nil, storeErr("claim slot", err)
	}

	m.stats.joined.Add(1)
	m.router.Subscribe(caller.ConnID, g.ID)
	m.router.Publish(g.ID, &GameStarted{
		envelope: tag(EventGameStarted),
		GameID:   g.ID,
		Status:   g.Status,
		State:    g.Clone(),
	})
	m.router.Send(caller.ConnID, &GameJoined{
		envelope:     tag(EventGameJoined),
		GameID:       g.ID,
		Status:       g.Status,
		PlayerNumber: 2,
	})
	log.Printf("[JOIN] game %s code %s joined by player %s", g.ID, code, caller.PlayerID)
	return g, nil
}

// diagnoseJoin explains why the conditional claim matched nothing
func (m *Manager) diagnoseJoin(ctx context.Context, code, joiner string, now time.Time) error {
	g, err := m.store.FindByCode(ctx, code)
	if err != nil {
		return storeErr("find game", err)
	}
	switch {
	case g.Status != engine.StatusWaiting:
		return ErrAlreadyStarted
	case g.Players.First == joiner:
		return validationf("cannot join your own game")
	case g.Expired(now):
		return ErrExpired
	default:
		return ErrGameFull
	}
}

// SubmitMove validates and applies a move, persists it and broadcasts the result
func (m *Manager) SubmitMove(ctx context.Context, caller Caller, req MoveRequest) (*engine.Outcome, error) {
	if err := caller.validate(); err != nil {
		return nil, err
	}
	if req.GameID == "" {
		return nil, validationf("missing gameId")
	}
	if req.PlayerNumber != 1 && req.PlayerNumber != 2 {
		return nil, validationf("playerNumber must be 1 or 2, got %d", req.PlayerNumber)
	}
	if !m.router.IsSubscribed(caller.ConnID, req.GameID) {
		return nil, ErrNotSubscribed
	}

	unlock := m.locks.Lock(req.GameID)
	defer unlock()

	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	cur, err := m.store.Get(sctx, req.GameID)
	if err != nil {
		return nil, storeErr("load game", err)
	}

	now := m.now()
	switch {
	case cur.Status == engine.StatusFinished:
		return nil, ErrGameFinished
	case cur.Expired(now):
		return nil, ErrExpired
	case cur.Status != engine.StatusPlaying:
		return nil, ErrGameNotPlaying
	}
	if cur.Players.Slot(caller.PlayerID) != req.PlayerNumber {
		return nil, validationf("player %s does not hold slot %d", caller.PlayerID, req.PlayerNumber)
	}

	out, err := engine.ApplyMove(cur, engine.MoveInput{
		Player:   req.PlayerNumber,
		X:        req.X,
		Y:        req.Y,
		Captures: req.Captures,
	}, now, m.settings.IdleTimeout)
	if err != nil {
		return nil, err
	}

	if err := m.appendMove(sctx, cur, out.Move); err != nil {
		if !errors.Is(err, ErrConflict) {
			m.rollbackLog(ctx, cur.ID, cur.TotalTurns)
		}
		return nil, storeErr("append move", err)
	}

	if err := m.store.Update(sctx, out.Game, cur.TotalTurns); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			cctx, ccancel := m.cleanupCtx(ctx)
			defer ccancel()
			if derr := m.moves.Delete(cctx, cur.ID); derr != nil {
				log.Printf("[MOVE] failed to drop move log of vanished game %s: %v", cur.ID, derr)
			}
			return nil, ErrGameVanished
		case errors.Is(err, ErrConflict):
			m.rollbackLog(ctx, cur.ID, cur.TotalTurns)
			return nil, storeErr("update game", err)
		}
		if !m.committed(ctx, cur) {
			return nil, storeErr("update game", err)
		}
		log.Printf("[MOVE] game %s update reported %v but committed turn %d", cur.ID, err, out.Game.TotalTurns)
	}

	m.stats.moves.Add(1)
	m.router.Publish(cur.ID, gameUpdated(out))
	if out.Finished {
		m.stats.finished.Add(1)
		m.router.Publish(cur.ID, gameOver(out.Game))
		log.Printf("[MOVE] game %s finished after %d moves, score %d-%d", cur.ID, out.Game.TotalTurns,
			out.Game.Score.First, out.Game.Score.Second)
	}
	return out, nil
}

// appendMove logs the move. Entries past the stored turn counter are left over
// from an update that never committed; they are dropped and the append retried once.
func (m *Manager) appendMove(ctx context.Context, cur *engine.Game, mv engine.Move) error {
	err := m.moves.Append(ctx, cur.ID, mv)
	if !errors.Is(err, ErrConflict) {
		return err
	}
	if terr := m.moves.Truncate(ctx, cur.ID, cur.TotalTurns); terr != nil {
		return err
	}
	if err := m.moves.Append(ctx, cur.ID, mv); err != nil {
		return err
	}
	log.Printf("[MOVE] dropped uncommitted log entries of game %s past turn %d", cur.ID, cur.TotalTurns)
	return nil
}

// committed re-reads a game after an update failed without a definite answer.
// The log entry is rolled back only when the stored turn counter shows the
// update did not land; if the game cannot be read the entry stays and the next
// append drops it.
func (m *Manager) committed(ctx context.Context, cur *engine.Game) bool {
	cctx, cancel := m.cleanupCtx(ctx)
	defer cancel()

	g, err := m.store.Get(cctx, cur.ID)
	if err != nil {
		log.Printf("[MOVE] cannot tell whether turn %d of game %s committed: %v", cur.TotalTurns+1, cur.ID, err)
		return false
	}
	if g.TotalTurns > cur.TotalTurns {
		return true
	}
	m.rollbackLog(ctx, cur.ID, cur.TotalTurns)
	return false
}

// rollbackLog removes a log entry whose game update did not commit
func (m *Manager) rollbackLog(ctx context.Context, gameID string, keep int) {
	cctx, cancel := m.cleanupCtx(ctx)
	defer cancel()
	if err := m.moves.Truncate(cctx, gameID, keep); err != nil {
		log.Printf("[MOVE] failed to roll back move log of game %s to %d: %v", gameID, keep, err)
	}
}

// LeaveGame removes the caller from the room. The game itself is untouched.
func (m *Manager) LeaveGame(ctx context.Context, caller Caller, gameID string) error {
	if caller.ConnID == "" {
		return validationf("missing connection id")
	}
	if gameID == "" {
		return validationf("missing gameId")
	}
	if !m.router.Unsubscribe(caller.ConnID, gameID) {
		return ErrNotSubscribed
	}
	m.router.Publish(gameID, roomNotice(EventPlayerLeft, gameID, caller.ConnID))
	m.router.Send(caller.ConnID, gameNotice(EventGameLeft, gameID))
	return nil
}

// Reconnect subscribes the caller to an existing game's room and sends it the current state
func (m *Manager) Reconnect(ctx context.Context, caller Caller, gameID string) (*engine.Game, error) {
	if caller.ConnID == "" {
		return nil, validationf("missing connection id")
	}
	if gameID == "" {
		return nil, validationf("missing gameId")
	}

	// held until the subscription exists so a sweep cannot drop the room in between
	unlock := m.locks.Lock(gameID)
	defer unlock()

	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	g, err := m.store.Get(sctx, gameID)
	if err != nil {
		return nil, storeErr("load game", err)
	}

	m.router.Subscribe(caller.ConnID, gameID)
	m.router.Send(caller.ConnID, &GameReconnected{
		envelope:     tag(EventGameReconnected),
		GameID:       gameID,
		State:        g.Clone(),
		PlayerNumber: g.Players.Slot(caller.PlayerID),
	})
	m.router.Publish(gameID, roomNotice(EventPlayerReconnected, gameID, caller.ConnID), caller.ConnID)
	return g, nil
}

// OnDisconnect drops the connection from every room and tells the remaining members
func (m *Manager) OnDisconnect(connID string) {
	for _, gameID := range m.router.LeaveAll(connID) {
		m.router.Publish(gameID, roomNotice(EventPlayerDisconnected, gameID, connID))
	}
}

// GetGame returns a snapshot of the game
func (m *Manager) GetGame(ctx context.Context, id string) (*engine.Game, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	g, err := m.store.Get(sctx, id)
	if err != nil {
		return nil, storeErr("load game", err)
	}
	return g, nil
}

// ListGames returns games matching the filter, newest first
func (m *Manager) ListGames(ctx context.Context, f Filter) ([]*engine.Game, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, validationf("unknown status %q", f.Status)
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	games, err := m.store.List(sctx, f)
	if err != nil {
		return nil, storeErr("list games", err)
	}
	return games, nil
}

// History returns the game, its accepted moves and derived statistics
func (m *Manager) History(ctx context.Context, id string) (*History, error) {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	g, err := m.store.Get(sctx, id)
	if err != nil {
		return nil, storeErr("load game", err)
	}
	return m.history(sctx, g)
}

func (m *Manager) history(ctx context.Context, g *engine.Game) (*History, error) {
	moves, err := m.moves.Moves(ctx, g.ID)
	if err != nil {
		return nil, storeErr("load moves", err)
	}
	// entries past the turn counter belong to an update that never committed
	kept := moves[:0]
	for _, mv := range moves {
		if mv.Seq <= g.TotalTurns {
			kept = append(kept, mv)
		}
	}
	return NewHistory(g, kept), nil
}

// NewHistory derives the statistics of a game's move log
func NewHistory(g *engine.Game, moves []engine.Move) *History {
	h := &History{Metadata: g, Moves: moves}
	if h.Moves == nil {
		h.Moves = []engine.Move{}
	}
	d := &h.Details
	for _, mv := range moves {
		d.TotalMoves++
		if mv.Player == 1 {
			d.MovesPerPlayer.First++
			d.CapturesPerPlayer.First += len(mv.Captures)
		} else {
			d.MovesPerPlayer.Second++
			d.CapturesPerPlayer.Second += len(mv.Captures)
		}
	}
	switch {
	case g.Duration > 0:
		d.DurationSeconds = g.Duration
	case len(moves) > 0:
		d.DurationSeconds = moves[len(moves)-1].Timestamp.Sub(g.StartTime).Seconds()
	}
	d.Complete = d.TotalMoves == g.TotalTurns
	return h
}

// Stats returns the lifetime counters and the current number of active games
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		GamesCreated:  m.stats.created.Load(),
		GamesJoined:   m.stats.joined.Load(),
		MovesAccepted: m.stats.moves.Load(),
		GamesFinished: m.stats.finished.Load(),
		GamesExpired:  m.stats.expired.Load(),
		GamesPurged:   m.stats.purged.Load(),
	}
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()
	n, err := m.store.CountActive(sctx, m.now())
	if err != nil {
		return s, storeErr("count games", err)
	}
	s.ActiveGames = n
	return s, nil
}

// Sweep deletes expired games and purges finished games past the retention window.
// It stops between games when ctx is cancelled; every delete is a single conditional store call.
func (m *Manager) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	now := m.now()

	sctx, cancel := m.storeCtx(ctx)
	expired, err := m.store.DeleteExpired(sctx, now)
	cancel()
	if err != nil {
		return report, storeErr("delete expired", err)
	}
	for _, id := range expired {
		m.stats.expired.Add(1)
		report.Expired = append(report.Expired, id)
		m.dropGame(ctx, id, gameNotice(EventGameExpired, id))
	}
	if len(expired) > 0 {
		log.Printf("[SWEEP] expired %d games", len(expired))
	}

	if m.settings.Retention <= 0 {
		return report, nil
	}

	cutoff := now.Add(-m.settings.Retention)
	sctx, cancel = m.storeCtx(ctx)
	finished, err := m.store.FinishedBefore(sctx, cutoff)
	cancel()
	if err != nil {
		return report, storeErr("list finished", err)
	}
	for _, g := range finished {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := m.purge(ctx, g, cutoff); err != nil {
			log.Printf("[SWEEP] keeping game %s: %v", g.ID, err)
			continue
		}
		m.stats.purged.Add(1)
		report.Purged = append(report.Purged, g.ID)
	}
	if len(report.Purged) > 0 {
		log.Printf("[SWEEP] purged %d finished games", len(report.Purged))
	}
	return report, nil
}

func (m *Manager) purge(ctx context.Context, g *engine.Game, cutoff time.Time) error {
	sctx, cancel := m.storeCtx(ctx)
	defer cancel()

	if m.archiver != nil {
		h, err := m.history(sctx, g)
		if err != nil {
			return err
		}
		if err := m.archiver.Archive(sctx, h); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}
	deleted, err := m.store.DeleteFinished(sctx, g.ID, cutoff)
	if err != nil {
		return storeErr("delete finished", err)
	}
	if !deleted {
		return errors.New("no longer eligible for purge")
	}
	m.dropGame(ctx, g.ID, nil)
	return nil
}

// dropGame removes the move log and the room of a deleted game, notifying members first
func (m *Manager) dropGame(ctx context.Context, gameID string, notice Event) {
	unlock := m.locks.Lock(gameID)
	defer unlock()

	cctx, cancel := m.cleanupCtx(ctx)
	defer cancel()
	if err := m.moves.Delete(cctx, gameID); err != nil {
		log.Printf("[SWEEP] failed to drop move log of game %s: %v", gameID, err)
	}
	if notice != nil {
		m.router.Publish(gameID, notice)
	}
	m.router.DropRoom(gameID)
}
