package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wricardo/ctorgame/game/engine"
)

// MemoryStore implements SessionStore and MoveLog in process memory.
// A single mutex makes every conditional operation atomic.
type MemoryStore struct {
	mu    sync.RWMutex
	games map[string]*engine.Game
	moves map[string][]engine.Move
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		games: make(map[string]*engine.Game),
		moves: make(map[string][]engine.Move),
	}
}

// Create inserts a game subject to the capacity and join code checks
func (s *MemoryStore) Create(ctx context.Context, g *engine.Game, maxActive int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.games[g.ID]; exists {
		return fmt.Errorf("game %s already exists", g.ID)
	}

	active := 0
	codeTaken := false
	for _, existing := range s.games {
		if !existing.Active(g.StartTime) {
			continue
		}
		active++
		if existing.Code == g.Code {
			codeTaken = true
		}
	}

	if active >= maxActive {
		return ErrCapacityExceeded
	}
	if codeTaken {
		return ErrCodeTaken
	}

	s.games[g.ID] = g.Clone()
	return nil
}

// Get returns a copy of the game
func (s *MemoryStore) Get(ctx context.Context, id string) (*engine.Game, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.games[id]
	if !ok {
		return nil, ErrNotFound
	}
	return g.Clone(), nil
}

// FindByCode returns the most relevant game holding code
func (s *MemoryStore) FindByCode(ctx context.Context, code string) (*engine.Game, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *engine.Game
	for _, g := range s.games {
		if g.Code != code {
			continue
		}
		if best == nil || preferForCode(g, best) {
			best = g
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

// preferForCode orders waiting games first, then the most recently started
func preferForCode(a, b *engine.Game) bool {
	aw, bw := a.Status == engine.StatusWaiting, b.Status == engine.StatusWaiting
	if aw != bw {
		return aw
	}
	return a.StartTime.After(b.StartTime)
}

// ClaimSecondSlot atomically seats the joiner in a matching waiting game
func (s *MemoryStore) ClaimSecondSlot(ctx context.Context, code, joiner string, now time.Time, ttl time.Duration) (*engine.Game, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.games {
		if g.Code != code || g.Status != engine.StatusWaiting {
			continue
		}
		if !now.Before(g.ExpiresAt) || g.Players.Second != "" || g.Players.First == joiner {
			continue
		}
		engine.Seat(g, joiner, now, ttl)
		return g.Clone(), nil
	}
	return nil, ErrNoMatch
}

// Update replaces a playing game whose turn counter still matches expectedTurns
func (s *MemoryStore) Update(ctx context.Context, g *engine.Game, expectedTurns int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.games[g.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != engine.StatusPlaying || cur.TotalTurns != expectedTurns {
		return ErrConflict
	}
	s.games[g.ID] = g.Clone()
	return nil
}

// List returns games matching the filter, newest first
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*engine.Game, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	result := make([]*engine.Game, 0, len(s.games))
	for _, g := range s.games {
		if f.Status != "" && g.Status != f.Status {
			continue
		}
		result = append(result, g.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartTime.After(result[j].StartTime)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// CountActive counts unexpired waiting and playing games
func (s *MemoryStore) CountActive(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, g := range s.games {
		if g.Active(now) {
			n++
		}
	}
	return n, nil
}

// DeleteExpired removes expired waiting/playing games
func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, g := range s.games {
		if g.Expired(now) {
			delete(s.games, id)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// FinishedBefore lists finished games that ended at or before cutoff
func (s *MemoryStore) FinishedBefore(ctx context.Context, cutoff time.Time) ([]*engine.Game, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*engine.Game
	for _, g := range s.games {
		if finishedBy(g, cutoff) {
			result = append(result, g.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EndTime.Before(*result[j].EndTime) })
	return result, nil
}

// DeleteFinished removes a finished game that ended at or before cutoff
func (s *MemoryStore) DeleteFinished(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[id]
	if !ok || !finishedBy(g, cutoff) {
		return false, nil
	}
	delete(s.games, id)
	return true, nil
}

func finishedBy(g *engine.Game, cutoff time.Time) bool {
	return g.Status == engine.StatusFinished && g.EndTime != nil && !g.EndTime.After(cutoff)
}

// Append adds a move to the game's log
func (s *MemoryStore) Append(ctx context.Context, gameID string, m engine.Move) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.moves[gameID]
	if m.Seq != len(entries)+1 {
		return fmt.Errorf("%w: move log of %s holds %d moves, got seq %d", ErrConflict, gameID, len(entries), m.Seq)
	}
	s.moves[gameID] = append(entries, m.Clone())
	return nil
}

// Moves returns a copy of the game's log
func (s *MemoryStore) Moves(ctx context.Context, gameID string) ([]engine.Move, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.moves[gameID]
	result := make([]engine.Move, len(entries))
	for i, m := range entries {
		result[i] = m.Clone()
	}
	return result, nil
}

// Truncate keeps the first keep entries of the game's log
func (s *MemoryStore) Truncate(ctx context.Context, gameID string, keep int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entries := s.moves[gameID]; len(entries) > keep {
		s.moves[gameID] = entries[:keep]
	}
	return nil
}

// Delete drops the game's log
func (s *MemoryStore) Delete(ctx context.Context, gameID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.moves, gameID)
	return nil
}
