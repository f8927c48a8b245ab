package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wricardo/ctorgame/game/engine"
)

func TestMemoryStore_CodeReuse(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	old := engine.NewGame("old", "1234", "alice", engine.DefaultRules(), now, 30*time.Minute)
	require.NoError(t, s.Create(ctx, old, 10))

	dup := engine.NewGame("dup", "1234", "bob", engine.DefaultRules(), now, 30*time.Minute)
	assert.ErrorIs(t, s.Create(ctx, dup, 10), ErrCodeTaken)

	// once the holder expires its code is free again
	later := now.Add(time.Hour)
	reuse := engine.NewGame("new", "1234", "bob", engine.DefaultRules(), later, 30*time.Minute)
	require.NoError(t, s.Create(ctx, reuse, 10))

	found, err := s.FindByCode(ctx, "1234")
	require.NoError(t, err)
	assert.Equal(t, "new", found.ID)
}

func TestMemoryStore_ClaimSecondSlot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	g := engine.NewGame("g1", "0001", "alice", engine.DefaultRules(), now, 30*time.Minute)
	require.NoError(t, s.Create(ctx, g, 10))

	_, err := s.ClaimSecondSlot(ctx, "0001", "alice", now, 30*time.Minute)
	assert.ErrorIs(t, err, ErrNoMatch, "creator cannot take the second slot")

	claimed, err := s.ClaimSecondSlot(ctx, "0001", "bob", now.Add(time.Minute), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPlaying, claimed.Status)
	assert.Equal(t, now.Add(31*time.Minute), claimed.ExpiresAt)

	_, err = s.ClaimSecondSlot(ctx, "0001", "carol", now, 30*time.Minute)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestMemoryStore_ConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	g := engine.NewGame("g1", "0001", "alice", engine.DefaultRules(), now, time.Hour)
	require.NoError(t, s.Create(ctx, g, 10))
	_, err := s.ClaimSecondSlot(ctx, "0001", "bob", now, time.Hour)
	require.NoError(t, err)

	cur, _ := s.Get(ctx, "g1")
	out, err := engine.ApplyMove(cur, engine.MoveInput{Player: 1}, now, time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, out.Game, 0))
	assert.ErrorIs(t, s.Update(ctx, out.Game, 0), ErrConflict, "stale turn counter must not overwrite")

	missing := out.Game.Clone()
	missing.ID = "nope"
	assert.ErrorIs(t, s.Update(ctx, missing, 1), ErrNotFound)
}

func TestMemoryStore_Retention(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	g := engine.NewGame("g1", "0001", "alice", engine.DefaultRules(), now, time.Hour)
	g.Status = engine.StatusFinished
	end := now
	g.EndTime = &end
	require.NoError(t, s.Create(ctx, g, 10))

	due, err := s.FinishedBefore(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.FinishedBefore(ctx, now)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	deleted, err := s.DeleteFinished(ctx, "g1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = s.DeleteFinished(ctx, "g1", now)
	require.NoError(t, err)
	assert.True(t, deleted)

	expired, err := s.DeleteExpired(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired, "finished games never expire")
}

func TestSweep_SkipsRefreshedGame(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	g := env.startGame(t)

	// the sweeper's clock is already past the first expiry when it starts
	sweepAt := g.ExpiresAt.Add(time.Second)
	env.clock.Advance(g.ExpiresAt.Sub(env.clock.Now()) - time.Second)

	out, err := env.manager.SubmitMove(ctx, alice, MoveRequest{GameID: g.ID, PlayerNumber: 1})
	require.NoError(t, err)
	require.True(t, out.Game.ExpiresAt.After(sweepAt))

	ids, err := env.store.DeleteExpired(ctx, sweepAt)
	require.NoError(t, err)
	assert.Empty(t, ids)

	env.clock.Advance(2 * time.Second)
	report, err := env.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Expired)

	stored, err := env.store.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TotalTurns)
	assert.True(t, env.router.IsSubscribed(bob.ConnID, g.ID))
}
