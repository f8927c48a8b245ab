package session

import (
	"context"
	"time"

	"github.com/wricardo/ctorgame/game/engine"
)

// Filter narrows game listings
type Filter struct {
	Status engine.Status
	Limit  int
}

// SessionStore is the durable record of game metadata. Every mutating method is
// a single atomic conditional operation; the predicates are part of the contract.
type SessionStore interface {
	// Create inserts g unless maxActive unexpired waiting/playing games already
	// exist (ErrCapacityExceeded) or one of them holds g.Code (ErrCodeTaken).
	Create(ctx context.Context, g *engine.Game, maxActive int) error

	// Get returns a game by id or ErrNotFound.
	Get(ctx context.Context, id string) (*engine.Game, error)

	// FindByCode returns the game holding code, preferring a waiting game over
	// older ones that reused it. ErrNotFound if none.
	FindByCode(ctx context.Context, code string) (*engine.Game, error)

	// ClaimSecondSlot seats joiner in the waiting, unexpired game with code whose
	// second slot is empty and whose first player is not joiner, flipping it to
	// playing. It returns ErrNoMatch when no game satisfies the predicate.
	ClaimSecondSlot(ctx context.Context, code, joiner string, now time.Time, ttl time.Duration) (*engine.Game, error)

	// Update replaces the game if it is still playing with TotalTurns equal to
	// expectedTurns. ErrNotFound if the game is gone, ErrConflict otherwise.
	Update(ctx context.Context, g *engine.Game, expectedTurns int) error

	List(ctx context.Context, f Filter) ([]*engine.Game, error)
	CountActive(ctx context.Context, now time.Time) (int, error)

	// DeleteExpired removes waiting/playing games with ExpiresAt <= now,
	// evaluating the predicate at delete time, and returns their ids.
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)

	// FinishedBefore lists finished games whose EndTime is at or before cutoff.
	FinishedBefore(ctx context.Context, cutoff time.Time) ([]*engine.Game, error)

	// DeleteFinished removes the game if it is finished with EndTime <= cutoff.
	DeleteFinished(ctx context.Context, id string, cutoff time.Time) (bool, error)
}

// MoveLog is the append-only per-game audit trail of accepted moves
type MoveLog interface {
	// Append stores m as entry m.Seq of the game's log. A log that already
	// holds m.Seq, or is missing m.Seq-1, yields ErrConflict.
	Append(ctx context.Context, gameID string, m engine.Move) error

	// Moves returns the log in seq order; an unknown game has an empty log.
	Moves(ctx context.Context, gameID string) ([]engine.Move, error)

	// Truncate drops every entry with seq greater than keep. It rolls back an
	// append whose game update did not commit.
	Truncate(ctx context.Context, gameID string, keep int) error

	Delete(ctx context.Context, gameID string) error
}

// Archiver keeps the history of a finished game before it is purged
type Archiver interface {
	Archive(ctx context.Context, h *History) error
}
