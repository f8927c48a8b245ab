package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/wricardo/ctorgame/game/engine"
	"github.com/wricardo/ctorgame/game/session"
)

const uniqueViolation = "23505"

const movesSchema = `
CREATE TABLE IF NOT EXISTS game_moves (
	game_id    TEXT        NOT NULL,
	seq        INT         NOT NULL,
	player     SMALLINT    NOT NULL,
	x          INT         NOT NULL,
	y          INT         NOT NULL,
	captures   JSONB       NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (game_id, seq)
)`

// appendMove inserts only when the log currently ends at seq-1. The primary
// key catches the race where two appends both see the same tail.
const appendMove = `
INSERT INTO game_moves (game_id, seq, player, x, y, captures, created_at)
SELECT $1::text, $2::int, $3::smallint, $4::int, $5::int, $6::jsonb, $7::timestamptz
WHERE (SELECT COUNT(*) FROM game_moves WHERE game_id = $1::text) = $2::int - 1`

// MoveLog is a session.MoveLog over a game_moves table
type MoveLog struct {
	db *sql.DB
}

var _ session.MoveLog = (*MoveLog)(nil)

// NewMoveLog wraps an open database/sql handle using the lib/pq driver
func NewMoveLog(db *sql.DB) *MoveLog {
	return &MoveLog{db: db}
}

// OpenMoveLog connects with lib/pq and verifies the connection
func OpenMoveLog(ctx context.Context, dsn string) (*MoveLog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open move log database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach move log database: %w", err)
	}
	return &MoveLog{db: db}, nil
}

// Migrate creates the game_moves table
func (l *MoveLog) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, movesSchema)
	return err
}

func (l *MoveLog) Append(ctx context.Context, gameID string, m engine.Move) error {
	captures, err := encodeCaptures(m.Captures)
	if err != nil {
		return err
	}

	res, err := l.db.ExecContext(ctx, appendMove,
		gameID, m.Seq, m.Player, m.X, m.Y, string(captures), m.Timestamp.UTC())
	if err != nil {
		return mapAppendError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("move %d of game %s: %w", m.Seq, gameID, session.ErrConflict)
	}
	return nil
}

func (l *MoveLog) Moves(ctx context.Context, gameID string) ([]engine.Move, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, player, x, y, captures, created_at FROM game_moves WHERE game_id = $1 ORDER BY seq`,
		gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	moves := []engine.Move{}
	for rows.Next() {
		var (
			m   engine.Move
			raw []byte
			ts  time.Time
		)
		if err := rows.Scan(&m.Seq, &m.Player, &m.X, &m.Y, &raw, &ts); err != nil {
			return nil, err
		}
		if m.Captures, err = decodeCaptures(raw); err != nil {
			return nil, fmt.Errorf("move %d of game %s: %w", m.Seq, gameID, err)
		}
		m.Timestamp = ts.UTC()
		moves = append(moves, m)
	}
	return moves, rows.Err()
}

func (l *MoveLog) Truncate(ctx context.Context, gameID string, keep int) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM game_moves WHERE game_id = $1 AND seq > $2`, gameID, keep)
	return err
}

func (l *MoveLog) Delete(ctx context.Context, gameID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM game_moves WHERE game_id = $1`, gameID)
	return err
}

// Close releases the connection pool
func (l *MoveLog) Close() error {
	return l.db.Close()
}

func mapAppendError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pqErr.Message, session.ErrConflict)
	}
	return err
}

func encodeCaptures(c []engine.Position) ([]byte, error) {
	if c == nil {
		c = []engine.Position{}
	}
	return json.Marshal(c)
}

func decodeCaptures(raw []byte) ([]engine.Position, error) {
	captures := []engine.Position{}
	if len(raw) == 0 {
		return captures, nil
	}
	if err := json.Unmarshal(raw, &captures); err != nil {
		return nil, err
	}
	return captures, nil
}
