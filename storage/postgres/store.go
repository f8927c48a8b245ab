package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/wricardo/ctorgame/game/engine"
	"github.com/wricardo/ctorgame/game/session"
)

// createLockKey serializes game creation so the capacity count and the code
// check see every concurrent insert.
const createLockKey = 0x63746f72

var nonTerminal = []string{string(engine.StatusWaiting), string(engine.StatusPlaying)}

type gameRecord struct {
	ID              string        `gorm:"primaryKey;type:text"`
	Code            string        `gorm:"type:text;not null;index"`
	Status          string        `gorm:"type:text;not null;index"`
	Preset          string        `gorm:"type:text;not null;default:''"`
	PlayerOne       string        `gorm:"type:text;not null"`
	PlayerTwo       string        `gorm:"type:text;not null;default:''"`
	BoardWidth      int           `gorm:"not null"`
	BoardHeight     int           `gorm:"not null"`
	OpsPerTurn      int           `gorm:"not null"`
	CurrentPlayer   int           `gorm:"not null"`
	OpsRemaining    int           `gorm:"not null"`
	ScoreFirst      int           `gorm:"not null"`
	ScoreSecond     int           `gorm:"not null"`
	TotalTurns      int           `gorm:"not null"`
	LastMove        *engine.Move  `gorm:"serializer:json"`
	StartTime       time.Time     `gorm:"not null"`
	LastActivityAt  time.Time     `gorm:"not null"`
	ExpiresAt       time.Time     `gorm:"not null;index"`
	Winner          *int
	IsDraw          bool          `gorm:"not null"`
	FinalScore      *engine.Score `gorm:"serializer:json"`
	EndTime         *time.Time    `gorm:"index"`
	DurationSeconds float64       `gorm:"not null"`
}

func (gameRecord) TableName() string { return "games" }

func toRecord(g *engine.Game) *gameRecord {
	return &gameRecord{
		ID:              g.ID,
		Code:            g.Code,
		Status:          string(g.Status),
		Preset:          g.Preset,
		PlayerOne:       g.Players.First,
		PlayerTwo:       g.Players.Second,
		BoardWidth:      g.Board.Width,
		BoardHeight:     g.Board.Height,
		OpsPerTurn:      g.OpsPerTurn,
		CurrentPlayer:   g.CurrentPlayer,
		OpsRemaining:    g.OpsRemaining,
		ScoreFirst:      g.Score.First,
		ScoreSecond:     g.Score.Second,
		TotalTurns:      g.TotalTurns,
		LastMove:        g.LastMove,
		StartTime:       g.StartTime,
		LastActivityAt:  g.LastActivityAt,
		ExpiresAt:       g.ExpiresAt,
		Winner:          g.Winner,
		IsDraw:          g.IsDraw,
		FinalScore:      g.FinalScore,
		EndTime:         g.EndTime,
		DurationSeconds: g.Duration,
	}
}

func (r *gameRecord) toGame() *engine.Game {
	return &engine.Game{
		ID:             r.ID,
		Code:           r.Code,
		Status:         engine.Status(r.Status),
		Preset:         r.Preset,
		Players:        engine.Players{First: r.PlayerOne, Second: r.PlayerTwo},
		Board:          engine.BoardSize{Width: r.BoardWidth, Height: r.BoardHeight},
		OpsPerTurn:     r.OpsPerTurn,
		CurrentPlayer:  r.CurrentPlayer,
		OpsRemaining:   r.OpsRemaining,
		Score:          engine.Score{First: r.ScoreFirst, Second: r.ScoreSecond},
		TotalTurns:     r.TotalTurns,
		LastMove:       r.LastMove,
		StartTime:      r.StartTime,
		LastActivityAt: r.LastActivityAt,
		ExpiresAt:      r.ExpiresAt,
		Winner:         r.Winner,
		IsDraw:         r.IsDraw,
		FinalScore:     r.FinalScore,
		EndTime:        r.EndTime,
		Duration:       r.DurationSeconds,
	}
}

// Store is a SessionStore backed by a Postgres games table
type Store struct {
	db *gorm.DB
}

var _ session.SessionStore = (*Store)(nil)

// Open connects to Postgres through gorm
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// NewStore wraps an open gorm connection
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the games table
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&gameRecord{})
}

// Create inserts the game inside a transaction holding the creation advisory lock
func (s *Store) Create(ctx context.Context, g *engine.Game, maxActive int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", createLockKey).Error; err != nil {
			return err
		}

		var active int64
		if err := tx.Model(&gameRecord{}).
			Where("status IN ? AND expires_at > ?", nonTerminal, g.StartTime).
			Count(&active).Error; err != nil {
			return err
		}
		if active >= int64(maxActive) {
			return session.ErrCapacityExceeded
		}

		var holders int64
		if err := tx.Model(&gameRecord{}).
			Where("code = ? AND status IN ? AND expires_at > ?", g.Code, nonTerminal, g.StartTime).
			Count(&holders).Error; err != nil {
			return err
		}
		if holders > 0 {
			return session.ErrCodeTaken
		}

		return tx.Create(toRecord(g)).Error
	})
}

// Get loads a game by id
func (s *Store) Get(ctx context.Context, id string) (*engine.Game, error) {
	var rec gameRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toGame(), nil
}

// FindByCode prefers a waiting game, then the most recent one holding the code
func (s *Store) FindByCode(ctx context.Context, code string) (*engine.Game, error) {
	var rec gameRecord
	err := s.db.WithContext(ctx).
		Where("code = ?", code).
		Order("CASE WHEN status = 'waiting' THEN 0 ELSE 1 END").
		Order("start_time DESC").
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toGame(), nil
}

// ClaimSecondSlot is a single conditional UPDATE ... RETURNING
func (s *Store) ClaimSecondSlot(ctx context.Context, code, joiner string, now time.Time, ttl time.Duration) (*engine.Game, error) {
	var recs []gameRecord
	res := s.db.WithContext(ctx).Model(&recs).
		Clauses(clause.Returning{}).
		Where("code = ? AND status = ? AND expires_at > ? AND player_two = '' AND player_one <> ?",
			code, string(engine.StatusWaiting), now, joiner).
		Updates(map[string]any{
			"player_two":       joiner,
			"status":           string(engine.StatusPlaying),
			"last_activity_at": now,
			"expires_at":       now.Add(ttl),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 || len(recs) == 0 {
		return nil, session.ErrNoMatch
	}
	return recs[0].toGame(), nil
}

// Update writes the game only if it is still playing at expectedTurns
func (s *Store) Update(ctx context.Context, g *engine.Game, expectedTurns int) error {
	db := s.db.WithContext(ctx)
	res := db.Model(&gameRecord{}).
		Where("id = ? AND status = ? AND total_turns = ?", g.ID, string(engine.StatusPlaying), expectedTurns).
		Select("*").Omit("id").
		Updates(toRecord(g))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var n int64
	if err := db.Model(&gameRecord{}).Where("id = ?", g.ID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return session.ErrConflict
}

// List returns games newest first
func (s *Store) List(ctx context.Context, f session.Filter) ([]*engine.Game, error) {
	q := s.db.WithContext(ctx).Order("start_time DESC").Order("id")
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var recs []gameRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return toGames(recs), nil
}

// CountActive counts unexpired waiting and playing games
func (s *Store) CountActive(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&gameRecord{}).
		Where("status IN ? AND expires_at > ?", nonTerminal, now).
		Count(&n).Error
	return int(n), err
}

// DeleteExpired is a single conditional DELETE ... RETURNING id
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	var recs []gameRecord
	err := s.db.WithContext(ctx).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "id"}}}).
		Where("status IN ? AND expires_at <= ?", nonTerminal, now).
		Delete(&recs).Error
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// FinishedBefore lists finished games that ended at or before cutoff
func (s *Store) FinishedBefore(ctx context.Context, cutoff time.Time) ([]*engine.Game, error) {
	var recs []gameRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND end_time <= ?", string(engine.StatusFinished), cutoff).
		Order("end_time").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return toGames(recs), nil
}

// DeleteFinished removes a finished game if it still qualifies for retention
func (s *Store) DeleteFinished(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("id = ? AND status = ? AND end_time <= ?", id, string(engine.StatusFinished), cutoff).
		Delete(&gameRecord{})
	return res.RowsAffected > 0, res.Error
}

func toGames(recs []gameRecord) []*engine.Game {
	games := make([]*engine.Game, 0, len(recs))
	for i := range recs {
		games = append(games, recs[i].toGame())
	}
	return games
}
