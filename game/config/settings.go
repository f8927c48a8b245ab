package config

import (
	"fmt"
	"time"

	"github.com/wricardo/ctorgame/game/engine"
)

// Settings are the server-wide limits and timings the session manager runs with
type Settings struct {
	// MaxActiveGames caps the number of waiting or playing games.
	MaxActiveGames int
	// CodeDigits is the join code length; the code space is 10^CodeDigits.
	CodeDigits int
	// CodeAttempts bounds the join code generate-and-check loop.
	CodeAttempts  int
	IdleTimeout   time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
	StoreTimeout  time.Duration
	Rules         engine.Rules
}

// DefaultSettings returns the reference limits: 50 games, 4-digit codes,
// 30 minute idle expiry, 10x10 board and two moves per turn.
func DefaultSettings() Settings {
	return Settings{
		MaxActiveGames: 50,
		CodeDigits:     4,
		CodeAttempts:   64,
		IdleTimeout:    30 * time.Minute,
		Retention:      24 * time.Hour,
		SweepInterval:  time.Minute,
		StoreTimeout:   5 * time.Second,
		Rules:          engine.DefaultRules(),
	}
}

// CodeSpace returns the number of distinct join codes
func (s Settings) CodeSpace() int {
	n := 1
	for i := 0; i < s.CodeDigits; i++ {
		n *= 10
	}
	return n
}

// Validate rejects settings the server cannot run with
func (s Settings) Validate() error {
	if s.MaxActiveGames < 1 {
		return fmt.Errorf("max active games must be positive, got %d", s.MaxActiveGames)
	}
	if s.CodeDigits < 1 || s.CodeDigits > 9 {
		return fmt.Errorf("code digits must be between 1 and 9, got %d", s.CodeDigits)
	}
	if s.CodeAttempts < 1 {
		return fmt.Errorf("code attempts must be positive, got %d", s.CodeAttempts)
	}
	if s.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", s.IdleTimeout)
	}
	if s.Retention < 0 {
		return fmt.Errorf("retention must not be negative, got %s", s.Retention)
	}
	if s.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", s.SweepInterval)
	}
	if s.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive, got %s", s.StoreTimeout)
	}
	return engine.ValidateRules(s.Rules)
}
