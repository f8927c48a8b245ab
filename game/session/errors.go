package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/wricardo/ctorgame/game/engine"
)

var (
	ErrValidation         = errors.New("invalid request")
	ErrNotFound           = errors.New("game not found")
	ErrAlreadyStarted     = errors.New("game already started")
	ErrGameFull           = errors.New("game is full")
	ErrExpired            = errors.New("game expired")
	ErrCapacityExceeded   = errors.New("maximum number of concurrent games reached")
	ErrCodeSpaceExhausted = errors.New("no free join code available")
	ErrNotSubscribed      = errors.New("not subscribed to this game")
	ErrGameVanished       = errors.New("game no longer exists")
	ErrGameNotPlaying     = errors.New("game has not started")
	ErrGameFinished       = errors.New("game is finished")
	ErrConflict           = errors.New("concurrent update, retry")
	ErrTimeout            = errors.New("storage timeout")

	// Store-level outcomes the manager translates before they reach a caller.
	ErrCodeTaken = errors.New("join code in use")
	ErrNoMatch   = errors.New("no game matched the update condition")
)

// Wire error codes
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeAlreadyStarted     = "ALREADY_STARTED"
	CodeGameFull           = "GAME_FULL"
	CodeExpired            = "EXPIRED"
	CodeCapacityExceeded   = "CAPACITY_EXCEEDED"
	CodeCodeSpaceExhausted = "CODE_SPACE_EXHAUSTED"
	CodeOutOfTurn          = "OUT_OF_TURN"
	CodeNotSubscribed      = "NOT_SUBSCRIBED"
	CodeGameNotFound       = "GAME_NOT_FOUND"
	CodeGameNotPlaying     = "GAME_NOT_PLAYING"
	CodeGameFinished       = "GAME_FINISHED"
	CodeConflict           = "CONFLICT"
	CodeTimeout            = "TIMEOUT"
	CodeInvalidJSON        = "INVALID_JSON"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeInternal           = "INTERNAL_ERROR"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrValidation, CodeValidation},
	{engine.ErrOutOfBounds, CodeValidation},
	{engine.ErrInvalidCapture, CodeValidation},
	{engine.ErrInvalidPlayer, CodeValidation},
	{engine.ErrOutOfTurn, CodeOutOfTurn},
	{ErrNotFound, CodeNotFound},
	{ErrAlreadyStarted, CodeAlreadyStarted},
	{ErrGameFull, CodeGameFull},
	{ErrExpired, CodeExpired},
	{ErrCapacityExceeded, CodeCapacityExceeded},
	{ErrCodeSpaceExhausted, CodeCodeSpaceExhausted},
	{ErrNotSubscribed, CodeNotSubscribed},
	{ErrGameVanished, CodeGameNotFound},
	{ErrGameNotPlaying, CodeGameNotPlaying},
	{engine.ErrNotPlaying, CodeGameNotPlaying},
	{ErrGameFinished, CodeGameFinished},
	{ErrConflict, CodeConflict},
	{ErrTimeout, CodeTimeout},
	{context.DeadlineExceeded, CodeTimeout},
}

// Code maps an error to its wire code. Unknown errors are internal.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// PublicError returns the code and message safe to send to a client.
// Internal errors never expose their text.
func PublicError(err error) (code, message string) {
	code = Code(err)
	if code == CodeInternal {
		return code, "internal error"
	}
	return code, err.Error()
}

// Recoverable reports whether the caller may retry the same request
func Recoverable(err error) bool {
	switch Code(err) {
	case CodeConflict, CodeTimeout:
		return true
	}
	return false
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// storeErr classifies a failed store call. Domain sentinels pass through.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	}
	if Code(err) != CodeInternal {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
