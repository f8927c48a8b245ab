package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/wricardo/ctorgame/game/engine"
)

// FileMoveLog implements MoveLog with one JSON-lines file per game
type FileMoveLog struct {
	dir string
	mu  sync.Mutex
	// counts caches the number of entries per game file
	counts map[string]int
}

// NewFileMoveLog creates a move log rooted at dir, creating the directory if needed
func NewFileMoveLog(dir string) (*FileMoveLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create move log directory: %w", err)
	}
	return &FileMoveLog{dir: dir, counts: make(map[string]int)}, nil
}

// Append writes m as the next line of the game's log
func (l *FileMoveLog) Append(ctx context.Context, gameID string, m engine.Move) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := l.path(gameID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.count(gameID, path)
	if err != nil {
		return err
	}
	if m.Seq != n+1 {
		return fmt.Errorf("%w: move log of %s holds %d moves, got seq %d", ErrConflict, gameID, n, m.Seq)
	}

	line, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal move: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open move log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("failed to write move: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close move log: %w", err)
	}

	l.counts[gameID] = n + 1
	return nil
}

// Moves reads the game's log in seq order
func (l *FileMoveLog) Moves(ctx context.Context, gameID string) ([]engine.Move, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := l.path(gameID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return readMoves(path)
}

// Truncate rewrites the game's log keeping the first keep entries
func (l *FileMoveLog) Truncate(ctx context.Context, gameID string, keep int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := l.path(gameID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	moves, err := readMoves(path)
	if err != nil {
		return err
	}
	if len(moves) <= keep {
		return nil
	}

	var buf bytes.Buffer
	for _, m := range moves[:keep] {
		line, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal move: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write move log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace move log: %w", err)
	}
	l.counts[gameID] = keep
	return nil
}

// Delete removes the game's log file. A missing file is not an error.
func (l *FileMoveLog) Delete(ctx context.Context, gameID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := l.path(gameID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.counts, gameID)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove move log: %w", err)
	}
	return nil
}

// GameIDs lists the games that have a log on disk
func (l *FileMoveLog) GameIDs() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read move log directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name := entry.Name(); strings.HasSuffix(name, ".jsonl") {
			ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
		}
	}
	return ids, nil
}

func (l *FileMoveLog) path(gameID string) (string, error) {
	if gameID == "" || strings.ContainsAny(gameID, `/\`) || strings.Contains(gameID, "..") {
		return "", validationf("invalid game id %q", gameID)
	}
	return filepath.Join(l.dir, gameID+".jsonl"), nil
}

// count must be called with l.mu held
func (l *FileMoveLog) count(gameID, path string) (int, error) {
	if n, ok := l.counts[gameID]; ok {
		return n, nil
	}
	moves, err := readMoves(path)
	if err != nil {
		return 0, err
	}
	l.counts[gameID] = len(moves)
	return len(moves), nil
}

func readMoves(path string) ([]engine.Move, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []engine.Move{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open move log: %w", err)
	}
	defer f.Close()

	moves := []engine.Move{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var m engine.Move
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal move %d: %w", len(moves)+1, err)
		}
		moves = append(moves, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read move log: %w", err)
	}
	return moves, nil
}
