package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/wricardo/ctorgame/game/engine"
)

var (
	ErrPresetNotFound = errors.New("preset not found")
	ErrInvalidPreset  = errors.New("invalid preset")
)

// DefaultPresetID names the server's configured ruleset
const DefaultPresetID = "default"

// Manager handles rule preset loading and caching
type Manager struct {
	presetDir     string
	defaultPreset *Preset
	defaultID     string
	presets       map[string]*Preset
	mu            sync.RWMutex
}

// NewManager creates a preset manager reading from presetDir. An empty presetDir
// yields a manager that only knows the fallback ruleset.
func NewManager(presetDir string, fallback engine.Rules) (*Manager, error) {
	if presetDir != "" {
		if _, err := os.Stat(presetDir); os.IsNotExist(err) {
			return nil, fmt.Errorf("preset directory does not exist: %s", presetDir)
		}
	}
	if err := engine.ValidateRules(fallback); err != nil {
		return nil, fmt.Errorf("%w: fallback: %v", ErrInvalidPreset, err)
	}

	m := &Manager{
		presetDir: presetDir,
		presets:   make(map[string]*Preset),
	}
	m.loadDefaultPreset(fallback)
	return m, nil
}

// Load returns a preset by name
func (m *Manager) Load(name string) (*Preset, error) {
	name = strings.TrimSuffix(name, ".json")
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, ErrPresetNotFound
	}

	m.mu.RLock()
	if p, ok := m.presets[name]; ok {
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	if m.presetDir == "" {
		return nil, ErrPresetNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.presets[name]; ok {
		return p, nil
	}

	data, err := os.ReadFile(filepath.Join(m.presetDir, name+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPresetNotFound
		}
		return nil, fmt.Errorf("failed to read preset file: %w", err)
	}

	p, err := ParsePreset(data)
	if err != nil {
		return nil, err
	}

	m.presets[name] = p
	return p, nil
}

// Resolve maps a preset name to rules. An empty name resolves to the default preset.
func (m *Manager) Resolve(name string) (engine.Rules, string, error) {
	if name == "" {
		m.mu.RLock()
		def, id := m.defaultPreset, m.defaultID
		m.mu.RUnlock()
		return def.Rules(), id, nil
	}
	p, err := m.Load(name)
	if err != nil {
		return engine.Rules{}, "", fmt.Errorf("preset %q: %w", name, err)
	}
	return p.Rules(), strings.TrimSuffix(name, ".json"), nil
}

// List returns the built-in default ruleset followed by every valid preset on disk
func (m *Manager) List() ([]*PresetInfo, error) {
	m.mu.RLock()
	builtin := m.presets[DefaultPresetID]
	m.mu.RUnlock()

	infos := []*PresetInfo{presetInfo("", DefaultPresetID, builtin)}
	if m.presetDir == "" {
		return infos, nil
	}

	entries, err := os.ReadDir(m.presetDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read preset directory: %w", err)
	}

	var found []*PresetInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		id := strings.TrimSuffix(entry.Name(), ".json")
		if id == DefaultPresetID {
			continue
		}
		p, err := m.Load(id)
		if err != nil {
			// Skip invalid presets
			continue
		}
		found = append(found, presetInfo(entry.Name(), id, p))
	}

	sort.Slice(found, func(i, j int) bool { return found[i].PresetID < found[j].PresetID })
	return append(infos, found...), nil
}

// Default returns the default preset
func (m *Manager) Default() *Preset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultPreset
}

// SetDefault sets the default preset by name
func (m *Manager) SetDefault(name string) error {
	p, err := m.Load(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultPreset = p
	m.defaultID = strings.TrimSuffix(name, ".json")
	return nil
}

// Save validates a preset and writes it to the preset directory
func (m *Manager) Save(name string, p *Preset) error {
	if m.presetDir == "" {
		return fmt.Errorf("no preset directory configured")
	}
	name = strings.TrimSuffix(name, ".json")
	if name == "" || name == DefaultPresetID || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: bad preset id %q", ErrInvalidPreset, name)
	}
	if err := ValidatePreset(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPreset, err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal preset: %w", err)
	}

	if err := os.WriteFile(filepath.Join(m.presetDir, name+".json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write preset file: %w", err)
	}

	m.mu.Lock()
	m.presets[name] = p
	m.mu.Unlock()

	return nil
}

// loadDefaultPreset registers the configured ruleset under the "default" id
func (m *Manager) loadDefaultPreset(fallback engine.Rules) {
	m.defaultPreset = &Preset{
		Name:        "Default",
		Description: "Server default ruleset",
		Board:       fallback.Board,
		OpsPerTurn:  fallback.OpsPerTurn,
	}
	m.defaultID = DefaultPresetID
	m.presets[DefaultPresetID] = m.defaultPreset
}

func presetInfo(filename, id string, p *Preset) *PresetInfo {
	return &PresetInfo{
		Filename:    filename,
		PresetID:    id,
		Name:        p.Name,
		Description: p.Description,
		Board:       p.Board,
		OpsPerTurn:  p.OpsPerTurn,
	}
}
