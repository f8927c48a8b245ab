package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/wricardo/ctorgame/game/engine"
)

// Preset is a named ruleset stored as a JSON file in the presets directory
type Preset struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Board       engine.BoardSize `json:"board"`
	OpsPerTurn  int              `json:"ops_per_turn"`
}

// PresetInfo describes a preset file for listings
type PresetInfo struct {
	Filename    string           `json:"filename"`
	PresetID    string           `json:"preset_id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Board       engine.BoardSize `json:"board"`
	OpsPerTurn  int              `json:"ops_per_turn"`
}

// Rules returns the engine ruleset the preset describes
func (p *Preset) Rules() engine.Rules {
	return engine.Rules{Board: p.Board, OpsPerTurn: p.OpsPerTurn}
}

// ValidatePreset checks required fields and the ruleset limits
func ValidatePreset(p *Preset) error {
	if p.Name == "" {
		return fmt.Errorf("preset validation: name is required")
	}
	if p.Description == "" {
		return fmt.Errorf("preset validation: description is required")
	}
	return engine.ValidateRules(p.Rules())
}

// ParsePreset decodes a preset, rejecting unknown fields, and validates it
func ParsePreset(data []byte) (*Preset, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p Preset
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse preset: %w", err)
	}
	if err := ValidatePreset(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPreset, err)
	}
	return &p, nil
}
