package engine

import "fmt"

// ValidateRules checks that a ruleset describes a playable board
func ValidateRules(rules Rules) error {
	b := rules.Board
	if b.Width < MinBoardSide || b.Width > MaxBoardSide {
		return fmt.Errorf("rules validation: board width must be between %d and %d, got %d", MinBoardSide, MaxBoardSide, b.Width)
	}
	if b.Height < MinBoardSide || b.Height > MaxBoardSide {
		return fmt.Errorf("rules validation: board height must be between %d and %d, got %d", MinBoardSide, MaxBoardSide, b.Height)
	}
	if rules.OpsPerTurn < 1 || rules.OpsPerTurn > MaxOpsPerTurn {
		return fmt.Errorf("rules validation: ops_per_turn must be between 1 and %d, got %d", MaxOpsPerTurn, rules.OpsPerTurn)
	}
	return nil
}
