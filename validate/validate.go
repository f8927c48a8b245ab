// Command validate checks the rule preset JSON files in a presets directory
// (../configs by default). It checks:
//   - JSON structure, with unknown fields rejected
//   - Required name and description
//   - Board limits and the per-turn move budget
//   - File names usable as preset ids, and names unique across files
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/wricardo/ctorgame/game/config"
	"github.com/wricardo/ctorgame/game/engine"
)

var presetIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidationResult captures the outcome of validating a single file.
// If Valid is true, Errors contains informational messages; otherwise it
// accumulates the validation errors that were found.
type ValidationResult struct {
	File   string
	Name   string
	Valid  bool
	Errors []string
}

func (r *ValidationResult) fail(format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// validatePreset loads and validates a single preset file
func validatePreset(filePath string) ValidationResult {
	result := ValidationResult{
		File:   filepath.Base(filePath),
		Valid:  true,
		Errors: []string{},
	}

	id := strings.TrimSuffix(result.File, ".json")
	if !presetIDPattern.MatchString(id) {
		result.fail("File name %q is not a valid preset id (lowercase letters, digits, '-' and '_')", id)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		result.fail("Failed to read file: %v", err)
		return result
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var preset config.Preset
	if err := dec.Decode(&preset); err != nil {
		result.fail("Invalid JSON: %v", err)
		return result
	}
	result.Name = preset.Name

	if preset.Name == "" {
		result.fail("name is required")
	}
	if preset.Description == "" {
		result.fail("description is required")
	}

	b := preset.Board
	if b.Width < engine.MinBoardSide || b.Width > engine.MaxBoardSide {
		result.fail("board width must be between %d and %d, got %d", engine.MinBoardSide, engine.MaxBoardSide, b.Width)
	}
	if b.Height < engine.MinBoardSide || b.Height > engine.MaxBoardSide {
		result.fail("board height must be between %d and %d, got %d", engine.MinBoardSide, engine.MaxBoardSide, b.Height)
	}
	if preset.OpsPerTurn < 1 || preset.OpsPerTurn > engine.MaxOpsPerTurn {
		result.fail("ops_per_turn must be between 1 and %d, got %d", engine.MaxOpsPerTurn, preset.OpsPerTurn)
	}

	// The server's own check must agree with the ones above
	if result.Valid {
		if _, err := config.ParsePreset(data); err != nil {
			result.fail("Rejected by server: %v", err)
		}
	}

	if result.Valid {
		turns := (b.Cells() + preset.OpsPerTurn - 1) / preset.OpsPerTurn
		result.Errors = append(result.Errors, fmt.Sprintf("✓ Name: %s", preset.Name))
		result.Errors = append(result.Errors, fmt.Sprintf("✓ Board: %dx%d (%d cells)", b.Width, b.Height, b.Cells()))
		result.Errors = append(result.Errors, fmt.Sprintf("✓ Ops per turn: %d", preset.OpsPerTurn))
		result.Errors = append(result.Errors, fmt.Sprintf("✓ Turns to fill the board: %d", turns))
	}

	return result
}

// validateAll validates every file and flags preset names used more than once
func validateAll(files []string) []ValidationResult {
	results := make([]ValidationResult, 0, len(files))
	seen := map[string]string{}

	for _, file := range files {
		result := validatePreset(file)
		if result.Name != "" {
			key := strings.ToLower(result.Name)
			if other, ok := seen[key]; ok {
				result.fail("Duplicate name %q (also used by %s)", result.Name, other)
			} else {
				seen[key] = result.File
			}
		}
		results = append(results, result)
	}
	return results
}

// main validates every *.json file in the presets directory, printing a
// concise report and exiting with non-zero status if any are invalid.
func main() {
	presetDir := "../configs"
	if len(os.Args) > 1 {
		presetDir = os.Args[1]
	}

	files, err := filepath.Glob(filepath.Join(presetDir, "*.json"))
	if err != nil {
		fmt.Printf("Error finding preset files: %v\n", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Printf("No preset files found in %s\n", presetDir)
		os.Exit(1)
	}

	allValid := true
	for _, result := range validateAll(files) {
		fmt.Printf("\n%s %s\n", strings.Repeat("=", 20), result.File)

		if result.Valid {
			fmt.Println("✅ VALID")
			for _, info := range result.Errors {
				fmt.Println("  " + info)
			}
		} else {
			fmt.Println("❌ INVALID")
			allValid = false
			for _, err := range result.Errors {
				if !strings.HasPrefix(err, "✓") {
					fmt.Println("  ❌ " + err)
				}
			}
		}
	}

	fmt.Printf("\n%s\n", strings.Repeat("=", 40))
	if allValid {
		fmt.Println("✅ All presets are valid!")
	} else {
		fmt.Println("❌ Some presets have errors")
		os.Exit(1)
	}
}
