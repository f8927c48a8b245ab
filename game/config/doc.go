// Package config provides server settings and rule presets.
//
// The config package handles:
//   - Settings: the concurrent-game cap, join code space, expiry and
//     retention windows, sweep interval, storage timeout and default rules
//   - Loading rule presets from JSON files and caching them
//   - Preset validation (board sides 5..23, per-turn move budget)
//   - Preset discovery and listing
//
// Preset Format:
//
//	{
//	  "name": "Quick",
//	  "description": "Small board for short matches",
//	  "board": {"width": 6, "height": 6},
//	  "ops_per_turn": 2
//	}
//
// The file name without the .json extension is the preset id clients send
// in createGame. The id "default" always refers to the ruleset built from
// Settings.Rules.
//
// Usage:
//
//	manager, err := config.NewManager("configs", settings.Rules)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	rules, id, err := manager.Resolve("quick")
package config
