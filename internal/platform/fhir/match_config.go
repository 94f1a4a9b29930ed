package fhir

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultMatchConfig is the built-in Patient matching configuration used
// when no config file is given.
func DefaultMatchConfig() *MatchConfig {
	return &MatchConfig{
		Types: map[string][]MatchProperty{
			"Patient": {
				{Path: "name.#.family", Algorithm: AlgorithmSimilarity, Weight: 0.4},
				{Path: "name.#.given", Algorithm: AlgorithmPhonetic, Weight: 0.3},
				{Path: "birthDate", Algorithm: AlgorithmExact, Weight: 0.2},
				{Path: "gender", Algorithm: AlgorithmExact, Weight: 0.1},
			},
		},
	}
}

// LoadMatchConfig reads a matching configuration from a JSON file. An
// empty path yields the built-in defaults.
func LoadMatchConfig(path string) (*MatchConfig, error) {
	if path == "" {
		return DefaultMatchConfig(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read match config %s: %w", path, err)
	}
	var cfg MatchConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse match config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("match config %s: %w", path, err)
	}
	return &cfg, nil
}
