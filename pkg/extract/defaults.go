package extract

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

//go:embed parsers.json
var defaultParsers []byte

// DefaultConfigs returns the built-in parsers for Venmo, American Express,
// Chase, Capital One and Wells Fargo notifications.
func DefaultConfigs() ([]Config, error) {
	return ParseConfigs(defaultParsers)
}

// ParseConfigs decodes a JSON array of parser configs.
func ParseConfigs(data []byte) ([]Config, error) {
	var cfgs []Config
	if err := json.Unmarshal(data, &cfgs); err != nil {
		return nil, fmt.Errorf("parsing parser configs: %w", err)
	}
	return cfgs, nil
}

// Defaults compiles the built-in parsers.
func Defaults() ([]*Parser, error) {
	cfgs, err := DefaultConfigs()
	if err != nil {
		return nil, err
	}
	return CompileAll(cfgs)
}
