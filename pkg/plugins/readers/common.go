// Package readers holds configuration shared by the reader plugins.
package readers

import (
	"fmt"
	"os"

	"github.com/pennywise-app/pennywise/pkg/extract"
)

// ParserConfig selects the email parsers a reader uses. Inline parsers take
// precedence over a parsers file; with neither, the built-in set is used.
type ParserConfig struct {
	Parsers     []extract.Config `json:"parsers,omitempty"`
	ParsersFile string           `json:"parsersFile,omitempty"`
}

// Compile returns the configured parsers.
func (c ParserConfig) Compile() ([]*extract.Parser, error) {
	switch {
	case len(c.Parsers) > 0:
		return extract.CompileAll(c.Parsers)
	case c.ParsersFile != "":
		data, err := os.ReadFile(c.ParsersFile)
		if err != nil {
			return nil, fmt.Errorf("reading parsers file: %w", err)
		}
		cfgs, err := extract.ParseConfigs(data)
		if err != nil {
			return nil, err
		}
		return extract.CompileAll(cfgs)
	default:
		return extract.Defaults()
	}
}

// ParserSchema is the JSON schema fragment for ParserConfig.
func ParserSchema() map[string]any {
	return map[string]any{
		"parsers": map[string]any{
			"type":        "array",
			"description": "Email extraction parsers (default: built-in bank parsers)",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":          map[string]any{"type": "string"},
					"query":         map[string]any{"type": "string", "description": "Gmail search query"},
					"from":          map[string]any{"type": "string", "description": "Sender address"},
					"subject":       map[string]any{"type": "string", "description": "Subject regex"},
					"amount":        patternSchema("Regex capturing the amount"),
					"merchant":      patternSchema("Regex capturing the merchant"),
					"merchantName":  map[string]any{"type": "string", "description": "Merchant used when the pattern finds nothing"},
					"account":       patternSchema("Regex capturing the account number"),
					"accountPrefix": map[string]any{"type": "string"},
					"incoming":      map[string]any{"type": "boolean", "description": "Money received; amount is negated"},
					"bucket":        map[string]any{"type": "string"},
					"source":        map[string]any{"type": "string"},
					"enabled":       map[string]any{"type": "boolean"},
				},
				"required": []string{"name", "amount", "source", "enabled"},
			},
		},
		"parsersFile": map[string]any{
			"type":        "string",
			"description": "Path to a JSON file of parsers",
		},
	}
}

func patternSchema(description string) map[string]any {
	return map[string]any{
		"type":        "object",
		"description": description,
		"properties": map[string]any{
			"regex": map[string]any{"type": "string"},
			"in":    map[string]any{"type": "string", "enum": []string{"body", "subject"}},
		},
		"required": []string{"regex"},
	}
}
