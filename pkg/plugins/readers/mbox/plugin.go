// Package mbox provides a plugin wrapper for the mbox file reader.
package mbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/plugins"
	"github.com/pennywise-app/pennywise/pkg/plugins/readers"
	mboxreader "github.com/pennywise-app/pennywise/pkg/reader/mbox"
)

// Plugin implements the ReaderPlugin interface for mbox exports.
type Plugin struct{}

// Name returns the plugin name.
func (p *Plugin) Name() string {
	return "mbox"
}

// Description returns a human-readable description.
func (p *Plugin) Description() string {
	return "Import bank transaction alerts from an mbox export (Thunderbird, Google Takeout)"
}

// RequiredScopes returns nil; local files need no OAuth.
func (p *Plugin) RequiredScopes() []string {
	return nil
}

// ConfigSchema returns a JSON schema describing the plugin's configuration.
func (p *Plugin) ConfigSchema() map[string]any {
	properties := map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": "Path to the mbox file",
		},
	}
	maps.Copy(properties, readers.ParserSchema())
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   []string{"path"},
	}
}

// Config represents the mbox reader configuration.
type Config struct {
	readers.ParserConfig
	Path string `json:"path"`
}

// NewReader creates a new mbox reader instance.
func (p *Plugin) NewReader(_ context.Context, configData json.RawMessage, deps plugins.Deps) (api.Reader, error) {
	var cfg Config
	if len(configData) > 0 {
		if err := json.Unmarshal(configData, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshaling mbox config: %w", err)
		}
	}
	if cfg.Path == "" {
		return nil, errors.New("path is required")
	}

	parsers, err := cfg.Compile()
	if err != nil {
		return nil, fmt.Errorf("compiling parsers: %w", err)
	}

	return mboxreader.New(mboxreader.Config{
		Path:    cfg.Path,
		Parsers: parsers,
		Cursors: deps.Cursors,
	}, deps.Log())
}
