// Package gmail provides a plugin wrapper for the Gmail reader.
package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/plugins"
	"github.com/pennywise-app/pennywise/pkg/plugins/readers"
	gmailreader "github.com/pennywise-app/pennywise/pkg/reader/gmail"
)

// Plugin implements the ReaderPlugin interface for Gmail.
type Plugin struct{}

// Name returns the plugin name.
func (p *Plugin) Name() string {
	return "gmail"
}

// Description returns a human-readable description.
func (p *Plugin) Description() string {
	return "Read bank transaction alerts from Gmail messages"
}

// RequiredScopes returns the OAuth scopes needed by this plugin.
func (p *Plugin) RequiredScopes() []string {
	return []string{
		gmailapi.GmailReadonlyScope,
		gmailapi.GmailModifyScope,
	}
}

// ConfigSchema returns a JSON schema describing the plugin's configuration.
func (p *Plugin) ConfigSchema() map[string]any {
	properties := map[string]any{
		"interval": map[string]any{
			"type":        "integer",
			"description": "Seconds between polls (default: 60)",
			"default":     60,
		},
		"overlapHours": map[string]any{
			"type":        "integer",
			"description": "Hours subtracted from the cursor when searching (default: 24)",
			"default":     24,
		},
		"backfillDays": map[string]any{
			"type":        "integer",
			"description": "Days searched on the first poll (default: 30)",
			"default":     30,
		},
		"markRead": map[string]any{
			"type":        "boolean",
			"description": "Mark messages read once stored",
			"default":     true,
		},
	}
	maps.Copy(properties, readers.ParserSchema())
	return map[string]any{
		"type":       "object",
		"properties": properties,
	}
}

// Config represents the Gmail reader configuration.
type Config struct {
	readers.ParserConfig
	Interval     int   `json:"interval,omitempty"` // in seconds
	OverlapHours int   `json:"overlapHours,omitempty"`
	BackfillDays int   `json:"backfillDays,omitempty"`
	MarkRead     *bool `json:"markRead,omitempty"`
}

// NewReader creates a new Gmail reader instance.
func (p *Plugin) NewReader(_ context.Context, configData json.RawMessage, deps plugins.Deps) (api.Reader, error) {
	var cfg Config
	if len(configData) > 0 {
		if err := json.Unmarshal(configData, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshaling gmail config: %w", err)
		}
	}
	if deps.HTTPClient == nil {
		return nil, errors.New("gmail reader requires an authorized http client")
	}

	parsers, err := cfg.Compile()
	if err != nil {
		return nil, fmt.Errorf("compiling parsers: %w", err)
	}

	markRead := true
	if cfg.MarkRead != nil {
		markRead = *cfg.MarkRead
	}

	readerCfg := gmailreader.Config{
		Parsers:  parsers,
		Interval: time.Duration(cfg.Interval) * time.Second,
		Overlap:  time.Duration(cfg.OverlapHours) * time.Hour,
		Backfill: time.Duration(cfg.BackfillDays) * 24 * time.Hour,
		MarkRead: markRead,
		Cursors:  deps.Cursors,
	}

	return gmailreader.New(deps.HTTPClient, readerCfg, deps.Log())
}
