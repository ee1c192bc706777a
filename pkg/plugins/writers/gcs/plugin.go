// Package gcs provides a plugin wrapper for the Cloud Storage writer.
package gcs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/plugins"
	"github.com/pennywise-app/pennywise/pkg/plugins/writers"
	gcswriter "github.com/pennywise-app/pennywise/pkg/writer/gcs"
)

// Plugin implements the WriterPlugin interface for Google Cloud Storage.
type Plugin struct{}

// Name returns the plugin name.
func (p *Plugin) Name() string {
	return "gcs"
}

// Description returns a human-readable description.
func (p *Plugin) Description() string {
	return "Archive classified transactions as JSON lines objects in a Cloud Storage bucket"
}

// RequiredScopes returns nil; the writer uses Application Default Credentials.
func (p *Plugin) RequiredScopes() []string {
	return nil
}

// ConfigSchema returns a JSON schema describing the plugin's configuration.
func (p *Plugin) ConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": writers.BatchingSchema(map[string]any{
			"bucket": map[string]any{
				"type":        "string",
				"description": "Destination bucket",
			},
			"prefix": map[string]any{
				"type":        "string",
				"description": "Object name prefix",
				"default":     "transactions",
			},
		}),
		"required": []string{"bucket"},
	}
}

// Config represents the GCS writer configuration.
type Config struct {
	writers.Batching
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix,omitempty"`
}

// NewWriter creates a new GCS writer instance.
func (p *Plugin) NewWriter(ctx context.Context, configData json.RawMessage, deps plugins.Deps) (api.Writer, error) {
	var cfg Config
	if err := json.Unmarshal(configData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling gcs config: %w", err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "transactions"
	}

	return gcswriter.New(ctx, gcswriter.Config{
		Bucket:        cfg.Bucket,
		Prefix:        cfg.Prefix,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	}, deps.Log())
}
