// Package bigquery provides a plugin wrapper for the BigQuery writer.
package bigquery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/plugins"
	"github.com/pennywise-app/pennywise/pkg/plugins/writers"
	bqwriter "github.com/pennywise-app/pennywise/pkg/writer/bigquery"
)

// Plugin implements the WriterPlugin interface for BigQuery.
type Plugin struct{}

// Name returns the plugin name.
func (p *Plugin) Name() string {
	return "bigquery"
}

// Description returns a human-readable description.
func (p *Plugin) Description() string {
	return "Stream classified transactions into a BigQuery table"
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
			"projectId": map[string]any{"type": "string", "description": "Google Cloud project"},
			"dataset":   map[string]any{"type": "string", "description": "Dataset containing the table"},
			"table": map[string]any{
				"type":        "string",
				"description": "Destination table",
				"default":     bqwriter.DefaultTable,
			},
		}),
		"required": []string{"projectId", "dataset"},
	}
}

// Config represents the BigQuery writer configuration.
type Config struct {
	writers.Batching
	ProjectID string `json:"projectId"`
	Dataset   string `json:"dataset"`
	Table     string `json:"table,omitempty"`
}

// NewWriter creates a new BigQuery writer instance.
func (p *Plugin) NewWriter(ctx context.Context, configData json.RawMessage, deps plugins.Deps) (api.Writer, error) {
	var cfg Config
	if err := json.Unmarshal(configData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling bigquery config: %w", err)
	}

	return bqwriter.New(ctx, bqwriter.Config{
		ProjectID:     cfg.ProjectID,
		Dataset:       cfg.Dataset,
		Table:         cfg.Table,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	}, deps.Log())
}
