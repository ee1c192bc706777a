// Package postgres provides a plugin wrapper that mirrors transactions into a
// second PostgreSQL database, such as a reporting replica.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/plugins"
	"github.com/pennywise-app/pennywise/pkg/plugins/writers"
	"github.com/pennywise-app/pennywise/pkg/store/postgres"
)

// Plugin implements the WriterPlugin interface for PostgreSQL.
type Plugin struct{}

// Name returns the plugin name.
func (p *Plugin) Name() string {
	return "postgres"
}

// Description returns a human-readable description.
func (p *Plugin) Description() string {
	return "Mirror classified transactions into another PostgreSQL database"
}

// RequiredScopes returns the OAuth scopes needed by this plugin.
// PostgreSQL writer doesn't require OAuth scopes.
func (p *Plugin) RequiredScopes() []string {
	return []string{}
}

// ConfigSchema returns a JSON schema describing the plugin's configuration.
func (p *Plugin) ConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": writers.BatchingSchema(map[string]any{
			"dsn": map[string]any{
				"type":        "string",
				"description": "Connection string; overrides the individual fields",
			},
			"host": map[string]any{
				"type":        "string",
				"description": "PostgreSQL host address",
				"default":     "localhost",
			},
			"port": map[string]any{
				"type":        "integer",
				"description": "PostgreSQL port",
				"default":     5432,
			},
			"database": map[string]any{
				"type":        "string",
				"description": "Database name",
			},
			"user": map[string]any{
				"type":        "string",
				"description": "Database user",
			},
			"password": map[string]any{
				"type":        "string",
				"description": "Database password",
			},
			"sslmode": map[string]any{
				"type":        "string",
				"description": "SSL mode (disable, require, verify-ca, verify-full)",
				"default":     "disable",
				"enum":        []string{"disable", "require", "verify-ca", "verify-full"},
			},
			"maxPoolSize": map[string]any{
				"type":        "integer",
				"description": "Maximum number of connections in the pool (default: 10)",
				"default":     10,
			},
		}),
	}
}

// Config represents the PostgreSQL writer configuration.
type Config struct {
	writers.Batching
	DSN         string `json:"dsn,omitempty"`
	Host        string `json:"host"`
	Port        int    `json:"port,omitempty"`
	Database    string `json:"database"`
	User        string `json:"user"`
	Password    string `json:"password"`
	SSLMode     string `json:"sslmode,omitempty"`
	MaxPoolSize int    `json:"maxPoolSize,omitempty"`
}

// NewWriter connects to the database, applying the schema if needed.
func (p *Plugin) NewWriter(ctx context.Context, configData json.RawMessage, deps plugins.Deps) (api.Writer, error) {
	var cfg Config
	if err := json.Unmarshal(configData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling postgres config: %w", err)
	}

	// Validate required fields
	if cfg.DSN == "" && (cfg.Host == "" || cfg.Database == "" || cfg.User == "") {
		return nil, fmt.Errorf("dsn or host, database and user are required")
	}

	store, err := postgres.New(ctx, postgres.Config{
		DSN:           cfg.DSN,
		Host:          cfg.Host,
		Port:          cfg.Port,
		Database:      cfg.Database,
		User:          cfg.User,
		Password:      cfg.Password,
		SSLMode:       cfg.SSLMode,
		BatchSize:     cfg.BatchSize,
		FlushInterval: time.Duration(cfg.FlushInterval) * time.Second,
		MaxPoolSize:   cfg.MaxPoolSize,
	}, deps.Log())
	if err != nil {
		return nil, err
	}
	return &mirror{Store: store}, nil
}

// mirror closes its pool once writing stops.
type mirror struct {
	*postgres.Store
}

func (m *mirror) Write(ctx context.Context, in <-chan *api.Transaction, ackChan chan<- string) error {
	defer m.Close()
	return m.Store.Write(ctx, in, ackChan)
}
