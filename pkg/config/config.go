// Package config loads pennywise configuration from an optional JSON file,
// an optional .env file and the process environment.
package config

import (
	"encoding/json"
	"strings"
	"time"
)

// Default values applied when the corresponding setting is empty.
const (
	DefaultClientSecretFile = "data/client_secret.json"
	DefaultTokenFile        = "data/token.json"
	DefaultHTTPAddr         = ":8080"
	DefaultReader           = "gmail"
	DefaultTimezone         = "UTC"
)

// Config holds the application configuration.
type Config struct {
	// ReaderPlugin is the name of the ingestion plugin ("gmail", "mbox" or "none").
	// Environment variable: PENNYWISE_READER
	ReaderPlugin string `koanf:"PENNYWISE_READER"`

	// ReaderConfig is the JSON configuration for the reader plugin.
	// Environment variable: PENNYWISE_READER_CONFIG
	ReaderConfig json.RawMessage `koanf:"-"`

	// Exporters are additional writer plugins that receive every ingested transaction.
	// Environment variable: PENNYWISE_EXPORTERS (JSON array)
	Exporters []ExporterConfig `koanf:"-"`

	// HTTPAddr is the listen address of the REST API.
	HTTPAddr string `koanf:"HTTP_ADDR"`

	// CORSOrigins is a comma separated list of origins allowed to call the API.
	CORSOrigins string `koanf:"CORS_ORIGINS"`

	// ReclassifySchedule is a cron expression for periodic reclassification.
	// Empty disables the schedule.
	ReclassifySchedule string `koanf:"RECLASSIFY_SCHEDULE"`

	// ReclassifyTimezone is the IANA zone the schedule is evaluated in.
	ReclassifyTimezone string `koanf:"RECLASSIFY_TIMEZONE"`

	// ClassifyWorkers bounds the goroutines used to classify large batches.
	ClassifyWorkers int `koanf:"CLASSIFY_WORKERS"`

	// RulesRefresh is how long, in seconds, ingestion reuses a rule snapshot.
	// Zero loads the rules again for every batch.
	RulesRefresh int `koanf:"RULES_REFRESH_SECONDS"`

	OAuth OAuthConfig `koanf:",squash"`

	PostgresConfig `koanf:",squash"`
}

// ExporterConfig selects a writer plugin and its configuration.
type ExporterConfig struct {
	Plugin string          `json:"plugin"`
	Config json.RawMessage `json:"config"`
}

// OAuthConfig locates the Google OAuth client secret and token.
type OAuthConfig struct {
	ClientSecretFile string `koanf:"OAUTH_CLIENT_SECRET_FILE"`
	TokenFile        string `koanf:"OAUTH_TOKEN_FILE"`
	// RedirectURL is the /oauth/callback URL registered with Google.
	RedirectURL string `koanf:"OAUTH_REDIRECT_URL"`
}

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host     string `koanf:"POSTGRES_HOST"`
	Port     int    `koanf:"POSTGRES_PORT"`
	Database string `koanf:"POSTGRES_DB"`
	User     string `koanf:"POSTGRES_USER"`
	Password string `koanf:"POSTGRES_PASSWORD"`
	SSLMode  string `koanf:"POSTGRES_SSLMODE"`
}

// Origins splits CORSOrigins into a list, dropping blanks.
func (c Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// RulesRefreshInterval returns RulesRefresh as a duration.
func (c Config) RulesRefreshInterval() time.Duration {
	return time.Duration(c.RulesRefresh) * time.Second
}

// Location returns the time zone for scheduled jobs.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.ReclassifyTimezone)
}

func (c *Config) applyDefaults() {
	if c.ReaderPlugin == "" {
		c.ReaderPlugin = DefaultReader
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = DefaultHTTPAddr
	}
	if c.ReclassifyTimezone == "" {
		c.ReclassifyTimezone = DefaultTimezone
	}
	if c.ClassifyWorkers <= 0 {
		c.ClassifyWorkers = 4
	}
	if c.OAuth.ClientSecretFile == "" {
		c.OAuth.ClientSecretFile = DefaultClientSecretFile
	}
	if c.OAuth.TokenFile == "" {
		c.OAuth.TokenFile = DefaultTokenFile
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
}
