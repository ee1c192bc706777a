package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Raw JSON settings that are decoded by hand so they may be given either as
// JSON strings (environment) or as nested objects (config file).
const (
	keyReaderConfig = "PENNYWISE_READER_CONFIG"
	keyExporters    = "PENNYWISE_EXPORTERS"
)

// Options controls where Load looks for configuration.
type Options struct {
	// File is an optional JSON config file. Missing files are ignored.
	File string
	// EnvFile is an optional dotenv file. Missing files are ignored.
	EnvFile string
}

// Load reads configuration. Precedence, lowest first: config file, dotenv
// file, process environment.
func Load(opts Options) (Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("loading env file: %w", err)
		}
	}

	k := koanf.New(".")

	if opts.File != "" {
		if _, err := os.Stat(opts.File); err == nil {
			if err := k.Load(file.Provider(opts.File), kjson.Parser()); err != nil {
				return Config{}, fmt.Errorf("loading config file: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("stat config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("", ".", nil), nil); err != nil {
		return Config{}, fmt.Errorf("loading config from environment: %w", err)
	}

	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (Config, error) {
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf", FlatPaths: true}); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}

	readerCfg, err := rawJSON(k, keyReaderConfig)
	if err != nil {
		return Config{}, err
	}
	cfg.ReaderConfig = readerCfg

	exporters, err := rawJSON(k, keyExporters)
	if err != nil {
		return Config{}, err
	}
	if len(exporters) > 0 {
		if err := json.Unmarshal(exporters, &cfg.Exporters); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", keyExporters, err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// rawJSON returns the value at key as JSON bytes. String values are assumed to
// already hold JSON; anything else is re-encoded.
func rawJSON(k *koanf.Koanf, key string) (json.RawMessage, error) {
	if !k.Exists(key) {
		return nil, nil
	}

	if s, ok := k.Get(key).(string); ok {
		if s == "" {
			return nil, nil
		}
		if !json.Valid([]byte(s)) {
			return nil, fmt.Errorf("%s is not valid JSON", key)
		}
		return json.RawMessage(s), nil
	}

	b, err := json.Marshal(k.Get(key))
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", key, err)
	}
	return b, nil
}
