// Package symbols resolves internal asset identifiers to provider-native
// symbols.
//
// Different market-data providers spell the same instrument differently
// ("AAPL.XNAS" internally, "AAPL.US" at stooq, "AAPL" at a broker feed).
// This package loads a per-provider mapping configuration and resolves
// asset ids through explicit overrides first, then ordered patterns.
package symbols

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quantlab-io/datacore/internal/config"
)

type (
	// SymbolPattern maps an asset-id shape to a provider symbol template.
	//
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	SymbolPattern struct {
		// Pattern matches asset ids, e.g. "{ticker}.XNAS".
		Pattern string `yaml:"pattern"`
		// Symbol is the provider symbol template, e.g. "{ticker}.US".
		Symbol string `yaml:"symbol"`
	}

	// Config holds symbol mapping configuration loaded from .datacore.yaml.
	//
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	Config struct {
		// SymbolOverrides maps exact asset ids to provider symbols and
		// wins over patterns.
		SymbolOverrides map[string]string `yaml:"symbol_overrides"`
		// SymbolPatterns are tried in order; first match wins.
		SymbolPatterns []SymbolPattern `yaml:"symbol_patterns"`
	}
)

// DefaultConfigPath is the default location for the mapping configuration
// file. Uses hidden file format following common tool conventions
// (.eslintrc, .prettierrc, etc.).
const DefaultConfigPath = ".datacore.yaml"

// ConfigPathEnvVar is the environment variable name for custom config path.
const ConfigPathEnvVar = "DATACORE_SYMBOLS_PATH"

// LoadConfig loads symbol mapping configuration from a YAML file.
//
// Behavior:
//   - Returns empty config (not error) if file doesn't exist - mappings are optional
//   - Returns empty config + logs warning if YAML is invalid (graceful degradation)
//   - Returns populated config on success
//
// Graceful degradation keeps callers bootable without a mapping file; a
// mapper built from an empty config fails per-asset at resolve time
// instead.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		SymbolOverrides: make(map[string]string),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, continuing without symbol mappings",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read config file, continuing without symbol mappings",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse config file, continuing without symbol mappings",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{SymbolOverrides: make(map[string]string)}, nil
	}

	if cfg.SymbolOverrides == nil {
		cfg.SymbolOverrides = make(map[string]string)
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path in DATACORE_SYMBOLS_PATH.
// Falls back to ".datacore.yaml" in the current directory if not set.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}
