package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment prefix read by Load.
const EnvPrefix = "DOCQUERY_"

// Load starts from DefaultConfig, overlays the optional config file (YAML,
// JSON or TOML by extension) and then DOCQUERY_* environment variables, and
// validates the result.
//
// DOCQUERY_QUERY_MAXCONCURRENCY=4 -> query.maxconcurrency
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := loadInto(EnvPrefix, path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadInto(prefix, path string, target interface{}) error {
	v := viper.New()

	// 1. Config file (optional)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// 2. Environment variables
	// AutomaticEnv does not help Unmarshal when keys are unknown up front,
	// so walk the environment and set dotted keys explicitly.
	prefixUpper := strings.ToUpper(prefix)
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		if len(pair) != 2 {
			continue
		}
		key, value := pair[0], pair[1]

		if strings.HasPrefix(key, prefixUpper) {
			propKey := strings.TrimPrefix(key, prefixUpper)
			propKey = strings.ToLower(strings.ReplaceAll(propKey, "_", "."))
			propKey = strings.TrimPrefix(propKey, ".")

			v.Set(propKey, value)
		}
	}

	// 3. Unmarshal over the defaults already in target
	if err := v.Unmarshal(target); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}
