// Package config loads the daemon configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/kartikbazzad/durabase/replication"
)

// Config is the full daemon configuration. Mapstructure keys avoid
// underscores so DURABASE_* environment variables map onto them cleanly
// (DURABASE_REPLICATION_PRIMARYADDR -> replication.primaryaddr).
type Config struct {
	DataDir     string             `mapstructure:"datadir"`
	ListenAddr  string             `mapstructure:"listenaddr"`
	LogLevel    string             `mapstructure:"loglevel"`
	LogFormat   string             `mapstructure:"logformat"`
	Replication replication.Config `mapstructure:"replication"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		DataDir:    "./data",
		ListenAddr: "127.0.0.1:7421",
		LogLevel:   "INFO",
		LogFormat:  "json",
		Replication: replication.Config{
			Role: replication.RoleDisabled,
		},
	}
}

// Load loads configuration from .env file and environment variables
// prefix: Environment variable prefix (e.g. "DURABASE_")
// target: Pointer to the config struct to load into
func Load(prefix string, target interface{}) error {
	v := viper.New()

	// 1. Load from .env file (if exists)
	v.SetConfigFile(".env")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Optional file; parsing problems surface during Unmarshal if a
			// critical key is affected.
			_ = err
		}
	}

	// 2. Load from environment variables.
	// Viper's AutomaticEnv doesn't work well with Unmarshal if keys aren't
	// known, so iterate env vars and populate viper directly.
	prefixUpper := strings.ToUpper(prefix)
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		key, value := pair[0], pair[1]

		if strings.HasPrefix(key, prefixUpper) {
			// DURABASE_REPLICATION_ROLE -> replication.role
			propKey := strings.TrimPrefix(key, prefixUpper)
			propKey = strings.ToLower(strings.ReplaceAll(propKey, "_", "."))
			propKey = strings.TrimPrefix(propKey, ".")

			v.Set(propKey, value)
		}
	}

	// 3. Unmarshal into struct
	if err := v.Unmarshal(target); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}
