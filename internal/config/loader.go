package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration from multiple sources in priority order:
// 1. Default values
// 2. Configuration file (kassad.toml)
// 3. Environment variables (KASSAD_ prefix)
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 1. Set defaults first
	setDefaults(v)

	// 2. Load main configuration file if present
	if configPath != "" {
		v.SetConfigFile(configPath)
		if _, err := os.Stat(configPath); err == nil {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
			}
		}
	}

	// 3. Set up environment variable support
	v.SetEnvPrefix("KASSAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Unmarshal into struct
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.configPath = configPath

	// 5. Validate the complete configuration
	if err := ValidateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// LoadDefaultConfig loads configuration from the default location.
func LoadDefaultConfig() (*Config, error) {
	return LoadConfig("kassad.toml")
}
