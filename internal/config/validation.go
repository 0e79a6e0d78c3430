package config

import "fmt"

// ValidateConfig checks the assembled configuration for fatal mistakes.
// Validation failures terminate startup.
func ValidateConfig(c *Config) error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.OperationTTLSecs <= 0 {
		return fmt.Errorf("server.operation_ttl_secs must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.BusyTimeoutMillis < 0 {
		return fmt.Errorf("database.busy_timeout_millis must be >= 0")
	}

	switch c.TSE.Mode {
	case "local":
	case "http":
		if c.TSE.Endpoint == "" {
			return fmt.Errorf("tse.endpoint is required when tse.mode is http")
		}
	default:
		return fmt.Errorf("tse.mode must be local or http, got %q", c.TSE.Mode)
	}
	if c.TSE.TimeoutSecs <= 0 {
		return fmt.Errorf("tse.timeout_secs must be positive")
	}

	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive")
	}
	if c.Embedding.TimeoutSecs <= 0 {
		return fmt.Errorf("embedding.timeout_secs must be positive")
	}

	if c.Printer.Enabled && c.Printer.Address == "" {
		return fmt.Errorf("printer.address is required when printer.enabled is true")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}

	for categoryType, rate := range c.Tax.Rates {
		if rate < 0 || rate > 100 {
			return fmt.Errorf("tax rate for %q out of range: %v", categoryType, rate)
		}
	}
	if c.Tax.DefaultRate < 0 || c.Tax.DefaultRate > 100 {
		return fmt.Errorf("tax.default_rate out of range: %v", c.Tax.DefaultRate)
	}

	return nil
}
