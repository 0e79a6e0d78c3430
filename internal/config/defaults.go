package config

import "github.com/spf13/viper"

// setDefaults establishes the default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.ip", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_limit_bytes", 512*1024)
	v.SetDefault("server.send_queue_limit", 256)
	v.SetDefault("server.operation_ttl_secs", 60)

	// Database defaults
	v.SetDefault("database.path", "kassad.db")
	v.SetDefault("database.max_open_connections", 1)
	v.SetDefault("database.max_idle_connections", 1)
	v.SetDefault("database.busy_timeout_millis", 5000)
	v.SetDefault("database.journal_mode", "wal")
	v.SetDefault("database.embedding_cache_path", "embeddings.cache")

	// TSE defaults: the local development signer, so a fresh checkout runs
	// without an external security element.
	v.SetDefault("tse.mode", "local")
	v.SetDefault("tse.endpoint", "")
	v.SetDefault("tse.timeout_secs", 10)

	// Embedding provider defaults
	v.SetDefault("embedding.endpoint", "")
	v.SetDefault("embedding.model", "nomic-embed-text")
	v.SetDefault("embedding.dimensions", 768)
	v.SetDefault("embedding.timeout_secs", 15)
	v.SetDefault("embedding.cache_size", 4096)

	// Printer defaults
	v.SetDefault("printer.enabled", false)
	v.SetDefault("printer.timeout_secs", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)

	// Tax defaults: two-rate mapping. Deployments with richer tax tables
	// override this section in kassad.toml.
	v.SetDefault("tax.rates", map[string]float64{
		"drink": 19.0,
		"food":  7.0,
		"other": 7.0,
	})
	v.SetDefault("tax.default_rate", 7.0)
}
