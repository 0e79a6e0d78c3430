package config

// Config is the complete kassad configuration, assembled by LoadConfig.
type Config struct {
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `toml:"database" mapstructure:"database"`
	TSE       TSEConfig       `toml:"tse" mapstructure:"tse"`
	Embedding EmbeddingConfig `toml:"embedding" mapstructure:"embedding"`
	Printer   PrinterConfig   `toml:"printer" mapstructure:"printer"`
	Logging   LoggingConfig   `toml:"logging" mapstructure:"logging"`
	Tax       TaxConfig       `toml:"tax" mapstructure:"tax"`

	configPath string
}

// ServerConfig represents the [server] section.
type ServerConfig struct {
	IP               string `toml:"ip" mapstructure:"ip"`
	Port             int    `toml:"port" mapstructure:"port"`
	ReadLimitBytes   int64  `toml:"read_limit_bytes" mapstructure:"read_limit_bytes"`
	SendQueueLimit   int    `toml:"send_queue_limit" mapstructure:"send_queue_limit"`
	OperationTTLSecs int    `toml:"operation_ttl_secs" mapstructure:"operation_ttl_secs"`
}

// DatabaseConfig represents the [database] section.
type DatabaseConfig struct {
	Path               string `toml:"path" mapstructure:"path"`
	MaxOpenConnections int    `toml:"max_open_connections" mapstructure:"max_open_connections"`
	MaxIdleConnections int    `toml:"max_idle_connections" mapstructure:"max_idle_connections"`
	BusyTimeoutMillis  int    `toml:"busy_timeout_millis" mapstructure:"busy_timeout_millis"`
	JournalMode        string `toml:"journal_mode" mapstructure:"journal_mode"`
	EmbeddingCachePath string `toml:"embedding_cache_path" mapstructure:"embedding_cache_path"`
}

// TSEConfig represents the [tse] section. Mode "local" uses the bundled
// development signer; mode "http" talks to an external technical security
// element over JSON/HTTP.
type TSEConfig struct {
	Mode        string `toml:"mode" mapstructure:"mode"`
	Endpoint    string `toml:"endpoint" mapstructure:"endpoint"`
	APIKey      string `toml:"api_key" mapstructure:"api_key"`
	TimeoutSecs int    `toml:"timeout_secs" mapstructure:"timeout_secs"`
}

// EmbeddingConfig represents the [embedding] section.
type EmbeddingConfig struct {
	Endpoint    string `toml:"endpoint" mapstructure:"endpoint"`
	APIKey      string `toml:"api_key" mapstructure:"api_key"`
	Model       string `toml:"model" mapstructure:"model"`
	Dimensions  int    `toml:"dimensions" mapstructure:"dimensions"`
	TimeoutSecs int    `toml:"timeout_secs" mapstructure:"timeout_secs"`
	CacheSize   int    `toml:"cache_size" mapstructure:"cache_size"`
}

// PrinterConfig represents the [printer] section. Printing is best-effort;
// a missing or unreachable printer never fails a transaction.
type PrinterConfig struct {
	Enabled     bool   `toml:"enabled" mapstructure:"enabled"`
	Address     string `toml:"address" mapstructure:"address"`
	TimeoutSecs int    `toml:"timeout_secs" mapstructure:"timeout_secs"`
}

// LoggingConfig represents the [logging] section.
type LoggingConfig struct {
	Level   string `toml:"level" mapstructure:"level"`
	Console bool   `toml:"console" mapstructure:"console"`
}

// TaxConfig represents the [tax] section. Rates maps a category type to a
// percentage; categories without an entry fall back to DefaultRate.
type TaxConfig struct {
	Rates       map[string]float64 `toml:"rates" mapstructure:"rates"`
	DefaultRate float64            `toml:"default_rate" mapstructure:"default_rate"`
}

// GetConfigPath returns the path the configuration was loaded from.
func (c *Config) GetConfigPath() string { return c.configPath }
