package domain

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server" toml:"server"`

	// Tier selects the infrastructure profile
	Tier Tier `json:"tier" yaml:"tier" toml:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository" toml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache" toml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus" toml:"eventBus"`

	// Fraud pipeline
	Engine     EngineConfig     `json:"engine" yaml:"engine" toml:"engine"`
	Worker     WorkerConfig     `json:"worker" yaml:"worker" toml:"worker"`
	Thresholds ThresholdsConfig `json:"thresholds" yaml:"thresholds" toml:"thresholds"`
	Alerts     AlertsConfig     `json:"alerts" yaml:"alerts" toml:"alerts"`
	Notify     NotifyConfig     `json:"notify" yaml:"notify" toml:"notify"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging" toml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing" toml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host" toml:"host"`
	Port         int    `json:"port" yaml:"port" toml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout" toml:"readTimeout"`    // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout" toml:"writeTimeout"` // seconds
}

// EngineConfig tunes the heuristic orchestrator.
type EngineConfig struct {
	// MaxWorkers bounds how many heuristics run at once. Zero means one per heuristic.
	MaxWorkers int `json:"maxWorkers" yaml:"maxWorkers" toml:"maxWorkers"`

	// HeuristicTimeoutMs caps a single heuristic. Zero disables the timeout.
	HeuristicTimeoutMs int `json:"heuristicTimeoutMs" yaml:"heuristicTimeoutMs" toml:"heuristicTimeoutMs"`
}

// WorkerConfig holds the asynchronous evaluation worker settings.
type WorkerConfig struct {
	Enabled        bool `json:"enabled" yaml:"enabled" toml:"enabled"`
	Concurrency    int  `json:"concurrency" yaml:"concurrency" toml:"concurrency"`
	MaxAttempts    int  `json:"maxAttempts" yaml:"maxAttempts" toml:"maxAttempts"`
	RetryBackoffMs int  `json:"retryBackoffMs" yaml:"retryBackoffMs" toml:"retryBackoffMs"`
}

// ThresholdsConfig controls the threshold provider.
type ThresholdsConfig struct {
	// CacheTTL in seconds for the active threshold set.
	CacheTTL int `json:"cacheTtl" yaml:"cacheTtl" toml:"cacheTtl"`

	// SeedDefaults inserts the default rule set on startup when keys are missing.
	SeedDefaults bool `json:"seedDefaults" yaml:"seedDefaults" toml:"seedDefaults"`

	// File is an optional YAML/TOML file of rule values kept in sync with the store.
	File  string `json:"file" yaml:"file" toml:"file"`
	Watch bool   `json:"watch" yaml:"watch" toml:"watch"`
}

// AlertsConfig holds the supervisor alert policies.
type AlertsConfig struct {
	Policies []AlertPolicy `json:"policies" yaml:"policies" toml:"policies"`
}

// NotifyConfig holds supervisor notification settings.
type NotifyConfig struct {
	DiscordToken     string `json:"discordToken" yaml:"discordToken" toml:"discordToken"`
	DiscordChannelID string `json:"discordChannelId" yaml:"discordChannelId" toml:"discordChannelId"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`    // debug, info, warn, error
	Format string `json:"format" yaml:"format" toml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"serviceName" toml:"serviceName"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"`
}

// Tier represents the deployment profile.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300, // 5 minutes
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Engine: EngineConfig{
			MaxWorkers:         0,
			HeuristicTimeoutMs: 5000,
		},
		Worker: WorkerConfig{
			Enabled:        true,
			Concurrency:    4,
			MaxAttempts:    3,
			RetryBackoffMs: 2000,
		},
		Thresholds: ThresholdsConfig{
			CacheTTL:     300,
			SeedDefaults: true,
		},
		Alerts: AlertsConfig{
			Policies: []AlertPolicy{DefaultAlertPolicy()},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       60,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    DefaultQueueGroup,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
