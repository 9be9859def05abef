package domain

import (
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Engine and pipeline tuning
	Engine   EngineConfig   `json:"engine"`
	Pipeline PipelineConfig `json:"pipeline"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// EngineConfig tunes rule evaluation.
type EngineConfig struct {
	// RuleTimeout bounds a single rule's evaluation; primarily ML calls.
	RuleTimeout time.Duration `json:"ruleTimeout"`

	// RuleCacheTTL bounds staleness of the active rule set. Rule edits
	// become visible within this interval.
	RuleCacheTTL time.Duration `json:"ruleCacheTtl"`

	// MaxCompositeDepth caps recursive composite resolution as a defensive
	// backstop behind the visiting-set cycle check.
	MaxCompositeDepth int `json:"maxCompositeDepth"`

	// MLRetries is the number of retries for a failed scoring call.
	MLRetries int `json:"mlRetries"`

	// MLRetryBackoff is the initial retry backoff; doubled per attempt.
	MLRetryBackoff time.Duration `json:"mlRetryBackoff"`

	// MaxRetention is the longest window the aggregator has to answer for.
	MaxRetention time.Duration `json:"maxRetention"`
}

// PipelineConfig tunes the async dispatch pipeline.
type PipelineConfig struct {
	// Workers is the bounded pool size.
	Workers int `json:"workers"`

	// TaskTimeout bounds a transaction's total evaluation time; after it
	// the transaction is marked failed with partial results preserved.
	TaskTimeout time.Duration `json:"taskTimeout"`

	// MaxAttempts caps task deliveries before dead-lettering.
	MaxAttempts int `json:"maxAttempts"`

	// RetryBackoff is the initial redelivery backoff; doubled per attempt.
	RetryBackoff time.Duration `json:"retryBackoff"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint"`
}

// DefaultConfig returns a single-node configuration: SQLite, in-memory
// cache, channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Engine: EngineConfig{
			RuleTimeout:       5 * time.Second,
			RuleCacheTTL:      30 * time.Second,
			MaxCompositeDepth: 5,
			MLRetries:         2,
			MLRetryBackoff:    200 * time.Millisecond,
			MaxRetention:      30 * 24 * time.Hour,
		},
		Pipeline: PipelineConfig{
			Workers:      5,
			TaskTimeout:  30 * time.Second,
			MaxAttempts:  3,
			RetryBackoff: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ClusterConfig returns a multi-node configuration: PostgreSQL, Redis
// two-phase cache, NATS bus.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
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
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
