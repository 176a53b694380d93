package domain

import "time"

// Config holds the complete TRACE-X service configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines the default infrastructure stack
	Tier Tier `json:"tier"`

	// Engine settings for rule and graph evaluation
	Engine EngineConfig `json:"engine"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// API authentication
	Auth AuthConfig `json:"auth"`

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

// EngineConfig tunes the evaluation engine.
type EngineConfig struct {
	RulesPath       string  `json:"rulesPath"` // empty uses the embedded rule-book
	ListsDir        string  `json:"listsDir"`
	RetentionDays   int     `json:"retentionDays"`
	HistoryShards   int     `json:"historyShards"`
	PPRDamping      float64 `json:"pprDamping"`
	PPRMaxIter      int     `json:"pprMaxIter"`
	PPRTolerance    float64 `json:"pprTolerance"`
	MaxDepth        int     `json:"maxDepth"`  // DFS path length in nodes
	MaxVisits       int     `json:"maxVisits"` // DFS expansions per search
	IncludeTopology bool    `json:"includeTopology"`
	Workers         int     `json:"workers"`
	WarmDays        int     `json:"warmDays"` // history replayed from the repository at startup
}

// AuthConfig holds bearer-token settings. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `json:"-"`
	Issuer    string `json:"issuer"`
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
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-memory cache and Go channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ListsDir:      "data/lists",
		RetentionDays: 365,
		HistoryShards: 64,
		PPRDamping:    0.85,
		PPRMaxIter:    100,
		PPRTolerance:  1e-6,
		MaxDepth:      10,
		MaxVisits:     50000,
		Workers:       4,
		WarmDays:      30,
	}
}

// DefaultConfig returns a default configuration for the Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:   TierCommunity,
		Engine: DefaultEngineConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./tracex.db",
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
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "tracex",
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "tracex",
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
