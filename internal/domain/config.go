package domain

import "time"

// Config holds the complete Harrier configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backing services are used
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Risk engine behaviour
	Engine   EngineConfig   `json:"engine"`
	Detector DetectorConfig `json:"detector"`

	// AsyncWorker subscribes to the request topics on the event bus.
	AsyncWorker bool `json:"asyncWorker"`

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

	// AllowedOrigins limits CORS to these origins; empty allows any.
	AllowedOrigins []string `json:"allowedOrigins"`
}

// EngineConfig tunes fingerprinting, scoring and retention.
type EngineConfig struct {
	// FingerprintSecret keys the fingerprint hash. Changing it re-keys every identity.
	FingerprintSecret string `json:"-"`

	// SharingPenalty is added to an identity's risk score each time a new
	// user joins an already-shared association set.
	SharingPenalty uint8 `json:"sharingPenalty"`

	BlockThreshold  float64 `json:"blockThreshold"`
	ReviewThreshold float64 `json:"reviewThreshold"`

	// RuleWorkers bounds parallel rule evaluation per assessment.
	RuleWorkers int `json:"ruleWorkers"`

	UsageRetention time.Duration `json:"usageRetention"`

	// SeedDefaultRules installs the default policy when no rules are stored.
	SeedDefaultRules bool `json:"seedDefaultRules"`

	// GeoIPTable is an optional file of "cidr country flags" lines for the static geo-IP provider.
	GeoIPTable string `json:"geoipTable,omitempty"`
}

// DetectorConfig controls the scheduled pattern detector.
type DetectorConfig struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process LRU
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
			SQLitePath: "./harrier.db",
		},
		Cache: CacheConfig{
			Backend:  "memory",
			L1Size:   10000,
			L1TTL:    5 * time.Minute,
			EntryTTL: 30 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Engine: EngineConfig{
			FingerprintSecret: "harrier-dev-fingerprint-key",
			SharingPenalty:    25,
			BlockThreshold:    80,
			ReviewThreshold:   40,
			RuleWorkers:       16,
			UsageRetention:    90 * 24 * time.Hour,
			SeedDefaultRules:  true,
		},
		Detector: DetectorConfig{
			Enabled:  true,
			Interval: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "harrier",
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
		PostgresDB:   "harrier",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
	}
	cfg.Cache = CacheConfig{
		Backend:   "redis",
		RedisAddr: "localhost:6379",
		KeyPrefix: "harrier:fp:",
		Layered:   true,
		L1Size:    1000,
		L1TTL:     time.Minute,
		EntryTTL:  30 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSQueueGroup:    "harrier-workers",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.AsyncWorker = true
	cfg.Tracing.Enabled = true
	return cfg
}
