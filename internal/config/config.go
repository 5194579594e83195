// Package config loads Harrier configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/harrier/internal/domain"
)

const devFingerprintSecret = "harrier-dev-fingerprint-key"

// Load builds the configuration for the selected tier and applies HARRIER_* overrides.
// A .env file in the working directory is loaded first if present.
func Load() (*domain.Config, error) {
	_ = godotenv.Load()

	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv("HARRIER_TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	// Server
	cfg.Server.Host = getEnv("HARRIER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("HARRIER_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvInt("HARRIER_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvInt("HARRIER_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.AllowedOrigins = getEnvList("HARRIER_CORS_ORIGINS", cfg.Server.AllowedOrigins)

	// Repository
	cfg.Repository.Driver = getEnv("HARRIER_REPOSITORY", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("HARRIER_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresURL = getEnv("HARRIER_DATABASE_URL", cfg.Repository.PostgresURL)
	cfg.Repository.PostgresHost = getEnv("HARRIER_POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = getEnvInt("HARRIER_POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("HARRIER_POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("HARRIER_POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("HARRIER_POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("HARRIER_POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)
	cfg.Repository.RedisAddr = getEnv("HARRIER_REPOSITORY_REDIS_ADDR", cfg.Repository.RedisAddr)

	// Cache
	cfg.Cache.Backend = getEnv("HARRIER_CACHE", cfg.Cache.Backend)
	cfg.Cache.RedisAddr = getEnv("HARRIER_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("HARRIER_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = getEnvInt("HARRIER_REDIS_DB", cfg.Cache.RedisDB)
	cfg.Cache.KeyPrefix = getEnv("HARRIER_REDIS_KEY_PREFIX", cfg.Cache.KeyPrefix)
	cfg.Cache.Layered = getEnvBool("HARRIER_CACHE_LAYERED", cfg.Cache.Layered)
	cfg.Cache.L1Size = getEnvInt("HARRIER_CACHE_SIZE", cfg.Cache.L1Size)
	cfg.Cache.EntryTTL = getEnvDuration("HARRIER_CACHE_TTL", cfg.Cache.EntryTTL)
	if cfg.Repository.Driver == "redis" && cfg.Repository.RedisAddr == "" {
		cfg.Repository.RedisAddr = cfg.Cache.RedisAddr
	}

	// Event bus
	cfg.EventBus.Type = getEnv("HARRIER_EVENTBUS", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = getEnv("HARRIER_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("HARRIER_NATS_TOKEN", cfg.EventBus.NATSToken)
	cfg.EventBus.NATSQueueGroup = getEnv("HARRIER_NATS_QUEUE_GROUP", cfg.EventBus.NATSQueueGroup)
	cfg.AsyncWorker = getEnvBool("HARRIER_ASYNC_WORKER", cfg.AsyncWorker)

	// Engine
	cfg.Engine.FingerprintSecret = getEnv("HARRIER_FINGERPRINT_SECRET", cfg.Engine.FingerprintSecret)
	penalty := getEnvInt("HARRIER_SHARING_PENALTY", int(cfg.Engine.SharingPenalty))
	if penalty < 0 || penalty > 100 {
		return nil, fmt.Errorf("HARRIER_SHARING_PENALTY must be within 0..100, got %d", penalty)
	}
	cfg.Engine.SharingPenalty = uint8(penalty)
	cfg.Engine.BlockThreshold = getEnvFloat("HARRIER_BLOCK_THRESHOLD", cfg.Engine.BlockThreshold)
	cfg.Engine.ReviewThreshold = getEnvFloat("HARRIER_REVIEW_THRESHOLD", cfg.Engine.ReviewThreshold)
	cfg.Engine.RuleWorkers = getEnvInt("HARRIER_RULE_WORKERS", cfg.Engine.RuleWorkers)
	cfg.Engine.UsageRetention = getEnvDuration("HARRIER_USAGE_RETENTION", cfg.Engine.UsageRetention)
	cfg.Engine.SeedDefaultRules = getEnvBool("HARRIER_SEED_DEFAULT_RULES", cfg.Engine.SeedDefaultRules)
	cfg.Engine.GeoIPTable = getEnv("HARRIER_GEOIP_TABLE", cfg.Engine.GeoIPTable)

	// Detector
	cfg.Detector.Enabled = getEnvBool("HARRIER_DETECTOR_ENABLED", cfg.Detector.Enabled)
	cfg.Detector.Interval = getEnvDuration("HARRIER_DETECTOR_INTERVAL", cfg.Detector.Interval)

	// Observability
	cfg.Logging.Level = getEnv("HARRIER_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("HARRIER_LOG_FORMAT", cfg.Logging.Format)
	if getEnvBool("HARRIER_DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Tracing.Enabled = getEnvBool("HARRIER_TRACING", cfg.Tracing.Enabled)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func Validate(cfg *domain.Config) error {
	if cfg.Engine.FingerprintSecret == "" {
		return fmt.Errorf("fingerprint secret must not be empty")
	}
	if cfg.Tier == domain.TierPro && cfg.Engine.FingerprintSecret == devFingerprintSecret {
		return fmt.Errorf("HARRIER_FINGERPRINT_SECRET must be set in the pro tier")
	}
	if cfg.Engine.ReviewThreshold < 0 || cfg.Engine.BlockThreshold > 100 {
		return fmt.Errorf("thresholds must be within 0..100")
	}
	if cfg.Engine.ReviewThreshold > cfg.Engine.BlockThreshold {
		return fmt.Errorf("review threshold %.1f exceeds block threshold %.1f",
			cfg.Engine.ReviewThreshold, cfg.Engine.BlockThreshold)
	}
	if cfg.Engine.RuleWorkers <= 0 {
		return fmt.Errorf("rule workers must be positive, got %d", cfg.Engine.RuleWorkers)
	}
	if cfg.Engine.UsageRetention <= 0 {
		return fmt.Errorf("usage retention must be positive")
	}
	if cfg.Detector.Enabled && cfg.Detector.Interval <= 0 {
		return fmt.Errorf("detector interval must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
