// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"time"
)

// Key families persisted by the engine. Values are JSON documents.
const (
	KeyPaymentFingerprints = "fingerprints:payment:"
	KeyDeviceFingerprints  = "fingerprints:device:"
	KeyIPAccounts          = "fingerprints:ip:"
	KeyUsage               = "usage:"
	KeyRules               = "rules:"
	KeyAssessments         = "assessments:"
	KeyPatterns            = "patterns:"
	KeyReviews             = "reviews:"
)

// Version sentinels accepted by Repository.Put.
const (
	// AnyVersion overwrites unconditionally.
	AnyVersion int64 = -1

	// NewRecord only succeeds if the key does not exist yet.
	NewRecord int64 = 0
)

// Record is a single versioned value.
type Record struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Repository is the versioned key-value store every component persists through.
// Versions start at 1 and increase by one on every successful Put.
type Repository interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) (*Record, error)

	// Put writes value if the stored version equals expectedVersion
	// (or per the AnyVersion/NewRecord sentinels) and returns the new version.
	// A version mismatch returns ErrConcurrentModification.
	Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error)

	// Delete removes key under the same version rules as Put.
	Delete(ctx context.Context, key string, expectedVersion int64) error

	// List returns every record whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]*Record, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the storage driver: "memory", "sqlite", "postgres" or "redis"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresURL      string
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis specific
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
