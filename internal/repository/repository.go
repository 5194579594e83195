// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "memory":
		return NewMemoryRepository(), nil
	case "redis":
		return NewRedisRepository(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a record by key.
func (r *SQLRepository) Get(ctx context.Context, key string) (*domain.Record, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: key is required", domain.ErrInvalidInput)
	}

	query := `
		SELECT record_key, value, version, updated_at
		FROM kv_records
		WHERE record_key = ?
	`

	var rec domain.Record
	var value string
	err := r.db.QueryRowContext(ctx, r.rebind(query), key).Scan(&rec.Key, &value, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Value = []byte(value)
	return &rec, nil
}

// Put writes a record with optimistic concurrency control.
func (r *SQLRepository) Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("%w: key is required", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()

	switch {
	case expectedVersion == domain.AnyVersion:
		query := `
			INSERT INTO kv_records (record_key, family, value, version, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (record_key) DO UPDATE
			SET value = excluded.value,
			    version = kv_records.version + 1,
			    updated_at = excluded.updated_at
			RETURNING version
		`
		var version int64
		err := r.db.QueryRowContext(ctx, r.rebind(query), key, family(key), string(value), now).Scan(&version)
		return version, err

	case expectedVersion == domain.NewRecord:
		query := `
			INSERT INTO kv_records (record_key, family, value, version, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT (record_key) DO NOTHING
		`
		result, err := r.db.ExecContext(ctx, r.rebind(query), key, family(key), string(value), now)
		if err != nil {
			return 0, err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		if rows == 0 {
			return 0, fmt.Errorf("%w: %s already exists", domain.ErrConcurrentModification, key)
		}
		return 1, nil

	case expectedVersion > 0:
		query := `
			UPDATE kv_records
			SET value = ?, version = version + 1, updated_at = ?
			WHERE record_key = ? AND version = ?
		`
		result, err := r.db.ExecContext(ctx, r.rebind(query), string(value), now, key, expectedVersion)
		if err != nil {
			return 0, err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		if rows == 0 {
			return 0, r.missOrConflict(ctx, key)
		}
		return expectedVersion + 1, nil

	default:
		return 0, fmt.Errorf("%w: invalid expected version %d", domain.ErrInvalidInput, expectedVersion)
	}
}

// Delete removes a record, honouring expectedVersion unless it is AnyVersion.
func (r *SQLRepository) Delete(ctx context.Context, key string, expectedVersion int64) error {
	if key == "" {
		return fmt.Errorf("%w: key is required", domain.ErrInvalidInput)
	}

	query := `DELETE FROM kv_records WHERE record_key = ?`
	args := []any{key}
	if expectedVersion > 0 {
		query += ` AND version = ?`
		args = append(args, expectedVersion)
	}

	result, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if expectedVersion > 0 {
			return r.missOrConflict(ctx, key)
		}
		return domain.ErrNotFound
	}
	return nil
}

// List returns all records under a key prefix.
func (r *SQLRepository) List(ctx context.Context, prefix string) ([]*domain.Record, error) {
	query := `
		SELECT record_key, value, version, updated_at
		FROM kv_records
		WHERE record_key LIKE ? ESCAPE '\'
		ORDER BY record_key
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.Record
	for rows.Next() {
		var rec domain.Record
		var value string
		if err := rows.Scan(&rec.Key, &value, &rec.Version, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Value = []byte(value)
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) missOrConflict(ctx context.Context, key string) error {
	if _, err := r.Get(ctx, key); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", domain.ErrConcurrentModification, key)
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

// family is the key up to its first colon, e.g. "fingerprints" or "usage".
func family(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
