package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	redisRecordPrefix = "harrier:kv:"
	redisIndexKey     = "harrier:kv:index"
)

// putScript performs a versioned write and keeps the lexicographic key index
// in step. It returns the new version, -1 on a version conflict and -2 when
// an update targets a missing key.
var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
local expected = tonumber(ARGV[2])
if expected == 0 then
	if cur then return -1 end
elseif expected > 0 then
	if not cur then return -2 end
	if tonumber(cur) ~= expected then return -1 end
end
local nv = 1
if cur then nv = tonumber(cur) + 1 end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'ver', nv, 'ts', ARGV[3])
redis.call('ZADD', KEYS[2], 0, ARGV[4])
return nv
`)

var deleteScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
if not cur then return -2 end
local expected = tonumber(ARGV[1])
if expected > 0 and tonumber(cur) ~= expected then return -1 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// RedisRepository implements domain.Repository on Redis hashes.
// Each record is a hash {v, ver, ts}; a sorted set indexes keys for prefix scans.
type RedisRepository struct {
	client *redis.Client
}

// NewRedisRepository connects to Redis and verifies the connection.
func NewRedisRepository(addr, password string, db int) (*RedisRepository, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisRepository{client: client}, nil
}

// Get retrieves a record by key.
func (r *RedisRepository) Get(ctx context.Context, key string) (*domain.Record, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: key is required", domain.ErrInvalidInput)
	}

	vals, err := r.client.HMGet(ctx, redisRecordPrefix+key, "v", "ver", "ts").Result()
	if err != nil {
		return nil, err
	}
	return decodeRedisRecord(key, vals)
}

// Put writes a record with optimistic concurrency control.
func (r *RedisRepository) Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("%w: key is required", domain.ErrInvalidInput)
	}
	if expectedVersion < domain.AnyVersion {
		return 0, fmt.Errorf("%w: invalid expected version %d", domain.ErrInvalidInput, expectedVersion)
	}

	ts := strconv.FormatInt(time.Now().UTC().UnixNano(), 10)
	res, err := putScript.Run(ctx, r.client,
		[]string{redisRecordPrefix + key, redisIndexKey},
		value, expectedVersion, ts, key,
	).Int64()
	if err != nil {
		return 0, err
	}

	switch res {
	case -1:
		return 0, fmt.Errorf("%w: %s", domain.ErrConcurrentModification, key)
	case -2:
		return 0, domain.ErrNotFound
	}
	return res, nil
}

// Delete removes a record, honouring expectedVersion unless it is AnyVersion.
func (r *RedisRepository) Delete(ctx context.Context, key string, expectedVersion int64) error {
	res, err := deleteScript.Run(ctx, r.client,
		[]string{redisRecordPrefix + key, redisIndexKey},
		expectedVersion, key,
	).Int64()
	if err != nil {
		return err
	}

	switch res {
	case -1:
		return fmt.Errorf("%w: %s", domain.ErrConcurrentModification, key)
	case -2:
		return domain.ErrNotFound
	}
	return nil
}

// List returns all records under a key prefix, ordered by key.
func (r *RedisRepository) List(ctx context.Context, prefix string) ([]*domain.Record, error) {
	keys, err := r.client.ZRangeByLex(ctx, redisIndexKey, &redis.ZRangeBy{
		Min: "[" + prefix,
		Max: "[" + prefix + "\xff",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HMGet(ctx, redisRecordPrefix+key, "v", "ver", "ts")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	records := make([]*domain.Record, 0, len(keys))
	for i, key := range keys {
		rec, err := decodeRedisRecord(key, cmds[i].Val())
		if errors.Is(err, domain.ErrNotFound) {
			// Deleted between the index scan and the fetch.
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Ping checks Redis connectivity.
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func decodeRedisRecord(key string, vals []any) (*domain.Record, error) {
	if len(vals) != 3 || vals[0] == nil || vals[1] == nil {
		return nil, domain.ErrNotFound
	}

	value, _ := vals[0].(string)
	verStr, _ := vals[1].(string)
	version, err := strconv.ParseInt(verStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt version for %s: %w", key, err)
	}

	rec := &domain.Record{
		Key:     key,
		Value:   []byte(value),
		Version: version,
	}
	if tsStr, ok := vals[2].(string); ok {
		if ns, err := strconv.ParseInt(tsStr, 10, 64); err == nil {
			rec.UpdatedAt = time.Unix(0, ns).UTC()
		}
	}
	return rec, nil
}
