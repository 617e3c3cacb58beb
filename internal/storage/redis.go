package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Username and Password authenticate against Redis ACLs. Optional.
	Username string
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces all keys, for shared deployments.
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStorage implements Storage on a Redis server. TTLs map to Redis key
// expiry; locks use SET NX PX so acquisition is a single atomic command.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

func (r *RedisStorage) key(k string) string {
	return r.keyPrefix + k
}

// Get implements Storage.
func (r *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Key: key, Err: err}
	}
	return value, nil
}

// Set implements Storage.
func (r *RedisStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return &StorageError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Delete implements Storage.
func (r *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Exists implements Storage.
func (r *RedisStorage) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, &StorageError{Op: "exists", Key: key, Err: err}
	}
	return n > 0, nil
}

// MultiGet implements Storage.
func (r *RedisStorage) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = r.key(key)
	}

	values, err := r.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, &StorageError{Op: "multi_get", Key: keys[0], Err: err}
	}

	out := make(map[string][]byte, len(keys))
	for i, value := range values {
		if value == nil {
			continue
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		out[keys[i]] = []byte(s)
	}
	return out, nil
}

// MultiSet implements Storage. The batch goes through a transactional
// pipeline so either all writes apply or none do.
func (r *RedisStorage) MultiSet(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}

	pipe := r.client.TxPipeline()
	for key, value := range values {
		pipe.Set(ctx, r.key(key), value, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &StorageError{Op: "multi_set", Key: "", Err: err}
	}
	return nil
}

// AcquireLock implements Storage via SET NX PX.
func (r *RedisStorage) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), "1", ttl).Result()
	if err != nil {
		return false, &StorageError{Op: "acquire_lock", Key: key, Err: err}
	}
	return ok, nil
}

// ReleaseLock implements Storage.
func (r *RedisStorage) ReleaseLock(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return &StorageError{Op: "release_lock", Key: key, Err: err}
	}
	return nil
}

// Close implements Storage.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}
