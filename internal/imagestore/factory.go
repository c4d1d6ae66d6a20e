package imagestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendS3     = "s3"
)

type Config struct {
	Backend   string
	Dir       string
	Retention time.Duration
	Prefix    string
	S3        S3Config
}

// New builds the configured backend wrapped in a LoggingStore. redisClient
// is only used by the redis backend.
func New(ctx context.Context, cfg Config, redisClient *redis.Client) (*LoggingStore, error) {
	var (
		inner Store
		err   error
	)

	switch cfg.Backend {
	case BackendMemory:
		inner = NewMemoryStore(cfg.Retention, 0)
	case BackendRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("imagestore: redis backend needs a redis client")
		}
		inner = NewRedisStore(redisClient, RedisConfig{
			Prefix: cfg.Prefix,
			TTL:    cfg.Retention,
		})
	case BackendS3:
		inner, err = NewS3Store(ctx, cfg.S3)
	case BackendFS, "":
		inner, err = NewFSStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("imagestore: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	backend := cfg.Backend
	if backend == "" {
		backend = BackendFS
	}
	return NewLoggingStore(inner, backend), nil
}

// Close releases background resources held by the inner store.
func (s *LoggingStore) Close() error {
	if c, ok := s.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
