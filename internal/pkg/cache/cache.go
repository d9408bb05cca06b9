package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/config"
)

var (
	mu     sync.RWMutex
	client *redis.Client
)

// SetupCache initializes the shared Redis connection used by the job queue
// and the allow-list cache.
func SetupCache(cfg config.CacheConfig) *redis.Client {
	c := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if pong, err := c.Ping(ctx).Result(); err != nil {
		log.Warnf("[Cache] Could not connect to Redis at %s: %v", c.Options().Addr, err)
	} else {
		log.Infof("[Cache] Connected to Redis: %s", pong)
	}

	SetClient(c)
	return c
}

// SetClient replaces the shared client (tests use miniredis).
func SetClient(c *redis.Client) {
	mu.Lock()
	client = c
	mu.Unlock()
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	mu.RLock()
	defer mu.RUnlock()
	if client == nil {
		panic("cache not initialized. Call SetupCache first.")
	}
	return client
}

// Ping is the cheap readiness probe used by the health endpoint.
func Ping(ctx context.Context) error {
	return GetClient().Ping(ctx).Err()
}

// Set stores a value in the cache with the given key and expiration time
func Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return GetClient().Set(ctx, key, value, expiration).Err()
}

// Get retrieves a value from the cache by key
func Get(ctx context.Context, key string) (string, error) {
	return GetClient().Get(ctx, key).Result()
}

// Delete removes values from the cache by key
func Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return GetClient().Del(ctx, keys...).Err()
}
