package router

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/config"
)

// limiterDatabase keeps rate-limit counters apart from jobs and the
// allow-list cache in DB 0.
const limiterDatabase = 1

// NewLimiterStorage shares rate-limit counters between server instances.
func NewLimiterStorage(cfg config.CacheConfig) fiber.Storage {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		port = 6379
	}
	return redis.New(redis.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: limiterDatabase,
		Reset:    false,
	})
}
