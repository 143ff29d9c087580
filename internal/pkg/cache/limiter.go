package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/storage/redis"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/config"
)

// limiterDatabase keeps rate-limit counters apart from the cache (DB 0).
const limiterDatabase = 1

// NewLimiterStorage returns a Redis-backed fiber.Storage for the rate
// limiter, or nil when the cache is unreachable so the limiter falls back to
// its in-memory store. The storage driver panics on a failed connect, hence
// the ping through client first.
func NewLimiterStorage(ctx context.Context, client *goredis.Client, cfg config.Cache) fiber.Storage {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if client == nil || client.Ping(pingCtx).Err() != nil {
		log.Warn("[Cache] Rate limiter uses in-memory storage")
		return nil
	}

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
